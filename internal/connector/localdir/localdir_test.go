package localdir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/pkg/models"
)

// recorder captures what the connector enqueues and emits.
type recorder struct {
	tasks []models.TaskItem
	docs  []models.Document
}

func newRuntime(t *testing.T, cfg Config, since time.Time, rec *recorder) *connector.Runtime {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return &connector.Runtime{
		SourceID:      1,
		TypeName:      "localdir",
		RawConfig:     raw,
		LastIndexedAt: func() time.Time { return since },
		Enqueue: func(ctx context.Context, function string, kwargs map[string]string) error {
			rec.tasks = append(rec.tasks, models.NewTask(1, function, kwargs))
			return nil
		},
		EmitDocument: func(ctx context.Context, doc models.Document) error {
			rec.docs = append(rec.docs, doc)
			return nil
		},
		Logger: zerolog.Nop(),
	}
}

// drain runs every queued task to completion, like the worker pool would.
func drain(t *testing.T, c connector.Connector, rec *recorder) {
	t.Helper()
	tasks := c.Tasks()
	for len(rec.tasks) > 0 {
		next := rec.tasks[0]
		rec.tasks = rec.tasks[1:]
		fn, ok := tasks[next.FunctionName]
		if !ok {
			t.Fatalf("enqueued unknown task %q", next.FunctionName)
		}
		if err := fn(context.Background(), next.Kwargs); err != nil {
			t.Fatalf("task %s: %v", next.FunctionName, err)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		code    models.ErrorCode
	}{
		{"valid", Config{Path: dir}, false, ""},
		{"empty path", Config{}, true, models.ErrInvalidConfig},
		{"missing dir", Config{Path: filepath.Join(dir, "absent")}, true, models.ErrInvalidConfig},
		{"bad glob", Config{Path: dir, IncludeGlob: "[x"}, true, models.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c, err := New(newRuntime(t, tt.cfg, models.NeverIndexed, rec))
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			err = c.ValidateConfig(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate err = %v, want error %v", err, tt.wantErr)
			}
			if tt.wantErr && models.CodeOf(err) != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, models.CodeOf(err))
			}
		})
	}
}

func TestListLocationsReturnsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "guides"), 0700)
	os.Mkdir(filepath.Join(dir, "notes"), 0700)
	writeFile(t, filepath.Join(dir, "loose.txt"), "x")

	rec := &recorder{}
	c, err := New(newRuntime(t, Config{Path: dir}, models.NeverIndexed, rec))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	locations, err := c.ListLocations(context.Background())
	if err != nil {
		t.Fatalf("list locations: %v", err)
	}
	if len(locations) != 2 {
		t.Fatalf("expected 2 locations, got %+v", locations)
	}
}

func TestCrawlEmitsDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hello.txt"), "The quick brown fox jumps over the lazy dog.")
	writeFile(t, filepath.Join(dir, "sub", "nested.md"), "Nested note content.")
	writeFile(t, filepath.Join(dir, "skip.bin"), "binary")

	rec := &recorder{}
	c, err := New(newRuntime(t, Config{Path: dir}, models.NeverIndexed, rec))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.FeedNewDocuments(context.Background()); err != nil {
		t.Fatalf("feed: %v", err)
	}
	drain(t, c, rec)

	if len(rec.docs) != 2 {
		t.Fatalf("expected 2 documents, got %d: %+v", len(rec.docs), rec.docs)
	}

	byID := map[string]models.Document{}
	for _, d := range rec.docs {
		byID[d.ExternalID] = d
	}
	hello, ok := byID["hello.txt"]
	if !ok {
		t.Fatalf("expected hello.txt document, got %+v", byID)
	}
	if hello.Title != "hello" || hello.Kind != models.KindDocument || hello.FileKind != models.FileTxt {
		t.Errorf("unexpected document: %+v", hello)
	}
	if hello.Content == "" {
		t.Error("expected parsed content")
	}
	if _, ok := byID[filepath.Join("sub", "nested.md")]; !ok {
		t.Errorf("expected nested document, got %+v", byID)
	}
}

func TestCrawlSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "old.txt"), "old content")

	rec := &recorder{}
	c, err := New(newRuntime(t, Config{Path: dir}, time.Now().Add(time.Hour), rec))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.FeedNewDocuments(context.Background()); err != nil {
		t.Fatalf("feed: %v", err)
	}
	drain(t, c, rec)

	if len(rec.docs) != 0 {
		t.Errorf("expected unchanged files skipped, got %+v", rec.docs)
	}
}

func TestCrawlHonoursIncludeGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keep.md"), "kept")
	writeFile(t, filepath.Join(dir, "drop.txt"), "dropped")

	rec := &recorder{}
	c, err := New(newRuntime(t, Config{Path: dir, IncludeGlob: "*.md"}, models.NeverIndexed, rec))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.FeedNewDocuments(context.Background()); err != nil {
		t.Fatalf("feed: %v", err)
	}
	drain(t, c, rec)

	if len(rec.docs) != 1 || rec.docs[0].ExternalID != "keep.md" {
		t.Errorf("expected only keep.md, got %+v", rec.docs)
	}
}

func TestLargeDirectoryPaginates(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < pageSize+20; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("note-%03d.txt", i)), "content")
	}

	rec := &recorder{}
	c, err := New(newRuntime(t, Config{Path: dir}, models.NeverIndexed, rec))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.FeedNewDocuments(context.Background()); err != nil {
		t.Fatalf("feed: %v", err)
	}
	drain(t, c, rec)

	if len(rec.docs) != pageSize+20 {
		t.Errorf("expected every file crawled across pages, got %d", len(rec.docs))
	}
}
