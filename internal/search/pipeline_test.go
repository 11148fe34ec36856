package search

import (
	"context"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trovehq/trove/internal/index/lexical"
	"github.com/trovehq/trove/internal/index/vector"
	"github.com/trovehq/trove/internal/ml"
	"github.com/trovehq/trove/internal/store"
	"github.com/trovehq/trove/pkg/models"
)

// hashEncoder maps each text to a stable pseudo-random unit vector.
type hashEncoder struct{}

func (hashEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 8)
		h := fnv.New64a()
		h.Write([]byte(text))
		seed := h.Sum64()
		var sum float64
		for d := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[d] = float32(int64(seed>>33)%1000) / 1000
			sum += float64(vec[d]) * float64(vec[d])
		}
		norm := float32(math.Sqrt(sum))
		for d := range vec {
			vec[d] /= norm
		}
		out[i] = vec
	}
	return out, nil
}

func (hashEncoder) Dimension() int { return 8 }

// overlapScorer scores a passage by how many distinct query tokens it
// contains, shifted so a zero-overlap passage calibrates below 50%.
type overlapScorer struct{}

func (overlapScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	queryTokens := strings.Fields(strings.ToLower(query))
	scores := make([]float64, len(passages))
	for i, passage := range passages {
		lower := strings.ToLower(passage)
		for _, tok := range queryTokens {
			if strings.Contains(lower, tok) {
				scores[i] += 2
			}
		}
		scores[i] -= 4
	}
	return scores, nil
}

// substringAnswerer extracts the first occurrence of the longest query word.
type substringAnswerer struct{}

func (substringAnswerer) Answer(ctx context.Context, question string, contexts []string) ([]ml.Span, error) {
	target := ""
	for _, word := range strings.Fields(strings.ToLower(question)) {
		if len(word) > len(target) {
			target = word
		}
	}
	spans := make([]ml.Span, len(contexts))
	for i, c := range contexts {
		idx := strings.Index(strings.ToLower(c), target)
		if idx < 0 {
			continue
		}
		spans[i] = ml.Span{Text: c[idx : idx+len(target)], Start: idx, End: idx + len(target), Score: 1}
	}
	return spans, nil
}

type searchEnv struct {
	store    *store.Store
	pipeline *Pipeline
	source   models.Source
	lexical  *lexical.Index
	vector   vector.Index
}

func newSearchEnv(t *testing.T) *searchEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.New(filepath.Join(dir, "db.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.UpsertSourceType(ctx, models.SourceType{Name: "mock", DisplayName: "Mock"}); err != nil {
		t.Fatalf("upsert type: %v", err)
	}
	src, err := st.CreateSource(ctx, "mock", []byte(`{}`))
	if err != nil {
		t.Fatalf("create source: %v", err)
	}

	lex := lexical.New("")
	vec, err := vector.NewChromem("")
	if err != nil {
		t.Fatalf("open vector index: %v", err)
	}
	t.Cleanup(func() { vec.Close() })

	pipeline := NewPipeline(st, lex, vec, hashEncoder{}, overlapScorer{}, overlapScorer{},
		substringAnswerer{}, nil, nil, Config{})

	return &searchEnv{store: st, pipeline: pipeline, source: src, lexical: lex, vector: vec}
}

// index persists a document tree and refreshes both indexes, the way the
// indexer does after a batch.
func (e *searchEnv) index(t *testing.T, doc models.Document) {
	t.Helper()
	ctx := context.Background()
	doc.SourceID = e.source.ID
	if doc.Kind == "" {
		doc.Kind = models.KindDocument
	}

	inserted, err := e.store.InsertDocumentTree(ctx, doc, func(d models.Document) []string {
		if strings.TrimSpace(d.Content) == "" {
			return nil
		}
		return []string{d.Content}
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	entries, err := e.store.AllChunkEntries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	lexEntries := make([]lexical.Entry, len(entries))
	for i, en := range entries {
		lexEntries[i] = lexical.Entry(en)
	}
	if err := e.lexical.Rebuild(lexEntries); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	ids := make([]int64, len(inserted.Chunks))
	texts := make([]string, len(inserted.Chunks))
	for i, chunk := range inserted.Chunks {
		ids[i] = chunk.ID
		texts[i] = chunk.Content
	}
	if len(ids) > 0 {
		vecs, err := hashEncoder{}.Encode(ctx, texts)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := e.vector.Upsert(ctx, ids, vecs, texts); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
}

func TestSearchRanksRelevantFirst(t *testing.T) {
	e := newSearchEnv(t)

	e.index(t, models.Document{
		ExternalID: "penguins",
		Title:      "Penguin Facts",
		URL:        "https://example.com/penguins",
		Timestamp:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Content:    "Penguins live in Antarctica. They eat fish and krill.",
	})
	e.index(t, models.Document{
		ExternalID: "taxes",
		Title:      "Tax Deadlines",
		URL:        "https://example.com/taxes",
		Timestamp:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Content:    "Corporate filings are due in April. File early to avoid penalties.",
	})

	results, err := e.pipeline.Search(context.Background(), "penguins antarctica", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Title != "Penguin Facts" {
		t.Errorf("expected penguin doc first, got %q", results[0].Title)
	}
	if results[0].DataSource != "mock" {
		t.Errorf("expected data source name, got %q", results[0].DataSource)
	}
	if len(results) > 1 && results[1].Score > results[0].Score {
		t.Error("results out of score order")
	}
}

func TestSearchAnswerRendering(t *testing.T) {
	e := newSearchEnv(t)

	e.index(t, models.Document{
		ExternalID: "penguins",
		Title:      "Penguin Facts",
		URL:        "https://example.com/penguins",
		Timestamp:  time.Now().UTC(),
		Content:    "Penguins live in Antarctica. They eat fish and krill.",
	})

	results, err := e.pipeline.Search(context.Background(), "where is antarctica", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	hit := results[0]
	if len(hit.Content) == 0 || !hit.Content[0].Bold {
		t.Fatalf("expected bold answer part, got %+v", hit.Content)
	}
	if hit.Content[0].Content != "Penguins live in Antarctica." {
		t.Errorf("expected sentence-snapped answer, got %q", hit.Content[0].Content)
	}
	if !strings.Contains(hit.URL, "#:~:text=") {
		t.Errorf("expected scroll-to-text fragment, got %q", hit.URL)
	}
	if hit.Score < 0 || hit.Score > 100 {
		t.Errorf("score out of range: %v", hit.Score)
	}
}

func TestSearchGroupsChildrenUnderParent(t *testing.T) {
	e := newSearchEnv(t)

	e.index(t, models.Document{
		ExternalID: "thread-1",
		Kind:       models.KindMessage,
		Title:      "Deploy thread",
		Author:     "ops",
		URL:        "https://example.com/thread-1",
		Timestamp:  time.Now().UTC(),
		Children: []models.Document{
			{ExternalID: "thread-1/r1", Kind: models.KindMessage, Title: "Deploy thread",
				Author: "dev", URL: "https://example.com/thread-1#r1",
				Timestamp: time.Now().UTC(),
				Content:   "Kubernetes rollout finished without errors."},
		},
	})

	results, err := e.pipeline.Search(context.Background(), "kubernetes rollout", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 grouped result, got %d", len(results))
	}

	parent := results[0]
	if parent.Author != "ops" {
		t.Errorf("expected parent fronting the group, got %+v", parent)
	}
	if parent.Child == nil {
		t.Fatal("expected child result attached")
	}
	if parent.Child.Author != "dev" {
		t.Errorf("expected child hit, got %+v", parent.Child)
	}
	if parent.Score != parent.Child.Score {
		t.Errorf("parent must carry the child's score: %v vs %v", parent.Score, parent.Child.Score)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	e := newSearchEnv(t)

	results, err := e.pipeline.Search(context.Background(), "anything", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestSearchHonoursTopK(t *testing.T) {
	e := newSearchEnv(t)

	for i := 0; i < 5; i++ {
		e.index(t, models.Document{
			ExternalID: strings.Repeat("d", i+1),
			Title:      "Shared topic",
			URL:        "https://example.com/" + strings.Repeat("d", i+1),
			Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Minute),
			Content:    "shared topic variant " + strings.Repeat("x ", i+1),
		})
	}

	results, err := e.pipeline.Search(context.Background(), "shared topic", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) > 2 {
		t.Errorf("expected at most 2 results, got %d", len(results))
	}
}
