package source

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/internal/connector/mock"
	"github.com/trovehq/trove/internal/queue"
	"github.com/trovehq/trove/internal/store"
	"github.com/trovehq/trove/pkg/models"
)

type harness struct {
	store    *store.Store
	taskQ    *queue.Queue[models.TaskItem]
	indexQ   *queue.Queue[models.IndexItem]
	registry *Registry
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "db.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	taskQ, err := queue.Open[models.TaskItem](filepath.Join(dir, "tasks.sqlite3"), "tasks")
	if err != nil {
		t.Fatalf("open task queue: %v", err)
	}
	t.Cleanup(func() { taskQ.Close() })

	indexQ, err := queue.Open[models.IndexItem](filepath.Join(dir, "indexing.sqlite3"), "index")
	if err != nil {
		t.Fatalf("open index queue: %v", err)
	}
	t.Cleanup(func() { indexQ.Close() })

	h := &harness{store: st, taskQ: taskQ, indexQ: indexQ, now: time.Now().UTC()}

	reg, err := NewRegistry(context.Background(), Deps{
		Store:        st,
		TaskQ:        taskQ,
		IndexQ:       indexQ,
		ReindexAfter: time.Hour,
		Now:          func() time.Time { return h.now },
	}, []*connector.Descriptor{mock.Descriptor()})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	h.registry = reg
	return h
}

func TestRegistryUpsertsSourceTypes(t *testing.T) {
	h := newHarness(t)

	types, err := h.store.ListSourceTypes(context.Background())
	if err != nil {
		t.Fatalf("list types: %v", err)
	}
	if len(types) != 1 || types[0].Name != "mock" {
		t.Fatalf("expected mock type registered, got %+v", types)
	}

	listed := h.registry.Types(func(name string) string { return "data:image/png;base64,icon" })
	if len(listed) != 1 || listed[0].ImageBase64 == "" {
		t.Errorf("expected types listing with icon, got %+v", listed)
	}
}

func TestCreateSourceRegistersInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.registry.CreateSource(ctx, "mock", mock.RawConfig(mock.Config{Token: "T"}))
	if err != nil {
		t.Fatalf("create source: %v", err)
	}

	inst, err := h.registry.GetInstance(id)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.TypeName() != "mock" {
		t.Errorf("unexpected type %q", inst.TypeName())
	}
	if !inst.LastIndexedAt().Equal(models.NeverIndexed) {
		t.Errorf("expected never-indexed watermark, got %v", inst.LastIndexedAt())
	}

	connected := h.registry.Connected()
	if len(connected) != 1 || connected[0].ID != id {
		t.Errorf("expected connected listing, got %+v", connected)
	}
}

func TestCreateSourceValidatesFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.registry.CreateSource(ctx, "mock",
		mock.RawConfig(mock.Config{Token: "T", FailValidate: "invalid"}))
	if !models.IsInvalidConfig(err) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}

	_, err = h.registry.CreateSource(ctx, "mock",
		mock.RawConfig(mock.Config{Token: "T", FailValidate: "known"}))
	if !models.IsKnown(err) {
		t.Fatalf("expected KnownError, got %v", err)
	}

	// No row may exist after failed validation.
	sources, err := h.store.ListSources(ctx)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(sources) != 0 {
		t.Errorf("expected no sources after failed validation, got %d", len(sources))
	}

	if _, err := h.registry.CreateSource(ctx, "unknown", mock.RawConfig(mock.Config{Token: "T"})); models.CodeOf(err) != models.ErrTypeNotFound {
		t.Errorf("expected type-not-found, got %v", err)
	}
}

func TestDeleteSourceUnregisters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.registry.CreateSource(ctx, "mock", mock.RawConfig(mock.Config{Token: "T"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.registry.DeleteSource(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.registry.GetInstance(id); models.CodeOf(err) != models.ErrSourceNotFound {
		t.Errorf("expected instance gone, got %v", err)
	}
	if got := h.registry.Connected(); len(got) != 0 {
		t.Errorf("expected empty connected listing, got %+v", got)
	}
}

func TestIndexFeedsSeedTasksAndGates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.registry.CreateSource(ctx, "mock", mock.RawConfig(mock.Config{Token: "T"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inst, _ := h.registry.GetInstance(id)

	inst.Index(ctx, true)
	if n, _ := h.taskQ.Len(ctx); n != 1 {
		t.Fatalf("expected 1 seed task, got %d", n)
	}
	if !inst.LastCrawlStarted().Equal(h.now) {
		t.Errorf("expected crawl start %v recorded, got %v", h.now, inst.LastCrawlStarted())
	}

	// Persisted watermark survives a registry reload.
	src, err := h.store.GetSource(ctx, id)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if !src.LastIndexedAt.Equal(h.now.Truncate(time.Millisecond)) && !src.LastIndexedAt.Equal(h.now) {
		t.Errorf("expected persisted watermark, got %v", src.LastIndexedAt)
	}

	// Within the staleness window an unforced crawl is skipped.
	h.now = h.now.Add(30 * time.Minute)
	inst.Index(ctx, false)
	if n, _ := h.taskQ.Len(ctx); n != 1 {
		t.Errorf("expected skip within the hour, got %d tasks", n)
	}

	// After the window it runs again.
	h.now = h.now.Add(31 * time.Minute)
	inst.Index(ctx, false)
	if n, _ := h.taskQ.Len(ctx); n != 2 {
		t.Errorf("expected second crawl after an hour, got %d tasks", n)
	}
}

func TestIncrementalWatermarkLagsOneCrawl(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.registry.CreateSource(ctx, "mock", mock.RawConfig(mock.Config{Token: "T"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inst, _ := h.registry.GetInstance(id)

	first := h.now
	inst.Index(ctx, true)
	// During and after the first crawl connectors still filter against
	// the never-indexed sentinel, not the crawl's own start time.
	if !inst.LastIndexedAt().Equal(models.NeverIndexed) {
		t.Errorf("expected sentinel watermark during first crawl, got %v", inst.LastIndexedAt())
	}

	h.now = h.now.Add(2 * time.Hour)
	inst.Index(ctx, false)
	if !inst.LastIndexedAt().Equal(first) {
		t.Errorf("expected watermark %v after second crawl, got %v", first, inst.LastIndexedAt())
	}
}

func TestListLocations(t *testing.T) {
	h := newHarness(t)

	locations, err := h.registry.ListLocations(context.Background(), "mock",
		mock.RawConfig(mock.Config{Token: "T"}))
	if err != nil {
		t.Fatalf("list locations: %v", err)
	}
	if len(locations) != 2 || locations[0].Value != "alpha" {
		t.Errorf("unexpected locations: %+v", locations)
	}
}

func TestRegistryReloadsInstancesFromStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.registry.CreateSource(ctx, "mock", mock.RawConfig(mock.Config{Token: "T"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reloaded, err := NewRegistry(ctx, Deps{
		Store:  h.store,
		TaskQ:  h.taskQ,
		IndexQ: h.indexQ,
	}, []*connector.Descriptor{mock.Descriptor()})
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	if _, err := reloaded.GetInstance(id); err != nil {
		t.Errorf("expected instance restored from store: %v", err)
	}
}
