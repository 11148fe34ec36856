package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/internal/connector/mock"
	"github.com/trovehq/trove/internal/queue"
	"github.com/trovehq/trove/internal/source"
	"github.com/trovehq/trove/internal/store"
	"github.com/trovehq/trove/pkg/models"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type schedEnv struct {
	taskQ     *queue.Queue[models.TaskItem]
	registry  *source.Registry
	scheduler *Scheduler
	clock     *clock
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

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

	c := &clock{now: time.Now().UTC()}
	registry, err := source.NewRegistry(ctx, source.Deps{
		Store:        st,
		TaskQ:        taskQ,
		IndexQ:       indexQ,
		ReindexAfter: time.Hour,
		Now:          c.Now,
	}, []*connector.Descriptor{mock.Descriptor()})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	sched := New(registry, Options{
		Tick:         time.Minute,
		ReindexAfter: time.Hour,
		Now:          c.Now,
	})
	return &schedEnv{taskQ: taskQ, registry: registry, scheduler: sched, clock: c}
}

func (e *schedEnv) addSource(t *testing.T) int64 {
	t.Helper()
	id, err := e.registry.CreateSource(context.Background(), "mock",
		mock.RawConfig(mock.Config{Token: "T"}))
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	return id
}

func (e *schedEnv) tasks(t *testing.T) int {
	t.Helper()
	n, err := e.taskQ.Len(context.Background())
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	return n
}

func TestTickCrawlsNeverIndexedSources(t *testing.T) {
	e := newSchedEnv(t)
	e.addSource(t)
	e.addSource(t)

	e.scheduler.Tick(context.Background())
	if got := e.tasks(t); got != 2 {
		t.Errorf("expected both sources crawled, got %d tasks", got)
	}
}

func TestTickSkipsFreshSources(t *testing.T) {
	e := newSchedEnv(t)
	e.addSource(t)

	ctx := context.Background()
	e.scheduler.Tick(ctx)
	if got := e.tasks(t); got != 1 {
		t.Fatalf("expected initial crawl, got %d", got)
	}

	e.clock.now = e.clock.now.Add(30 * time.Minute)
	e.scheduler.Tick(ctx)
	if got := e.tasks(t); got != 1 {
		t.Errorf("expected fresh source skipped, got %d tasks", got)
	}

	e.clock.now = e.clock.now.Add(31 * time.Minute)
	e.scheduler.Tick(ctx)
	if got := e.tasks(t); got != 2 {
		t.Errorf("expected stale source re-crawled, got %d tasks", got)
	}
}

func TestTriggerAllIgnoresFreshness(t *testing.T) {
	e := newSchedEnv(t)
	e.addSource(t)

	ctx := context.Background()
	e.scheduler.Tick(ctx)
	e.scheduler.TriggerAll(ctx)

	if got := e.tasks(t); got != 2 {
		t.Errorf("expected forced second crawl, got %d tasks", got)
	}
}

func TestStartStop(t *testing.T) {
	e := newSchedEnv(t)
	e.scheduler.Start(context.Background())

	done := make(chan struct{})
	go func() {
		e.scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
