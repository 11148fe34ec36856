package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trovehq/trove/pkg/models"
)

func openTaskQueue(t *testing.T, path string) *Queue[models.TaskItem] {
	t.Helper()
	q, err := Open[models.TaskItem](path, "tasks")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestPutGetAck(t *testing.T) {
	ctx := context.Background()
	q := openTaskQueue(t, filepath.Join(t.TempDir(), "tasks.sqlite3"))

	task := models.NewTask(1, "list_dir", map[string]string{"path": "/tmp"})
	if err := q.Put(ctx, task); err != nil {
		t.Fatalf("put: %v", err)
	}

	d, err := q.Get(ctx, time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d == nil {
		t.Fatal("expected a delivery")
	}
	if d.Item.FunctionName != "list_dir" || d.Item.Kwargs["path"] != "/tmp" {
		t.Errorf("unexpected payload: %+v", d.Item)
	}
	if d.Item.AttemptsRemaining != models.DefaultTaskAttempts {
		t.Errorf("expected %d attempts, got %d", models.DefaultTaskAttempts, d.Item.AttemptsRemaining)
	}

	if err := q.Ack(ctx, d.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("expected empty queue after ack, got %d", n)
	}
}

func TestGetTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	q := openTaskQueue(t, filepath.Join(t.TempDir(), "tasks.sqlite3"))

	start := time.Now()
	d, err := q.Get(ctx, 120*time.Millisecond)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil delivery, got %+v", d)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("expected Get to block until the timeout")
	}
}

func TestNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q := openTaskQueue(t, filepath.Join(t.TempDir(), "tasks.sqlite3"))

	if err := q.Put(ctx, models.NewTask(1, "fetch", nil)); err != nil {
		t.Fatalf("put: %v", err)
	}
	d, _ := q.Get(ctx, time.Second)
	if err := q.Nack(ctx, d.ID); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again, err := q.Get(ctx, time.Second)
	if err != nil || again == nil {
		t.Fatalf("expected re-delivery, got %v, %v", again, err)
	}
	if again.ID != d.ID {
		t.Errorf("expected the same item id %d, got %d", d.ID, again.ID)
	}
}

func TestUpdatePersistsAttemptDecrement(t *testing.T) {
	ctx := context.Background()
	q := openTaskQueue(t, filepath.Join(t.TempDir(), "tasks.sqlite3"))

	if err := q.Put(ctx, models.NewTask(1, "fetch", nil)); err != nil {
		t.Fatalf("put: %v", err)
	}
	d, _ := q.Get(ctx, time.Second)
	d.Item.AttemptsRemaining--
	if err := q.Update(ctx, d.ID, d.Item); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := q.Nack(ctx, d.ID); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again, _ := q.Get(ctx, time.Second)
	if again.Item.AttemptsRemaining != models.DefaultTaskAttempts-1 {
		t.Errorf("expected %d attempts after update, got %d",
			models.DefaultTaskAttempts-1, again.Item.AttemptsRemaining)
	}
}

func TestAckFailedDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := openTaskQueue(t, filepath.Join(t.TempDir(), "tasks.sqlite3"))

	if err := q.Put(ctx, models.NewTask(1, "fetch", nil)); err != nil {
		t.Fatalf("put: %v", err)
	}
	d, _ := q.Get(ctx, time.Second)
	if err := q.AckFailed(ctx, d.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	// Dead letters are neither counted nor re-delivered.
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("expected dead letter excluded from Len, got %d", n)
	}
	if again, _ := q.Get(ctx, 100*time.Millisecond); again != nil {
		t.Errorf("expected no re-delivery of dead letter, got %+v", again)
	}
}

func TestUnackRecoveryAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.sqlite3")

	q, err := Open[models.TaskItem](path, "tasks")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q.Put(ctx, models.NewTask(7, "fetch", nil)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if d, _ := q.Get(ctx, time.Second); d == nil {
		t.Fatal("expected delivery")
	}
	// Simulated crash: close without acking.
	q.Close()

	q2 := openTaskQueue(t, path)
	d, err := q2.Get(ctx, time.Second)
	if err != nil || d == nil {
		t.Fatalf("expected recovered delivery, got %v, %v", d, err)
	}
	if d.Item.SourceID != 7 {
		t.Errorf("unexpected recovered payload: %+v", d.Item)
	}
}

func TestDrainReturnsBatch(t *testing.T) {
	ctx := context.Background()
	q, err := Open[models.IndexItem](filepath.Join(t.TempDir(), "indexing.sqlite3"), "index")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	for i := 0; i < 5; i++ {
		doc := models.Document{SourceID: 1, ExternalID: string(rune('a' + i))}
		if err := q.Put(ctx, models.IndexItem{Doc: doc}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	batch, err := q.Drain(ctx, 3, time.Second)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 items, got %d", len(batch))
	}

	rest, err := q.Drain(ctx, 10, time.Second)
	if err != nil {
		t.Fatalf("drain rest: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining items, got %d", len(rest))
	}

	empty, err := q.Drain(ctx, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("drain empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty drain, got %d items", len(empty))
	}
}

func TestApproximateFIFO(t *testing.T) {
	ctx := context.Background()
	q := openTaskQueue(t, filepath.Join(t.TempDir(), "tasks.sqlite3"))

	for _, name := range []string{"first", "second", "third"} {
		if err := q.Put(ctx, models.NewTask(1, name, nil)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	for _, want := range []string{"first", "second", "third"} {
		d, _ := q.Get(ctx, time.Second)
		if d == nil || d.Item.FunctionName != want {
			t.Fatalf("expected %q next, got %+v", want, d)
		}
		q.Ack(ctx, d.ID)
	}
}
