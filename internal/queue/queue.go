// Package queue provides a durable SQLite-backed ack queue with
// at-least-once delivery. Two instances back the system: the crawl-task
// queue (tasks.sqlite3) and the document indexing queue (indexing.sqlite3).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/observability"
)

// Item statuses. Dequeued items sit in "unacked" until acked, nacked, or the
// process crashes; crashed deliveries are recovered to "ready" at next open.
const (
	statusReady   = "ready"
	statusUnacked = "unacked"
	statusFailed  = "failed"
)

// pollInterval is how often a blocked Get/Drain re-checks for ready items.
const pollInterval = 50 * time.Millisecond

// Delivery is one dequeued item together with the id used to ack it.
type Delivery[T any] struct {
	ID   int64
	Item T
}

// Queue is a persistent FIFO-ish ack queue. Ordering is approximate: items
// are delivered by rowid but concurrent consumers interleave freely.
type Queue[T any] struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) a queue at path and recovers any items
// left in-flight by a previous process.
func Open[T any](path, name string) (*Queue[T], error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	q := &Queue[T]{db: db, logger: observability.Logger("queue." + name)}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ready',
			enqueued_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_items_status ON items(status, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}

	// Unack recovery: deliveries in flight when the last process died are
	// made available again, preserving at-least-once semantics.
	res, err := db.Exec(`UPDATE items SET status = ?, updated_at = ? WHERE status = ?`,
		statusReady, time.Now().UTC(), statusUnacked)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recover unacked items: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Info().Int64("recovered", n).Msg("recovered in-flight items")
	}

	return q, nil
}

// Close closes the underlying database.
func (q *Queue[T]) Close() error {
	return q.db.Close()
}

// Put appends an item to the queue.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO items (payload, status, enqueued_at, updated_at) VALUES (?, ?, ?, ?)`,
		string(payload), statusReady, now, now)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

// Get blocks up to timeout for one ready item, marks it in-flight, and
// returns it. Returns nil when the timeout elapses with nothing ready.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (*Delivery[T], error) {
	deadline := time.Now().Add(timeout)
	for {
		deliveries, err := q.take(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return &deliveries[0], nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Drain blocks up to timeout for the first ready item, then returns up to
// maxN currently-ready items at once.
func (q *Queue[T]) Drain(ctx context.Context, maxN int, timeout time.Duration) ([]Delivery[T], error) {
	deadline := time.Now().Add(timeout)
	for {
		deliveries, err := q.take(ctx, maxN)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// take atomically claims up to n ready items.
func (q *Queue[T]) take(ctx context.Context, n int) ([]Delivery[T], error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload FROM items WHERE status = ? ORDER BY id LIMIT ?`,
		statusReady, n)
	if err != nil {
		return nil, fmt.Errorf("query ready items: %w", err)
	}

	var deliveries []Delivery[T]
	for rows.Next() {
		var d Delivery[T]
		var payload string
		if err := rows.Scan(&d.ID, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &d.Item); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode queue item %d: %w", d.ID, err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(deliveries) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	for _, d := range deliveries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET status = ?, updated_at = ? WHERE id = ?`,
			statusUnacked, now, d.ID); err != nil {
			return nil, fmt.Errorf("claim item %d: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take: %w", err)
	}
	return deliveries, nil
}

// Ack removes a delivered item permanently.
func (q *Queue[T]) Ack(ctx context.Context, id int64) error {
	return q.setFromUnacked(ctx, id, "", "ack")
}

// Nack returns a delivered item to the queue for re-delivery.
func (q *Queue[T]) Nack(ctx context.Context, id int64) error {
	return q.setFromUnacked(ctx, id, statusReady, "nack")
}

// AckFailed drops a delivered item to the dead-letter region. Failed rows
// are kept for inspection and never re-delivered.
func (q *Queue[T]) AckFailed(ctx context.Context, id int64) error {
	return q.setFromUnacked(ctx, id, statusFailed, "ack failed", func() {
		q.logger.Warn().Int64("item_id", id).Msg("item moved to dead-letter")
	})
}

func (q *Queue[T]) setFromUnacked(ctx context.Context, id int64, status, verb string, onDone ...func()) error {
	var res sql.Result
	var err error
	if status == "" {
		res, err = q.db.ExecContext(ctx,
			`DELETE FROM items WHERE id = ? AND status = ?`, id, statusUnacked)
	} else {
		res, err = q.db.ExecContext(ctx,
			`UPDATE items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			status, time.Now().UTC(), id, statusUnacked)
	}
	if err != nil {
		return fmt.Errorf("%s item %d: %w", verb, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s item %d: not in flight", verb, id)
	}
	for _, f := range onDone {
		f()
	}
	return nil
}

// Update replaces the payload of an in-flight item, typically to decrement
// its remaining-attempts counter before a Nack.
func (q *Queue[T]) Update(ctx context.Context, id int64, item T) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE items SET payload = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(payload), time.Now().UTC(), id, statusUnacked)
	if err != nil {
		return fmt.Errorf("update item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update item %d: not in flight", id)
	}
	return nil
}

// Len counts items still owed to consumers: ready plus in-flight, excluding
// the dead-letter region.
func (q *Queue[T]) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE status IN (?, ?)`,
		statusReady, statusUnacked).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return n, nil
}

// Stats splits the owed items into ready (waiting) and unacked (in flight).
func (q *Queue[T]) Stats(ctx context.Context) (ready, unacked int, err error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM items WHERE status IN (?, ?) GROUP BY status`,
		statusReady, statusUnacked)
	if err != nil {
		return 0, 0, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case statusReady:
			ready = n
		case statusUnacked:
			unacked = n
		}
	}
	return ready, unacked, rows.Err()
}

// Clear removes every item, dead letters included.
func (q *Queue[T]) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}
