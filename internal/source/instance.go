package source

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/pkg/models"
)

// Instance wraps one live connector with its identity and crawl gate.
type Instance struct {
	registry *Registry
	sourceID int64
	typeName string
	conn     connector.Connector
	logger   zerolog.Logger

	mu sync.Mutex
	// lastIndexedAt is when the newest crawl started; it gates re-index
	// thrashing and is persisted. crawlSince is the previous crawl's
	// start, which connectors filter against while the current crawl is
	// still feeding.
	lastIndexedAt time.Time
	crawlSince    time.Time
}

// ID returns the source id.
func (i *Instance) ID() int64 { return i.sourceID }

// TypeName returns the connector kind.
func (i *Instance) TypeName() string { return i.typeName }

// Connector exposes the wrapped connector for task dispatch.
func (i *Instance) Connector() connector.Connector { return i.conn }

// LastIndexedAt is the incremental watermark connectors filter against: the
// start of the previous completed-or-running crawl.
func (i *Instance) LastIndexedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.crawlSince.IsZero() {
		return i.lastIndexedAt
	}
	return i.crawlSince
}

// LastCrawlStarted is the gate value the scheduler filters on: when the
// newest crawl started.
func (i *Instance) LastCrawlStarted() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastIndexedAt
}

// resetWatermark drops the instance back to never-indexed, after the index
// has been cleared out from under it.
func (i *Instance) resetWatermark() {
	i.mu.Lock()
	i.lastIndexedAt = models.NeverIndexed
	i.crawlSince = time.Time{}
	i.mu.Unlock()
}

// Index starts a crawl. Unless forced, a source crawled within the
// registry's staleness window is skipped to guard against thrashing. The
// crawl timestamp is persisted before seed tasks are fed so the watermark
// survives restarts; any error is logged, never propagated.
func (i *Instance) Index(ctx context.Context, force bool) {
	now := i.registry.deps.Now().UTC()

	i.mu.Lock()
	if !force && now.Sub(i.lastIndexedAt) < i.registry.deps.ReindexAfter {
		i.mu.Unlock()
		i.logger.Debug().Time("last_indexed_at", i.lastIndexedAt).Msg("skipping fresh source")
		return
	}
	previous := i.lastIndexedAt
	i.lastIndexedAt = now
	i.crawlSince = previous
	i.mu.Unlock()

	if err := i.registry.deps.Store.TouchSourceIndexed(ctx, i.sourceID, now); err != nil {
		i.mu.Lock()
		i.lastIndexedAt = previous
		i.crawlSince = time.Time{}
		i.mu.Unlock()
		i.logger.Error().Err(err).Msg("persist crawl timestamp failed")
		return
	}

	i.logger.Info().Bool("force", force).Msg("crawl started")
	if err := i.conn.FeedNewDocuments(ctx); err != nil {
		i.logger.Error().Err(err).Msg("feed new documents failed")
	}
}
