// Package scheduler drives periodic re-crawls: a single ticker that walks
// the registered sources and re-indexes any that have gone stale.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/observability"
	"github.com/trovehq/trove/internal/source"
)

// Options tunes the scheduler. Zero values fall back to the defaults.
type Options struct {
	// Tick is the wakeup interval.
	Tick time.Duration
	// ReindexAfter is how stale a source must be before a tick re-crawls it.
	ReindexAfter time.Duration
	// Now is the injected clock, defaulting to time.Now.
	Now func() time.Time
}

const (
	defaultTick         = time.Minute
	defaultReindexAfter = time.Hour
)

// Scheduler periodically re-indexes stale sources.
type Scheduler struct {
	registry *source.Registry
	opts     Options
	logger   zerolog.Logger

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New wires a scheduler; call Start to begin ticking.
func New(registry *source.Registry, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.ReindexAfter <= 0 {
		opts.ReindexAfter = defaultReindexAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		registry:   registry,
		opts:       opts,
		logger:     observability.Logger("scheduler"),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.shutdownCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.logger.Info().Dur("tick", s.opts.Tick).Msg("scheduler started")
}

// Stop halts the loop and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	close(s.shutdownCh)
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Tick re-indexes every source whose newest crawl is older than the
// staleness window. The gate is re-checked inside Index, so a source crawled
// between the filter and the call is still skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.opts.Now().UTC()
	for _, inst := range s.registry.Instances() {
		if now.Sub(inst.LastCrawlStarted()) < s.opts.ReindexAfter {
			continue
		}
		observability.LogEvent(
			observability.WithSourceID(s.logger, inst.ID()),
			observability.EventCrawlStarted,
			map[string]interface{}{"type": inst.TypeName(), "forced": false},
		)
		inst.Index(ctx, false)
	}
}

// TriggerAll forces an immediate crawl of every source, staleness ignored.
func (s *Scheduler) TriggerAll(ctx context.Context) {
	for _, inst := range s.registry.Instances() {
		inst.Index(ctx, true)
	}
}
