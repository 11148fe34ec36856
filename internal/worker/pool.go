// Package worker runs the crawl task pool: N goroutines pulling TaskItems
// off the durable queue and dispatching them against the owning connector's
// task allow-list. Failed tasks are retried with a shrinking attempt budget
// and dead-lettered when it runs out.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/observability"
	"github.com/trovehq/trove/internal/queue"
	"github.com/trovehq/trove/internal/source"
	"github.com/trovehq/trove/internal/telemetry"
	"github.com/trovehq/trove/pkg/models"
)

// Options tunes the pool. Zero values fall back to the defaults below.
type Options struct {
	// Count is how many worker goroutines run.
	Count int
	// GetTimeout bounds each blocking queue read so workers notice shutdown.
	GetTimeout time.Duration
	// TaskTimeout bounds a single task execution; zero means unbounded.
	TaskTimeout time.Duration
}

const (
	defaultCount      = 20
	defaultGetTimeout = time.Second
)

// Pool drains the task queue against the source registry.
type Pool struct {
	taskQ    *queue.Queue[models.TaskItem]
	registry *source.Registry
	metrics  *telemetry.Metrics
	opts     Options
	logger   zerolog.Logger

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewPool wires a pool; call Start to spin up the workers.
func NewPool(taskQ *queue.Queue[models.TaskItem], registry *source.Registry, metrics *telemetry.Metrics, opts Options) *Pool {
	if opts.Count <= 0 {
		opts.Count = defaultCount
	}
	if opts.GetTimeout <= 0 {
		opts.GetTimeout = defaultGetTimeout
	}
	return &Pool{
		taskQ:      taskQ,
		registry:   registry,
		metrics:    metrics,
		opts:       opts,
		logger:     observability.Logger("worker"),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Count; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.logger.Info().Int("workers", p.opts.Count).Msg("worker pool started")
}

// Stop signals the workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	close(p.shutdownCh)
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-p.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := p.taskQ.Get(ctx, p.opts.GetTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("queue read failed")
			continue
		}
		if delivery == nil {
			continue
		}
		p.handle(ctx, logger, delivery)
	}
}

// handle runs one delivered task and settles it: ack on success, decrement
// and redeliver on failure, dead-letter when attempts run out. Tasks whose
// source or function no longer exists are dead-lettered immediately since
// retrying cannot fix them.
func (p *Pool) handle(ctx context.Context, logger zerolog.Logger, delivery *queue.Delivery[models.TaskItem]) {
	task := delivery.Item
	taskLogger := observability.WithSourceID(logger, task.SourceID).With().
		Str("function", task.FunctionName).Logger()

	err := p.run(ctx, task)
	if err == nil {
		if ackErr := p.taskQ.Ack(ctx, delivery.ID); ackErr != nil {
			taskLogger.Error().Err(ackErr).Msg("ack failed")
		}
		if p.metrics != nil {
			p.metrics.TasksExecuted.Inc()
		}
		return
	}

	if p.metrics != nil {
		p.metrics.TasksFailed.Inc()
	}

	if models.CodeOf(err) == models.ErrUnknownTask || task.AttemptsRemaining <= 1 {
		p.deadLetter(ctx, taskLogger, delivery, err)
		return
	}

	task.AttemptsRemaining--
	taskLogger.Warn().Err(err).Int("attempts_remaining", task.AttemptsRemaining).
		Msg("task failed, requeueing")
	if updateErr := p.taskQ.Update(ctx, delivery.ID, task); updateErr != nil {
		taskLogger.Error().Err(updateErr).Msg("persist attempt count failed")
	}
	if nackErr := p.taskQ.Nack(ctx, delivery.ID); nackErr != nil {
		taskLogger.Error().Err(nackErr).Msg("nack failed")
	}
}

func (p *Pool) deadLetter(ctx context.Context, logger zerolog.Logger, delivery *queue.Delivery[models.TaskItem], cause error) {
	observability.LogEvent(logger, observability.EventTaskDeadLetter, map[string]interface{}{
		"function": delivery.Item.FunctionName,
		"error":    cause.Error(),
	})
	if err := p.taskQ.AckFailed(ctx, delivery.ID); err != nil {
		logger.Error().Err(err).Msg("dead-letter failed")
	}
	if p.metrics != nil {
		p.metrics.TasksDeadLetter.Inc()
	}
}

// run resolves the task against its connector's allow-list and executes it.
// A panicking task is converted into an error so one bad kwargs payload
// cannot take a worker down.
func (p *Pool) run(ctx context.Context, task models.TaskItem) (err error) {
	inst, err := p.registry.GetInstance(task.SourceID)
	if err != nil {
		// The source was deleted after the task was enqueued.
		return models.NewError(models.ErrUnknownTask,
			fmt.Sprintf("source %d gone", task.SourceID)).WithCause(err)
	}

	fn, ok := inst.Connector().Tasks()[task.FunctionName]
	if !ok {
		return models.NewError(models.ErrUnknownTask,
			fmt.Sprintf("connector %s has no task %q", inst.TypeName(), task.FunctionName))
	}

	if p.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.FunctionName, r)
		}
	}()
	return fn(ctx, task.Kwargs)
}
