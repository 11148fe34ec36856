// Package daemon implements the Trove daemon core: it owns every singleton
// (store, queues, indexes, registry, worker pool, indexer, scheduler, query
// pipeline) and serves the HTTP API over them.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/config"
	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/internal/connector/localdir"
	"github.com/trovehq/trove/internal/connector/mock"
	"github.com/trovehq/trove/internal/index/lexical"
	"github.com/trovehq/trove/internal/index/vector"
	"github.com/trovehq/trove/internal/indexer"
	"github.com/trovehq/trove/internal/ml"
	"github.com/trovehq/trove/internal/observability"
	"github.com/trovehq/trove/internal/queue"
	"github.com/trovehq/trove/internal/scheduler"
	"github.com/trovehq/trove/internal/search"
	"github.com/trovehq/trove/internal/source"
	"github.com/trovehq/trove/internal/store"
	"github.com/trovehq/trove/internal/telemetry"
	"github.com/trovehq/trove/internal/worker"
	"github.com/trovehq/trove/pkg/models"
)

// Build metadata, set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Providers are the ML and vector backends the App runs on. Tests inject
// deterministic fakes here.
type Providers struct {
	Encoder  ml.Encoder
	SmallCE  ml.CrossEncoder
	LargeCE  ml.CrossEncoder
	Answerer ml.Answerer
	Vector   vector.Index
}

// App is the Trove daemon root.
type App struct {
	cfg    *config.Config
	router chi.Router
	server *http.Server
	logger zerolog.Logger

	store     *store.Store
	taskQ     *queue.Queue[models.TaskItem]
	indexQ    *queue.Queue[models.IndexItem]
	lexical   *lexical.Index
	vector    vector.Index
	registry  *source.Registry
	pool      *worker.Pool
	indexer   *indexer.Indexer
	scheduler *scheduler.Scheduler
	pipeline  *search.Pipeline
	metrics   *telemetry.Metrics
	avatars   *connector.AvatarCache
	installID string

	mu        sync.RWMutex
	running   bool
	ready     bool
	startTime time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New builds an App against the real model providers from the config.
func New(cfg *config.Config) (*App, error) {
	providers, err := defaultProviders(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithProviders(cfg, providers)
}

// defaultProviders constructs the production ML clients and vector backend.
func defaultProviders(cfg *config.Config) (Providers, error) {
	encoder, err := ml.NewOllamaEncoder(ml.OllamaEncoderConfig{
		Endpoint:  cfg.ML.Embedding.Endpoint,
		Model:     cfg.ML.Embedding.Model,
		Dimension: cfg.ML.Embedding.Dimension,
		Timeout:   time.Duration(cfg.ML.Embedding.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return Providers{}, fmt.Errorf("create encoder: %w", err)
	}

	rerankTimeout := time.Duration(cfg.ML.Rerank.TimeoutSeconds) * time.Second
	p := Providers{
		Encoder: encoder,
		SmallCE: ml.NewServingClient(ml.ServingConfig{
			Endpoint: cfg.ML.Rerank.Endpoint, Model: cfg.ML.Rerank.SmallModel, Timeout: rerankTimeout,
		}),
		LargeCE: ml.NewServingClient(ml.ServingConfig{
			Endpoint: cfg.ML.Rerank.Endpoint, Model: cfg.ML.Rerank.LargeModel, Timeout: rerankTimeout,
		}),
		Answerer: ml.NewServingClient(ml.ServingConfig{
			Endpoint: cfg.ML.QA.Endpoint, Model: cfg.ML.QA.Model,
			Timeout: time.Duration(cfg.ML.QA.TimeoutSeconds) * time.Second,
		}),
	}

	switch cfg.Vector.Backend {
	case "", "chromem":
		p.Vector, err = vector.NewChromem(cfg.VectorIndexPath())
	case "qdrant":
		p.Vector, err = vector.NewQdrant(vector.QdrantConfig{
			Host:       cfg.Vector.Qdrant.Host,
			Port:       cfg.Vector.Qdrant.Port,
			Collection: cfg.Vector.Qdrant.Collection,
			UseTLS:     cfg.Vector.Qdrant.UseTLS,
			APIKey:     cfg.Vector.Qdrant.APIKey,
			Dimension:  cfg.ML.Embedding.Dimension,
		})
	default:
		return Providers{}, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
	if err != nil {
		return Providers{}, fmt.Errorf("open vector index: %w", err)
	}
	return p, nil
}

// NewWithProviders wires an App around the given providers.
func NewWithProviders(cfg *config.Config, providers Providers) (*App, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	taskQ, err := queue.Open[models.TaskItem](cfg.TaskQueuePath(), "tasks")
	if err != nil {
		return nil, fmt.Errorf("open task queue: %w", err)
	}
	indexQ, err := queue.Open[models.IndexItem](cfg.IndexQueuePath(), "index")
	if err != nil {
		return nil, fmt.Errorf("open index queue: %w", err)
	}

	lex := lexical.New(cfg.LexicalIndexPath())

	var metrics *telemetry.Metrics
	var installID string
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics()
		installID, err = telemetry.InstallID(cfg.InstallIDPath())
		if err != nil {
			return nil, fmt.Errorf("install id: %w", err)
		}
	}

	avatars := connector.NewAvatarCache()

	ix := indexer.New(st, indexQ, lex, providers.Vector, providers.Encoder, metrics, indexer.Options{
		MinChunkChars: cfg.Indexing.MinChunkChars,
		BatchMaxDocs:  cfg.Indexing.BatchMaxDocs,
		DrainTimeout:  cfg.Indexing.DrainTimeout,
	})

	registry, err := source.NewRegistry(context.Background(), source.Deps{
		Store:        st,
		TaskQ:        taskQ,
		IndexQ:       indexQ,
		Metrics:      metrics,
		RemoveChunks: ix.RemoveChunksHook(),
		ReindexAfter: cfg.Scheduler.ReindexAfter,
	}, []*connector.Descriptor{
		localdir.Descriptor(),
		mock.Descriptor(),
	})
	if err != nil {
		return nil, fmt.Errorf("create source registry: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    observability.Logger("daemon"),
		store:     st,
		taskQ:     taskQ,
		indexQ:    indexQ,
		lexical:   lex,
		vector:    providers.Vector,
		registry:  registry,
		indexer:   ix,
		metrics:   metrics,
		avatars:   avatars,
		installID: installID,
		pool: worker.NewPool(taskQ, registry, metrics, worker.Options{
			Count:       cfg.Workers.Count,
			GetTimeout:  cfg.Workers.GetTimeout,
			TaskTimeout: cfg.Workers.TaskTimeout,
		}),
		scheduler: scheduler.New(registry, scheduler.Options{
			Tick:         cfg.Scheduler.Tick,
			ReindexAfter: cfg.Scheduler.ReindexAfter,
		}),
		pipeline: search.NewPipeline(st, lex, providers.Vector, providers.Encoder,
			providers.SmallCE, providers.LargeCE, providers.Answerer, avatars, metrics,
			search.Config{GPU: cfg.ML.GPU}),
		shutdownCh: make(chan struct{}),
	}

	a.setupRouter()
	return a, nil
}

// setupRouter configures the HTTP router.
func (a *App) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.loggingMiddleware)

	r.Get("/health", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/data-sources", func(r chi.Router) {
		r.Get("/types", a.handleSourceTypes)
		r.Get("/connected", a.handleConnectedSources)
		r.Post("/", a.handleAddSource)
		r.Delete("/{id}", a.handleDeleteSource)
		r.Post("/{name}/list-locations", a.handleListLocations)
	})

	r.Get("/search", a.handleSearch)
	r.Get("/status", a.handleStatus)
	r.Post("/clear-index", a.handleClearIndex)

	a.router = r
}

// loggingMiddleware logs HTTP requests.
func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request completed")
	})
}

// Router exposes the HTTP handler, for tests serving the App in-process.
func (a *App) Router() http.Handler {
	return a.router
}

// Registry exposes the source registry, for tests driving crawls directly.
func (a *App) Registry() *source.Registry {
	return a.registry
}

// Start launches every background loop and the HTTP listener.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	a.logger.Info().
		Str("listen", a.cfg.Listen).
		Str("data_dir", a.cfg.DataDir).
		Str("version", Version).
		Msg("starting daemon")

	a.pool.Start(ctx)
	a.indexer.Start(ctx)
	a.scheduler.Start(ctx)

	a.server = &http.Server{
		Addr:         a.cfg.Listen,
		Handler:      a.router,
		ReadTimeout:  a.cfg.API.ReadTimeout,
		WriteTimeout: a.cfg.API.WriteTimeout,
		IdleTimeout:  a.cfg.API.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("server error")
		}
	}()

	a.mu.Lock()
	a.ready = true
	a.mu.Unlock()

	observability.LogEvent(a.logger, observability.EventDaemonStarted, map[string]interface{}{
		"listen":   a.cfg.Listen,
		"data_dir": a.cfg.DataDir,
	})
	return nil
}

// Stop gracefully stops the daemon: no new requests, loops drained, state
// flushed.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.ready = false
	a.mu.Unlock()

	a.logger.Info().Msg("stopping daemon")
	close(a.shutdownCh)

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	a.scheduler.Stop()
	a.pool.Stop()
	a.indexer.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn().Msg("shutdown timeout, some goroutines may still be running")
	}

	if err := a.vector.Close(); err != nil {
		a.logger.Error().Err(err).Msg("close vector index")
	}
	a.taskQ.Close()
	a.indexQ.Close()
	a.store.Close()

	observability.LogEvent(a.logger, observability.EventDaemonStopped, nil)
	return nil
}

// Run runs the daemon until interrupted.
func (a *App) Run() error {
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-a.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return a.Stop(shutdownCtx)
}

// Ready reports whether the daemon serves requests.
func (a *App) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}
