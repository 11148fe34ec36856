// Package source is the process-wide registry of connector kinds and live
// connector instances, and the owner of the source lifecycle: create,
// delete (with index cascade), and the per-instance index() entry point the
// scheduler drives.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/internal/observability"
	"github.com/trovehq/trove/internal/queue"
	"github.com/trovehq/trove/internal/store"
	"github.com/trovehq/trove/internal/telemetry"
	"github.com/trovehq/trove/pkg/models"
)

// Deps are the collaborators a registry is built from. RemoveChunks is the
// index-removal hook run inside the source-delete transaction.
type Deps struct {
	Store        *store.Store
	TaskQ        *queue.Queue[models.TaskItem]
	IndexQ       *queue.Queue[models.IndexItem]
	Metrics      *telemetry.Metrics
	RemoveChunks store.DeleteHook

	// ReindexAfter is the staleness gate inside Instance.Index (1h by
	// default). Now is the injected clock, defaulting to time.Now.
	ReindexAfter time.Duration
	Now          func() time.Time
}

// Registry owns every connector class and instance.
type Registry struct {
	deps   Deps
	logger zerolog.Logger

	mu        sync.RWMutex
	classes   map[string]*connector.Descriptor
	instances map[int64]*Instance
}

// NewRegistry discovers the given connector classes (upserting their
// SourceType rows) and instantiates every stored source.
func NewRegistry(ctx context.Context, deps Deps, descriptors []*connector.Descriptor) (*Registry, error) {
	if deps.ReindexAfter <= 0 {
		deps.ReindexAfter = time.Hour
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := &Registry{
		deps:      deps,
		logger:    observability.Logger("source"),
		classes:   make(map[string]*connector.Descriptor),
		instances: make(map[int64]*Instance),
	}

	for _, d := range descriptors {
		if _, dup := r.classes[d.Name]; dup {
			return nil, fmt.Errorf("duplicate connector name %q", d.Name)
		}
		r.classes[d.Name] = d
		if err := deps.Store.UpsertSourceType(ctx, d.SourceType()); err != nil {
			return nil, fmt.Errorf("register connector %s: %w", d.Name, err)
		}
	}

	sources, err := deps.Store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	for _, src := range sources {
		inst, err := r.instantiate(src)
		if err != nil {
			// A connector class removed from the build must not stop
			// startup; its sources stay dormant until deleted.
			r.logger.Warn().Err(err).Int64("source_id", src.ID).
				Str("type", src.TypeName).Msg("skipping uninstantiable source")
			continue
		}
		r.instances[src.ID] = inst
	}

	r.logger.Info().Int("classes", len(r.classes)).Int("instances", len(r.instances)).
		Msg("source registry initialised")
	return r, nil
}

// instantiate builds the connector instance and its runtime for one stored
// source.
func (r *Registry) instantiate(src models.Source) (*Instance, error) {
	desc, ok := r.classes[src.TypeName]
	if !ok {
		return nil, models.NewError(models.ErrTypeNotFound,
			fmt.Sprintf("unknown source type %q", src.TypeName))
	}

	inst := &Instance{
		registry:      r,
		sourceID:      src.ID,
		typeName:      src.TypeName,
		lastIndexedAt: src.LastIndexedAt,
		logger:        observability.WithSourceID(observability.Logger("connector."+src.TypeName), src.ID),
	}

	rt := &connector.Runtime{
		SourceID:      src.ID,
		TypeName:      src.TypeName,
		RawConfig:     src.Config,
		LastIndexedAt: inst.LastIndexedAt,
		Enqueue: func(ctx context.Context, function string, kwargs map[string]string) error {
			return r.deps.TaskQ.Put(ctx, models.NewTask(src.ID, function, kwargs))
		},
		EmitDocument: func(ctx context.Context, doc models.Document) error {
			return r.deps.IndexQ.Put(ctx, models.IndexItem{Doc: doc})
		},
		Limiter:    connector.NewLimiter(0),
		HTTPClient: &http.Client{Timeout: connector.DefaultHTTPTimeout},
		Logger:     inst.logger,
	}

	conn, err := desc.New(rt)
	if err != nil {
		return nil, fmt.Errorf("construct %s connector: %w", src.TypeName, err)
	}
	inst.conn = conn
	return inst, nil
}

// CreateSource validates the config against the live upstream, persists the
// source, and registers its instance. The caller triggers the first crawl.
func (r *Registry) CreateSource(ctx context.Context, typeName string, config json.RawMessage) (int64, error) {
	r.mu.RLock()
	desc, ok := r.classes[typeName]
	r.mu.RUnlock()
	if !ok {
		return 0, models.NewError(models.ErrTypeNotFound,
			fmt.Sprintf("unknown source type %q", typeName))
	}

	// Validate with a throwaway instance before any row exists.
	probe, err := r.instantiateDetached(desc, config)
	if err != nil {
		return 0, err
	}
	if err := probe.ValidateConfig(ctx); err != nil {
		return 0, err
	}

	src, err := r.deps.Store.CreateSource(ctx, typeName, config)
	if err != nil {
		return 0, fmt.Errorf("persist source: %w", err)
	}
	src.Type = &models.SourceType{Name: desc.Name}

	inst, err := r.instantiate(src)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.instances[src.ID] = inst
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.SourcesAdded.Inc()
	}
	observability.LogEvent(r.logger, observability.EventSourceAdded, map[string]interface{}{
		"source_id": src.ID,
		"type":      typeName,
	})
	return src.ID, nil
}

// instantiateDetached builds a connector with no source row behind it, for
// config validation and location listing.
func (r *Registry) instantiateDetached(desc *connector.Descriptor, config json.RawMessage) (connector.Connector, error) {
	rt := &connector.Runtime{
		TypeName:      desc.Name,
		RawConfig:     config,
		LastIndexedAt: func() time.Time { return models.NeverIndexed },
		Enqueue: func(ctx context.Context, function string, kwargs map[string]string) error {
			return fmt.Errorf("source not created yet")
		},
		EmitDocument: func(ctx context.Context, doc models.Document) error {
			return fmt.Errorf("source not created yet")
		},
		Limiter:    connector.NewLimiter(0),
		HTTPClient: &http.Client{Timeout: connector.DefaultHTTPTimeout},
		Logger:     observability.Logger("connector." + desc.Name),
	}
	return desc.New(rt)
}

// DeleteSource removes the source row (cascading to documents and chunks),
// patches the indexes inside the same transaction, and unregisters the
// instance.
func (r *Registry) DeleteSource(ctx context.Context, id int64) error {
	if err := r.deps.Store.DeleteSource(ctx, id, r.deps.RemoveChunks); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.SourcesRemoved.Inc()
	}
	observability.LogEvent(r.logger, observability.EventSourceRemoved, map[string]interface{}{
		"source_id": id,
	})
	return nil
}

// ResetWatermarks drops every instance back to never-indexed. Called after
// the whole index is cleared so the next scheduler pass re-crawls.
func (r *Registry) ResetWatermarks() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		inst.resetWatermark()
	}
}

// GetInstance looks up a live instance.
func (r *Registry) GetInstance(id int64) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, models.NewError(models.ErrSourceNotFound,
			fmt.Sprintf("source %d not found", id))
	}
	return inst, nil
}

// GetClass looks up a connector descriptor by name.
func (r *Registry) GetClass(name string) (*connector.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.classes[name]
	if !ok {
		return nil, models.NewError(models.ErrTypeNotFound,
			fmt.Sprintf("unknown source type %q", name))
	}
	return desc, nil
}

// Instances snapshots every live instance, ordered by source id.
func (r *Registry) Instances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sourceID < out[j].sourceID })
	return out
}

// Connected returns the wire listing of configured sources.
func (r *Registry) Connected() []models.ConnectedSource {
	out := make([]models.ConnectedSource, 0)
	for _, inst := range r.Instances() {
		out = append(out, models.ConnectedSource{ID: inst.sourceID, Name: inst.typeName})
	}
	return out
}

// Types returns the wire listing of connector kinds. iconFor resolves a
// type name to its inline icon data URI.
func (r *Registry) Types(iconFor func(name string) string) []models.SourceTypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SourceTypeInfo, 0, len(r.classes))
	for _, desc := range r.classes {
		info := models.SourceTypeInfo{
			Name:             desc.Name,
			DisplayName:      desc.DisplayName,
			ConfigFields:     desc.ConfigFields,
			HasPrerequisites: desc.HasPrerequisites,
		}
		if iconFor != nil {
			info.ImageBase64 = iconFor(desc.Name)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListLocations validates nothing: it builds a detached connector from the
// supplied config and asks it for its sub-partitions.
func (r *Registry) ListLocations(ctx context.Context, typeName string, config json.RawMessage) ([]models.Location, error) {
	desc, err := r.GetClass(typeName)
	if err != nil {
		return nil, err
	}
	conn, err := r.instantiateDetached(desc, config)
	if err != nil {
		return nil, err
	}
	locations, err := conn.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.LocationsListed.Inc()
	}
	return locations, nil
}
