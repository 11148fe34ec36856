// Package connector defines the contract every source adapter implements
// and the runtime services the framework hands to each instance: follow-up
// task enqueueing, document emission, rate limiting, and outbound HTTP.
package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/trovehq/trove/pkg/models"
)

// DefaultHTTPTimeout bounds every outbound call a connector makes unless it
// sets its own.
const DefaultHTTPTimeout = 30 * time.Second

// TaskFunc is one dispatchable crawl step. Kwargs is the verbatim map the
// enqueueing call supplied; every task carries all ids it needs because
// workers do not preserve per-source ordering.
type TaskFunc func(ctx context.Context, kwargs map[string]string) error

// Connector is the capability set of a source adapter.
type Connector interface {
	// ValidateConfig checks the parsed config against the live upstream
	// API (listing one page is enough). Returns InvalidConfig for
	// user-fixable problems and KnownError for expected operational ones.
	ValidateConfig(ctx context.Context) error

	// ListLocations returns the sub-partitions a user may scope this
	// source to. Optional; may return nil.
	ListLocations(ctx context.Context) ([]models.Location, error)

	// FeedNewDocuments enqueues seed tasks on the task queue. Called by
	// the scheduler; must be idempotent across restarts.
	FeedNewDocuments(ctx context.Context) error

	// Tasks is the dispatch allow-list: every method name the connector
	// may enqueue, mapped to its handler. Unknown names are refused.
	Tasks() map[string]TaskFunc
}

// Descriptor is the static metadata of a connector kind plus its factory.
type Descriptor struct {
	Name             string
	DisplayName      string
	ConfigFields     []models.ConfigField
	HasPrerequisites bool
	New              func(rt *Runtime) (Connector, error)
}

// SourceType returns the descriptor's persistent row form.
func (d *Descriptor) SourceType() models.SourceType {
	return models.SourceType{
		Name:             d.Name,
		DisplayName:      d.DisplayName,
		ConfigFields:     d.ConfigFields,
		HasPrerequisites: d.HasPrerequisites,
	}
}

// Runtime is the per-instance handle a connector crawls through. The source
// registry builds one per instance; tests build their own with recording
// hooks.
type Runtime struct {
	SourceID  int64
	TypeName  string
	RawConfig json.RawMessage

	// LastIndexedAt reports when the previous crawl started, for
	// incremental fetching. The never-indexed sentinel means crawl
	// everything.
	LastIndexedAt func() time.Time

	// Enqueue records a follow-up task dispatched by name.
	Enqueue func(ctx context.Context, function string, kwargs map[string]string) error

	// EmitDocument hands one normalised document (children riding inside)
	// to the indexing queue.
	EmitDocument func(ctx context.Context, doc models.Document) error

	// Limiter throttles outbound calls; process-global per instance.
	Limiter *rate.Limiter

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// ParseConfig unmarshals the raw config blob into the connector's own
// config struct, reporting failures as InvalidConfig.
func (rt *Runtime) ParseConfig(into interface{}) error {
	if err := json.Unmarshal(rt.RawConfig, into); err != nil {
		return models.NewInvalidConfig("malformed config: " + err.Error())
	}
	return nil
}
