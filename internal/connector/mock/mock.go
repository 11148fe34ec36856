// Package mock is a built-in connector backed by canned documents. It
// exists for integration tests and demos: it exercises the whole crawl
// path (seed task, dispatch, emission) without any external platform, and
// can inject validation failures and flaky tasks on demand.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/pkg/models"
)

// Config drives the mock's behaviour. FailValidate selects a validation
// error ("invalid" or "known"); EmitFailures makes each emit task fail that
// many times before succeeding.
type Config struct {
	Token        string            `json:"token"`
	FailValidate string            `json:"fail_validate,omitempty"`
	EmitFailures int               `json:"emit_failures,omitempty"`
	Documents    []models.Document `json:"documents,omitempty"`
}

// Descriptor returns the connector's registration metadata.
func Descriptor() *connector.Descriptor {
	return &connector.Descriptor{
		Name:        "mock",
		DisplayName: "Mock",
		ConfigFields: []models.ConfigField{
			{Name: "token", InputKind: models.InputPassword, Label: "API token"},
		},
		HasPrerequisites: false,
		New:              New,
	}
}

// Source serves the canned documents.
type Source struct {
	rt  *connector.Runtime
	cfg Config

	mu       sync.Mutex
	failures map[string]int // external id -> remaining injected failures
}

// New builds the connector from its runtime.
func New(rt *connector.Runtime) (connector.Connector, error) {
	s := &Source{rt: rt, failures: make(map[string]int)}
	if err := rt.ParseConfig(&s.cfg); err != nil {
		return nil, err
	}
	if len(s.cfg.Documents) == 0 {
		s.cfg.Documents = []models.Document{{
			ExternalID: "1",
			Kind:       models.KindDocument,
			Title:      "Hello World",
			Content:    "The quick brown fox jumps over the lazy dog.",
			Timestamp:  time.Now().UTC(),
		}}
	}
	return s, nil
}

// ValidateConfig succeeds unless the config asks for a failure.
func (s *Source) ValidateConfig(ctx context.Context) error {
	if s.cfg.Token == "" {
		return models.NewInvalidConfig("token is required")
	}
	switch s.cfg.FailValidate {
	case "invalid":
		return models.NewInvalidConfig("injected invalid config")
	case "known":
		return models.NewKnown("injected known error")
	}
	return nil
}

// ListLocations returns a fixed pair of locations.
func (s *Source) ListLocations(ctx context.Context) ([]models.Location, error) {
	return []models.Location{
		{Value: "alpha", Label: "Alpha"},
		{Value: "beta", Label: "Beta"},
	}, nil
}

// FeedNewDocuments enqueues one emit task per canned document.
func (s *Source) FeedNewDocuments(ctx context.Context) error {
	for i := range s.cfg.Documents {
		err := s.rt.Enqueue(ctx, "emit", map[string]string{"index": strconv.Itoa(i)})
		if err != nil {
			return err
		}
	}
	return nil
}

// Tasks is the dispatch allow-list.
func (s *Source) Tasks() map[string]connector.TaskFunc {
	return map[string]connector.TaskFunc{
		"emit": s.emit,
	}
}

// emit hands one canned document to the index queue, failing the configured
// number of times first.
func (s *Source) emit(ctx context.Context, kwargs map[string]string) error {
	i, err := strconv.Atoi(kwargs["index"])
	if err != nil || i < 0 || i >= len(s.cfg.Documents) {
		return fmt.Errorf("emit: bad document index %q", kwargs["index"])
	}
	doc := s.cfg.Documents[i]

	if s.cfg.EmitFailures > 0 {
		s.mu.Lock()
		if _, seeded := s.failures[doc.ExternalID]; !seeded {
			s.failures[doc.ExternalID] = s.cfg.EmitFailures
		}
		if s.failures[doc.ExternalID] > 0 {
			s.failures[doc.ExternalID]--
			s.mu.Unlock()
			return models.NewTransient(fmt.Errorf("injected emit failure for %s", doc.ExternalID))
		}
		s.mu.Unlock()
	}

	doc.SourceID = s.rt.SourceID
	for i := range doc.Children {
		doc.Children[i].SourceID = s.rt.SourceID
	}
	return s.rt.EmitDocument(ctx, doc)
}

// RawConfig is a helper for tests building a mock source config.
func RawConfig(cfg Config) json.RawMessage {
	data, _ := json.Marshal(cfg)
	return data
}
