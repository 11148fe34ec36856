// Package telemetry holds the anonymous usage counters and the stable
// install id. Counters are prometheus metrics served at /metrics; the
// install id is a uuid persisted at <data_dir>/.uuid on first start.
package telemetry

import (
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the full counter set, owned by the daemon's App.
type Metrics struct {
	registry *prometheus.Registry

	SearchesServed  prometheus.Counter
	DocsIndexed     prometheus.Counter
	ChunksIndexed   prometheus.Counter
	TasksExecuted   prometheus.Counter
	TasksFailed     prometheus.Counter
	TasksDeadLetter prometheus.Counter
	SourcesAdded    prometheus.Counter
	SourcesRemoved  prometheus.Counter
	LocationsListed prometheus.Counter
	IndexCycles     prometheus.Counter
}

// NewMetrics builds and registers the counter set on a private registry so
// each test App gets independent counters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trove",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		registry:        reg,
		SearchesServed:  counter("searches_served_total", "Search queries answered."),
		DocsIndexed:     counter("documents_indexed_total", "Documents persisted by the indexer."),
		ChunksIndexed:   counter("chunks_indexed_total", "Chunks inserted into the indexes."),
		TasksExecuted:   counter("tasks_executed_total", "Crawl tasks completed successfully."),
		TasksFailed:     counter("tasks_failed_total", "Crawl task attempts that failed."),
		TasksDeadLetter: counter("tasks_dead_letter_total", "Crawl tasks dropped after exhausting retries."),
		SourcesAdded:    counter("sources_added_total", "Sources created."),
		SourcesRemoved:  counter("sources_removed_total", "Sources deleted."),
		LocationsListed: counter("locations_listed_total", "Location listings served."),
		IndexCycles:     counter("index_cycles_total", "Indexer batch cycles completed."),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstallID returns the stable anonymous install id, minting and persisting
// one on first call.
func InstallID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	return id, nil
}
