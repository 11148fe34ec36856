package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trovehq/trove/pkg/models"
)

// Response helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code models.ErrorCode, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// userMessage extracts the bare message of a structured error, without the
// code prefix Error() adds.
func userMessage(err error) string {
	var te *models.TroveError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}

// writeFailure maps an operation error onto the wire: invalid config and
// known operational failures carry their message to the user verbatim,
// anything else is opaque.
func (a *App) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case models.IsInvalidConfig(err):
		writeError(w, http.StatusBadRequest, models.ErrInvalidConfig, userMessage(err))
	case models.IsKnown(err):
		writeError(w, http.StatusNotImplemented, models.ErrKnown, userMessage(err))
	case models.CodeOf(err) == models.ErrSourceNotFound || models.CodeOf(err) == models.ErrTypeNotFound:
		writeError(w, http.StatusNotFound, models.CodeOf(err), userMessage(err))
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, models.ErrInternal, "internal error")
	}
}

// handleHealth reports liveness plus build and index stats.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	checks := map[string]string{"database": "ok"}
	if err := a.store.Health(ctx); err != nil {
		status = "unhealthy"
		checks["database"] = err.Error()
	}

	docs, _ := a.store.CountDocuments(ctx)
	chunks, _ := a.store.CountChunks(ctx)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"checks":     checks,
		"version":    Version,
		"build_time": BuildTime,
		"uptime":     time.Since(a.startTime).String(),
		"ready":      a.Ready(),
		"documents":  docs,
		"chunks":     chunks,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// handleSourceTypes lists every installable connector kind.
func (a *App) handleSourceTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.Types(iconFor))
}

// handleConnectedSources lists configured sources.
func (a *App) handleConnectedSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.Connected())
}

type addSourceRequest struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

// handleAddSource validates and creates a source, then kicks off its first
// crawl.
func (a *App) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidConfig, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, models.ErrInvalidConfig, "name is required")
		return
	}

	id, err := a.registry.CreateSource(r.Context(), req.Name, req.Config)
	if err != nil {
		a.writeFailure(w, err)
		return
	}

	if inst, err := a.registry.GetInstance(id); err == nil {
		inst.Index(r.Context(), true)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id})
}

// handleDeleteSource removes a source and everything indexed from it.
func (a *App) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidConfig, "invalid source id")
		return
	}

	if err := a.registry.DeleteSource(r.Context(), id); err != nil {
		a.writeFailure(w, err)
		return
	}
	// The delete transaction already patched the vector index; the lexical
	// snapshot is rebuilt from the surviving rows.
	if err := a.indexer.RebuildLexical(r.Context()); err != nil {
		a.logger.Error().Err(err).Msg("lexical rebuild after source delete failed")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

// handleListLocations asks a connector (given a candidate config) for its
// listable sub-partitions.
func (a *App) handleListLocations(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var cfg json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrInvalidConfig, "invalid request body")
		return
	}

	locations, err := a.registry.ListLocations(r.Context(), name, cfg)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locations)
}

// handleSearch runs the query pipeline.
func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, models.ErrInvalidConfig, "query is required")
		return
	}

	topK := 0
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, models.ErrInvalidConfig, "invalid top_k")
			return
		}
		topK = n
	}

	results, err := a.pipeline.Search(r.Context(), query, topK)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleStatus reports indexing progress. Both queues count: a crawl task
// still waiting for a worker is work the index has not absorbed yet.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskReady, taskUnacked, err := a.taskQ.Stats(r.Context())
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	indexReady, indexUnacked, err := a.indexQ.Stats(r.Context())
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"docs_in_indexing":   taskUnacked + indexUnacked,
		"docs_left_to_index": taskReady + indexReady,
	})
}

// handleClearIndex wipes every indexed document and resets the crawl
// watermarks so the next scheduler pass starts over.
func (a *App) handleClearIndex(w http.ResponseWriter, r *http.Request) {
	if err := a.indexer.ClearAll(r.Context()); err != nil {
		a.writeFailure(w, err)
		return
	}
	a.registry.ResetWatermarks()
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}
