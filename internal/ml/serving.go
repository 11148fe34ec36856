package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/observability"
)

// ServingConfig configures one client of the model-serving sidecar.
type ServingConfig struct {
	Endpoint string // sidecar base URL
	Model    string // model name passed with every request
	Timeout  time.Duration
}

// ServingClient speaks JSON over HTTP to the model-serving sidecar exposing
// POST /score and POST /answer. Two instances act as the small and large
// cross-encoders; a third is the extractive QA model.
type ServingClient struct {
	endpoint string
	model    string
	client   *http.Client
	logger   zerolog.Logger
}

// NewServingClient creates a sidecar client.
func NewServingClient(cfg ServingConfig) *ServingClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &ServingClient{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   observability.Logger("ml.serving"),
	}
}

type scoreRequest struct {
	Model    string   `json:"model"`
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// Score cross-encodes (query, passage) pairs and returns one raw logit per
// passage.
func (c *ServingClient) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	var resp scoreResponse
	err := c.post(ctx, "/score", scoreRequest{Model: c.model, Query: query, Passages: passages}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Scores) != len(passages) {
		return nil, fmt.Errorf("score: %d passages but %d scores", len(passages), len(resp.Scores))
	}
	return resp.Scores, nil
}

type answerRequest struct {
	Model    string   `json:"model"`
	Question string   `json:"question"`
	Contexts []string `json:"contexts"`
}

type answerResponse struct {
	Answers []Span `json:"answers"`
}

// Answer extracts one answer span per context.
func (c *ServingClient) Answer(ctx context.Context, question string, contexts []string) ([]Span, error) {
	if len(contexts) == 0 {
		return nil, nil
	}

	var resp answerResponse
	err := c.post(ctx, "/answer", answerRequest{Model: c.model, Question: question, Contexts: contexts}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Answers) != len(contexts) {
		return nil, fmt.Errorf("answer: %d contexts but %d answers", len(contexts), len(resp.Answers))
	}
	return resp.Answers, nil
}

func (c *ServingClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("serving request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("serving request %s: status %d: %s", path, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode serving response: %w", err)
	}

	c.logger.Debug().Str("path", path).Str("model", c.model).
		Dur("duration", time.Since(start)).Msg("serving call completed")
	return nil
}
