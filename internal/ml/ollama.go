package ml

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/observability"
)

// OllamaEncoderConfig configures the embedding client.
type OllamaEncoderConfig struct {
	Endpoint  string // Ollama API endpoint (default http://localhost:11434)
	Model     string // embedding model name
	Dimension int    // expected vector width (default 384)
	Timeout   time.Duration
}

// OllamaEncoder generates embeddings via an Ollama server and L2-normalises
// them so inner product equals cosine similarity.
type OllamaEncoder struct {
	client    *api.Client
	model     string
	dimension int
	logger    zerolog.Logger
}

// NewOllamaEncoder creates the embedding client.
func NewOllamaEncoder(cfg OllamaEncoderConfig) (*OllamaEncoder, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 384
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama endpoint: %w", err)
	}

	return &OllamaEncoder{
		client:    api.NewClient(endpoint, &http.Client{Timeout: cfg.Timeout}),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		logger:    observability.Logger("ml.encoder"),
	}, nil
}

// Encode embeds texts in one batched request and unit-normalises the result.
func (e *OllamaEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: %d texts but %d embeddings", len(texts), len(resp.Embeddings))
	}

	vecs := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if len(emb) != e.dimension {
			return nil, fmt.Errorf("embed: expected %d-d vector, got %d-d", e.dimension, len(emb))
		}
		vecs[i] = normalize(emb)
	}

	e.logger.Debug().Int("texts", len(texts)).Dur("duration", time.Since(start)).Msg("encoded batch")
	return vecs, nil
}

// Dimension returns the configured vector width.
func (e *OllamaEncoder) Dimension() int {
	return e.dimension
}

// normalize scales a vector to unit length. Zero vectors pass through.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
