// Package ml defines the model contracts the pipeline depends on and their
// real clients. The models themselves run out of process: embeddings via an
// Ollama server, cross-encoder scoring and extractive QA via a model-serving
// sidecar speaking JSON over HTTP.
package ml

import "context"

// Encoder produces one unit-normalised dense vector per input text.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the width of produced vectors (384 by default).
	Dimension() int
}

// CrossEncoder scores (query, passage) pairs for relevance. Scores are raw
// model logits; the search pipeline calibrates them to percentages.
type CrossEncoder interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Span is an extracted answer: a character range within the passage it was
// extracted from.
type Span struct {
	Text  string  `json:"text"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

// Answerer extracts one answer span per context for a question.
type Answerer interface {
	Answer(ctx context.Context, question string, contexts []string) ([]Span, error)
}
