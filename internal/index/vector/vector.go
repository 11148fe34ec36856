// Package vector provides the dense nearest-neighbour index over chunk
// embeddings. Vectors are unit-normalised 384-d by default, so inner product
// and cosine similarity coincide.
package vector

import "context"

// Index is the dense index contract. Exactly one writer (the indexer
// goroutine) mutates it; query goroutines read concurrently.
type Index interface {
	// Upsert inserts or replaces the vectors for the given chunk ids.
	// texts carries the indexing text per id for backends that store it.
	Upsert(ctx context.Context, ids []int64, vecs [][]float32, texts []string) error
	// Remove drops the given chunk ids. Unknown ids are ignored.
	Remove(ctx context.Context, ids []int64) error
	// Search returns up to k chunk ids in decreasing similarity with their
	// scores.
	Search(ctx context.Context, vec []float32, k int) ([]int64, []float32, error)
	// Clear drops every vector.
	Clear(ctx context.Context) error
	// Count returns the number of indexed vectors.
	Count() int
	Close() error
}
