package vector

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/observability"
)

const chromemCollection = "chunks"

// ChromemIndex is the default embedded backend: a chromem-go collection held
// in memory and exported to a single compressed file after every mutation.
// Requires no external services.
type ChromemIndex struct {
	mu   sync.Mutex
	db   *chromem.DB
	col  *chromem.Collection
	path string

	logger zerolog.Logger
}

// NewChromem opens the embedded index, importing a previously exported file
// from path when one exists.
func NewChromem(path string) (*ChromemIndex, error) {
	idx := &ChromemIndex{
		db:     chromem.NewDB(),
		path:   path,
		logger: observability.Logger("index.vector"),
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := idx.db.Import(path, ""); err != nil {
				idx.logger.Warn().Err(err).Str("path", path).Msg("discarding unreadable vector index file")
				idx.db = chromem.NewDB()
			}
		}
	}

	col, err := idx.db.GetOrCreateCollection(chromemCollection, nil, identityEmbedding)
	if err != nil {
		return nil, fmt.Errorf("open vector collection: %w", err)
	}
	idx.col = col

	if n := col.Count(); n > 0 {
		idx.logger.Info().Int("vectors", n).Msg("loaded persisted vector index")
	}
	return idx, nil
}

// identityEmbedding refuses to be called: vectors are always pre-computed by
// the ml encoder.
func identityEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be pre-computed")
}

// Upsert inserts or replaces chunk vectors and rewrites the index file.
func (idx *ChromemIndex) Upsert(ctx context.Context, ids []int64, vecs [][]float32, texts []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(vecs) != len(ids) {
		return fmt.Errorf("upsert: %d ids but %d vectors", len(ids), len(vecs))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	docs := make([]chromem.Document, len(ids))
	for i, id := range ids {
		content := ""
		if i < len(texts) {
			content = texts[i]
		}
		docs[i] = chromem.Document{
			ID:        strconv.FormatInt(id, 10),
			Content:   content,
			Embedding: vecs[i],
		}
	}

	if err := idx.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	return idx.persist()
}

// Remove drops chunk ids and rewrites the index file.
func (idx *ChromemIndex) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	if err := idx.col.Delete(ctx, nil, nil, strIDs...); err != nil {
		return fmt.Errorf("remove vectors: %w", err)
	}
	return idx.persist()
}

// Search returns up to k chunk ids in decreasing similarity. It snapshots
// the collection under the lock, so a concurrent Clear swaps it out safely;
// the query then runs against whichever collection was current.
func (idx *ChromemIndex) Search(ctx context.Context, vec []float32, k int) ([]int64, []float32, error) {
	idx.mu.Lock()
	col := idx.col
	idx.mu.Unlock()

	// chromem refuses k greater than the collection size.
	if n := col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("vector search: %w", err)
	}

	ids := make([]int64, 0, len(results))
	scores := make([]float32, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		scores = append(scores, r.Similarity)
	}
	return ids, scores, nil
}

// Clear drops every vector and rewrites the index file.
func (idx *ChromemIndex) Clear(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.db.DeleteCollection(chromemCollection); err != nil {
		return fmt.Errorf("drop vector collection: %w", err)
	}
	col, err := idx.db.GetOrCreateCollection(chromemCollection, nil, identityEmbedding)
	if err != nil {
		return fmt.Errorf("recreate vector collection: %w", err)
	}
	idx.col = col
	return idx.persist()
}

// Count returns the number of indexed vectors.
func (idx *ChromemIndex) Count() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.col.Count()
}

// Close persists a final snapshot.
func (idx *ChromemIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.persist()
}

// persist rewrites the single index file. Callers hold idx.mu.
func (idx *ChromemIndex) persist() error {
	if idx.path == "" {
		return nil
	}
	if err := idx.db.Export(idx.path, true, ""); err != nil {
		return fmt.Errorf("export vector index: %w", err)
	}
	return nil
}
