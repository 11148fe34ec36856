package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/observability"
)

// QdrantConfig holds connection settings for the external backend.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	UseTLS     bool
	APIKey     string
	Dimension  int
}

// QdrantIndex is the optional external backend for deployments whose corpus
// outgrows the embedded single-file index. Persistence is qdrant's own; the
// vector_index.bin file is unused with this backend.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  uint64

	mu    sync.Mutex
	ready bool

	logger zerolog.Logger
}

// NewQdrant connects to an external qdrant server. The collection is created
// on first use with Dot distance (vectors arrive unit-normalised).
func NewQdrant(cfg QdrantConfig) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	if cfg.Dimension <= 0 {
		cfg.Dimension = 384
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dimension:  uint64(cfg.Dimension),
		logger:     observability.Logger("index.vector"),
	}, nil
}

// ensureCollection creates the collection if it does not exist yet.
func (idx *QdrantIndex) ensureCollection(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.ready {
		return nil
	}

	collections, err := idx.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, col := range collections {
		if col == idx.collection {
			idx.ready = true
			return nil
		}
	}

	err = idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     idx.dimension,
			Distance: qdrant.Distance_Dot,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	idx.logger.Info().Str("collection", idx.collection).Msg("collection created")
	idx.ready = true
	return nil
}

// Upsert inserts or replaces chunk vectors.
func (idx *QdrantIndex) Upsert(ctx context.Context, ids []int64, vecs [][]float32, texts []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(vecs) != len(ids) {
		return fmt.Errorf("upsert: %d ids but %d vectors", len(ids), len(vecs))
	}
	if err := idx.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		payload := map[string]any{}
		if i < len(texts) {
			payload["text"] = texts[i]
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(id)),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: idx.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

// Remove drops chunk ids.
func (idx *QdrantIndex) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := idx.ensureCollection(ctx); err != nil {
		return err
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDNum(uint64(id))
	}

	_, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: idx.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete points: %w", err)
	}
	return nil
}

// Search returns up to k chunk ids in decreasing similarity.
func (idx *QdrantIndex) Search(ctx context.Context, vec []float32, k int) ([]int64, []float32, error) {
	if k <= 0 {
		return nil, nil, nil
	}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, nil, err
	}

	points, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query points: %w", err)
	}

	ids := make([]int64, 0, len(points))
	scores := make([]float32, 0, len(points))
	for _, p := range points {
		num, ok := p.Id.PointIdOptions.(*qdrant.PointId_Num)
		if !ok {
			continue
		}
		ids = append(ids, int64(num.Num))
		scores = append(scores, p.Score)
	}
	return ids, scores, nil
}

// Clear drops and recreates the collection.
func (idx *QdrantIndex) Clear(ctx context.Context) error {
	idx.mu.Lock()
	idx.ready = false
	idx.mu.Unlock()

	if err := idx.client.DeleteCollection(ctx, idx.collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return idx.ensureCollection(ctx)
}

// Count returns the number of indexed vectors, or 0 when the server is
// unreachable.
func (idx *QdrantIndex) Count() int {
	n, err := idx.client.Count(context.Background(), &qdrant.CountPoints{
		CollectionName: idx.collection,
	})
	if err != nil {
		return 0
	}
	return int(n)
}

// Close closes the client connection.
func (idx *QdrantIndex) Close() error {
	return idx.client.Close()
}
