// Package indexer is the single writer of the document store and both
// indexes. It drains the index queue in batches, replaces any previous
// version of each document, splits content into chunks, and keeps the
// lexical and vector indexes in step with the store. Running it on one
// goroutine keeps every store-plus-index mutation serialised.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/index/lexical"
	"github.com/trovehq/trove/internal/index/vector"
	"github.com/trovehq/trove/internal/ml"
	"github.com/trovehq/trove/internal/observability"
	"github.com/trovehq/trove/internal/queue"
	"github.com/trovehq/trove/internal/store"
	"github.com/trovehq/trove/internal/telemetry"
	"github.com/trovehq/trove/pkg/models"
)

// Options tunes the batch loop. Zero values fall back to the defaults.
type Options struct {
	// MinChunkChars is the greedy chunk-merge threshold.
	MinChunkChars int
	// BatchMaxDocs caps how many queued documents one cycle takes.
	BatchMaxDocs int
	// DrainTimeout is how long a cycle waits for the first queued document.
	DrainTimeout time.Duration
}

const (
	defaultMinChunkChars = 256
	defaultBatchMaxDocs  = 5000
	defaultDrainTimeout  = time.Second
)

// Indexer owns the store-mutating side of the system.
type Indexer struct {
	store   *store.Store
	indexQ  *queue.Queue[models.IndexItem]
	lexical *lexical.Index
	vector  vector.Index
	encoder ml.Encoder
	metrics *telemetry.Metrics
	opts    Options
	logger  zerolog.Logger

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New wires an indexer; call Start to begin the batch loop.
func New(st *store.Store, indexQ *queue.Queue[models.IndexItem], lex *lexical.Index, vec vector.Index, enc ml.Encoder, metrics *telemetry.Metrics, opts Options) *Indexer {
	if opts.MinChunkChars <= 0 {
		opts.MinChunkChars = defaultMinChunkChars
	}
	if opts.BatchMaxDocs <= 0 {
		opts.BatchMaxDocs = defaultBatchMaxDocs
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Indexer{
		store:      st,
		indexQ:     indexQ,
		lexical:    lex,
		vector:     vec,
		encoder:    enc,
		metrics:    metrics,
		opts:       opts,
		logger:     observability.Logger("indexer"),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the single batch goroutine.
func (ix *Indexer) Start(ctx context.Context) {
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		for {
			select {
			case <-ix.shutdownCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := ix.Cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				ix.logger.Error().Err(err).Msg("index cycle failed")
				// Back off so a persistent failure does not spin.
				select {
				case <-ix.shutdownCh:
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()
	ix.logger.Info().Msg("indexer started")
}

// Stop signals the loop and waits for the in-flight cycle.
func (ix *Indexer) Stop() {
	close(ix.shutdownCh)
	ix.wg.Wait()
	ix.logger.Info().Msg("indexer stopped")
}

// Cycle runs one batch: drain queued documents, replace their stored
// versions, rebuild the lexical index, embed and upsert the new chunks,
// then ack. Any failure nacks the whole batch for redelivery; documents
// are only acked once both indexes reflect them.
func (ix *Indexer) Cycle(ctx context.Context) error {
	deliveries, err := ix.indexQ.Drain(ctx, ix.opts.BatchMaxDocs, ix.opts.DrainTimeout)
	if err != nil {
		return fmt.Errorf("drain index queue: %w", err)
	}
	if len(deliveries) == 0 {
		return nil
	}

	chunkIDs, chunkTexts, err := ix.applyBatch(ctx, deliveries)
	if err != nil {
		ix.nackAll(ctx, deliveries)
		return err
	}

	entries, err := ix.store.AllChunkEntries(ctx)
	if err != nil {
		ix.nackAll(ctx, deliveries)
		return fmt.Errorf("load chunk entries: %w", err)
	}
	if err := ix.lexical.Rebuild(toLexicalEntries(entries)); err != nil {
		ix.nackAll(ctx, deliveries)
		return fmt.Errorf("rebuild lexical index: %w", err)
	}

	if len(chunkIDs) > 0 {
		vecs, err := ix.encoder.Encode(ctx, chunkTexts)
		if err != nil {
			ix.nackAll(ctx, deliveries)
			return fmt.Errorf("embed chunks: %w", err)
		}
		if err := ix.vector.Upsert(ctx, chunkIDs, vecs, chunkTexts); err != nil {
			ix.nackAll(ctx, deliveries)
			return fmt.Errorf("upsert vectors: %w", err)
		}
	}

	for _, d := range deliveries {
		if err := ix.indexQ.Ack(ctx, d.ID); err != nil {
			ix.logger.Error().Err(err).Int64("delivery", d.ID).Msg("ack failed")
		}
	}

	if ix.metrics != nil {
		ix.metrics.DocsIndexed.Add(float64(len(deliveries)))
		ix.metrics.ChunksIndexed.Add(float64(len(chunkIDs)))
		ix.metrics.IndexCycles.Inc()
	}
	observability.LogEvent(ix.logger, observability.EventBatchIndexed, map[string]interface{}{
		"documents": len(deliveries),
		"chunks":    len(chunkIDs),
	})
	return nil
}

// applyBatch replaces each queued document in the store and returns the new
// chunks with their embedding texts (chunk content plus document title).
func (ix *Indexer) applyBatch(ctx context.Context, deliveries []queue.Delivery[models.IndexItem]) ([]int64, []string, error) {
	var chunkIDs []int64
	var chunkTexts []string

	for _, d := range deliveries {
		doc := d.Item.Doc

		existing, err := ix.store.FindDocuments(ctx, doc.SourceID, []string{doc.ExternalID})
		if err != nil {
			return nil, nil, models.Wrap(models.ErrStoreFatal, "find existing documents", err)
		}
		for _, old := range existing {
			removed, err := ix.store.DeleteDocument(ctx, old.ID)
			if err != nil {
				return nil, nil, models.Wrap(models.ErrStoreFatal, "delete stale document", err)
			}
			if len(removed) > 0 {
				if err := ix.vector.Remove(ctx, removed); err != nil {
					return nil, nil, fmt.Errorf("remove stale vectors: %w", err)
				}
			}
		}

		inserted, err := ix.store.InsertDocumentTree(ctx, doc, func(d models.Document) []string {
			return Chunk(d.Content, ix.opts.MinChunkChars)
		})
		if err != nil {
			return nil, nil, models.Wrap(models.ErrStoreFatal, "insert document tree", err)
		}

		titles := titlesByDocID(inserted.Document)
		for _, chunk := range inserted.Chunks {
			chunkIDs = append(chunkIDs, chunk.ID)
			text := chunk.Content
			if title := titles[chunk.DocumentID]; title != "" {
				text += "; " + title
			}
			chunkTexts = append(chunkTexts, text)
		}
	}
	return chunkIDs, chunkTexts, nil
}

func titlesByDocID(doc models.Document) map[int64]string {
	titles := map[int64]string{doc.ID: doc.Title}
	for _, child := range doc.Children {
		for id, title := range titlesByDocID(child) {
			titles[id] = title
		}
	}
	return titles
}

func (ix *Indexer) nackAll(ctx context.Context, deliveries []queue.Delivery[models.IndexItem]) {
	for _, d := range deliveries {
		if err := ix.indexQ.Nack(ctx, d.ID); err != nil {
			ix.logger.Error().Err(err).Int64("delivery", d.ID).Msg("nack failed")
		}
	}
}

// RemoveChunksHook adapts the vector index into the store's source-delete
// transaction: doomed chunk ids are removed from the vector index before the
// delete commits. The caller rebuilds the lexical index afterwards.
func (ix *Indexer) RemoveChunksHook() store.DeleteHook {
	return func(ctx context.Context, chunkIDs []int64) error {
		if len(chunkIDs) == 0 {
			return nil
		}
		return ix.vector.Remove(ctx, chunkIDs)
	}
}

// RebuildLexical rebuilds the lexical index from the store, for use after
// out-of-band deletions.
func (ix *Indexer) RebuildLexical(ctx context.Context) error {
	entries, err := ix.store.AllChunkEntries(ctx)
	if err != nil {
		return fmt.Errorf("load chunk entries: %w", err)
	}
	return ix.lexical.Rebuild(toLexicalEntries(entries))
}

// toLexicalEntries converts stored chunk rows into index entries.
func toLexicalEntries(entries []store.ChunkEntry) []lexical.Entry {
	out := make([]lexical.Entry, len(entries))
	for i, e := range entries {
		out[i] = lexical.Entry(e)
	}
	return out
}

// ClearAll wipes every indexed document: the pending queue, the store rows,
// and both indexes. Source rows survive with their watermark reset so the
// next crawl re-feeds everything.
func (ix *Indexer) ClearAll(ctx context.Context) error {
	if err := ix.indexQ.Clear(ctx); err != nil {
		return fmt.Errorf("clear index queue: %w", err)
	}
	if err := ix.store.ClearDocuments(ctx, models.NeverIndexed); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	if err := ix.lexical.Clear(); err != nil {
		return fmt.Errorf("clear lexical index: %w", err)
	}
	if err := ix.vector.Clear(ctx); err != nil {
		return fmt.Errorf("clear vector index: %w", err)
	}
	observability.LogEvent(ix.logger, observability.EventIndexCleared, nil)
	return nil
}

// Backlog reports how many documents wait in the index queue.
func (ix *Indexer) Backlog(ctx context.Context) (int, error) {
	return ix.indexQ.Len(ctx)
}
