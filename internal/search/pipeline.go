// Package search runs the multi-stage query pipeline: dense and lexical
// recall, two cross-encoder re-rank passes, extractive answers, an
// answer-focused re-rank, and result assembly.
package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/internal/index/lexical"
	"github.com/trovehq/trove/internal/index/vector"
	"github.com/trovehq/trove/internal/ml"
	"github.com/trovehq/trove/internal/observability"
	"github.com/trovehq/trove/internal/store"
	"github.com/trovehq/trove/internal/telemetry"
	"github.com/trovehq/trove/pkg/models"
)

// Recall and keep widths per hardware tier. The GPU tier can afford wider
// recall and deeper re-ranking.
const (
	denseKGPU   = 60
	denseKCPU   = 20
	lexicalKGPU = 100
	lexicalKCPU = 20
	rerankKGPU  = 30
	rerankKCPU  = 10

	defaultTopK = 10
)

// Config selects models and widths for one pipeline.
type Config struct {
	// GPU widens recall and re-rank depths.
	GPU bool
}

// Pipeline answers search queries. All stages are synchronous; concurrency
// comes from the HTTP server running one pipeline call per request.
type Pipeline struct {
	store    *store.Store
	lexical  *lexical.Index
	vector   vector.Index
	encoder  ml.Encoder
	smallCE  ml.CrossEncoder
	largeCE  ml.CrossEncoder
	answerer ml.Answerer
	avatars  *connector.AvatarCache
	metrics  *telemetry.Metrics
	cfg      Config
	logger   zerolog.Logger
}

// NewPipeline wires the pipeline. avatars and metrics may be nil.
func NewPipeline(st *store.Store, lex *lexical.Index, vec vector.Index, enc ml.Encoder, smallCE, largeCE ml.CrossEncoder, answerer ml.Answerer, avatars *connector.AvatarCache, metrics *telemetry.Metrics, cfg Config) *Pipeline {
	return &Pipeline{
		store:    st,
		lexical:  lex,
		vector:   vec,
		encoder:  enc,
		smallCE:  smallCE,
		largeCE:  largeCE,
		answerer: answerer,
		avatars:  avatars,
		metrics:  metrics,
		cfg:      cfg,
		logger:   observability.Logger("search"),
	}
}

// candidate is one chunk moving through the pipeline stages.
type candidate struct {
	chunk  models.Chunk
	doc    models.Document
	source string
	score  float64
	answer ml.Span
}

// Search runs the full pipeline for one query.
func (p *Pipeline) Search(ctx context.Context, query string, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = defaultTopK
	}

	candidates, err := p.recall(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []models.SearchResult{}, nil
	}

	candidates, err = p.rerank(ctx, p.smallCE, query, candidates, p.width(rerankKGPU, rerankKCPU), contentPair)
	if err != nil {
		return nil, fmt.Errorf("small re-rank: %w", err)
	}
	candidates, err = p.rerank(ctx, p.largeCE, query, candidates, topK, contentPair)
	if err != nil {
		return nil, fmt.Errorf("large re-rank: %w", err)
	}

	if err := p.extractAnswers(ctx, query, candidates); err != nil {
		return nil, fmt.Errorf("extract answers: %w", err)
	}

	candidates, err = p.rerank(ctx, p.largeCE, query, candidates, topK, answerPair)
	if err != nil {
		return nil, fmt.Errorf("answer re-rank: %w", err)
	}

	results, err := p.assemble(ctx, candidates, topK)
	if err != nil {
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.SearchesServed.Inc()
	}
	observability.LogEvent(p.logger, observability.EventSearchServed, map[string]interface{}{
		"results": len(results),
		"top_k":   topK,
	})
	return results, nil
}

func (p *Pipeline) width(gpu, cpu int) int {
	if p.cfg.GPU {
		return gpu
	}
	return cpu
}

// recall unions dense and lexical hits and loads their chunks.
func (p *Pipeline) recall(ctx context.Context, query string) ([]*candidate, error) {
	vecs, err := p.encoder.Encode(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	denseIDs, _, err := p.vector.Search(ctx, vecs[0], p.width(denseKGPU, denseKCPU))
	if err != nil {
		return nil, fmt.Errorf("dense recall: %w", err)
	}
	lexicalIDs := p.lexical.Search(query, p.width(lexicalKGPU, lexicalKCPU))

	seen := make(map[int64]bool, len(denseIDs)+len(lexicalIDs))
	ids := make([]int64, 0, len(denseIDs)+len(lexicalIDs))
	for _, id := range append(denseIDs, lexicalIDs...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	cwds, err := p.store.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load candidate chunks: %w", err)
	}

	candidates := make([]*candidate, len(cwds))
	for i, cwd := range cwds {
		candidates[i] = &candidate{chunk: cwd.Chunk, doc: cwd.Document, source: cwd.TypeName}
	}
	return candidates, nil
}

// pair builders for the cross-encoder stages.
func contentPair(c *candidate) string { return c.chunk.Content + " [SEP] " + c.doc.Title }
func answerPair(c *candidate) string  { return c.answer.Text + " [SEP] " + c.doc.Title }

// rerank scores every candidate with the given cross-encoder and keeps the
// top keep, ordered by score desc with timestamp desc then document id asc
// as tie-breaks.
func (p *Pipeline) rerank(ctx context.Context, ce ml.CrossEncoder, query string, candidates []*candidate, keep int, pair func(*candidate) string) ([]*candidate, error) {
	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = pair(c)
	}
	scores, err := ce.Score(ctx, query, passages)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("scorer returned %d scores for %d passages", len(scores), len(candidates))
	}
	for i, c := range candidates {
		c.score = scores[i]
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.doc.Timestamp.Equal(b.doc.Timestamp) {
			return a.doc.Timestamp.After(b.doc.Timestamp)
		}
		return a.doc.ID < b.doc.ID
	})
	if len(candidates) > keep {
		candidates = candidates[:keep]
	}
	return candidates, nil
}

// extractAnswers fills each candidate's answer span, snapped to the
// enclosing sentence. A candidate whose span comes back empty falls back to
// the leading sentence of its chunk.
func (p *Pipeline) extractAnswers(ctx context.Context, query string, candidates []*candidate) error {
	contexts := make([]string, len(candidates))
	for i, c := range candidates {
		contexts[i] = c.chunk.Content
	}
	spans, err := p.answerer.Answer(ctx, query, contexts)
	if err != nil {
		return err
	}
	if len(spans) != len(candidates) {
		return fmt.Errorf("answerer returned %d spans for %d contexts", len(spans), len(candidates))
	}
	for i, c := range candidates {
		span := spans[i]
		if span.Text == "" {
			span = ml.Span{Text: c.chunk.Content, Start: 0, End: len(c.chunk.Content)}
		}
		c.answer = snapToSentence(c.chunk.Content, span)
	}
	return nil
}

// assemble renders the final wire results, grouping child documents under
// their parents.
func (p *Pipeline) assemble(ctx context.Context, candidates []*candidate, topK int) ([]models.SearchResult, error) {
	results := make([]models.SearchResult, 0, topK)
	// displayed tracks which top-level document already has a result, so two
	// chunks of one document (or two children of one parent) collapse into
	// the best-scored hit.
	displayed := make(map[int64]bool)

	for _, c := range candidates {
		if len(results) == topK {
			break
		}

		score := calibrate(c.score)
		hit := p.render(ctx, c, score)

		if c.doc.ParentID == nil {
			if displayed[c.doc.ID] {
				continue
			}
			displayed[c.doc.ID] = true
			results = append(results, hit)
			continue
		}

		if displayed[*c.doc.ParentID] {
			continue
		}
		parentDoc, err := p.store.DocumentByID(ctx, *c.doc.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load parent document: %w", err)
		}
		displayed[parentDoc.ID] = true

		// The parent fronts the group and carries the child's score.
		parent := models.SearchResult{
			Score:          score,
			Title:          parentDoc.Title,
			Author:         parentDoc.Author,
			AuthorImageURL: parentDoc.AuthorImageURL,
			URL:            parentDoc.URL,
			Location:       parentDoc.Location,
			DataSource:     c.source,
			Time:           parentDoc.Timestamp,
			Kind:           parentDoc.Kind,
			FileKind:       parentDoc.FileKind,
			Status:         parentDoc.Status,
			Child:          &hit,
		}
		p.resolveAvatar(ctx, &parent)
		results = append(results, parent)
	}
	return results, nil
}

// render builds the wire result for one candidate.
func (p *Pipeline) render(ctx context.Context, c *candidate, score float64) models.SearchResult {
	hit := models.SearchResult{
		Score:          score,
		Title:          c.doc.Title,
		Author:         c.doc.Author,
		AuthorImageURL: c.doc.AuthorImageURL,
		URL:            scrollToTextURL(c.doc.URL, c.answer.Text),
		Location:       c.doc.Location,
		DataSource:     c.source,
		Time:           c.doc.Timestamp,
		Kind:           c.doc.Kind,
		FileKind:       c.doc.FileKind,
		Status:         c.doc.Status,
		Content:        contentParts(c.chunk.Content, c.answer),
	}
	p.resolveAvatar(ctx, &hit)
	return hit
}

func (p *Pipeline) resolveAvatar(ctx context.Context, hit *models.SearchResult) {
	if p.avatars != nil && hit.AuthorImageURL != "" {
		hit.AuthorImageData = p.avatars.Get(ctx, hit.AuthorImageURL)
	}
}

// calibrate maps a raw cross-encoder logit to a percentage, anchored on the
// observed logit range of the MS-MARCO rankers.
func calibrate(logit float64) float64 {
	score := (logit + 12) / 24 * 100
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
