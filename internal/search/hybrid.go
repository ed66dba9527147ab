package search

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/pkg/models"
)

const (
	// rrfK is the reciprocal-rank-fusion constant: contribution of the
	// result at 0-based rank r is 1/(rrfK + r + 1).
	rrfK = 60

	// fetchMultiplier oversamples each side so fusion has candidates
	// beyond the requested top-k.
	fetchMultiplier = 3

	// dedupeKeyLen is how many leading bytes of text form the canonical
	// dedupe key.
	dedupeKeyLen = 200
)

// Options tunes a single hybrid search. Zero values fall back to the
// ranker's configured defaults.
type Options struct {
	Alpha        *float64
	TopK         int
	SourceFilter string
}

// Embedder is the query-embedding dependency of the ranker.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Ranker fans out to dense and sparse retrieval concurrently and fuses the
// two ranked lists with weighted RRF.
type Ranker struct {
	embedder     Embedder
	store        vector.Store
	indexes      *IndexManager
	defaultAlpha float64
	defaultTopK  int
}

// NewRanker creates a hybrid ranker.
func NewRanker(embedder Embedder, store vector.Store, indexes *IndexManager, alpha float64, topK int) *Ranker {
	return &Ranker{
		embedder:     embedder,
		store:        store,
		indexes:      indexes,
		defaultAlpha: alpha,
		defaultTopK:  topK,
	}
}

// IndexManager exposes the sparse side for ingestion and deletion paths.
func (r *Ranker) IndexManager() *IndexManager {
	return r.indexes
}

// Search runs the hybrid retrieval pipeline: concurrent dense + sparse
// fetches of 3·k candidates each, RRF fusion weighted by α, dedupe by
// canonical text key, and truncation to the top k.
//
// A failed side contributes nothing but does not fail the search; with both
// sides down the result is empty.
func (r *Ranker) Search(ctx context.Context, query, collection string, opts Options) ([]models.RankedResult, error) {
	k := opts.TopK
	if k <= 0 {
		k = r.defaultTopK
	}
	alpha := r.defaultAlpha
	if opts.Alpha != nil {
		alpha = *opts.Alpha
	}
	fetchK := fetchMultiplier * k

	var (
		dense     []models.SearchResult
		sparse    []models.SparseResult
		denseErr  error
		sparseErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dense, denseErr = r.denseSearch(gctx, query, collection, fetchK, opts.SourceFilter)
		return nil
	})
	g.Go(func() error {
		sparse, sparseErr = r.indexes.Search(collection, query, fetchK)
		return nil
	})
	_ = g.Wait()

	if denseErr != nil {
		log.Warn().Err(denseErr).Str("collection", collection).Msg("Dense search failed, using sparse only")
		dense = nil
	}
	if sparseErr != nil {
		log.Warn().Err(sparseErr).Str("collection", collection).Msg("Sparse search failed, using dense only")
		sparse = nil
	}

	return Fuse(dense, sparse, alpha, k), nil
}

// denseSearch embeds the query and runs a cosine top-k against the vector
// store, translating hits into search results.
func (r *Ranker) denseSearch(ctx context.Context, query, collection string, k int, sourceFilter string) ([]models.SearchResult, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var filter map[string]any
	if sourceFilter != "" {
		filter = map[string]any{"source": sourceFilter}
	}

	hits, err := r.store.Search(ctx, collection, vec, k, filter)
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, models.SearchResult{
			Text:       vector.PayloadString(hit.Payload, "text", ""),
			Score:      hit.Score,
			ChunkIndex: vector.PayloadInt(hit.Payload, "chunk_index", 0),
			Metadata:   models.Metadata(hit.Payload),
		})
	}
	return results, nil
}

// Fuse combines the two ranked lists with weighted reciprocal rank fusion.
// Rows sharing a canonical key merge into one result carrying both raw
// sub-scores; final order is score-descending with insertion-order ties.
func Fuse(dense []models.SearchResult, sparse []models.SparseResult, alpha float64, k int) []models.RankedResult {
	type entry struct {
		result    models.RankedResult
		vectorRRF float64
		sparseRRF float64
	}

	var order []string
	entries := make(map[string]*entry)

	for rank, res := range dense {
		key := canonicalKey(res.Text)
		e, ok := entries[key]
		if !ok {
			e = &entry{result: models.RankedResult{
				Text:       res.Text,
				ChunkIndex: res.ChunkIndex,
				Metadata:   res.Metadata,
			}}
			entries[key] = e
			order = append(order, key)
		}
		if e.vectorRRF == 0 {
			e.vectorRRF = 1.0 / float64(rrfK+rank+1)
			e.result.VectorScore = res.Score
		}
	}

	for rank, res := range sparse {
		key := canonicalKey(res.Text)
		e, ok := entries[key]
		if !ok {
			e = &entry{result: models.RankedResult{
				Text:       res.Text,
				ChunkIndex: res.ChunkIndex,
				Metadata:   res.Metadata,
			}}
			entries[key] = e
			order = append(order, key)
		}
		if e.sparseRRF == 0 {
			e.sparseRRF = 1.0 / float64(rrfK+rank+1)
			e.result.SparseScore = res.Score
		}
	}

	fused := make([]models.RankedResult, 0, len(order))
	for _, key := range order {
		e := entries[key]
		e.result.Score = alpha*e.vectorRRF + (1-alpha)*e.sparseRRF
		fused = append(fused, e.result)
	}

	sort.SliceStable(fused, func(a, b int) bool {
		return fused[a].Score > fused[b].Score
	})

	if len(fused) > k {
		fused = fused[:k]
	}
	return fused
}

// canonicalKey truncates to dedupeKeyLen bytes, trims space, lowercases.
func canonicalKey(text string) string {
	if len(text) > dedupeKeyLen {
		text = text[:dedupeKeyLen]
	}
	return strings.ToLower(strings.TrimSpace(text))
}
