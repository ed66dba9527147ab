// Package engine runs the question-answering pipeline: semantic cache
// lookup, parameter tuning, hybrid retrieval, prompt assembly, generation,
// evaluation, and persistence of the query log.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/eval"
	"github.com/thebtf/recall/internal/llm"
	"github.com/thebtf/recall/internal/prompt"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/tune"
	"github.com/thebtf/recall/pkg/models"
)

// Request is one pipeline invocation. Zero Model, TopK, and nil Alpha fall
// back to the configured defaults; leaving both Alpha and TopK unset also
// lets history-based tuning pick them.
type Request struct {
	Query       string
	Collection  string
	TopK        int
	Alpha       *float64
	Model       string
	Evaluate    bool
	Lightweight *bool
}

// Engine composes the pipeline stages around shared storage.
type Engine struct {
	cfg    *config.Config
	store  *db.Store
	ranker *search.Ranker
	router *llm.Router
	evals  *eval.Engine
	cache  *cache.Cache
	m      meters
}

func New(cfg *config.Config, store *db.Store, ranker *search.Ranker, router *llm.Router, evals *eval.Engine, qcache *cache.Cache) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		ranker: ranker,
		router: router,
		evals:  evals,
		cache:  qcache,
		m:      newMeters(),
	}
}

// Query answers one question end to end. Retrieval, prompt building, and
// generation failures are fatal; cache, tuning, and persistence failures
// degrade with a log line.
func (e *Engine) Query(ctx context.Context, req Request) (*models.QueryResult, error) {
	start := time.Now()
	queryID := uuid.NewString()

	model := req.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}

	if entry := e.cache.Lookup(ctx, req.Query, req.Collection); entry != nil {
		e.m.query(ctx, req.Collection, true)
		e.m.cacheResult(ctx, true)
		// Hits reuse the stored answer; evaluation is not re-run.
		return &models.QueryResult{
			QueryID:    queryID,
			Answer:     entry.Answer,
			Sources:    entry.Sources,
			TokensUsed: entry.TokensUsed,
			LatencyMS:  msSince(start),
			Model:      entry.Model,
			CacheHit:   true,
		}, nil
	}
	if e.cfg.CacheEnabled {
		e.m.cacheResult(ctx, false)
	}

	alpha, topK := req.Alpha, req.TopK
	if alpha == nil && topK <= 0 {
		alpha, topK = e.tuned(ctx, req.Collection)
	}

	retrievalStart := time.Now()
	results, err := e.ranker.Search(ctx, req.Query, req.Collection, search.Options{
		Alpha: alpha,
		TopK:  topK,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	latencyRetrieval := msSince(retrievalStart)

	messages, sources := prompt.Build(req.Query, results, e.cfg.MaxContextTokens)

	generationStart := time.Now()
	resp, err := e.router.Generate(ctx, messages, model)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	latencyGeneration := msSince(generationStart)

	var scores *models.EvalScores
	if req.Evaluate {
		lightweight := e.cfg.EvalLightweight
		if req.Lightweight != nil {
			lightweight = *req.Lightweight
		}
		chunks := make([]string, len(results))
		for i, r := range results {
			chunks[i] = r.Text
		}
		s := e.evals.EvaluateQuery(ctx, req.Query, resp.Content, chunks, "",
			lightweight, latencyRetrieval, latencyGeneration)
		scores = &s
		e.m.evaluated(ctx, req.Collection)
	}

	result := &models.QueryResult{
		QueryID:             queryID,
		Answer:              resp.Content,
		Sources:             sources,
		EvalScores:          scores,
		TokensUsed:          resp.TokensUsed,
		LatencyMS:           msSince(start),
		LatencyRetrievalMS:  latencyRetrieval,
		LatencyGenerationMS: latencyGeneration,
		Model:               model,
	}

	e.persist(ctx, req, result, resp.CostUSD, effectiveAlpha(alpha, e.cfg.HybridAlpha), effectiveTopK(topK, e.cfg.DefaultTopK))
	e.cache.Store(ctx, req.Query, req.Collection, result)

	e.m.query(ctx, req.Collection, false)
	e.m.tokens(ctx, model, resp.TokensUsed)
	return result, nil
}

// Stream runs retrieval and prompt assembly, then hands back the cited
// sources and a channel of answer fragments. Streamed queries are not
// cached, evaluated, or logged.
func (e *Engine) Stream(ctx context.Context, req Request) ([]models.Source, <-chan string, error) {
	results, err := e.ranker.Search(ctx, req.Query, req.Collection, search.Options{
		Alpha: req.Alpha,
		TopK:  req.TopK,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("retrieve: %w", err)
	}

	messages, sources := prompt.Build(req.Query, results, e.cfg.MaxContextTokens)

	tokens, err := e.router.Stream(ctx, messages, req.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("generate: %w", err)
	}
	return sources, tokens, nil
}

// Retrieve runs hybrid search without generation, for the bare retrieval
// surfaces.
func (e *Engine) Retrieve(ctx context.Context, query, collection string, topK int, alpha *float64, sourceFilter string) ([]models.RankedResult, error) {
	return e.ranker.Search(ctx, query, collection, search.Options{
		Alpha:        alpha,
		TopK:         topK,
		SourceFilter: sourceFilter,
	})
}

// tuned consults the query history for better parameters. Failures have
// already been logged and surface as nils.
func (e *Engine) tuned(ctx context.Context, collection string) (*float64, int) {
	alpha, topK := tune.OptimalParams(ctx, e.store, collection)
	k := 0
	if topK != nil {
		k = *topK
	}
	if alpha != nil || topK != nil {
		log.Debug().Str("collection", collection).Msg("Applying tuned retrieval params")
	}
	return alpha, k
}

// persist writes the query log row and, when present, the eval scores.
// The effective alpha and top_k are always recorded so tuning has history
// to mine.
func (e *Engine) persist(ctx context.Context, req Request, result *models.QueryResult, costUSD, alpha float64, topK int) {
	sources := result.Sources
	if sources == nil {
		sources = []models.Source{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode sources for query log")
		sourcesJSON = []byte("[]")
	}

	logRow := &models.QueryLog{
		ID:                  result.QueryID,
		Collection:          req.Collection,
		Query:               req.Query,
		Answer:              result.Answer,
		Sources:             string(sourcesJSON),
		Model:               result.Model,
		TokensUsed:          result.TokensUsed,
		LatencyMS:           result.LatencyMS,
		LatencyRetrievalMS:  &result.LatencyRetrievalMS,
		LatencyGenerationMS: &result.LatencyGenerationMS,
		CostUSD:             costUSD,
		Alpha:               &alpha,
		TopK:                &topK,
	}
	if err := e.store.InsertQueryLog(ctx, logRow); err != nil {
		log.Warn().Err(err).Str("query_id", result.QueryID).Msg("Failed to persist query log")
		return
	}

	if result.EvalScores == nil {
		return
	}
	s := result.EvalScores
	evalRow := &models.EvalResult{
		ID:                uuid.NewString(),
		QueryID:           result.QueryID,
		Faithfulness:      &s.Faithfulness,
		Relevance:         &s.Relevance,
		HallucinationRate: &s.HallucinationRate,
		ContextPrecision:  &s.ContextPrecision,
		ContextRecall:     s.ContextRecall,
	}
	if err := e.store.InsertEvalResult(ctx, evalRow); err != nil {
		log.Warn().Err(err).Str("query_id", result.QueryID).Msg("Failed to persist eval result")
	}
}

func effectiveAlpha(alpha *float64, fallback float64) float64 {
	if alpha != nil {
		return *alpha
	}
	return fallback
}

func effectiveTopK(topK, fallback int) int {
	if topK > 0 {
		return topK
	}
	return fallback
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
