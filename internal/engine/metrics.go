package engine

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meters holds the pipeline counters, registered against the global meter
// provider. Without an SDK installed they are no-ops.
type meters struct {
	queries     metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	evalRuns    metric.Int64Counter
	llmTokens   metric.Int64Counter
}

func newMeters() meters {
	m := otel.Meter("github.com/thebtf/recall/internal/engine")
	return meters{
		queries:     counter(m, "rag.queries", "Pipeline queries answered"),
		cacheHits:   counter(m, "rag.cache.hits", "Semantic cache hits"),
		cacheMisses: counter(m, "rag.cache.misses", "Semantic cache misses"),
		evalRuns:    counter(m, "rag.eval.runs", "Per-query evaluations executed"),
		llmTokens:   counter(m, "rag.llm.tokens", "LLM tokens consumed by generation"),
	}
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warn().Err(err).Str("counter", name).Msg("Failed to register counter")
	}
	return c
}

func (m meters) query(ctx context.Context, collection string, cacheHit bool) {
	m.queries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collection", collection),
		attribute.Bool("cache_hit", cacheHit),
	))
}

// cacheResult is recorded only when the cache is enabled, so hit rates are
// not diluted by deployments running without it.
func (m meters) cacheResult(ctx context.Context, hit bool) {
	if hit {
		m.cacheHits.Add(ctx, 1)
	} else {
		m.cacheMisses.Add(ctx, 1)
	}
}

func (m meters) evaluated(ctx context.Context, collection string) {
	m.evalRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("collection", collection)))
}

func (m meters) tokens(ctx context.Context, model string, n int) {
	m.llmTokens.Add(ctx, int64(n), metric.WithAttributes(attribute.String("model", model)))
}
