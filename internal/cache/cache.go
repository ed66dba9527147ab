// Package cache provides a semantic answer cache: full query results stored
// in a dedicated vector collection and matched by embedding similarity, so
// close paraphrases of an answered question skip the pipeline.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/pkg/models"
)

// Collection is the reserved vector collection backing the cache.
const Collection = "_query_cache"

// Embedder is the query-embedding dependency of the cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Entry is a decoded cache hit.
type Entry struct {
	Answer     string
	Sources    []models.Source
	EvalScores *models.EvalScores
	Model      string
	CreatedAt  float64
	TokensUsed int
	LatencyMS  float64
}

// Cache matches queries against previously answered ones. Every method
// degrades to a no-op on failure: the cache must never fail a query.
type Cache struct {
	embedder   Embedder
	vectors    vector.Store
	store      *db.Store
	enabled    bool
	threshold  float64
	ttlSeconds int
}

// New creates a semantic cache. threshold is the minimum cosine similarity
// for a hit; entries older than ttlSeconds are ignored.
func New(embedder Embedder, vectors vector.Store, store *db.Store, enabled bool, threshold float64, ttlSeconds int) *Cache {
	return &Cache{
		embedder:   embedder,
		vectors:    vectors,
		store:      store,
		enabled:    enabled,
		threshold:  threshold,
		ttlSeconds: ttlSeconds,
	}
}

// EnsureCollection creates the cache collection sized to the embedder.
// Called at startup; failure is logged, not fatal.
func (c *Cache) EnsureCollection(ctx context.Context) {
	if !c.enabled {
		return
	}
	if err := c.vectors.EnsureCollection(ctx, Collection, c.embedder.Dimensions()); err != nil {
		log.Warn().Err(err).Msg("Failed to create cache collection")
	}
}

// Lookup returns the cached entry for a semantically equivalent query, or
// nil on a miss. Every resolved lookup appends a cache_stats row; hits carry
// the latency the caller is about to save.
func (c *Cache) Lookup(ctx context.Context, query, collection string) *Entry {
	if !c.enabled {
		return nil
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		log.Warn().Err(err).Msg("Cache lookup failed")
		return nil
	}

	hits, err := c.vectors.Search(ctx, Collection, vec, 1, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Cache lookup failed")
		return nil
	}

	if len(hits) == 0 {
		c.recordStat(ctx, query, collection, false, 0)
		return nil
	}

	hit := hits[0]
	if hit.Score < c.threshold {
		c.recordStat(ctx, query, collection, false, 0)
		return nil
	}

	var stored models.CachedAnswer
	if err := decodePayload(hit.Payload, &stored); err != nil {
		log.Warn().Err(err).Msg("Cache lookup failed")
		return nil
	}

	if stored.Collection != collection {
		c.recordStat(ctx, query, collection, false, 0)
		return nil
	}

	if float64(time.Now().UnixNano())/1e9-stored.CreatedAt > float64(c.ttlSeconds) {
		c.recordStat(ctx, query, collection, false, 0)
		return nil
	}

	c.recordStat(ctx, query, collection, true, stored.LatencyMS)

	entry := &Entry{
		Answer:     stored.Answer,
		Model:      stored.Model,
		CreatedAt:  stored.CreatedAt,
		TokensUsed: stored.TokensUsed,
		LatencyMS:  stored.LatencyMS,
	}
	if err := json.Unmarshal([]byte(orDefault(stored.Sources, "[]")), &entry.Sources); err != nil {
		log.Warn().Err(err).Msg("Cache lookup failed")
		return nil
	}
	if err := json.Unmarshal([]byte(orDefault(stored.EvalScores, "null")), &entry.EvalScores); err != nil {
		log.Warn().Err(err).Msg("Cache lookup failed")
		return nil
	}
	return entry
}

// Store upserts a finished query result keyed by the query embedding.
// Best-effort: failures are logged and swallowed.
func (c *Cache) Store(ctx context.Context, query, collection string, result *models.QueryResult) {
	if !c.enabled {
		return
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		log.Warn().Err(err).Msg("Cache store failed")
		return
	}

	c.EnsureCollection(ctx)

	sourcesJSON, err := json.Marshal(sourcesOrEmpty(result.Sources))
	if err != nil {
		log.Warn().Err(err).Msg("Cache store failed")
		return
	}
	scoresJSON, err := json.Marshal(result.EvalScores)
	if err != nil {
		log.Warn().Err(err).Msg("Cache store failed")
		return
	}

	stored := models.CachedAnswer{
		Query:      query,
		Collection: collection,
		Answer:     result.Answer,
		Sources:    string(sourcesJSON),
		EvalScores: string(scoresJSON),
		Model:      result.Model,
		CreatedAt:  float64(time.Now().UnixNano()) / 1e9,
		TokensUsed: result.TokensUsed,
		LatencyMS:  result.LatencyMS,
	}

	payload, err := encodePayload(&stored)
	if err != nil {
		log.Warn().Err(err).Msg("Cache store failed")
		return
	}

	point := vector.Point{
		ID:      pointID(queryHash(query, collection)),
		Vector:  vec,
		Payload: payload,
	}
	if err := c.vectors.Upsert(ctx, Collection, []vector.Point{point}); err != nil {
		log.Warn().Err(err).Msg("Cache store failed")
	}
}

// Clear drops the cache collection and returns how many entries it held,
// 0 on any error.
func (c *Cache) Clear(ctx context.Context) int {
	count, err := c.vectors.Count(ctx, Collection)
	if err != nil {
		return 0
	}
	if err := c.vectors.DeleteCollection(ctx, Collection); err != nil {
		return 0
	}
	return int(count)
}

// Stats aggregates hit/miss history with the live collection size.
func (c *Cache) Stats(ctx context.Context) models.CacheStats {
	stats := models.CacheStats{
		CacheEnabled: c.enabled,
		Threshold:    c.threshold,
		TTLSeconds:   c.ttlSeconds,
	}

	counters, err := c.store.GetCacheCounters(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cache counters")
		return stats
	}

	stats.Hits = counters.Hits
	stats.Misses = counters.Misses
	stats.TotalLookups = counters.Hits + counters.Misses
	if stats.TotalLookups > 0 {
		stats.HitRatePercent = round1(float64(counters.Hits) / float64(stats.TotalLookups) * 100)
	}
	stats.AvgSavedLatencyMS = round1(counters.AvgSavedLatencyMS)

	if size, err := c.vectors.Count(ctx, Collection); err == nil {
		stats.CacheSize = int(size)
	}

	return stats
}

// recordStat appends one lookup outcome; stat failures are only logged.
func (c *Cache) recordStat(ctx context.Context, query, collection string, hit bool, savedLatencyMS float64) {
	if err := c.store.InsertCacheStat(ctx, queryHash(query, collection), hit, savedLatencyMS); err != nil {
		log.Warn().Err(err).Msg("Failed to record cache stat")
	}
}

// queryHash canonicalizes (trim, lowercase) and hashes a query within its
// collection namespace.
func queryHash(query, collection string) string {
	sum := sha256.Sum256([]byte(collection + ":" + strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])
}

// pointID derives a stable 63-bit point id from the query hash, so storing
// the same query twice overwrites rather than duplicates.
func pointID(hash string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(hash))
	return h.Sum64() & math.MaxInt64
}

// encodePayload converts the typed payload to the map shape vector stores
// accept, going through JSON to reuse the struct tags.
func encodePayload(stored *models.CachedAnswer) (map[string]any, error) {
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// decodePayload is the inverse of encodePayload.
func decodePayload(payload map[string]any, stored *models.CachedAnswer) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, stored)
}

func sourcesOrEmpty(sources []models.Source) []models.Source {
	if sources == nil {
		return []models.Source{}
	}
	return sources
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
