package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
)

// CacheCounters aggregates the cache_stats log.
type CacheCounters struct {
	Hits              int
	Misses            int
	AvgSavedLatencyMS float64
}

// InsertCacheStat appends one hit/miss row for a cache lookup. The row id
// is derived from the lookup time and query hash.
func (s *Store) InsertCacheStat(ctx context.Context, queryHash string, hit bool, savedLatencyMS float64) error {
	seed := strconv.FormatFloat(now(), 'f', -1, 64) + ":" + queryHash
	sum := sha256.Sum256([]byte(seed))
	id := hex.EncodeToString(sum[:])[:16]

	outcome := "miss"
	if hit {
		outcome = "hit"
	}

	_, err := s.ExecContext(ctx,
		`INSERT INTO cache_stats (id, query_hash, hit_or_miss, saved_latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, queryHash, outcome, savedLatencyMS, now(),
	)
	if err != nil {
		return fmt.Errorf("insert cache stat: %w", err)
	}
	return nil
}

// GetCacheCounters returns lookup totals and the average latency saved per
// hit (0 when there are no hits).
func (s *Store) GetCacheCounters(ctx context.Context) (CacheCounters, error) {
	var c CacheCounters

	row := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_stats WHERE hit_or_miss = 'hit'")
	if err := row.Scan(&c.Hits); err != nil {
		return c, fmt.Errorf("count cache hits: %w", err)
	}

	row = s.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_stats WHERE hit_or_miss = 'miss'")
	if err := row.Scan(&c.Misses); err != nil {
		return c, fmt.Errorf("count cache misses: %w", err)
	}

	var avg sql.NullFloat64
	row = s.QueryRowContext(ctx, "SELECT AVG(saved_latency_ms) FROM cache_stats WHERE hit_or_miss = 'hit'")
	if err := row.Scan(&avg); err != nil {
		return c, fmt.Errorf("average saved latency: %w", err)
	}
	if avg.Valid {
		c.AvgSavedLatencyMS = avg.Float64
	}

	return c, nil
}
