package models

// CachedAnswer is the payload stored with a semantic-cache entry. Sources
// and EvalScores are JSON-serialized strings; they round-trip opaquely.
type CachedAnswer struct {
	Query      string  `json:"query"`
	Collection string  `json:"collection"`
	Answer     string  `json:"answer"`
	Sources    string  `json:"sources"`
	EvalScores string  `json:"eval_scores"`
	Model      string  `json:"model"`
	CreatedAt  float64 `json:"created_at"`
	TokensUsed int     `json:"tokens_used"`
	LatencyMS  float64 `json:"latency_ms"`
}

// CacheStats summarizes semantic-cache effectiveness.
type CacheStats struct {
	CacheEnabled      bool    `json:"cache_enabled"`
	CacheSize         int     `json:"cache_size"`
	TotalLookups      int     `json:"total_lookups"`
	Hits              int     `json:"hits"`
	Misses            int     `json:"misses"`
	HitRatePercent    float64 `json:"hit_rate_percent"`
	AvgSavedLatencyMS float64 `json:"avg_saved_latency_ms"`
	Threshold         float64 `json:"threshold"`
	TTLSeconds        int     `json:"ttl_seconds"`
}
