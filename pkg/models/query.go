package models

// Source describes one context chunk cited in an answer. Index is 1-based
// and matches the [Source N] notation in the prompt.
type Source struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
}

// QueryResult is the outcome of one pipeline run (or cache hit).
type QueryResult struct {
	QueryID             string      `json:"query_id"`
	Answer              string      `json:"answer"`
	Sources             []Source    `json:"sources"`
	EvalScores          *EvalScores `json:"eval_scores,omitempty"`
	TokensUsed          int         `json:"tokens_used"`
	LatencyMS           float64     `json:"latency_ms"`
	LatencyRetrievalMS  float64     `json:"latency_retrieval_ms"`
	LatencyGenerationMS float64     `json:"latency_generation_ms"`
	Model               string      `json:"model"`
	CacheHit            bool        `json:"cache_hit"`
}

// QueryLog is the persisted record of one answered query. Sources is the
// JSON-serialized []Source. Alpha and TopK are nil when the pipeline ran
// with caller-supplied or default parameters that were not logged.
type QueryLog struct {
	ID                  string   `json:"id"`
	Collection          string   `json:"collection"`
	Query               string   `json:"query"`
	Answer              string   `json:"answer"`
	Sources             string   `json:"sources"`
	Model               string   `json:"model"`
	TokensUsed          int      `json:"tokens_used"`
	LatencyMS           float64  `json:"latency_ms"`
	LatencyRetrievalMS  *float64 `json:"latency_retrieval_ms,omitempty"`
	LatencyGenerationMS *float64 `json:"latency_generation_ms,omitempty"`
	CostUSD             float64  `json:"cost_usd"`
	Alpha               *float64 `json:"alpha,omitempty"`
	TopK                *int     `json:"top_k,omitempty"`
	CreatedAt           float64  `json:"created_at"`
}
