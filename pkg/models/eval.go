package models

// EvalScores holds the quality dimensions computed for one answer.
// Every scalar is in [0,1]. ContextRecall is present only when a ground
// truth was available.
type EvalScores struct {
	Faithfulness        float64  `json:"faithfulness"`
	Relevance           float64  `json:"relevance"`
	HallucinationRate   float64  `json:"hallucination_rate"`
	ContextPrecision    float64  `json:"context_precision"`
	ContextRecall       *float64 `json:"context_recall,omitempty"`
	LatencyRetrievalMS  float64  `json:"latency_retrieval_ms"`
	LatencyGenerationMS float64  `json:"latency_generation_ms"`
}

// EvalResult is the persisted row backing EvalScores, keyed to its query.
type EvalResult struct {
	ID                string   `json:"id"`
	QueryID           string   `json:"query_id"`
	Faithfulness      *float64 `json:"faithfulness,omitempty"`
	Relevance         *float64 `json:"relevance,omitempty"`
	HallucinationRate *float64 `json:"hallucination_rate,omitempty"`
	ContextPrecision  *float64 `json:"context_precision,omitempty"`
	ContextRecall     *float64 `json:"context_recall,omitempty"`
	CreatedAt         float64  `json:"created_at"`
}

// Question is one test-set entry. GroundTruth is optional; when present it
// enables context-recall scoring.
type Question struct {
	Question    string `json:"question"`
	GroundTruth string `json:"ground_truth,omitempty"`
}

// TestSet is a named bundle of evaluation questions for one collection.
type TestSet struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Collection string     `json:"collection"`
	Questions  []Question `json:"questions"`
	CreatedAt  float64    `json:"created_at"`
	UpdatedAt  float64    `json:"updated_at"`
}

// RunStatus tracks the lifecycle of a batch evaluation run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// EvalRun is one batch execution of a test set. Results is the
// JSON-serialized per-question outcome array.
type EvalRun struct {
	ID                   string    `json:"id"`
	TestSetID            string    `json:"test_set_id"`
	Status               RunStatus `json:"status"`
	Results              string    `json:"results"`
	AvgFaithfulness      *float64  `json:"avg_faithfulness,omitempty"`
	AvgRelevance         *float64  `json:"avg_relevance,omitempty"`
	AvgHallucinationRate *float64  `json:"avg_hallucination_rate,omitempty"`
	AvgContextPrecision  *float64  `json:"avg_context_precision,omitempty"`
	CreatedAt            float64   `json:"created_at"`
	CompletedAt          *float64  `json:"completed_at,omitempty"`
}
