package server

import (
	"context"
	"math"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/engine"
	"github.com/thebtf/recall/internal/eval"
	"github.com/thebtf/recall/pkg/models"
)

// defaultMetricsLimit caps the metrics window when the client names none.
const defaultMetricsLimit = 100

type createTestSetRequest struct {
	Name       string            `json:"name"`
	Collection string            `json:"collection"`
	Questions  []models.Question `json:"questions"`
}

type testSetCreated struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Collection    string `json:"collection"`
	QuestionCount int    `json:"question_count"`
}

type testSetSummary struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Collection string  `json:"collection"`
	CreatedAt  float64 `json:"created_at"`
	UpdatedAt  float64 `json:"updated_at"`
}

type autoGenerateRequest struct {
	Collection   string `json:"collection"`
	NumQuestions int    `json:"num_questions"`
	Model        string `json:"model"`
	TestSetName  string `json:"test_set_name"`
}

type batchEvalRequest struct {
	TestSetID string `json:"test_set_id"`
	Model     string `json:"model"`
}

// evalRunSummary lists a run without its per-question results payload.
type evalRunSummary struct {
	ID                   string   `json:"id"`
	TestSetID            string   `json:"test_set_id"`
	Status               string   `json:"status"`
	AvgFaithfulness      *float64 `json:"avg_faithfulness"`
	AvgRelevance         *float64 `json:"avg_relevance"`
	AvgHallucinationRate *float64 `json:"avg_hallucination_rate"`
	AvgContextPrecision  *float64 `json:"avg_context_precision"`
	CreatedAt            float64  `json:"created_at"`
	CompletedAt          *float64 `json:"completed_at"`
}

type timeSeriesPoint struct {
	QueryID           string   `json:"query_id"`
	Timestamp         float64  `json:"timestamp"`
	Faithfulness      *float64 `json:"faithfulness"`
	Relevance         *float64 `json:"relevance"`
	HallucinationRate *float64 `json:"hallucination_rate"`
	LatencyMS         float64  `json:"latency_ms"`
	TokensUsed        int      `json:"tokens_used"`
	CostUSD           float64  `json:"cost_usd"`
}

// metricsSummary aggregates the recent query window. The cost fields are
// omitted entirely when there are no rows, matching the dashboard contract.
type metricsSummary struct {
	TotalQueries         int               `json:"total_queries"`
	AvgFaithfulness      *float64          `json:"avg_faithfulness"`
	AvgRelevance         *float64          `json:"avg_relevance"`
	AvgHallucinationRate *float64          `json:"avg_hallucination_rate"`
	AvgLatencyMS         *float64          `json:"avg_latency_ms"`
	P50LatencyMS         *float64          `json:"p50_latency_ms"`
	P95LatencyMS         *float64          `json:"p95_latency_ms"`
	TotalCostUSD         *float64          `json:"total_cost_usd,omitempty"`
	AvgCostPerQuery      *float64          `json:"avg_cost_per_query,omitempty"`
	TimeSeries           []timeSeriesPoint `json:"time_series"`
}

func (s *Server) handleCreateTestSet(w http.ResponseWriter, r *http.Request) {
	var req createTestSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Collection == "" {
		http.Error(w, "name and collection are required", http.StatusBadRequest)
		return
	}

	ts, err := s.store.CreateTestSet(r.Context(), req.Name, req.Collection, req.Questions)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, testSetCreated{
		ID:            ts.ID,
		Name:          ts.Name,
		Collection:    ts.Collection,
		QuestionCount: len(ts.Questions),
	})
}

func (s *Server) handleListTestSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.store.ListTestSets(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]testSetSummary, 0, len(sets))
	for _, ts := range sets {
		out = append(out, testSetSummary{
			ID:         ts.ID,
			Name:       ts.Name,
			Collection: ts.Collection,
			CreatedAt:  ts.CreatedAt,
			UpdatedAt:  ts.UpdatedAt,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleGetTestSet(w http.ResponseWriter, r *http.Request) {
	ts, err := s.store.GetTestSet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ts == nil {
		http.Error(w, "Test set not found", http.StatusNotFound)
		return
	}
	writeJSON(w, ts)
}

func (s *Server) handleDeleteTestSet(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteTestSet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "Test set not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// handleAutoGenerate drafts questions from the collection's own content.
// With a test_set_name the drafted set is persisted in the same call.
func (s *Server) handleAutoGenerate(w http.ResponseWriter, r *http.Request) {
	var req autoGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Collection == "" {
		http.Error(w, "collection is required", http.StatusBadRequest)
		return
	}
	n := req.NumQuestions
	if n <= 0 {
		n = 10
	}

	questions := eval.GenerateQuestions(r.Context(), s.vectors, s.llm, req.Collection, req.Model, n)
	if questions == nil {
		questions = []models.Question{}
	}

	if req.TestSetName != "" && len(questions) > 0 {
		ts, err := s.store.CreateTestSet(r.Context(), req.TestSetName, req.Collection, questions)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"id":             ts.ID,
			"name":           ts.Name,
			"collection":     ts.Collection,
			"question_count": len(ts.Questions),
			"questions":      questions,
		})
		return
	}

	writeJSON(w, map[string]any{"questions": questions, "count": len(questions)})
}

// handleBatchEvaluate verifies the test set exists, then runs the batch in
// the background; progress is visible through the runs listing.
func (s *Server) handleBatchEvaluate(w http.ResponseWriter, r *http.Request) {
	var req batchEvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ts, err := s.store.GetTestSet(r.Context(), req.TestSetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ts == nil {
		http.Error(w, "Test set not found", http.StatusNotFound)
		return
	}

	lightweight := false
	queryFn := func(ctx context.Context, question, collection, model string) (*models.QueryResult, error) {
		return s.engine.Query(ctx, engine.Request{
			Query:       question,
			Collection:  collection,
			Model:       model,
			Evaluate:    true,
			Lightweight: &lightweight,
		})
	}
	go func() {
		if _, err := s.evals.RunBatch(context.Background(), s.store, queryFn, req.TestSetID, req.Model); err != nil {
			log.Error().Err(err).Str("test_set_id", req.TestSetID).Msg("Batch evaluation failed")
		}
	}()

	writeJSON(w, map[string]string{"status": "started", "test_set_id": req.TestSetID})
}

func (s *Server) handleListEvalRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListEvalRuns(r.Context(), r.URL.Query().Get("test_set_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]evalRunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, evalRunSummary{
			ID:                   run.ID,
			TestSetID:            run.TestSetID,
			Status:               string(run.Status),
			AvgFaithfulness:      run.AvgFaithfulness,
			AvgRelevance:         run.AvgRelevance,
			AvgHallucinationRate: run.AvgHallucinationRate,
			AvgContextPrecision:  run.AvgContextPrecision,
			CreatedAt:            run.CreatedAt,
			CompletedAt:          run.CompletedAt,
		})
	}
	writeJSON(w, out)
}

// handleMetrics aggregates the most recent queries: averages over present
// scores, latency percentiles, cost totals, and an oldest-first time series
// for charting.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	limit := defaultMetricsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := s.store.MetricRows(r.Context(), r.URL.Query().Get("collection"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, summarizeMetrics(rows))
}

func summarizeMetrics(rows []db.MetricRow) metricsSummary {
	if len(rows) == 0 {
		return metricsSummary{TimeSeries: []timeSeriesPoint{}}
	}

	var faith, rel, hall, latencies []float64
	var totalCost float64
	for _, m := range rows {
		if m.Faithfulness != nil {
			faith = append(faith, *m.Faithfulness)
		}
		if m.Relevance != nil {
			rel = append(rel, *m.Relevance)
		}
		if m.HallucinationRate != nil {
			hall = append(hall, *m.HallucinationRate)
		}
		latencies = append(latencies, m.LatencyMS)
		totalCost += m.CostUSD
	}

	sort.Float64s(latencies)
	p50 := latencies[len(latencies)/2]
	p95 := latencies[min(int(float64(len(latencies))*0.95), len(latencies)-1)]

	// Rows arrive newest-first; charts want oldest-first.
	series := make([]timeSeriesPoint, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		m := rows[i]
		series = append(series, timeSeriesPoint{
			QueryID:           m.ID,
			Timestamp:         m.CreatedAt,
			Faithfulness:      m.Faithfulness,
			Relevance:         m.Relevance,
			HallucinationRate: m.HallucinationRate,
			LatencyMS:         m.LatencyMS,
			TokensUsed:        m.TokensUsed,
			CostUSD:           m.CostUSD,
		})
	}

	totalRounded := round4(totalCost)
	avgCost := round6(totalCost / float64(len(rows)))
	return metricsSummary{
		TotalQueries:         len(rows),
		AvgFaithfulness:      avgOf(faith),
		AvgRelevance:         avgOf(rel),
		AvgHallucinationRate: avgOf(hall),
		AvgLatencyMS:         avgOf(latencies),
		P50LatencyMS:         &p50,
		P95LatencyMS:         &p95,
		TotalCostUSD:         &totalRounded,
		AvgCostPerQuery:      &avgCost,
		TimeSeries:           series,
	}
}

func (s *Server) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	detail, err := s.store.GetQueryDetail(r.Context(), chi.URLParam(r, "queryID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail == nil {
		http.Error(w, "Query not found", http.StatusNotFound)
		return
	}
	writeJSON(w, detail)
}

func avgOf(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	avg := sum / float64(len(vals))
	return &avg
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
