package server

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/pkg/models"
)

func TestHealth(t *testing.T) {
	fx := newTestServer(t)

	var body map[string]any
	resp := fx.getJSON(t, "/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["ollama"])
	assert.Equal(t, "test-model", body["default_llm"])
	assert.Equal(t, true, body["eval_enabled"])
	assert.Contains(t, body, "embedding_model")

	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.True(t, strings.HasSuffix(resp.Header.Get("X-Response-Time"), "ms"))
}

func TestSettings(t *testing.T) {
	fx := newTestServer(t)

	var body map[string]any
	resp := fx.getJSON(t, "/api/settings", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "documents", body["default_collection"])
	assert.Equal(t, "fixed", body["chunking_strategy"])
	assert.Equal(t, false, body["cache_enabled"])
	assert.Equal(t, float64(5), body["default_top_k"])
	assert.Equal(t, 0.7, body["hybrid_alpha"])
}

func TestModels(t *testing.T) {
	fx := newTestServer(t)

	var body []map[string]any
	resp := fx.getJSON(t, "/api/models", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body, 1)
	assert.Equal(t, "test-model", body[0]["name"])
}

func TestIngestValidation(t *testing.T) {
	fx := newTestServer(t)

	t.Run("no files", func(t *testing.T) {
		resp, err := http.Post(fx.api.URL+"/api/ingest", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		buf, contentType := multipartBody(t, []uploadFile{{name: "data.xyz", content: "x"}}, "")
		resp, err := http.Post(fx.api.URL+"/api/ingest", contentType, buf)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("too many files", func(t *testing.T) {
		files := []uploadFile{
			{name: "a.txt", content: "a"},
			{name: "b.txt", content: "b"},
			{name: "c.txt", content: "c"},
			{name: "d.txt", content: "d"},
		}
		buf, contentType := multipartBody(t, files, "")
		resp, err := http.Post(fx.api.URL+"/api/ingest", contentType, buf)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestIngestAndJobStatus(t *testing.T) {
	fx := newTestServer(t)

	buf, contentType := multipartBody(t, []uploadFile{
		{name: "alpha.txt", content: "The alpha document explains retrieval pipelines and ranking."},
	}, "docs")
	resp, err := http.Post(fx.api.URL+"/api/ingest", contentType, buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	var started map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", started["status"])
	jobID, ok := started["job_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, jobID)

	var status map[string]any
	waitFor(t, 5*time.Second, func() bool {
		fx.getJSON(t, "/api/ingest/"+jobID, &status)
		return status["status"] == "completed"
	}, "ingest job never completed")
	assert.Equal(t, float64(1), status["total_files"])
	assert.Equal(t, float64(1), status["processed_files"])
	assert.GreaterOrEqual(t, status["total_chunks"], float64(1))

	var collections []map[string]any
	fx.getJSON(t, "/api/collections", &collections)
	require.Len(t, collections, 1)
	assert.Equal(t, "docs", collections[0]["name"])
	assert.Equal(t, float64(1), collections[0]["doc_count"])
	assert.GreaterOrEqual(t, collections[0]["vectors_count"], float64(1))
}

func TestJobStatusNotFound(t *testing.T) {
	fx := newTestServer(t)

	resp, body := fx.do(t, http.MethodGet, "/api/ingest/no-such-job")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "Job not found")
}

func TestIngestVectorStoreUnavailable(t *testing.T) {
	fx := newTestServer(t)
	fx.vecs.setListErr(errors.New("connection refused"))

	buf, contentType := multipartBody(t, []uploadFile{{name: "a.txt", content: "a"}}, "")
	resp, err := http.Post(fx.api.URL+"/api/ingest", contentType, buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body.String(), "Qdrant is not available")
}

func TestDeleteCollection(t *testing.T) {
	fx := newTestServer(t)
	fx.seed(t, "docs")

	var body map[string]any
	req, err := http.NewRequest(http.MethodDelete, fx.api.URL+"/api/collections/docs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", body["status"])
	assert.Equal(t, "docs", body["collection"])

	var collections []map[string]any
	fx.getJSON(t, "/api/collections", &collections)
	assert.Empty(t, collections)
}

func TestQueryEndpoint(t *testing.T) {
	fx := newTestServer(t)
	fx.seed(t, "docs")

	evaluate := false
	var result models.QueryResult
	resp := fx.postJSON(t, "/api/query", map[string]any{
		"query":      "retrieval pipelines",
		"collection": "docs",
		"evaluate":   evaluate,
	}, &result)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0.8", result.Answer)
	assert.Equal(t, "test-model", result.Model)
	assert.False(t, result.CacheHit)
	assert.Nil(t, result.EvalScores)
	require.NotEmpty(t, result.Sources)
	assert.Contains(t, result.Sources[0].Text, "alpha document")
	assert.NotEmpty(t, result.QueryID)
}

func TestQueryValidation(t *testing.T) {
	fx := newTestServer(t)

	resp := fx.postJSON(t, "/api/query", map[string]any{"query": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryMetricsDetail(t *testing.T) {
	fx := newTestServer(t)
	fx.seed(t, "docs")

	var result models.QueryResult
	fx.postJSON(t, "/api/query", map[string]any{
		"query":      "retrieval pipelines",
		"collection": "docs",
	}, &result)
	require.NotNil(t, result.EvalScores)
	assert.InDelta(t, 0.8, result.EvalScores.Faithfulness, 1e-9)

	var detail map[string]any
	resp := fx.getJSON(t, "/api/metrics/"+result.QueryID, &detail)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, result.QueryID, detail["id"])
	assert.Equal(t, "0.8", detail["answer"])
	assert.Equal(t, 0.8, detail["faithfulness"])
	assert.Equal(t, 0.7, detail["alpha"])
	assert.Equal(t, float64(5), detail["top_k"])

	notFound, body := fx.do(t, http.MethodGet, "/api/metrics/no-such-query")
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
	assert.Contains(t, body, "Query not found")
}

type sseEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestQueryStream(t *testing.T) {
	fx := newTestServer(t)
	fx.seed(t, "docs")

	payload, err := json.Marshal(map[string]any{
		"query":      "retrieval pipelines",
		"collection": "docs",
		"stream":     true,
	})
	require.NoError(t, err)
	resp, err := http.Post(fx.api.URL+"/api/query", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	events := readSSE(t, resp)
	require.Len(t, events, 4)
	assert.Equal(t, "sources", events[0].Type)

	var sources []models.Source
	require.NoError(t, json.Unmarshal(events[0].Data, &sources))
	require.Len(t, sources, 1)
	assert.Contains(t, sources[0].Text, "alpha document")

	var token string
	require.NoError(t, json.Unmarshal(events[1].Data, &token))
	assert.Equal(t, "token", events[1].Type)
	assert.Equal(t, "Hello", token)

	assert.Equal(t, "done", events[3].Type)
	var done map[string]string
	require.NoError(t, json.Unmarshal(events[3].Data, &done))
	assert.Equal(t, "Hello world", done["answer"])
}

func TestRetrieveEndpoint(t *testing.T) {
	fx := newTestServer(t)
	fx.seed(t, "docs")

	var body map[string]any
	resp := fx.postJSON(t, "/api/retrieve", map[string]any{
		"query":      "alpha ranking",
		"collection": "docs",
	}, &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hybrid (alpha=0.7)", body["retrieval_method"])
	chunks, ok := body["chunks"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, chunks)
	assert.Equal(t, float64(len(chunks)), body["total_results"])

	// Explicit alpha shows in the method label.
	var custom map[string]any
	fx.postJSON(t, "/api/retrieve", map[string]any{
		"query":      "alpha ranking",
		"collection": "docs",
		"alpha":      0.3,
	}, &custom)
	assert.Equal(t, "hybrid (alpha=0.3)", custom["retrieval_method"])
}

func TestRetrieveEmptyCollection(t *testing.T) {
	fx := newTestServer(t)

	var body map[string]any
	resp := fx.postJSON(t, "/api/retrieve", map[string]any{
		"query":      "anything",
		"collection": "missing",
	}, &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	chunks, ok := body["chunks"].([]any)
	require.True(t, ok)
	assert.Empty(t, chunks)
	assert.Equal(t, float64(0), body["total_results"])
}

func TestTestSetLifecycle(t *testing.T) {
	fx := newTestServer(t)

	var created map[string]any
	resp := fx.postJSON(t, "/api/test-sets", map[string]any{
		"name":       "baseline",
		"collection": "docs",
		"questions":  []map[string]string{{"question": "Q1", "ground_truth": "A1"}},
	}, &created)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "baseline", created["name"])
	assert.Equal(t, float64(1), created["question_count"])
	id, ok := created["id"].(string)
	require.True(t, ok)

	var list []map[string]any
	fx.getJSON(t, "/api/test-sets", &list)
	require.Len(t, list, 1)
	assert.NotContains(t, list[0], "questions")

	var full models.TestSet
	fx.getJSON(t, "/api/test-sets/"+id, &full)
	require.Len(t, full.Questions, 1)
	assert.Equal(t, "Q1", full.Questions[0].Question)

	var deleted map[string]string
	req, err := http.NewRequest(http.MethodDelete, fx.api.URL+"/api/test-sets/"+id, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.NoError(t, json.NewDecoder(delResp.Body).Decode(&deleted))
	assert.Equal(t, "deleted", deleted["status"])

	notFound, _ := fx.do(t, http.MethodGet, "/api/test-sets/"+id)
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
	goneAgain, _ := fx.do(t, http.MethodDelete, "/api/test-sets/"+id)
	assert.Equal(t, http.StatusNotFound, goneAgain.StatusCode)
}

func TestCreateTestSetValidation(t *testing.T) {
	fx := newTestServer(t)

	resp := fx.postJSON(t, "/api/test-sets", map[string]any{"name": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAutoGenerateQuestions(t *testing.T) {
	fx := newTestServer(t)
	fx.vecs.setScrollHits([]vector.Hit{
		{ID: 1, Payload: map[string]any{"text": "Alpha is a document about retrieval."}},
	})

	var drafted map[string]any
	resp := fx.postJSON(t, "/api/test-sets/auto-generate", map[string]any{
		"collection":    "docs",
		"num_questions": 1,
	}, &drafted)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), drafted["count"])
	questions, ok := drafted["questions"].([]any)
	require.True(t, ok)
	require.Len(t, questions, 1)

	// Naming the set persists it in the same call.
	var saved map[string]any
	fx.postJSON(t, "/api/test-sets/auto-generate", map[string]any{
		"collection":    "docs",
		"num_questions": 1,
		"test_set_name": "generated",
	}, &saved)
	assert.Equal(t, "generated", saved["name"])
	assert.Equal(t, float64(1), saved["question_count"])
	assert.Contains(t, saved, "id")
	assert.Contains(t, saved, "questions")

	missing := fx.postJSON(t, "/api/test-sets/auto-generate", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestBatchEvaluate(t *testing.T) {
	fx := newTestServer(t)
	fx.seed(t, "docs")

	var created map[string]any
	fx.postJSON(t, "/api/test-sets", map[string]any{
		"name":       "baseline",
		"collection": "docs",
		"questions":  []map[string]string{{"question": "What is alpha?", "ground_truth": "A document."}},
	}, &created)
	id := created["id"].(string)

	var started map[string]string
	resp := fx.postJSON(t, "/api/evaluate/batch", map[string]any{"test_set_id": id}, &started)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "started", started["status"])
	assert.Equal(t, id, started["test_set_id"])

	var runs []map[string]any
	waitFor(t, 10*time.Second, func() bool {
		fx.getJSON(t, "/api/evaluate/runs?test_set_id="+id, &runs)
		return len(runs) == 1 && runs[0]["status"] == "completed"
	}, "batch run never completed")
	assert.InDelta(t, 0.8, runs[0]["avg_faithfulness"].(float64), 1e-9)
	assert.NotContains(t, runs[0], "results")
	assert.NotNil(t, runs[0]["completed_at"])
}

func TestBatchEvaluateUnknownTestSet(t *testing.T) {
	fx := newTestServer(t)

	resp := fx.postJSON(t, "/api/evaluate/batch", map[string]any{"test_set_id": "nope"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsSummaryEmpty(t *testing.T) {
	fx := newTestServer(t)

	var body map[string]any
	resp := fx.getJSON(t, "/api/metrics", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["total_queries"])

	avg, present := body["avg_faithfulness"]
	assert.True(t, present)
	assert.Nil(t, avg)

	series, ok := body["time_series"].([]any)
	require.True(t, ok)
	assert.Empty(t, series)

	// Cost keys only appear once there is data.
	assert.NotContains(t, body, "total_cost_usd")
	assert.NotContains(t, body, "avg_cost_per_query")
}

func TestMetricsSummaryAfterQuery(t *testing.T) {
	fx := newTestServer(t)
	fx.seed(t, "docs")

	fx.postJSON(t, "/api/query", map[string]any{
		"query":      "retrieval pipelines",
		"collection": "docs",
	}, nil)

	var body map[string]any
	fx.getJSON(t, "/api/metrics", &body)

	assert.Equal(t, float64(1), body["total_queries"])
	assert.InDelta(t, 0.8, body["avg_faithfulness"].(float64), 1e-9)
	assert.Contains(t, body, "total_cost_usd")
	assert.Contains(t, body, "avg_cost_per_query")
	require.NotNil(t, body["p50_latency_ms"])
	assert.Equal(t, body["p50_latency_ms"], body["p95_latency_ms"])

	series, ok := body["time_series"].([]any)
	require.True(t, ok)
	require.Len(t, series, 1)
	point := series[0].(map[string]any)
	assert.NotEmpty(t, point["query_id"])
}

func TestCacheEndpoints(t *testing.T) {
	fx := newTestServer(t)

	var stats map[string]any
	resp := fx.getJSON(t, "/api/cache/stats", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, stats["cache_enabled"])
	assert.Equal(t, float64(0), stats["total_lookups"])

	req, err := http.NewRequest(http.MethodDelete, fx.api.URL+"/api/cache", nil)
	require.NoError(t, err)
	clearResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer clearResp.Body.Close()

	var cleared map[string]any
	require.NoError(t, json.NewDecoder(clearResp.Body).Decode(&cleared))
	assert.Equal(t, "cleared", cleared["status"])
	assert.Equal(t, float64(0), cleared["points_removed"])
}

func TestOptimalParams(t *testing.T) {
	fx := newTestServer(t)

	missing, body := fx.do(t, http.MethodGet, "/api/retrieval/optimal-params")
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
	assert.Contains(t, body, "collection is required")

	var report map[string]any
	resp := fx.getJSON(t, "/api/retrieval/optimal-params?collection=docs", &report)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, report["sufficient_data"])
	assert.Equal(t, float64(10), report["min_required"])
}

func TestCORS(t *testing.T) {
	fx := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, fx.api.URL+"/api/query", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, fx.api.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHonorsClientHeader(t *testing.T) {
	fx := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, fx.api.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "client-supplied")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "client-supplied", resp.Header.Get("X-Request-ID"))
}
