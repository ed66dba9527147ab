package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/thebtf/recall/pkg/models"
)

// InsertQueryLog records one answered query. CreatedAt is stamped here and
// written back to q.
func (s *Store) InsertQueryLog(ctx context.Context, q *models.QueryLog) error {
	q.CreatedAt = now()
	_, err := s.ExecContext(ctx,
		`INSERT INTO query_log
		(id, collection, query, answer, sources, model, tokens_used,
		 latency_ms, latency_retrieval_ms, latency_generation_ms,
		 cost_usd, alpha, top_k, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Collection, q.Query, q.Answer, q.Sources, q.Model, q.TokensUsed,
		q.LatencyMS, q.LatencyRetrievalMS, q.LatencyGenerationMS,
		q.CostUSD, q.Alpha, q.TopK, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

// InsertEvalResult records the quality scores for a logged query.
func (s *Store) InsertEvalResult(ctx context.Context, r *models.EvalResult) error {
	r.CreatedAt = now()
	_, err := s.ExecContext(ctx,
		`INSERT INTO eval_results
		(id, query_id, faithfulness, relevance, hallucination_rate,
		 context_precision, context_recall, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.QueryID, r.Faithfulness, r.Relevance, r.HallucinationRate,
		r.ContextPrecision, r.ContextRecall, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert eval result: %w", err)
	}
	return nil
}

// MetricRow is one query joined with its evaluation scores, the unit the
// metrics aggregation works over. Eval columns are nil for unevaluated
// queries.
type MetricRow struct {
	ID                  string
	Collection          string
	Query               string
	LatencyMS           float64
	LatencyRetrievalMS  *float64
	LatencyGenerationMS *float64
	TokensUsed          int
	CostUSD             float64
	CreatedAt           float64
	Faithfulness        *float64
	Relevance           *float64
	HallucinationRate   *float64
	ContextPrecision    *float64
	ContextRecall       *float64
}

// MetricRows returns the most recent queries with their scores, newest
// first. An empty collection matches everything.
func (s *Store) MetricRows(ctx context.Context, collection string, limit int) ([]MetricRow, error) {
	query := `
		SELECT q.id, q.collection, q.query, q.latency_ms,
		       q.latency_retrieval_ms, q.latency_generation_ms,
		       q.tokens_used, q.cost_usd, q.created_at,
		       e.faithfulness, e.relevance, e.hallucination_rate,
		       e.context_precision, e.context_recall
		FROM query_log q
		LEFT JOIN eval_results e ON e.query_id = q.id`
	var args []any
	if collection != "" {
		query += " WHERE q.collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY q.created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRow
	for rows.Next() {
		var m MetricRow
		var latRet, latGen, faith, rel, hall, prec, rec sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.Collection, &m.Query, &m.LatencyMS,
			&latRet, &latGen, &m.TokensUsed, &m.CostUSD, &m.CreatedAt,
			&faith, &rel, &hall, &prec, &rec); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		m.LatencyRetrievalMS = nullFloatPtr(latRet)
		m.LatencyGenerationMS = nullFloatPtr(latGen)
		m.Faithfulness = nullFloatPtr(faith)
		m.Relevance = nullFloatPtr(rel)
		m.HallucinationRate = nullFloatPtr(hall)
		m.ContextPrecision = nullFloatPtr(prec)
		m.ContextRecall = nullFloatPtr(rec)
		out = append(out, m)
	}
	return out, rows.Err()
}

// QueryDetail is the full record for one query, joined with its scores.
// Field order mirrors the wire shape of the per-query metrics endpoint.
type QueryDetail struct {
	ID                  string   `json:"id"`
	Collection          string   `json:"collection"`
	Query               string   `json:"query"`
	Answer              string   `json:"answer"`
	Sources             string   `json:"sources"`
	Model               string   `json:"model"`
	TokensUsed          int      `json:"tokens_used"`
	LatencyMS           float64  `json:"latency_ms"`
	LatencyRetrievalMS  *float64 `json:"latency_retrieval_ms"`
	LatencyGenerationMS *float64 `json:"latency_generation_ms"`
	CostUSD             float64  `json:"cost_usd"`
	Alpha               *float64 `json:"alpha"`
	TopK                *int     `json:"top_k"`
	CreatedAt           float64  `json:"created_at"`
	Faithfulness        *float64 `json:"faithfulness"`
	Relevance           *float64 `json:"relevance"`
	HallucinationRate   *float64 `json:"hallucination_rate"`
	ContextPrecision    *float64 `json:"context_precision"`
	ContextRecall       *float64 `json:"context_recall"`
}

// GetQueryDetail returns one logged query with its scores, or nil when the
// query id is unknown.
func (s *Store) GetQueryDetail(ctx context.Context, queryID string) (*QueryDetail, error) {
	row := s.QueryRowContext(ctx,
		`SELECT q.id, q.collection, q.query, q.answer, q.sources, q.model,
		        q.tokens_used, q.latency_ms, q.latency_retrieval_ms,
		        q.latency_generation_ms, q.cost_usd, q.alpha, q.top_k, q.created_at,
		        e.faithfulness, e.relevance, e.hallucination_rate,
		        e.context_precision, e.context_recall
		FROM query_log q
		LEFT JOIN eval_results e ON e.query_id = q.id
		WHERE q.id = ?`, queryID)

	var d QueryDetail
	var latRet, latGen, alpha, faith, rel, hall, prec, rec sql.NullFloat64
	var topK sql.NullInt64
	err := row.Scan(&d.ID, &d.Collection, &d.Query, &d.Answer, &d.Sources, &d.Model,
		&d.TokensUsed, &d.LatencyMS, &latRet, &latGen, &d.CostUSD, &alpha, &topK,
		&d.CreatedAt, &faith, &rel, &hall, &prec, &rec)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get query detail: %w", err)
	}

	d.LatencyRetrievalMS = nullFloatPtr(latRet)
	d.LatencyGenerationMS = nullFloatPtr(latGen)
	d.Alpha = nullFloatPtr(alpha)
	d.TopK = nullIntPtr(topK)
	d.Faithfulness = nullFloatPtr(faith)
	d.Relevance = nullFloatPtr(rel)
	d.HallucinationRate = nullFloatPtr(hall)
	d.ContextPrecision = nullFloatPtr(prec)
	d.ContextRecall = nullFloatPtr(rec)
	return &d, nil
}

// TuningRow pairs the retrieval params of one query with its quality
// scores. Only rows where both scores exist feed the tuner.
type TuningRow struct {
	Alpha        float64
	TopK         *int
	Faithfulness float64
	Relevance    float64
}

// tuningWindow bounds how much history parameter tuning considers.
const tuningWindow = 500

// TuningRows returns the most recent fully-scored queries that recorded
// their retrieval params, newest first, capped at the tuning window.
func (s *Store) TuningRows(ctx context.Context, collection string) ([]TuningRow, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT q.alpha, q.top_k, e.faithfulness, e.relevance
		FROM query_log q
		JOIN eval_results e ON e.query_id = q.id
		WHERE q.collection = ?
		  AND q.alpha IS NOT NULL
		  AND e.faithfulness IS NOT NULL
		  AND e.relevance IS NOT NULL
		ORDER BY q.created_at DESC
		LIMIT ?`, collection, tuningWindow)
	if err != nil {
		return nil, fmt.Errorf("query tuning rows: %w", err)
	}
	defer rows.Close()

	var out []TuningRow
	for rows.Next() {
		var t TuningRow
		var topK sql.NullInt64
		if err := rows.Scan(&t.Alpha, &topK, &t.Faithfulness, &t.Relevance); err != nil {
			return nil, fmt.Errorf("scan tuning row: %w", err)
		}
		t.TopK = nullIntPtr(topK)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TuningCandidateCount counts recent queries usable for the parameter
// analysis, which tolerates a missing relevance score.
func (s *Store) TuningCandidateCount(ctx context.Context, collection string) (int, error) {
	row := s.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT q.id
			FROM query_log q
			JOIN eval_results e ON e.query_id = q.id
			WHERE q.collection = ?
			  AND q.alpha IS NOT NULL
			  AND e.faithfulness IS NOT NULL
			ORDER BY q.created_at DESC
			LIMIT ?
		)`, collection, tuningWindow)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count tuning candidates: %w", err)
	}
	return count, nil
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
