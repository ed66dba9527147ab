package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/thebtf/recall/pkg/models"
)

// CreateTestSet stores a named question bundle and returns the persisted
// record. Names are unique; a duplicate surfaces as a constraint error.
func (s *Store) CreateTestSet(ctx context.Context, name, collection string, questions []models.Question) (*models.TestSet, error) {
	if questions == nil {
		questions = []models.Question{}
	}
	questionsJSON, err := json.Marshal(questions)
	if err != nil {
		return nil, fmt.Errorf("marshal questions: %w", err)
	}

	ts := &models.TestSet{
		ID:         uuid.NewString(),
		Name:       name,
		Collection: collection,
		Questions:  questions,
		CreatedAt:  now(),
	}
	ts.UpdatedAt = ts.CreatedAt

	_, err = s.ExecContext(ctx,
		`INSERT INTO test_sets (id, name, collection, questions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ts.ID, ts.Name, ts.Collection, string(questionsJSON), ts.CreatedAt, ts.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert test set: %w", err)
	}
	return ts, nil
}

// GetTestSet returns the test set with parsed questions, or nil when absent.
func (s *Store) GetTestSet(ctx context.Context, id string) (*models.TestSet, error) {
	row := s.QueryRowContext(ctx,
		`SELECT id, name, collection, questions, created_at, updated_at
		FROM test_sets WHERE id = ?`, id)

	var ts models.TestSet
	var questionsJSON string
	err := row.Scan(&ts.ID, &ts.Name, &ts.Collection, &questionsJSON, &ts.CreatedAt, &ts.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get test set: %w", err)
	}

	if err := json.Unmarshal([]byte(questionsJSON), &ts.Questions); err != nil {
		return nil, fmt.Errorf("unmarshal questions: %w", err)
	}
	return &ts, nil
}

// ListTestSets returns all test sets newest-first. Questions are not
// loaded; fetch a single set for the full bundle.
func (s *Store) ListTestSets(ctx context.Context) ([]models.TestSet, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, name, collection, created_at, updated_at
		FROM test_sets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list test sets: %w", err)
	}
	defer rows.Close()

	var sets []models.TestSet
	for rows.Next() {
		var ts models.TestSet
		if err := rows.Scan(&ts.ID, &ts.Name, &ts.Collection, &ts.CreatedAt, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan test set: %w", err)
		}
		sets = append(sets, ts)
	}
	return sets, rows.Err()
}

// DeleteTestSet removes a test set and reports whether a row existed.
func (s *Store) DeleteTestSet(ctx context.Context, id string) (bool, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM test_sets WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete test set: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertEvalRun records the start of a batch evaluation in the running
// state and returns the generated run id.
func (s *Store) InsertEvalRun(ctx context.Context, testSetID string) (string, error) {
	runID := uuid.NewString()
	_, err := s.ExecContext(ctx,
		`INSERT INTO eval_runs (id, test_set_id, status, created_at)
		VALUES (?, ?, 'running', ?)`,
		runID, testSetID, now(),
	)
	if err != nil {
		return "", fmt.Errorf("insert eval run: %w", err)
	}
	return runID, nil
}

// CompleteEvalRun stores the per-question results and score averages and
// moves the run to completed. Averages are nil when nothing was evaluated.
func (s *Store) CompleteEvalRun(ctx context.Context, runID, resultsJSON string, avgFaithfulness, avgRelevance, avgHallucination, avgPrecision *float64) error {
	_, err := s.ExecContext(ctx,
		`UPDATE eval_runs
		SET status = 'completed', results = ?, completed_at = ?,
		    avg_faithfulness = ?, avg_relevance = ?,
		    avg_hallucination_rate = ?, avg_context_precision = ?
		WHERE id = ?`,
		resultsJSON, now(), avgFaithfulness, avgRelevance, avgHallucination, avgPrecision, runID,
	)
	if err != nil {
		return fmt.Errorf("complete eval run: %w", err)
	}
	return nil
}

// GetEvalRun returns one run including its results JSON, or nil when absent.
func (s *Store) GetEvalRun(ctx context.Context, id string) (*models.EvalRun, error) {
	row := s.QueryRowContext(ctx,
		`SELECT id, test_set_id, status, results, avg_faithfulness, avg_relevance,
		        avg_hallucination_rate, avg_context_precision, created_at, completed_at
		FROM eval_runs WHERE id = ?`, id)

	run, err := scanEvalRun(row.Scan, true)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get eval run: %w", err)
	}
	return run, nil
}

// ListEvalRuns returns runs newest-first, optionally filtered by test set.
// The results JSON is omitted from listings.
func (s *Store) ListEvalRuns(ctx context.Context, testSetID string) ([]models.EvalRun, error) {
	query := `SELECT id, test_set_id, status, avg_faithfulness, avg_relevance,
	                 avg_hallucination_rate, avg_context_precision, created_at, completed_at
	          FROM eval_runs`
	var args []any
	if testSetID != "" {
		query += " WHERE test_set_id = ?"
		args = append(args, testSetID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list eval runs: %w", err)
	}
	defer rows.Close()

	var runs []models.EvalRun
	for rows.Next() {
		run, err := scanEvalRun(rows.Scan, false)
		if err != nil {
			return nil, fmt.Errorf("scan eval run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// scanEvalRun scans one eval_runs row. withResults matches the column list
// of the single-run query.
func scanEvalRun(scan func(...any) error, withResults bool) (*models.EvalRun, error) {
	var run models.EvalRun
	var status string
	var avgF, avgR, avgH, avgP, completedAt sql.NullFloat64

	dests := []any{&run.ID, &run.TestSetID, &status}
	if withResults {
		dests = append(dests, &run.Results)
	}
	dests = append(dests, &avgF, &avgR, &avgH, &avgP, &run.CreatedAt, &completedAt)

	if err := scan(dests...); err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	run.AvgFaithfulness = nullFloatPtr(avgF)
	run.AvgRelevance = nullFloatPtr(avgR)
	run.AvgHallucinationRate = nullFloatPtr(avgH)
	run.AvgContextPrecision = nullFloatPtr(avgP)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Float64
	}
	return &run, nil
}
