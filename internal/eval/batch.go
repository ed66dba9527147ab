package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/pkg/models"
)

// ErrTestSetNotFound is returned when a batch run references an unknown
// test set. Nothing is written in that case.
var ErrTestSetNotFound = errors.New("test set not found")

// QueryFunc runs one question through the full answer pipeline with
// evaluation enabled and lightweight mode off.
type QueryFunc func(ctx context.Context, question, collection, model string) (*models.QueryResult, error)

// BatchRow is the per-question outcome inside a run's results. Failed
// questions carry only Question and Error.
type BatchRow struct {
	Question          string   `json:"question"`
	Answer            *string  `json:"answer,omitempty"`
	GroundTruth       *string  `json:"ground_truth,omitempty"`
	Faithfulness      *float64 `json:"faithfulness,omitempty"`
	Relevance         *float64 `json:"relevance,omitempty"`
	HallucinationRate *float64 `json:"hallucination_rate,omitempty"`
	ContextPrecision  *float64 `json:"context_precision,omitempty"`
	ContextRecall     *float64 `json:"context_recall,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// BatchResult summarizes a completed run. Averages are nil when no question
// produced scores.
type BatchResult struct {
	RunID                string     `json:"run_id"`
	TestSetID            string     `json:"test_set_id"`
	Status               string     `json:"status"`
	TotalQuestions       int        `json:"total_questions"`
	Evaluated            int        `json:"evaluated"`
	AvgFaithfulness      *float64   `json:"avg_faithfulness"`
	AvgRelevance         *float64   `json:"avg_relevance"`
	AvgHallucinationRate *float64   `json:"avg_hallucination_rate"`
	AvgContextPrecision  *float64   `json:"avg_context_precision"`
	Results              []BatchRow `json:"results"`
}

// RunBatch answers every question of a stored test set through the full
// pipeline and persists the aggregated run. Per-question failures become
// error rows; they never stop the run. When a question carries a ground
// truth, context recall is recomputed against the sources the pipeline
// actually returned.
func (e *Engine) RunBatch(ctx context.Context, store *db.Store, query QueryFunc, testSetID, model string) (*BatchResult, error) {
	ts, err := store.GetTestSet(ctx, testSetID)
	if err != nil {
		return nil, fmt.Errorf("load test set: %w", err)
	}
	if ts == nil {
		return nil, fmt.Errorf("%w: %s", ErrTestSetNotFound, testSetID)
	}

	runID, err := store.InsertEvalRun(ctx, testSetID)
	if err != nil {
		return nil, fmt.Errorf("create eval run: %w", err)
	}

	var rows []BatchRow
	var totalFaith, totalRel, totalHallucination, totalPrecision float64
	count := 0

	for _, q := range ts.Questions {
		result, err := query(ctx, q.Question, ts.Collection, model)
		if err != nil {
			log.Error().Err(err).Str("question", q.Question).Msg("Batch evaluation question failed")
			rows = append(rows, BatchRow{Question: q.Question, Error: err.Error()})
			continue
		}

		scores := result.EvalScores
		if scores == nil {
			continue
		}

		if q.GroundTruth != "" {
			chunks := make([]string, 0, len(result.Sources))
			for _, s := range result.Sources {
				chunks = append(chunks, s.Text)
			}
			recall := e.ContextRecall(ctx, q.GroundTruth, chunks)
			scores.ContextRecall = &recall
		}

		row := BatchRow{
			Question:          q.Question,
			Answer:            &result.Answer,
			Faithfulness:      &scores.Faithfulness,
			Relevance:         &scores.Relevance,
			HallucinationRate: &scores.HallucinationRate,
			ContextPrecision:  &scores.ContextPrecision,
			ContextRecall:     scores.ContextRecall,
		}
		if q.GroundTruth != "" {
			truth := q.GroundTruth
			row.GroundTruth = &truth
		}
		rows = append(rows, row)

		totalFaith += scores.Faithfulness
		totalRel += scores.Relevance
		totalHallucination += scores.HallucinationRate
		totalPrecision += scores.ContextPrecision
		count++
	}

	avgFaith := average(totalFaith, count)
	avgRel := average(totalRel, count)
	avgHallucination := average(totalHallucination, count)
	avgPrecision := average(totalPrecision, count)

	if rows == nil {
		rows = []BatchRow{}
	}
	resultsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode run results: %w", err)
	}
	if err := store.CompleteEvalRun(ctx, runID, string(resultsJSON), avgFaith, avgRel, avgHallucination, avgPrecision); err != nil {
		return nil, fmt.Errorf("complete eval run: %w", err)
	}

	return &BatchResult{
		RunID:                runID,
		TestSetID:            testSetID,
		Status:               string(models.RunCompleted),
		TotalQuestions:       len(ts.Questions),
		Evaluated:            count,
		AvgFaithfulness:      avgFaith,
		AvgRelevance:         avgRel,
		AvgHallucinationRate: avgHallucination,
		AvgContextPrecision:  avgPrecision,
		Results:              rows,
	}, nil
}

func average(total float64, count int) *float64 {
	if count == 0 {
		return nil
	}
	avg := total / float64(count)
	return &avg
}
