// Package tune mines the evaluated query history for the retrieval
// parameters that historically produced the best answers.
package tune

import (
	"context"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/db"
)

// MinQueries is the evaluated-history size required before any
// recommendation is made.
const MinQueries = 10

// minBucketSamples is the floor below which a parameter value's mean
// quality is considered noise.
const minBucketSamples = 3

// AnalysisReport describes the tuner's view of one collection. MinRequired
// is set only while data is insufficient; the optimal fields only once a
// parameter value has enough samples to win.
type AnalysisReport struct {
	SufficientData bool     `json:"sufficient_data"`
	TotalQueries   int      `json:"total_queries"`
	MinRequired    int      `json:"min_required,omitempty"`
	OptimalAlpha   *float64 `json:"optimal_alpha,omitempty"`
	OptimalTopK    *int     `json:"optimal_top_k,omitempty"`
}

// OptimalParams returns the alpha and top_k with the best mean quality
// ((faithfulness+relevance)/2) over recent history, or nils when history is
// too thin. Errors degrade to no recommendation.
func OptimalParams(ctx context.Context, store *db.Store, collection string) (*float64, *int) {
	rows, err := store.TuningRows(ctx, collection)
	if err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("Auto-tune history lookup failed")
		return nil, nil
	}
	if len(rows) < MinQueries {
		return nil, nil
	}

	alphas := newBuckets()
	topKs := newBuckets()
	for _, r := range rows {
		quality := (r.Faithfulness + r.Relevance) / 2
		alphas.add(snapAlpha(r.Alpha), quality)
		if r.TopK != nil {
			topKs.add(float64(*r.TopK), quality)
		}
	}

	var bestAlpha *float64
	if v, ok := alphas.best(); ok {
		bestAlpha = &v
	}
	var bestTopK *int
	if v, ok := topKs.best(); ok {
		k := int(v)
		bestTopK = &k
	}
	return bestAlpha, bestTopK
}

// Analysis reports whether the collection has enough evaluated history to
// tune, with the current recommendation when it does. The count tolerates a
// missing relevance score so callers can see progress toward the threshold.
func Analysis(ctx context.Context, store *db.Store, collection string) AnalysisReport {
	total, err := store.TuningCandidateCount(ctx, collection)
	if err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("Auto-tune analysis failed")
		return AnalysisReport{TotalQueries: 0, MinRequired: MinQueries}
	}
	if total < MinQueries {
		return AnalysisReport{TotalQueries: total, MinRequired: MinQueries}
	}

	alpha, topK := OptimalParams(ctx, store, collection)
	return AnalysisReport{
		SufficientData: true,
		TotalQueries:   total,
		OptimalAlpha:   alpha,
		OptimalTopK:    topK,
	}
}

// snapAlpha collapses logged alphas onto the 0.1 grid they were chosen from,
// rounding halves away from zero.
func snapAlpha(a float64) float64 {
	return math.Round(a*10) / 10
}

// buckets accumulates quality samples per parameter value, remembering
// first-seen order so ties resolve toward the more recent value.
type buckets struct {
	order []float64
	sums  map[float64]float64
	ns    map[float64]int
}

func newBuckets() *buckets {
	return &buckets{sums: map[float64]float64{}, ns: map[float64]int{}}
}

func (b *buckets) add(key, quality float64) {
	if _, seen := b.ns[key]; !seen {
		b.order = append(b.order, key)
	}
	b.sums[key] += quality
	b.ns[key]++
}

// best returns the value with the highest mean quality among values with
// enough samples. Strict comparison keeps the first-seen value on ties.
func (b *buckets) best() (float64, bool) {
	var (
		bestKey  float64
		bestMean float64
		found    bool
	)
	for _, key := range b.order {
		n := b.ns[key]
		if n < minBucketSamples {
			continue
		}
		mean := b.sums[key] / float64(n)
		if !found || mean > bestMean {
			bestKey, bestMean, found = key, mean, true
		}
	}
	return bestKey, found
}
