package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/pkg/models"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	dims  int
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

type fakeVectors struct {
	ensured   map[string]int
	upserted  []vector.Point
	dropped   []string
	hits      []vector.Hit
	searchErr error
	upsertErr error
	count     int64
	countErr  error
	deleteErr error
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{ensured: map[string]int{}}
}

func (f *fakeVectors) EnsureCollection(_ context.Context, collection string, dims int) error {
	f.ensured[collection] = dims
	return nil
}

func (f *fakeVectors) Upsert(_ context.Context, _ string, points []vector.Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeVectors) Search(_ context.Context, _ string, _ []float32, _ int, _ map[string]any) ([]vector.Hit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func (f *fakeVectors) Scroll(_ context.Context, _ string, _ int) ([]vector.Hit, error) {
	return nil, nil
}

func (f *fakeVectors) Count(_ context.Context, _ string) (int64, error) {
	return f.count, f.countErr
}

func (f *fakeVectors) ListCollections(_ context.Context) ([]string, error) { return nil, nil }

func (f *fakeVectors) DeleteCollection(_ context.Context, collection string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.dropped = append(f.dropped, collection)
	return nil
}

func (f *fakeVectors) Healthy(_ context.Context) bool { return true }

func (f *fakeVectors) Close() error { return nil }

func newTestDB(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// hitPayload builds the payload a stored cache entry carries.
func hitPayload(t *testing.T, collection string, createdAt, latencyMS float64) map[string]any {
	t.Helper()
	payload, err := encodePayload(&models.CachedAnswer{
		Query:      "what is go",
		Collection: collection,
		Answer:     "Go is a programming language.",
		Sources:    `[{"index":1,"text":"Go is a language","source":"intro.pdf","score":0.91,"chunk_index":3}]`,
		EvalScores: `{"faithfulness":0.9,"relevance":0.8,"hallucination_rate":0.1,"context_precision":0.7,"latency_retrieval_ms":12,"latency_generation_ms":340}`,
		Model:      "gpt-4o-mini",
		CreatedAt:  createdAt,
		TokensUsed: 321,
		LatencyMS:  latencyMS,
	})
	require.NoError(t, err)
	return payload
}

func counters(t *testing.T, store *db.Store) db.CacheCounters {
	t.Helper()
	c, err := store.GetCacheCounters(context.Background())
	require.NoError(t, err)
	return c
}

func TestLookupDisabledReturnsNil(t *testing.T) {
	store := newTestDB(t)
	emb := &fakeEmbedder{err: errors.New("must not be called"), dims: 4}
	c := New(emb, newFakeVectors(), store, false, 0.92, 3600)

	assert.Nil(t, c.Lookup(context.Background(), "what is go", "documents"))
	assert.Equal(t, 0, emb.calls)

	got := counters(t, store)
	assert.Equal(t, 0, got.Hits+got.Misses)
}

func TestLookupEmbedFailureRecordsNoStat(t *testing.T) {
	store := newTestDB(t)
	emb := &fakeEmbedder{err: errors.New("embedding unavailable"), dims: 4}
	c := New(emb, newFakeVectors(), store, true, 0.92, 3600)

	assert.Nil(t, c.Lookup(context.Background(), "what is go", "documents"))

	got := counters(t, store)
	assert.Equal(t, 0, got.Hits+got.Misses)
}

func TestLookupSearchFailureRecordsNoStat(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	vecs.searchErr = errors.New("qdrant unreachable")
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	assert.Nil(t, c.Lookup(context.Background(), "what is go", "documents"))

	got := counters(t, store)
	assert.Equal(t, 0, got.Hits+got.Misses)
}

func TestLookupMissWhenEmpty(t *testing.T) {
	store := newTestDB(t)
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, newFakeVectors(), store, true, 0.92, 3600)

	assert.Nil(t, c.Lookup(context.Background(), "what is go", "documents"))

	got := counters(t, store)
	assert.Equal(t, 0, got.Hits)
	assert.Equal(t, 1, got.Misses)
}

func TestLookupMissBelowThreshold(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	now := float64(time.Now().Unix())
	vecs.hits = []vector.Hit{{Payload: hitPayload(t, "documents", now, 500), Score: 0.5}}
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	assert.Nil(t, c.Lookup(context.Background(), "what is go", "documents"))

	got := counters(t, store)
	assert.Equal(t, 1, got.Misses)
}

func TestLookupMissWrongCollection(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	now := float64(time.Now().Unix())
	vecs.hits = []vector.Hit{{Payload: hitPayload(t, "other", now, 500), Score: 0.99}}
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	assert.Nil(t, c.Lookup(context.Background(), "what is go", "documents"))

	got := counters(t, store)
	assert.Equal(t, 1, got.Misses)
}

func TestLookupMissExpired(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	stale := float64(time.Now().Unix()) - 7200
	vecs.hits = []vector.Hit{{Payload: hitPayload(t, "documents", stale, 500), Score: 0.99}}
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	assert.Nil(t, c.Lookup(context.Background(), "what is go", "documents"))

	got := counters(t, store)
	assert.Equal(t, 1, got.Misses)
}

func TestLookupHitDecodesEntry(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	now := float64(time.Now().Unix())
	vecs.hits = []vector.Hit{{Payload: hitPayload(t, "documents", now, 842.5), Score: 0.97}}
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	entry := c.Lookup(context.Background(), "What is Go?", "documents")
	require.NotNil(t, entry)
	assert.Equal(t, "Go is a programming language.", entry.Answer)
	assert.Equal(t, "gpt-4o-mini", entry.Model)
	assert.Equal(t, 321, entry.TokensUsed)
	assert.InDelta(t, 842.5, entry.LatencyMS, 0.001)
	require.Len(t, entry.Sources, 1)
	assert.Equal(t, "intro.pdf", entry.Sources[0].Source)
	assert.Equal(t, 3, entry.Sources[0].ChunkIndex)
	require.NotNil(t, entry.EvalScores)
	assert.InDelta(t, 0.9, entry.EvalScores.Faithfulness, 0.001)

	got := counters(t, store)
	assert.Equal(t, 1, got.Hits)
	assert.Equal(t, 0, got.Misses)
	assert.InDelta(t, 842.5, got.AvgSavedLatencyMS, 0.001)
}

func TestLookupHitWithoutEvalScores(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	payload := hitPayload(t, "documents", float64(time.Now().Unix()), 100)
	payload["eval_scores"] = "null"
	vecs.hits = []vector.Hit{{Payload: payload, Score: 0.97}}
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	entry := c.Lookup(context.Background(), "what is go", "documents")
	require.NotNil(t, entry)
	assert.Nil(t, entry.EvalScores)
}

func TestLookupHitStatPrecedesDecodeFailure(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	payload := hitPayload(t, "documents", float64(time.Now().Unix()), 100)
	payload["sources"] = "{not json"
	vecs.hits = []vector.Hit{{Payload: payload, Score: 0.97}}
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	assert.Nil(t, c.Lookup(context.Background(), "what is go", "documents"))

	got := counters(t, store)
	assert.Equal(t, 1, got.Hits)
}

func TestStoreUpsertsStablePointID(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	result := &models.QueryResult{
		Answer:     "Go is a programming language.",
		Model:      "llama3",
		TokensUsed: 50,
		LatencyMS:  612,
	}
	c.Store(context.Background(), "What is Go", "documents", result)
	c.Store(context.Background(), "  what is go  ", "documents", result)

	require.Len(t, vecs.upserted, 2)
	assert.Equal(t, vecs.upserted[0].ID, vecs.upserted[1].ID)
	assert.Equal(t, 2, vecs.ensured[Collection])

	payload := vecs.upserted[0].Payload
	assert.Equal(t, "documents", payload["collection"])
	assert.Equal(t, "Go is a programming language.", payload["answer"])
	assert.Equal(t, "[]", payload["sources"])
	assert.Equal(t, "null", payload["eval_scores"])
}

func TestStoreDisabledDoesNothing(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, false, 0.92, 3600)

	c.Store(context.Background(), "what is go", "documents", &models.QueryResult{Answer: "x"})
	assert.Empty(t, vecs.upserted)
}

func TestStoreThenLookupRoundTrip(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	recall := 0.75
	result := &models.QueryResult{
		Answer: "Go compiles to native code.",
		Sources: []models.Source{
			{Index: 1, Text: "chapter one", Source: "book.pdf", Score: 0.88, ChunkIndex: 0},
		},
		EvalScores: &models.EvalScores{Faithfulness: 0.95, Relevance: 0.9, ContextRecall: &recall},
		Model:      "claude-3-5-haiku-20241022",
		TokensUsed: 99,
		LatencyMS:  1200,
	}
	c.Store(context.Background(), "how does go compile", "documents", result)

	require.Len(t, vecs.upserted, 1)
	vecs.hits = []vector.Hit{{Payload: vecs.upserted[0].Payload, Score: 0.99, ID: vecs.upserted[0].ID}}

	entry := c.Lookup(context.Background(), "how does go compile", "documents")
	require.NotNil(t, entry)
	assert.Equal(t, result.Answer, entry.Answer)
	assert.Equal(t, result.Model, entry.Model)
	assert.Equal(t, result.TokensUsed, entry.TokensUsed)
	require.Len(t, entry.Sources, 1)
	assert.Equal(t, "book.pdf", entry.Sources[0].Source)
	require.NotNil(t, entry.EvalScores)
	require.NotNil(t, entry.EvalScores.ContextRecall)
	assert.InDelta(t, 0.75, *entry.EvalScores.ContextRecall, 0.001)
}

func TestClearReturnsPriorCount(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	vecs.count = 3
	c := New(&fakeEmbedder{dims: 2}, vecs, store, true, 0.92, 3600)

	assert.Equal(t, 3, c.Clear(context.Background()))
	assert.Equal(t, []string{Collection}, vecs.dropped)
}

func TestClearErrorsReturnZero(t *testing.T) {
	store := newTestDB(t)

	vecs := newFakeVectors()
	vecs.countErr = errors.New("unreachable")
	c := New(&fakeEmbedder{dims: 2}, vecs, store, true, 0.92, 3600)
	assert.Equal(t, 0, c.Clear(context.Background()))

	vecs = newFakeVectors()
	vecs.count = 3
	vecs.deleteErr = errors.New("unreachable")
	c = New(&fakeEmbedder{dims: 2}, vecs, store, true, 0.92, 3600)
	assert.Equal(t, 0, c.Clear(context.Background()))
	assert.Empty(t, vecs.dropped)
}

func TestStatsAggregates(t *testing.T) {
	store := newTestDB(t)
	vecs := newFakeVectors()
	vecs.count = 5
	c := New(&fakeEmbedder{vec: []float32{1, 0}, dims: 2}, vecs, store, true, 0.92, 3600)

	ctx := context.Background()
	now := float64(time.Now().Unix())
	vecs.hits = []vector.Hit{{Payload: hitPayload(t, "documents", now, 100), Score: 0.97}}
	require.NotNil(t, c.Lookup(ctx, "q1", "documents"))
	vecs.hits = []vector.Hit{{Payload: hitPayload(t, "documents", now, 200), Score: 0.97}}
	require.NotNil(t, c.Lookup(ctx, "q2", "documents"))
	vecs.hits = nil
	require.Nil(t, c.Lookup(ctx, "q3", "documents"))

	stats := c.Stats(ctx)
	assert.True(t, stats.CacheEnabled)
	assert.Equal(t, 5, stats.CacheSize)
	assert.Equal(t, 3, stats.TotalLookups)
	assert.Equal(t, 2, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.InDelta(t, 66.7, stats.HitRatePercent, 0.001)
	assert.InDelta(t, 150.0, stats.AvgSavedLatencyMS, 0.001)
	assert.InDelta(t, 0.92, stats.Threshold, 0.001)
	assert.Equal(t, 3600, stats.TTLSeconds)
}

func TestStatsEmptyHistory(t *testing.T) {
	store := newTestDB(t)
	c := New(&fakeEmbedder{dims: 2}, newFakeVectors(), store, true, 0.9, 600)

	stats := c.Stats(context.Background())
	assert.Equal(t, 0, stats.TotalLookups)
	assert.Zero(t, stats.HitRatePercent)
	assert.Zero(t, stats.AvgSavedLatencyMS)
}
