package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingModel is a stub model that records how many provider calls happen.
type countingModel struct {
	embedCalls int64
	batchCalls int64
}

func (m *countingModel) Name() string    { return "counting" }
func (m *countingModel) Dimensions() int { return 3 }
func (m *countingModel) Close() error    { return nil }

func (m *countingModel) Embed(_ context.Context, text string) ([]float32, error) {
	atomic.AddInt64(&m.embedCalls, 1)
	return []float32{float32(len(text)), 0, 1}, nil
}

func (m *countingModel) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt64(&m.batchCalls, 1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0, 1}
	}
	return out, nil
}

func newTestService(t *testing.T, model EmbeddingModel, batchSize int) *Service {
	t.Helper()

	cache, err := lru.New[string, []float32](DefaultCacheSize)
	require.NoError(t, err)

	return &Service{model: model, cache: cache, batchSize: batchSize}
}

func TestServiceEmbedCaching(t *testing.T) {
	model := &countingModel{}
	svc := newTestService(t, model, 4)

	ctx := context.Background()
	first, err := svc.Embed(ctx, "hello world")
	require.NoError(t, err)

	second, err := svc.Embed(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&model.embedCalls))
}

func TestServiceEmbedBatchOrderAndBatching(t *testing.T) {
	model := &countingModel{}
	svc := newTestService(t, model, 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vecs[i][0], "order must be preserved")
	}

	// 5 misses at batch size 2 → 3 provider calls.
	assert.Equal(t, int64(3), atomic.LoadInt64(&model.batchCalls))

	// Everything is cached now; a repeat batch makes no provider calls.
	_, err = svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&model.batchCalls))
}

func TestRegistryKnowsSupportedModels(t *testing.T) {
	assert.Equal(t, MiniLMModel, DefaultRegistry.Default())

	names := make(map[string]bool)
	for _, meta := range ListModels() {
		names[meta.Name] = true
		assert.Equal(t, ModelDimensions[meta.Name], meta.Dimensions)
	}
	assert.True(t, names[MiniLMModel])
	assert.True(t, names[BGEBaseModel])
	assert.True(t, names[OpenAIEmbeddingModel])

	_, err := GetModel("no-such-model")
	assert.Error(t, err)
}

func TestOllamaModelEmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, ollamaEmbedPath, r.URL.Path)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			resp.Embeddings[i] = []float32{float32(i), 1}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	model := &ollamaModel{
		client:     server.Client(),
		baseURL:    server.URL,
		name:       MiniLMModel,
		tag:        "all-minilm",
		dimensions: 384,
	}

	vecs, err := model.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{1, 1}, vecs[1])
}

func TestOllamaModelErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	model := &ollamaModel{
		client:     server.Client(),
		baseURL:    server.URL,
		name:       MiniLMModel,
		tag:        "all-minilm",
		dimensions: 384,
	}

	_, err := model.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=404")
}
