package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/engine"
	"github.com/thebtf/recall/internal/eval"
	"github.com/thebtf/recall/internal/ingest"
	"github.com/thebtf/recall/internal/llm"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/vector"
)

type fakeEmbedder struct {
	vec []float32
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }

// fakeVectors records writes and serves scripted reads for every endpoint
// that touches the vector store.
type fakeVectors struct {
	mu         sync.Mutex
	hits       map[string][]vector.Hit
	scrollHits []vector.Hit
	upserts    map[string][]vector.Point
	deleted    []string
	listErr    error
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		hits:    map[string][]vector.Hit{},
		upserts: map[string][]vector.Point{},
	}
}

func (f *fakeVectors) EnsureCollection(context.Context, string, int) error { return nil }

func (f *fakeVectors) Upsert(_ context.Context, collection string, points []vector.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[collection] = append(f.upserts[collection], points...)
	return nil
}

func (f *fakeVectors) Search(_ context.Context, collection string, _ []float32, _ int, _ map[string]any) ([]vector.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[collection], nil
}

func (f *fakeVectors) Scroll(context.Context, string, int) ([]vector.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scrollHits, nil
}

func (f *fakeVectors) Count(_ context.Context, collection string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.upserts[collection])), nil
}

func (f *fakeVectors) ListCollections(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := make([]string, 0, len(f.upserts))
	for name := range f.upserts {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeVectors) DeleteCollection(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.upserts, collection)
	f.deleted = append(f.deleted, collection)
	return nil
}

func (f *fakeVectors) Healthy(context.Context) bool { return true }
func (f *fakeVectors) Close() error                 { return nil }

func (f *fakeVectors) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeVectors) setScrollHits(hits []vector.Hit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrollHits = hits
}

// questionsMarker identifies the auto-generation prompt so the fake
// upstream can answer it with a questions array instead of a judge score.
const questionsMarker = "Respond with ONLY the JSON array"

// fakeOllama answers /api/tags with one model and /api/chat with either a
// token stream, a canned questions array, or "0.8" (which doubles as the
// generated answer and as a parseable judge score).
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			fmt.Fprint(w, `{"models":[{"name":"test-model","size":100,"modified_at":"2024-01-01T00:00:00Z"}]}`)
			return
		}
		data, _ := io.ReadAll(r.Body)
		var body struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.Unmarshal(data, &body)

		if body.Stream {
			fmt.Fprintln(w, `{"message":{"content":"Hello"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"content":" world"},"done":true}`)
			return
		}
		for _, m := range body.Messages {
			if strings.Contains(m.Content, questionsMarker) {
				fmt.Fprint(w, `{"message":{"content":"[{\"question\":\"What is alpha?\",\"ground_truth\":\"Alpha is a document.\"}]"},"done":true}`)
				return
			}
		}
		fmt.Fprint(w, `{"message":{"content":"0.8"},"done":true}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	api   *httptest.Server
	store *db.Store
	vecs  *fakeVectors
	svc   *ingest.Service
	cfg   *config.Config
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	upstream := fakeOllama(t)

	cfg := config.Default()
	cfg.OllamaURL = upstream.URL
	cfg.DefaultModel = "test-model"
	cfg.CacheEnabled = false
	cfg.EvalLightweight = true
	cfg.ChunkingStrategy = "fixed"
	cfg.ChunkSize = 64
	cfg.ChunkOverlap = 0
	cfg.UploadDir = filepath.Join(dir, "uploads")
	cfg.MaxFilesPerUpload = 3
	cfg.MaxFileSizeMB = 1

	store, err := db.NewStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	indexes, err := search.NewIndexManager(filepath.Join(dir, "indices"))
	require.NoError(t, err)

	vecs := newFakeVectors()
	emb := &fakeEmbedder{vec: []float32{1, 0, 0, 0}}
	ranker := search.NewRanker(emb, vecs, indexes, cfg.HybridAlpha, cfg.DefaultTopK)
	router := llm.New(cfg)
	evals := eval.NewEngine(router, cfg.DefaultModel)
	qcache := cache.New(emb, vecs, store, cfg.CacheEnabled, cfg.CacheThreshold, cfg.CacheTTLSeconds)
	eng := engine.New(cfg, store, ranker, router, evals, qcache)
	svc := ingest.NewService(store, vecs, emb, indexes, cfg)

	s := New(cfg, store, vecs, eng, svc, router, evals, qcache)
	api := httptest.NewServer(s.Handler())
	t.Cleanup(api.Close)

	return &fixture{api: api, store: store, vecs: vecs, svc: svc, cfg: cfg}
}

// seed ingests one document synchronously so retrieval has something to
// find via the sparse index.
func (f *fixture) seed(t *testing.T, collection string) {
	t.Helper()
	_, err := f.svc.IngestText(context.Background(),
		"The alpha document explains retrieval pipelines and ranking.",
		"seed.txt", collection)
	require.NoError(t, err)
}

func (f *fixture) getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.api.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *fixture) postJSON(t *testing.T, path string, body, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.api.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.api.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

type uploadFile struct {
	name    string
	content string
}

func multipartBody(t *testing.T, files []uploadFile, collection string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, file := range files {
		fw, err := mw.CreateFormFile("files", file.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(file.content))
		require.NoError(t, err)
	}
	if collection != "" {
		require.NoError(t, mw.WriteField("collection", collection))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// waitFor polls until check passes or the deadline hits.
func waitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(15 * time.Millisecond)
	}
	t.Fatal(msg)
}
