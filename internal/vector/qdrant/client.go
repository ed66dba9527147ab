// Package qdrant provides the Qdrant REST adapter for vector storage.
package qdrant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/resilience"
	"github.com/thebtf/recall/internal/vector"
)

// Client configuration constants
const (
	// DefaultBatchSize is the number of points per upsert request.
	DefaultBatchSize = 100

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// HealthTimeout is the timeout for reachability probes.
	HealthTimeout = 5 * time.Second
)

// Config holds configuration for the Qdrant client.
type Config struct {
	// URL is the Qdrant base URL, e.g. http://localhost:6333.
	URL string

	// APIKey is sent as the api-key header when non-empty.
	APIKey string

	// BatchSize overrides DefaultBatchSize when > 0.
	BatchSize int
}

// Client talks to Qdrant over its REST API.
type Client struct {
	httpClient *http.Client
	breaker    *resilience.Breaker
	baseURL    string
	apiKey     string
	batchSize  int

	// legacySearch is flipped on the first 404 from the universal query
	// endpoint so older servers skip the failing round-trip.
	mu           sync.Mutex
	legacySearch bool
}

// NewClient creates a new Qdrant client.
func NewClient(cfg Config) *Client {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Client{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		batchSize:  batch,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		breaker:    resilience.NewBreaker("qdrant"),
	}
}

// EnsureCollection creates the collection with cosine distance if missing.
func (c *Client) EnsureCollection(ctx context.Context, collection string, dims int) error {
	status, _, err := c.do(ctx, http.MethodGet, "/collections/"+collection, nil)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if status == http.StatusOK {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dims,
			"distance": "Cosine",
		},
	}
	status, resp, err := c.do(ctx, http.MethodPut, "/collections/"+collection, body)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("create collection %s: status %d: %s", collection, status, snippet(resp))
	}

	log.Info().
		Str("collection", collection).
		Int("dims", dims).
		Msg("Created vector collection")
	return nil
}

// Upsert writes points in batches, waiting for each batch to be applied.
func (c *Client) Upsert(ctx context.Context, collection string, points []vector.Point) error {
	for start := 0; start < len(points); start += c.batchSize {
		end := start + c.batchSize
		if end > len(points) {
			end = len(points)
		}

		batch := make([]map[string]any, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, map[string]any{
				"id":      p.ID,
				"vector":  p.Vector,
				"payload": p.Payload,
			})
		}

		path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
		status, resp, err := c.do(ctx, http.MethodPut, path, map[string]any{"points": batch})
		if err != nil {
			return fmt.Errorf("upsert points: %w", err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("upsert points to %s: status %d: %s", collection, status, snippet(resp))
		}
	}
	return nil
}

// queryResponse matches the universal query API (Qdrant >= 1.10).
type queryResponse struct {
	Result struct {
		Points []scoredPoint `json:"points"`
	} `json:"result"`
}

// searchResponse matches the legacy points/search API.
type searchResponse struct {
	Result []scoredPoint `json:"result"`
}

type scoredPoint struct {
	Payload map[string]any `json:"payload"`
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
}

// Search returns the top-k nearest points by cosine similarity. It prefers
// the universal query endpoint and falls back to points/search on 404.
func (c *Client) Search(ctx context.Context, collection string, queryVec []float32, limit int, filter map[string]any) ([]vector.Hit, error) {
	qf := buildFilter(filter)

	c.mu.Lock()
	legacy := c.legacySearch
	c.mu.Unlock()

	if !legacy {
		body := map[string]any{
			"query":        queryVec,
			"limit":        limit,
			"with_payload": true,
		}
		if qf != nil {
			body["filter"] = qf
		}

		status, resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/query", collection), body)
		if err != nil {
			return nil, fmt.Errorf("query points: %w", err)
		}
		switch {
		case status == http.StatusOK:
			var qr queryResponse
			if err := json.Unmarshal(resp, &qr); err != nil {
				return nil, fmt.Errorf("decode query response: %w", err)
			}
			return toHits(qr.Result.Points), nil
		case status == http.StatusNotFound:
			c.mu.Lock()
			c.legacySearch = true
			c.mu.Unlock()
			log.Debug().Msg("Universal query API unavailable, using points/search")
		default:
			return nil, fmt.Errorf("query points in %s: status %d: %s", collection, status, snippet(resp))
		}
	}

	body := map[string]any{
		"vector":       queryVec,
		"limit":        limit,
		"with_payload": true,
	}
	if qf != nil {
		body["filter"] = qf
	}

	status, resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", collection), body)
	if err != nil {
		return nil, fmt.Errorf("search points: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("search points in %s: status %d: %s", collection, status, snippet(resp))
	}

	var sr searchResponse
	if err := json.Unmarshal(resp, &sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return toHits(sr.Result), nil
}

// Scroll returns up to limit points with payloads, unscored.
func (c *Client) Scroll(ctx context.Context, collection string, limit int) ([]vector.Hit, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
	}
	status, resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/scroll", collection), body)
	if err != nil {
		return nil, fmt.Errorf("scroll points: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("scroll points in %s: status %d: %s", collection, status, snippet(resp))
	}

	var sr struct {
		Result struct {
			Points []scoredPoint `json:"points"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &sr); err != nil {
		return nil, fmt.Errorf("decode scroll response: %w", err)
	}
	return toHits(sr.Result.Points), nil
}

// Count returns the exact point count, 0 when the collection is missing.
func (c *Client) Count(ctx context.Context, collection string) (int64, error) {
	body := map[string]any{"exact": true}
	status, resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/count", collection), body)
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("count points in %s: status %d: %s", collection, status, snippet(resp))
	}

	var cr struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &cr); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return cr.Result.Count, nil
}

// ListCollections returns all collection names.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	status, resp, err := c.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list collections: status %d: %s", status, snippet(resp))
	}

	var lr struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &lr); err != nil {
		return nil, fmt.Errorf("decode collections response: %w", err)
	}

	names := make([]string, 0, len(lr.Result.Collections))
	for _, col := range lr.Result.Collections {
		names = append(names, col.Name)
	}
	return names, nil
}

// DeleteCollection drops the collection. Missing collections are not errors.
func (c *Client) DeleteCollection(ctx context.Context, collection string) error {
	status, resp, err := c.do(ctx, http.MethodDelete, "/collections/"+collection, nil)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("delete collection %s: status %d: %s", collection, status, snippet(resp))
	}

	log.Info().Str("collection", collection).Msg("Deleted vector collection")
	return nil
}

// Healthy reports whether Qdrant answers within HealthTimeout.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	status, _, err := c.do(ctx, http.MethodGet, "/collections", nil)
	return err == nil && status == http.StatusOK
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do performs one breaker-guarded request and returns status + body.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	var (
		status int
		data   []byte
	)
	err = c.breaker.Do(func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		data, err = io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		// 4xx is a caller problem, not a dependency failure; only count
		// transport errors and 5xx against the breaker.
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("status %d", status)
		}
		return nil
	})
	if err != nil && status < http.StatusInternalServerError {
		return status, data, err
	}
	return status, data, nil
}

// buildFilter converts equality pairs into a Qdrant must-match filter.
func buildFilter(filter map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filter))
	for key, value := range filter {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	return map[string]any{"must": must}
}

// toHits converts wire points to vector.Hit values. Qdrant ids may arrive
// as JSON numbers or UUID strings; non-numeric ids keep a zero ID and are
// identified by payload instead.
func toHits(points []scoredPoint) []vector.Hit {
	hits := make([]vector.Hit, 0, len(points))
	for _, p := range points {
		var id uint64
		if f, ok := p.ID.(float64); ok {
			id = uint64(f)
		}
		hits = append(hits, vector.Hit{
			ID:      id,
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return hits
}

// snippet trims a response body for error messages.
func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
