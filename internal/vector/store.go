// Package vector defines the storage-agnostic contract for dense vector
// collections used by retrieval, ingestion, and the semantic cache.
package vector

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a point's vector length does not
// match the dimension the collection was created with.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Point is a single vector record with its payload.
type Point struct {
	Payload map[string]any
	Vector  []float32
	ID      uint64
}

// Hit is one similarity-search result.
type Hit struct {
	Payload map[string]any
	Score   float64
	ID      uint64
}

// CollectionStat describes a live collection.
type CollectionStat struct {
	Name         string
	VectorsCount int64
}

// Store is implemented by vector database backends (Qdrant, pgvector).
type Store interface {
	// EnsureCollection creates the collection with the given dimension if it
	// does not already exist. Cosine distance is assumed throughout.
	EnsureCollection(ctx context.Context, collection string, dims int) error

	// Upsert writes points into the collection, replacing existing ids.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the top-k nearest points by cosine similarity.
	// A non-nil filter restricts matches to points whose payload contains
	// every key/value pair.
	Search(ctx context.Context, collection string, queryVec []float32, limit int, filter map[string]any) ([]Hit, error)

	// Scroll returns up to limit points with payloads, without scoring.
	Scroll(ctx context.Context, collection string, limit int) ([]Hit, error)

	// Count returns the number of points in the collection, 0 if missing.
	Count(ctx context.Context, collection string) (int64, error)

	// ListCollections returns the names of all live collections.
	ListCollections(ctx context.Context) ([]string, error)

	// DeleteCollection drops the collection and all its points.
	DeleteCollection(ctx context.Context, collection string) error

	// Healthy reports whether the backend is reachable.
	Healthy(ctx context.Context) bool

	// Close releases backend resources.
	Close() error
}

// PayloadString reads a string payload field, returning fallback when the
// key is absent or holds a different type.
func PayloadString(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return fallback
}

// PayloadFloat reads a numeric payload field as float64. JSON round-trips
// deliver numbers as float64, but int values appear after in-process writes.
func PayloadFloat(payload map[string]any, key string, fallback float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// PayloadInt reads a numeric payload field as int.
func PayloadInt(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// DistanceToSimilarity converts a cosine distance in [0,2] to a similarity
// score in [0,1], clamping the result.
func DistanceToSimilarity(distance float64) float64 {
	sim := 1.0 - distance
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
