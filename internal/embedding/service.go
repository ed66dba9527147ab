// Package embedding provides text embedding generation with swappable models.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// DefaultCacheSize bounds the in-process embedding cache. Entries are keyed
// by text hash, so repeated queries and cache lookups skip the provider.
const DefaultCacheSize = 2048

// DefaultBatchSize is used when the configured batch size is not positive.
const DefaultBatchSize = 64

// Service wraps an EmbeddingModel with batching and an LRU result cache.
type Service struct {
	model     EmbeddingModel
	cache     *lru.Cache[string, []float32]
	batchSize int
}

// NewService creates a service around the named registry model.
func NewService(modelName string, batchSize int) (*Service, error) {
	model, err := GetModel(modelName)
	if err != nil {
		return nil, fmt.Errorf("create embedding model: %w", err)
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	cache, err := lru.New[string, []float32](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	log.Info().
		Str("model", model.Name()).
		Int("dimensions", model.Dimensions()).
		Int("batch_size", batchSize).
		Msg("Embedding service initialized")

	return &Service{
		model:     model,
		cache:     cache,
		batchSize: batchSize,
	}, nil
}

// ModelName returns the underlying model name.
func (s *Service) ModelName() string { return s.model.Name() }

// Dimensions returns the embedding vector size.
func (s *Service) Dimensions() int { return s.model.Dimensions() }

// Embed returns the embedding for one text, served from cache when possible.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vec, ok := s.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := s.model.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts in provider-sized batches, filling cached entries
// without a round-trip. The result preserves input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if vec, ok := s.cache.Get(cacheKey(text)); ok {
			results[i] = vec
		} else {
			missing = append(missing, i)
		}
	}

	for start := 0; start < len(missing); start += s.batchSize {
		end := start + s.batchSize
		if end > len(missing) {
			end = len(missing)
		}

		batch := make([]string, 0, end-start)
		for _, idx := range missing[start:end] {
			batch = append(batch, texts[idx])
		}

		vecs, err := s.model.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}

		for j, idx := range missing[start:end] {
			results[idx] = vecs[j]
			s.cache.Add(cacheKey(texts[idx]), vecs[j])
		}
	}

	return results, nil
}

// Close releases the underlying model.
func (s *Service) Close() error {
	s.cache.Purge()
	return s.model.Close()
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
