// Package embedding provides text embedding generation with swappable models.
package embedding

import (
	"context"
	"fmt"
	"sync"
)

// ModelDimensions maps every supported embedding model to its vector size.
// A collection created under one model must never be queried with another
// dimension; the vector store rejects mismatched points.
var ModelDimensions = map[string]int{
	"all-MiniLM-L6-v2":       384,
	"BAAI/bge-base-en-v1.5":  768,
	"text-embedding-3-small": 1536,
}

// Dimensions returns the vector size for a model name, 0 when unknown.
func Dimensions(model string) int {
	return ModelDimensions[model]
}

// EmbeddingModel represents a text embedding model.
type EmbeddingModel interface {
	// Name returns the model name as it appears in configuration.
	Name() string

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, order-preserving.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Close releases model resources.
	Close() error
}

// ModelMetadata describes an embedding model for UI/config.
type ModelMetadata struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
	Dimensions  int    `json:"dimensions"`
	Default     bool   `json:"default"`
}

// ModelFactory creates a new instance of an embedding model.
type ModelFactory func() (EmbeddingModel, error)

// ModelRegistry provides model lookup by name.
type ModelRegistry struct {
	models       map[string]ModelFactory
	metadata     map[string]ModelMetadata
	defaultModel string
	mu           sync.RWMutex
}

// NewModelRegistry creates a new model registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models:   make(map[string]ModelFactory),
		metadata: make(map[string]ModelMetadata),
	}
}

// Register adds a model factory to the registry.
func (r *ModelRegistry) Register(meta ModelMetadata, factory ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.models[meta.Name] = factory
	r.metadata[meta.Name] = meta

	if meta.Default {
		r.defaultModel = meta.Name
	}
}

// Get creates a new instance of the named model.
func (r *ModelRegistry) Get(name string) (EmbeddingModel, error) {
	r.mu.RLock()
	factory, ok := r.models[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown embedding model: %s", name)
	}

	return factory()
}

// Default returns the default model name.
func (r *ModelRegistry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// List returns metadata for all registered models.
func (r *ModelRegistry) List() []ModelMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ModelMetadata, 0, len(r.metadata))
	for _, meta := range r.metadata {
		result = append(result, meta)
	}
	return result
}

// DefaultRegistry is the global model registry with all available models.
var DefaultRegistry = NewModelRegistry()

// RegisterModel adds a model to the default registry.
func RegisterModel(meta ModelMetadata, factory ModelFactory) {
	DefaultRegistry.Register(meta, factory)
}

// GetModel creates a model instance from the default registry.
func GetModel(name string) (EmbeddingModel, error) {
	return DefaultRegistry.Get(name)
}

// ListModels returns metadata for all models in the default registry.
func ListModels() []ModelMetadata {
	return DefaultRegistry.List()
}
