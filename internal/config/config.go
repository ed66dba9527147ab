// Package config provides configuration management for recall.
//
// Precedence: built-in defaults, then an optional YAML file (RAG_CONFIG or
// ./config.yaml), then RAG_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the HTTP port for the API server.
	DefaultPort = 8000

	// DefaultCollection receives documents when no collection is named.
	DefaultCollection = "documents"

	// DefaultModel is the generation model when a request names none.
	DefaultModel = "qwen2.5-coder:14b"

	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "RAG_"
)

// EmbeddingModels are the supported embedding model identifiers.
var EmbeddingModels = []string{
	"all-MiniLM-L6-v2",
	"BAAI/bge-base-en-v1.5",
	"text-embedding-3-small",
}

// ChunkingStrategies are the supported chunking strategy names.
var ChunkingStrategies = []string{"fixed", "recursive", "semantic"}

// Config holds the application configuration.
type Config struct {
	// Server
	Port int `yaml:"port"`

	// Vector store
	QdrantURL         string `yaml:"qdrant_url"`
	QdrantAPIKey      string `yaml:"qdrant_api_key"`
	DefaultCollection string `yaml:"default_collection"`
	VectorBackend     string `yaml:"vector_backend"` // qdrant | pgvector
	PostgresDSN       string `yaml:"postgres_dsn"`

	// Embedding
	EmbeddingModel     string `yaml:"embedding_model"`
	EmbeddingBatchSize int    `yaml:"embedding_batch_size"`

	// Chunking
	ChunkingStrategy string `yaml:"chunking_strategy"`
	ChunkSize        int    `yaml:"chunk_size"`
	ChunkOverlap     int    `yaml:"chunk_overlap"`

	// LLM
	OllamaURL        string `yaml:"ollama_url"`
	DefaultModel     string `yaml:"default_model"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	MaxContextTokens int    `yaml:"max_context_tokens"`

	// Retrieval
	DefaultTopK int     `yaml:"default_top_k"`
	HybridAlpha float64 `yaml:"hybrid_alpha"`
	UseReranker bool    `yaml:"use_reranker"`

	// Cache
	CacheEnabled    bool    `yaml:"cache_enabled"`
	CacheThreshold  float64 `yaml:"cache_threshold"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`

	// Eval
	EvalOnQuery     bool `yaml:"eval_on_query"`
	EvalLightweight bool `yaml:"eval_lightweight"`

	// Storage
	DBPath   string `yaml:"db_path"`
	IndexDir string `yaml:"index_dir"`

	// Upload
	UploadDir         string `yaml:"upload_dir"`
	MaxFileSizeMB     int    `yaml:"max_file_size_mb"`
	MaxFilesPerUpload int    `yaml:"max_files_per_upload"`
	WatchDir          string `yaml:"watch_dir"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		QdrantURL:          "http://localhost:6333",
		DefaultCollection:  DefaultCollection,
		VectorBackend:      "qdrant",
		EmbeddingModel:     "all-MiniLM-L6-v2",
		EmbeddingBatchSize: 64,
		ChunkingStrategy:   "recursive",
		ChunkSize:          512,
		ChunkOverlap:       50,
		OllamaURL:          "http://localhost:11434",
		DefaultModel:       DefaultModel,
		MaxContextTokens:   4096,
		DefaultTopK:        5,
		HybridAlpha:        0.7,
		CacheEnabled:       true,
		CacheThreshold:     0.95,
		CacheTTLSeconds:    3600,
		EvalOnQuery:        true,
		EvalLightweight:    true,
		DBPath:             "data/rag_eval.db",
		IndexDir:           "data/bm25_indices",
		UploadDir:          "uploads",
		MaxFileSizeMB:      50,
		MaxFilesPerUpload:  20,
		LogLevel:           "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file, and
// RAG_ environment overrides, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the global configuration, loading it on first use.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})
	return globalConfig
}

func (c *Config) applyEnv() {
	envInt(&c.Port, "PORT")
	envStr(&c.QdrantURL, "QDRANT_URL")
	envStr(&c.QdrantAPIKey, "QDRANT_API_KEY")
	envStr(&c.DefaultCollection, "DEFAULT_COLLECTION")
	envStr(&c.VectorBackend, "VECTOR_BACKEND")
	envStr(&c.PostgresDSN, "POSTGRES_DSN")
	envStr(&c.EmbeddingModel, "EMBEDDING_MODEL")
	envInt(&c.EmbeddingBatchSize, "EMBEDDING_BATCH_SIZE")
	envStr(&c.ChunkingStrategy, "CHUNKING_STRATEGY")
	envInt(&c.ChunkSize, "CHUNK_SIZE")
	envInt(&c.ChunkOverlap, "CHUNK_OVERLAP")
	envStr(&c.OllamaURL, "OLLAMA_URL")
	envStr(&c.DefaultModel, "DEFAULT_MODEL")
	envStr(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	envStr(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envInt(&c.MaxContextTokens, "MAX_CONTEXT_TOKENS")
	envInt(&c.DefaultTopK, "DEFAULT_TOP_K")
	envFloat(&c.HybridAlpha, "HYBRID_ALPHA")
	envBool(&c.UseReranker, "USE_RERANKER")
	envBool(&c.CacheEnabled, "CACHE_ENABLED")
	envFloat(&c.CacheThreshold, "CACHE_THRESHOLD")
	envInt(&c.CacheTTLSeconds, "CACHE_TTL_SECONDS")
	envBool(&c.EvalOnQuery, "EVAL_ON_QUERY")
	envBool(&c.EvalLightweight, "EVAL_LIGHTWEIGHT")
	envStr(&c.DBPath, "DB_PATH")
	envStr(&c.IndexDir, "INDEX_DIR")
	envStr(&c.UploadDir, "UPLOAD_DIR")
	envInt(&c.MaxFileSizeMB, "MAX_FILE_SIZE_MB")
	envInt(&c.MaxFilesPerUpload, "MAX_FILES_PER_UPLOAD")
	envStr(&c.WatchDir, "WATCH_DIR")
	envStr(&c.LogLevel, "LOG_LEVEL")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.HybridAlpha < 0 || c.HybridAlpha > 1 {
		return fmt.Errorf("hybrid_alpha must be in [0,1], got %v", c.HybridAlpha)
	}
	if c.CacheThreshold < 0 || c.CacheThreshold > 1 {
		return fmt.Errorf("cache_threshold must be in [0,1], got %v", c.CacheThreshold)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.DefaultTopK <= 0 {
		return fmt.Errorf("default_top_k must be positive, got %d", c.DefaultTopK)
	}
	if !contains(EmbeddingModels, c.EmbeddingModel) {
		return fmt.Errorf("unknown embedding_model %q (supported: %s)", c.EmbeddingModel, strings.Join(EmbeddingModels, ", "))
	}
	if !contains(ChunkingStrategies, c.ChunkingStrategy) {
		return fmt.Errorf("unknown chunking_strategy %q (supported: %s)", c.ChunkingStrategy, strings.Join(ChunkingStrategies, ", "))
	}
	switch c.VectorBackend {
	case "qdrant":
	case "pgvector":
		if c.PostgresDSN == "" {
			return fmt.Errorf("vector_backend pgvector requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown vector_backend %q (supported: qdrant, pgvector)", c.VectorBackend)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
