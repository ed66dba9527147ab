// Package main provides the entry point for the recall HTTP service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/embedding"
	"github.com/thebtf/recall/internal/engine"
	"github.com/thebtf/recall/internal/eval"
	"github.com/thebtf/recall/internal/ingest"
	"github.com/thebtf/recall/internal/llm"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/server"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/internal/vector/pgvector"
	"github.com/thebtf/recall/internal/vector/qdrant"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("version", Version).
		Int("port", cfg.Port).
		Msg("Starting recall server")

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()
	log.Info().Str("path", cfg.DBPath).Msg("Database initialized")

	vectors, err := openVectorStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize vector store")
	}
	defer vectors.Close()

	embedder, err := embedding.NewService(cfg.EmbeddingModel, cfg.EmbeddingBatchSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load embedding model")
	}
	defer embedder.Close()

	indexes, err := search.NewIndexManager(cfg.IndexDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open BM25 indices")
	}

	router := llm.New(cfg)
	ranker := search.NewRanker(embedder, vectors, indexes, cfg.HybridAlpha, cfg.DefaultTopK)
	evals := eval.NewEngine(router, cfg.DefaultModel)
	qcache := cache.New(embedder, vectors, store, cfg.CacheEnabled, cfg.CacheThreshold, cfg.CacheTTLSeconds)
	eng := engine.New(cfg, store, ranker, router, evals, qcache)
	svc := ingest.NewService(store, vectors, embedder, indexes, cfg)

	reportOllama(router)

	// Auto-ingest files dropped into the watch directory
	if cfg.WatchDir != "" {
		w, err := ingest.NewWatcher(svc, cfg.WatchDir, cfg.DefaultCollection)
		if err != nil {
			log.Warn().Err(err).Str("dir", cfg.WatchDir).Msg("Directory watcher disabled")
		} else {
			defer w.Close()
		}
	}

	srv := server.New(cfg, store, vectors, eng, svc, router, evals, qcache)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	log.Info().Msg("Server shutdown complete")
}

// openVectorStore picks the dense backend from the validated config.
func openVectorStore(cfg *config.Config) (vector.Store, error) {
	if cfg.VectorBackend == "pgvector" {
		return pgvector.NewClient(cfg.PostgresDSN)
	}
	return qdrant.NewClient(qdrant.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey}), nil
}

// reportOllama logs the reachable models at startup. The service boots
// without an LLM; queries fail until one is connected.
func reportOllama(router *llm.Router) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !router.Healthy(ctx) {
		log.Warn().Msg("Ollama not available. LLM features will fail until connected.")
		return
	}
	names := make([]string, 0, 8)
	for _, m := range router.ListModels(ctx) {
		names = append(names, m.Name)
	}
	log.Info().Strs("models", names).Msg("Ollama connected")
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
