// Package main provides the stdio MCP entry point for recall.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

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
	"github.com/thebtf/recall/internal/mcp"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/internal/vector/pgvector"
	"github.com/thebtf/recall/internal/vector/qdrant"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging - MCP uses stdout for communication, so log to stderr
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setLogLevel(cfg.LogLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down MCP server")
		cancel()
	}()

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()

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

	srv := mcp.NewServer(cfg, eng, svc, store, Version)
	log.Info().Str("version", Version).Msg("Starting MCP server on stdio")

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("MCP server error")
	}
}

// openVectorStore picks the dense backend from the validated config.
func openVectorStore(cfg *config.Config) (vector.Store, error) {
	if cfg.VectorBackend == "pgvector" {
		return pgvector.NewClient(cfg.PostgresDSN)
	}
	return qdrant.NewClient(qdrant.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey}), nil
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
