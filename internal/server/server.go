// Package server exposes the RAG engine over HTTP: ingestion, retrieval,
// question answering with SSE streaming, evaluation runs, and operational
// endpoints for the cache, the auto-tuner, and quality metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/engine"
	"github.com/thebtf/recall/internal/eval"
	"github.com/thebtf/recall/internal/ingest"
	"github.com/thebtf/recall/internal/llm"
	"github.com/thebtf/recall/internal/vector"
)

// requestTimeout bounds one handler, including a full pipeline run with
// heavyweight evaluation.
const requestTimeout = 120 * time.Second

// Server wires all domain services behind a chi router.
type Server struct {
	cfg     *config.Config
	store   *db.Store
	vectors vector.Store
	engine  *engine.Engine
	ingest  *ingest.Service
	llm     *llm.Router
	evals   *eval.Engine
	cache   *cache.Cache

	router *chi.Mux
	http   *http.Server
}

// New builds the server with its routes and middleware. Dependencies are
// constructed by the caller so tests can substitute fakes.
func New(cfg *config.Config, store *db.Store, vectors vector.Store, eng *engine.Engine,
	ing *ingest.Service, router *llm.Router, evals *eval.Engine, qcache *cache.Cache) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		vectors: vectors,
		engine:  eng,
		ingest:  ing,
		llm:     router,
		evals:   evals,
		cache:   qcache,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(requestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Timeout(requestTimeout))
	s.router.Use(corsWhitelist)
	s.router.Use(responseTimer)
	s.router.Use(maxBodySize(s.maxRequestBytes()))
}

// maxRequestBytes caps a request at one full multipart upload plus slack
// for the surrounding form encoding.
func (s *Server) maxRequestBytes() int64 {
	return int64(s.cfg.MaxFilesPerUpload)*int64(s.cfg.MaxFileSizeMB)<<20 + 1<<20
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/settings", s.handleSettings)
		r.Get("/models", s.handleModels)

		r.Post("/ingest", s.handleIngest)
		r.Get("/ingest/{jobID}", s.handleJobStatus)
		r.Get("/collections", s.handleListCollections)
		r.Delete("/collections/{name}", s.handleDeleteCollection)

		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/query", s.handleQuery)

		r.Post("/test-sets", s.handleCreateTestSet)
		r.Get("/test-sets", s.handleListTestSets)
		r.Get("/test-sets/{id}", s.handleGetTestSet)
		r.Delete("/test-sets/{id}", s.handleDeleteTestSet)
		r.Post("/test-sets/auto-generate", s.handleAutoGenerate)
		r.Post("/evaluate/batch", s.handleBatchEvaluate)
		r.Get("/evaluate/runs", s.handleListEvalRuns)

		r.Get("/metrics", s.handleMetrics)
		r.Get("/metrics/{queryID}", s.handleQueryMetrics)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleCacheClear)
		r.Get("/retrieval/optimal-params", s.handleOptimalParams)
	})
}

// Handler returns the configured router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Int("port", s.cfg.Port).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// writeJSON writes a 200 response; encoding failures are logged since the
// status line is already out.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
