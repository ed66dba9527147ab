package server

import (
	"net/http"

	"github.com/thebtf/recall/internal/llm"
	"github.com/thebtf/recall/internal/tune"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ollama := "disconnected"
	if s.llm.Healthy(r.Context()) {
		ollama = "connected"
	}
	writeJSON(w, map[string]any{
		"status":          "healthy",
		"ollama":          ollama,
		"embedding_model": s.cfg.EmbeddingModel,
		"default_llm":     s.cfg.DefaultModel,
		"eval_enabled":    s.cfg.EvalOnQuery,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.llm.ListModels(r.Context())
	if models == nil {
		models = []llm.ModelInfo{}
	}
	writeJSON(w, models)
}

// handleSettings reports the effective configuration the dashboard renders.
func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"embedding_model":   s.cfg.EmbeddingModel,
		"chunking_strategy": s.cfg.ChunkingStrategy,
		"chunk_size":        s.cfg.ChunkSize,
		"chunk_overlap":     s.cfg.ChunkOverlap,
		"default_model":     s.cfg.DefaultModel,
		"hybrid_alpha":      s.cfg.HybridAlpha,
		"default_top_k":     s.cfg.DefaultTopK,
		"eval_on_query":     s.cfg.EvalOnQuery,
		"eval_lightweight":  s.cfg.EvalLightweight,
		"use_reranker":      s.cfg.UseReranker,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cache.Stats(r.Context()))
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	removed := s.cache.Clear(r.Context())
	writeJSON(w, map[string]any{"status": "cleared", "points_removed": removed})
}

func (s *Server) handleOptimalParams(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		http.Error(w, "collection is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, tune.Analysis(r.Context(), s.store, collection))
}
