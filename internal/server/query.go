package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/engine"
	"github.com/thebtf/recall/pkg/models"
)

// queryRequest is the question-answering request body. TopK and Evaluate
// are pointers so an absent field is distinguishable from an explicit zero:
// leaving top_k out lets the auto-tuner pick it.
type queryRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
	TopK       *int   `json:"top_k"`
	Model      string `json:"model"`
	Stream     bool   `json:"stream"`
	Evaluate   *bool  `json:"evaluate"`
}

type retrieveRequest struct {
	Query        string   `json:"query"`
	Collection   string   `json:"collection"`
	TopK         int      `json:"top_k"`
	Alpha        *float64 `json:"alpha"`
	SourceFilter string   `json:"source_filter"`
}

type retrieveResponse struct {
	Query           string                `json:"query"`
	Chunks          []models.RankedResult `json:"chunks"`
	TotalResults    int                   `json:"total_results"`
	RetrievalMethod string                `json:"retrieval_method"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.Collection == "" {
		req.Collection = s.cfg.DefaultCollection
	}

	engineReq := engine.Request{
		Query:      req.Query,
		Collection: req.Collection,
		Model:      req.Model,
		Evaluate:   true,
	}
	if req.TopK != nil {
		engineReq.TopK = *req.TopK
	}
	if req.Evaluate != nil {
		engineReq.Evaluate = *req.Evaluate
	}

	if req.Stream {
		s.streamQuery(w, r, engineReq)
		return
	}

	result, err := s.engine.Query(r.Context(), engineReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

// streamQuery answers over SSE: one sources event, one token event per
// generated fragment, and a done event carrying the assembled answer.
func (s *Server) streamQuery(w http.ResponseWriter, r *http.Request, req engine.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sources, tokens, err := s.engine.Stream(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	writeEvent(w, flusher, "sources", sources)

	var answer strings.Builder
	for tok := range tokens {
		answer.WriteString(tok)
		writeEvent(w, flusher, "token", tok)
	}
	writeEvent(w, flusher, "done", map[string]string{"answer": answer.String()})
}

// writeEvent frames one SSE message as `data: {json}`.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(map[string]any{"type": event, "data": data})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("Failed to encode SSE event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.Collection == "" {
		req.Collection = s.cfg.DefaultCollection
	}

	results, err := s.engine.Retrieve(r.Context(), req.Query, req.Collection, req.TopK, req.Alpha, req.SourceFilter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []models.RankedResult{}
	}

	alpha := s.cfg.HybridAlpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	writeJSON(w, retrieveResponse{
		Query:           req.Query,
		Chunks:          results,
		TotalResults:    len(results),
		RetrievalMethod: fmt.Sprintf("hybrid (alpha=%v)", alpha),
	})
}
