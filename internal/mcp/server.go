// Package mcp exposes the RAG engine as tools over JSON-RPC 2.0 on stdio:
// rag_query, rag_retrieve, rag_ingest_text, rag_collections, rag_metrics.
package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/db"
	"github.com/thebtf/recall/internal/engine"
	"github.com/thebtf/recall/internal/ingest"
)

// maxLineBytes bounds one request line; rag_ingest_text payloads can far
// exceed the scanner's default token size.
const maxLineBytes = 10 << 20

// Server reads line-delimited JSON-RPC requests from stdin and answers on
// stdout. Logging goes to stderr so the protocol stream stays clean.
type Server struct {
	stdin   io.Reader
	stdout  io.Writer
	cfg     *config.Config
	engine  *engine.Engine
	ingest  *ingest.Service
	store   *db.Store
	version string
}

// NewServer creates an MCP server bound to os.Stdin/os.Stdout.
func NewServer(cfg *config.Config, eng *engine.Engine, ing *ingest.Service, store *db.Store, version string) *Server {
	return &Server{
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		cfg:     cfg,
		engine:  eng,
		ingest:  ing,
		store:   store,
		version: version,
	}
}

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	JSONRPC string `json:"jsonrpc"`
}

// Error represents a JSON-RPC error.
type Error struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ToolCallParams represents parameters for the tools/call method.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool represents an MCP tool definition.
type Tool struct {
	InputSchema map[string]any `json:"inputSchema"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
}

// Run processes requests until stdin closes.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(nil, -32700, "Parse error", err.Error())
			continue
		}

		// Notifications produce no response.
		if resp := s.handleRequest(ctx, &req); resp != nil {
			s.sendResponse(resp)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

// handleRequest dispatches the request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    -32601,
				Message: "Method not found",
			},
		}
	}
}

// handleInitialize handles the initialize request.
func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{
				"name":    "recall",
				"version": s.version,
			},
		},
	}
}

// handleToolsList returns the list of available tools.
func (s *Server) handleToolsList(req *Request) *Response {
	tools := []Tool{
		{
			Name:        "rag_query",
			Description: "Query documents using RAG with optional evaluation. Returns an answer grounded in your document collection with source citations.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]any{
					"query":      map[string]any{"type": "string", "description": "The question to ask"},
					"collection": map[string]any{"type": "string", "description": "Document collection name", "default": "documents"},
					"top_k":      map[string]any{"type": "integer", "description": "Number of chunks to retrieve", "default": 5},
					"model":      map[string]any{"type": "string", "description": "LLM model to use (optional)"},
					"evaluate":   map[string]any{"type": "boolean", "description": "Run quality evaluation on the response", "default": false},
				},
			},
		},
		{
			Name:        "rag_retrieve",
			Description: "Retrieve ranked document chunks using hybrid search (vector + BM25). Returns chunks sorted by relevance score.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]any{
					"query":      map[string]any{"type": "string", "description": "Search query"},
					"collection": map[string]any{"type": "string", "description": "Collection to search", "default": "documents"},
					"top_k":      map[string]any{"type": "integer", "description": "Number of results", "default": 5},
					"alpha":      map[string]any{"type": "number", "description": "Vector vs keyword weight (0=BM25, 1=vector)", "default": 0.7},
				},
			},
		},
		{
			Name:        "rag_ingest_text",
			Description: "Ingest raw text into a document collection. Chunks, embeds, and indexes the text for later retrieval.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"text"},
				"properties": map[string]any{
					"text":       map[string]any{"type": "string", "description": "Text content to ingest"},
					"collection": map[string]any{"type": "string", "description": "Target collection", "default": "documents"},
					"source":     map[string]any{"type": "string", "description": "Source name for the text", "default": "mcp_input"},
				},
			},
		},
		{
			Name:        "rag_collections",
			Description: "List all document collections with their statistics (doc count, chunks, tokens, vectors).",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "rag_metrics",
			Description: "Get evaluation metrics summary including average faithfulness and relevance scores.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"collection": map[string]any{"type": "string", "description": "Filter by collection (optional)"},
					"limit":      map[string]any{"type": "integer", "description": "Max queries to aggregate", "default": 50},
				},
			},
		},
	}

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"tools": tools,
		},
	}
}

// handleToolsCall handles tool invocations. Results are serialized as
// indented JSON inside a single text content block.
func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    -32602,
				Message: "Invalid params",
				Data:    err.Error(),
			},
		}
	}

	result, err := s.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    -32000,
				Message: "Tool error",
				Data:    err.Error(),
			},
		}
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    -32000,
				Message: "Tool error",
				Data:    fmt.Sprintf("marshal result: %v", err),
			},
		}
	}

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": string(text),
				},
			},
		},
	}
}

// callTool dispatches to the appropriate tool handler.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	switch name {
	case "rag_query":
		return s.toolQuery(ctx, args)
	case "rag_retrieve":
		return s.toolRetrieve(ctx, args)
	case "rag_ingest_text":
		return s.toolIngestText(ctx, args)
	case "rag_collections":
		return s.toolCollections(ctx)
	case "rag_metrics":
		return s.toolMetrics(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) toolQuery(ctx context.Context, args json.RawMessage) (any, error) {
	params := struct {
		Query      string `json:"query"`
		Collection string `json:"collection"`
		TopK       int    `json:"top_k"`
		Model      string `json:"model"`
		Evaluate   bool   `json:"evaluate"`
	}{Collection: s.cfg.DefaultCollection}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	result, err := s.engine.Query(ctx, engine.Request{
		Query:      params.Query,
		Collection: params.Collection,
		TopK:       params.TopK,
		Model:      params.Model,
		Evaluate:   params.Evaluate,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"answer":      result.Answer,
		"sources":     result.Sources,
		"model":       result.Model,
		"tokens_used": result.TokensUsed,
		"latency_ms":  math.Round(result.LatencyMS*10) / 10,
		"cache_hit":   result.CacheHit,
	}, nil
}

func (s *Server) toolRetrieve(ctx context.Context, args json.RawMessage) (any, error) {
	params := struct {
		Query      string   `json:"query"`
		Collection string   `json:"collection"`
		TopK       int      `json:"top_k"`
		Alpha      *float64 `json:"alpha"`
	}{Collection: s.cfg.DefaultCollection}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	results, err := s.engine.Retrieve(ctx, params.Query, params.Collection, params.TopK, params.Alpha, "")
	if err != nil {
		return nil, err
	}

	chunks := make([]map[string]any, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, map[string]any{
			"text":        r.Text,
			"score":       math.Round(r.Score*1e4) / 1e4,
			"source":      r.Metadata.String("source"),
			"chunk_index": r.ChunkIndex,
		})
	}
	return map[string]any{"chunks": chunks, "count": len(chunks)}, nil
}

func (s *Server) toolIngestText(ctx context.Context, args json.RawMessage) (any, error) {
	params := struct {
		Text       string `json:"text"`
		Collection string `json:"collection"`
		Source     string `json:"source"`
	}{Collection: s.cfg.DefaultCollection, Source: "mcp_input"}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Text == "" {
		return nil, fmt.Errorf("text is required")
	}

	doc, err := s.ingest.IngestText(ctx, params.Text, params.Source, params.Collection)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"doc_id":         doc.ID,
		"chunks_created": doc.ChunkCount,
		"total_tokens":   doc.TokenCount,
		"collection":     doc.Collection,
	}, nil
}

func (s *Server) toolCollections(ctx context.Context) (any, error) {
	infos, err := s.ingest.Collections(ctx)
	if err != nil {
		return nil, err
	}

	collections := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		collections = append(collections, map[string]any{
			"name":          info.Collection,
			"doc_count":     info.DocCount,
			"total_chunks":  info.TotalChunks,
			"total_tokens":  info.TotalTokens,
			"vectors_count": info.VectorsCount,
		})
	}
	return map[string]any{"collections": collections, "count": len(collections)}, nil
}

func (s *Server) toolMetrics(ctx context.Context, args json.RawMessage) (any, error) {
	params := struct {
		Collection string `json:"collection"`
		Limit      int    `json:"limit"`
	}{Limit: 50}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	rows, err := s.store.MetricRows(ctx, params.Collection, params.Limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string]any{"total_queries": 0, "message": "No metrics data yet"}, nil
	}

	var faith, rel []float64
	for _, m := range rows {
		if m.Faithfulness != nil {
			faith = append(faith, *m.Faithfulness)
		}
		if m.Relevance != nil {
			rel = append(rel, *m.Relevance)
		}
	}
	return map[string]any{
		"total_queries":    len(rows),
		"avg_faithfulness": avg3(faith),
		"avg_relevance":    avg3(rel),
	}, nil
}

// avg3 averages to three decimals; an empty slice serializes as null.
func avg3(vals []float64) any {
	if len(vals) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return math.Round(sum/float64(len(vals))*1e3) / 1e3
}

// sendResponse sends a JSON-RPC response.
func (s *Server) sendResponse(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		return
	}
	fmt.Fprintln(s.stdout, string(data))
}

// sendError sends a JSON-RPC error response.
func (s *Server) sendError(id any, code int, message string, data any) {
	s.sendResponse(&Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}
