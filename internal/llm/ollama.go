package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/thebtf/recall/internal/token"
)

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (r *Router) generateOllama(ctx context.Context, messages []Message, model string) (*Response, error) {
	_, body, err := r.post(ctx, providerOllama, r.ollamaURL+"/api/chat", nil, ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return nil, err
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}

	content := parsed.Message.Content
	outputTokens := token.Count(content)
	return &Response{
		Content:      content,
		OutputTokens: outputTokens,
		TokensUsed:   outputTokens,
	}, nil
}

func (r *Router) openOllamaStream(ctx context.Context, messages []Message, model string) (io.ReadCloser, error) {
	return r.openStream(ctx, providerOllama, r.ollamaURL+"/api/chat", nil, ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
}

// parseOllamaLine extracts text from one NDJSON chunk; done == true ends
// the stream.
func parseOllamaLine(line string) (string, bool) {
	if line == "" {
		return "", false
	}
	var chunk ollamaChatResponse
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return "", false
	}
	return chunk.Message.Content, chunk.Done
}

// Healthy reports whether the Ollama server answers its tags endpoint.
func (r *Router) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.ollamaURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the models the Ollama server has pulled. Errors
// degrade to an empty list.
func (r *Router) ListModels(ctx context.Context) []ModelInfo {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.ollamaURL+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var parsed struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil
	}
	return parsed.Models
}
