package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/thebtf/recall/internal/token"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r *Router) anthropicHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         r.anthropicKey,
		"anthropic-version": anthropicVersion,
	}
}

func (r *Router) generateAnthropic(ctx context.Context, messages []Message, model string) (*Response, error) {
	if r.anthropicKey == "" {
		return nil, fmt.Errorf("model %s requires anthropic_api_key", model)
	}

	system, turns := splitSystem(messages)
	_, body, err := r.post(ctx, providerAnthropic, r.anthropicURL+"/v1/messages", r.anthropicHeaders(), anthropicRequest{
		Model:     model,
		MaxTokens: anthropicMaxTokens,
		Messages:  turns,
		System:    system,
	})
	if err != nil {
		return nil, err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	inputTokens := parsed.Usage.InputTokens
	if inputTokens == 0 {
		inputTokens = countMessages(messages)
	}
	outputTokens := parsed.Usage.OutputTokens
	if outputTokens == 0 {
		outputTokens = token.Count(content)
	}

	return &Response{
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TokensUsed:   inputTokens + outputTokens,
	}, nil
}

func (r *Router) openAnthropicStream(ctx context.Context, messages []Message, model string) (io.ReadCloser, error) {
	if r.anthropicKey == "" {
		return nil, fmt.Errorf("model %s requires anthropic_api_key", model)
	}

	system, turns := splitSystem(messages)
	return r.openStream(ctx, providerAnthropic, r.anthropicURL+"/v1/messages", r.anthropicHeaders(), anthropicRequest{
		Model:     model,
		MaxTokens: anthropicMaxTokens,
		Messages:  turns,
		System:    system,
		Stream:    true,
	})
}

// parseAnthropicLine extracts delta text from an SSE event line. Malformed
// payloads are skipped.
func parseAnthropicLine(line string) (string, bool) {
	const prefix = "data: "
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return "", false
	}

	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(line[len(prefix):]), &event); err != nil {
		return "", false
	}
	if event.Type != "content_block_delta" {
		return "", false
	}
	return event.Delta.Text, false
}

func countMessages(messages []Message) int {
	var n int
	for _, m := range messages {
		n += token.Count(m.Content)
	}
	return n
}
