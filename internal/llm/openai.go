package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/thebtf/recall/internal/token"
)

type openAIChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (r *Router) openaiHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + r.openaiKey}
}

func (r *Router) generateOpenAI(ctx context.Context, messages []Message, model string) (*Response, error) {
	if r.openaiKey == "" {
		return nil, fmt.Errorf("model %s requires openai_api_key", model)
	}

	_, body, err := r.post(ctx, providerOpenAI, r.openaiURL+"/v1/chat/completions", r.openaiHeaders(), openAIChatRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}
	content := parsed.Choices[0].Message.Content

	inputTokens := parsed.Usage.PromptTokens
	if inputTokens == 0 {
		inputTokens = countMessages(messages)
	}
	outputTokens := parsed.Usage.CompletionTokens
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

func (r *Router) openOpenAIStream(ctx context.Context, messages []Message, model string) (io.ReadCloser, error) {
	if r.openaiKey == "" {
		return nil, fmt.Errorf("model %s requires openai_api_key", model)
	}

	return r.openStream(ctx, providerOpenAI, r.openaiURL+"/v1/chat/completions", r.openaiHeaders(), openAIChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
}

// parseOpenAILine extracts delta text from an SSE chunk; "data: [DONE]"
// ends the stream.
func parseOpenAILine(line string) (string, bool) {
	const prefix = "data: "
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return "", false
	}
	payload := line[len(prefix):]
	if payload == "[DONE]" {
		return "", true
	}

	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, false
}
