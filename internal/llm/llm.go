// Package llm routes chat generation to Anthropic, OpenAI, or Ollama by
// model-name prefix and tracks token usage and cost per call.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/resilience"
)

const (
	providerAnthropic = "anthropic"
	providerOpenAI    = "openai"
	providerOllama    = "ollama"

	// requestTimeout bounds one generation call end to end.
	requestTimeout = 120 * time.Second

	// healthTimeout bounds the Ollama reachability probe.
	healthTimeout = 5 * time.Second

	// maxStreamLine is the scanner limit for one SSE or NDJSON line.
	maxStreamLine = 1 << 20
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the result of one unary generation call.
type Response struct {
	Content      string  `json:"content"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TokensUsed   int     `json:"tokens_used"`
	LatencyMS    float64 `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
}

// ModelInfo describes one locally available Ollama model.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// Router dispatches generation requests to a provider chosen by the
// model-name prefix: claude* goes to Anthropic, gpt*/o1*/o3* to OpenAI,
// everything else to the local Ollama server.
type Router struct {
	httpClient *http.Client

	anthropicURL string
	openaiURL    string
	ollamaURL    string

	anthropicKey string
	openaiKey    string
	defaultModel string

	breakers map[string]*resilience.Breaker
}

// New builds a Router from the given configuration.
func New(cfg *config.Config) *Router {
	return &Router{
		httpClient:   &http.Client{Timeout: requestTimeout},
		anthropicURL: "https://api.anthropic.com",
		openaiURL:    "https://api.openai.com",
		ollamaURL:    strings.TrimRight(cfg.OllamaURL, "/"),
		anthropicKey: cfg.AnthropicAPIKey,
		openaiKey:    cfg.OpenAIAPIKey,
		defaultModel: cfg.DefaultModel,
		breakers: map[string]*resilience.Breaker{
			providerAnthropic: resilience.NewBreaker("llm-anthropic"),
			providerOpenAI:    resilience.NewBreaker("llm-openai"),
			providerOllama:    resilience.NewBreaker("llm-ollama"),
		},
	}
}

func (r *Router) provider(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return providerAnthropic
	case strings.HasPrefix(model, "gpt"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"):
		return providerOpenAI
	default:
		return providerOllama
	}
}

// Generate runs one unary chat completion. An empty model falls back to the
// configured default.
func (r *Router) Generate(ctx context.Context, messages []Message, model string) (*Response, error) {
	if model == "" {
		model = r.defaultModel
	}

	start := time.Now()
	var (
		resp *Response
		err  error
	)
	switch r.provider(model) {
	case providerAnthropic:
		resp, err = r.generateAnthropic(ctx, messages, model)
	case providerOpenAI:
		resp, err = r.generateOpenAI(ctx, messages, model)
	default:
		resp, err = r.generateOllama(ctx, messages, model)
	}
	if err != nil {
		return nil, err
	}

	resp.Model = model
	resp.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	resp.CostUSD = Cost(model, resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// Stream runs one streaming chat completion and returns a channel of text
// fragments. The channel is closed when the stream completes, fails, or the
// context is cancelled.
func (r *Router) Stream(ctx context.Context, messages []Message, model string) (<-chan string, error) {
	if model == "" {
		model = r.defaultModel
	}

	var (
		body  io.ReadCloser
		parse func(line string) (string, bool)
		err   error
	)
	switch r.provider(model) {
	case providerAnthropic:
		body, err = r.openAnthropicStream(ctx, messages, model)
		parse = parseAnthropicLine
	case providerOpenAI:
		body, err = r.openOpenAIStream(ctx, messages, model)
		parse = parseOpenAILine
	default:
		body, err = r.openOllamaStream(ctx, messages, model)
		parse = parseOllamaLine
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
		for scanner.Scan() {
			text, done := parse(scanner.Text())
			if text != "" {
				select {
				case ch <- text:
				case <-ctx.Done():
					return
				}
			}
			if done {
				return
			}
		}
	}()
	return ch, nil
}

// post sends a JSON request and returns the status and body. Transport
// errors and 5xx responses count against the provider's circuit breaker;
// client errors are surfaced to the caller without tripping it.
func (r *Router) post(ctx context.Context, provider, url string, headers map[string]string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal %s request: %w", provider, err)
	}

	var (
		status int
		body   []byte
	)
	err = r.breakers[provider].Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create %s request: %w", provider, err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s request: %w", provider, err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", provider, err)
		}
		status = resp.StatusCode
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("%s: status=%d body=%s", provider, status, snippet(body))
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if status != http.StatusOK {
		return status, body, fmt.Errorf("%s: status=%d body=%s", provider, status, snippet(body))
	}
	return status, body, nil
}

// openStream establishes a streaming request and hands the body to the
// caller. Only connection setup runs behind the breaker.
func (r *Router) openStream(ctx context.Context, provider, url string, headers map[string]string, payload any) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", provider, err)
	}

	var (
		body      io.ReadCloser
		clientErr error
	)
	err = r.breakers[provider].Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create %s request: %w", provider, err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s request: %w", provider, err)
		}
		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			failure := fmt.Errorf("%s: status=%d body=%s", provider, resp.StatusCode, snippet(detail))
			if resp.StatusCode >= http.StatusInternalServerError {
				return failure
			}
			clientErr = failure
			return nil
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	if clientErr != nil {
		return nil, clientErr
	}
	return body, nil
}

// splitSystem separates the system message from the conversational turns.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
