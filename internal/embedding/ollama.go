package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thebtf/recall/internal/config"
)

const (
	MiniLMModel     = "all-MiniLM-L6-v2"
	BGEBaseModel    = "BAAI/bge-base-en-v1.5"
	ollamaEmbedPath = "/api/embed"
	ollamaTimeout   = 60 * time.Second
)

// ollamaTags maps configuration model names to the tags Ollama serves
// them under. Unknown names pass through unchanged.
var ollamaTags = map[string]string{
	MiniLMModel:  "all-minilm",
	BGEBaseModel: "bge-base-en-v1.5",
}

type ollamaModel struct {
	client     *http.Client
	baseURL    string
	name       string
	tag        string
	dimensions int
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        MiniLMModel,
		Provider:    "ollama",
		Dimensions:  ModelDimensions[MiniLMModel],
		Description: "MiniLM sentence embeddings served by Ollama",
		Default:     true,
	}, func() (EmbeddingModel, error) { return newOllamaModel(MiniLMModel) })

	RegisterModel(ModelMetadata{
		Name:        BGEBaseModel,
		Provider:    "ollama",
		Dimensions:  ModelDimensions[BGEBaseModel],
		Description: "BGE base English embeddings served by Ollama",
	}, func() (EmbeddingModel, error) { return newOllamaModel(BGEBaseModel) })
}

func newOllamaModel(name string) (EmbeddingModel, error) {
	cfg := config.Get()

	tag := ollamaTags[name]
	if tag == "" {
		tag = name
	}

	return &ollamaModel{
		client:     &http.Client{Timeout: ollamaTimeout},
		baseURL:    cfg.OllamaURL,
		name:       name,
		tag:        tag,
		dimensions: ModelDimensions[name],
	}, nil
}

func (m *ollamaModel) Name() string    { return m.name }
func (m *ollamaModel) Dimensions() int { return m.dimensions }
func (m *ollamaModel) Close() error    { return nil }

func (m *ollamaModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, m.dimensions), nil
	}
	results, err := m.embedRequest(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings for model %s", m.tag)
	}
	return results[0], nil
}

func (m *ollamaModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results, err := m.embedRequest(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs (model=%s)",
			len(results), len(texts), m.tag)
	}
	return results, nil
}

func (m *ollamaModel) embedRequest(ctx context.Context, input []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: m.tag, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+ollamaEmbedPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embed error (model=%s, status=%d): %s",
			m.tag, resp.StatusCode, strings.TrimSpace(string(bodySnippet)))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return embedResp.Embeddings, nil
}
