package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stellarlinkco/mindgraph/internal/config"
)

const (
	embeddingProviderAPI    = "api"
	embeddingProviderOllama = "ollama"

	defaultOllamaEmbeddingBaseURL = "http://127.0.0.1:11434"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type embedderClient struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func NewEmbedder(cfg *config.Config) Embedder {
	client := &embedderClient{
		provider:   embeddingProviderAPI,
		httpClient: &http.Client{Timeout: time.Duration(config.DefaultEmbeddingTimeout) * time.Millisecond},
	}

	if cfg == nil {
		return client
	}

	embeddingCfg := cfg.Embedding
	if provider := strings.ToLower(strings.TrimSpace(embeddingCfg.Provider)); provider != "" {
		client.provider = provider
	}

	client.baseURL = firstNonEmptyTrimmed(embeddingCfg.BaseURL, cfg.Provider.BaseURL)
	client.apiKey = firstNonEmptyTrimmed(embeddingCfg.APIKey, cfg.Provider.APIKey)
	client.model = strings.TrimSpace(embeddingCfg.Model)
	client.expectedDim = embeddingCfg.Dimension

	if embeddingCfg.TimeoutMs > 0 {
		client.httpClient.Timeout = time.Duration(embeddingCfg.TimeoutMs) * time.Millisecond
	}
	if client.provider == embeddingProviderOllama && client.baseURL == "" {
		client.baseURL = defaultOllamaEmbeddingBaseURL
	}

	return client
}

// EmbeddingFunc adapts an Embedder to the chromem callback shape.
func EmbeddingFunc(e Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.Embed(ctx, text)
	}
}

func (c *embedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.model == "" {
		return nil, fmt.Errorf("embed: missing embedding model")
	}

	baseURL, err := c.resolveBaseURL()
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: trimmed})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty embedding in response")
	}
	embedding := decoded.Data[0].Embedding
	if c.expectedDim > 0 && len(embedding) != c.expectedDim {
		return nil, fmt.Errorf("embed: dimension mismatch: got %d want %d", len(embedding), c.expectedDim)
	}

	copied := make([]float32, len(embedding))
	copy(copied, embedding)
	return copied, nil
}

func (c *embedderClient) resolveBaseURL() (string, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	provider := strings.ToLower(strings.TrimSpace(c.provider))

	switch provider {
	case "", embeddingProviderAPI:
		if baseURL == "" {
			return "", fmt.Errorf("missing embedding base url")
		}
		if strings.TrimSpace(c.apiKey) == "" {
			return "", fmt.Errorf("missing embedding api key")
		}
		return baseURL, nil
	case embeddingProviderOllama:
		if baseURL == "" {
			baseURL = defaultOllamaEmbeddingBaseURL
		}
		return strings.TrimRight(baseURL, "/"), nil
	default:
		return "", fmt.Errorf("unsupported embedding provider: %s", provider)
	}
}

func firstNonEmptyTrimmed(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
