package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/mindgraph/internal/config"
)

// TextModel produces free-form text for a prompt.
type TextModel interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// StructuredModel produces JSON constrained by a schema.
type StructuredModel interface {
	CompleteStructured(ctx context.Context, prompt, schemaName string, schema json.RawMessage) (string, error)
}

// Client talks to an OpenAI-compatible chat-completions endpoint. Model
// names are bound per handle so callers can hold handles for different
// models (claims extraction vs reflection) over one shared client.
type Client struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	if cfg == nil {
		return c
	}
	c.apiKey = strings.TrimSpace(cfg.Provider.APIKey)
	c.baseURL = strings.TrimSpace(cfg.Provider.BaseURL)
	if cfg.Models.MaxTokens > 0 {
		c.maxTokens = cfg.Models.MaxTokens
	}
	return c
}

// Model binds a model name to the client. The handle implements both
// TextModel and StructuredModel.
func (c *Client) Model(name string) *ModelHandle {
	return &ModelHandle{client: c, model: strings.TrimSpace(name)}
}

type ModelHandle struct {
	client *Client
	model  string
}

func (h *ModelHandle) Name() string { return h.model }

func (h *ModelHandle) Complete(ctx context.Context, prompt string) (string, error) {
	body := h.client.baseBody(h.model, prompt)
	content, err := h.client.sendChatCompletion(ctx, body)
	if err != nil {
		return "", fmt.Errorf("complete (%s): %w", h.model, err)
	}
	return content, nil
}

// CompleteStructured requests JSON conforming to the given schema via the
// json_schema response format.
func (h *ModelHandle) CompleteStructured(ctx context.Context, prompt, schemaName string, schema json.RawMessage) (string, error) {
	body := h.client.baseBody(h.model, prompt)
	body["response_format"] = map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   schemaName,
			"strict": true,
			"schema": schema,
		},
	}
	content, err := h.client.sendChatCompletion(ctx, body)
	if err != nil {
		return "", fmt.Errorf("complete structured (%s): %w", h.model, err)
	}
	return content, nil
}

func (c *Client) baseBody(model, prompt string) map[string]any {
	body := map[string]any{
		"model": model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"temperature": 0.3,
	}
	if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}
	return body
}

func (c *Client) sendChatCompletion(ctx context.Context, body map[string]any) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing base url")
	}
	if model, _ := body["model"].(string); model == "" {
		return "", fmt.Errorf("missing model")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("model http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
