package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/companion/internal/config"
)

const (
	embeddingProviderAPI    = "api"
	embeddingProviderOllama = "ollama"

	defaultAPIEmbeddingBaseURL    = "https://api.openai.com"
	defaultOllamaEmbeddingBaseURL = "http://127.0.0.1:11434"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedFunc returns nil when the text could not be embedded.
type EmbedFunc func(ctx context.Context, text string) []float32

// SoftEmbed turns embedding errors into an absent vector.
func SoftEmbed(e Embedder) EmbedFunc {
	if e == nil {
		return func(context.Context, string) []float32 { return nil }
	}
	return func(ctx context.Context, text string) []float32 {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			log.Printf("[memory] embedding unavailable, entry stays unindexed: %v", err)
			return nil
		}
		return vec
	}
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
	Input any    `json:"input"`
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
		model:      config.DefaultEmbeddingModel,
		httpClient: &http.Client{Timeout: time.Duration(config.DefaultMemoryEmbeddingTimeout) * time.Millisecond},
	}

	if cfg == nil {
		return client
	}

	embeddingCfg := cfg.Memory.Embedding
	if provider := strings.ToLower(strings.TrimSpace(embeddingCfg.Provider)); provider != "" {
		client.provider = provider
	}

	client.baseURL = firstNonEmptyTrimmed(embeddingCfg.BaseURL, cfg.Provider.BaseURL)
	client.apiKey = firstNonEmptyTrimmed(embeddingCfg.APIKey, cfg.Provider.APIKey)
	client.model = firstNonEmptyTrimmed(embeddingCfg.Model, config.DefaultEmbeddingModel)
	client.expectedDim = embeddingCfg.Dimension

	if embeddingCfg.TimeoutMs > 0 {
		client.httpClient.Timeout = time.Duration(embeddingCfg.TimeoutMs) * time.Millisecond
	}
	if client.provider == embeddingProviderOllama && strings.TrimSpace(embeddingCfg.BaseURL) == "" {
		client.baseURL = defaultOllamaEmbeddingBaseURL
	}

	if size := embeddingCfg.CacheSize; size > 0 {
		cached, err := NewCachedEmbedder(client, client.model, int64(size))
		if err != nil {
			log.Printf("[memory] embedding cache disabled: %v", err)
			return client
		}
		return cached
	}
	return client
}

func (c *embedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}

	vectors, err := c.requestEmbeddings(ctx, trimmed, 1)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	return vectors[0], nil
}

func (c *embedderClient) requestEmbeddings(ctx context.Context, input any, expectedCount int) ([][]float32, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.model == "" {
		return nil, fmt.Errorf("missing embedding model")
	}

	baseURL, err := c.resolveBaseURL()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vectors, err := c.validateEmbeddingData(decoded.Data, expectedCount)
	if err != nil {
		return nil, fmt.Errorf("validate response: %w", err)
	}

	return vectors, nil
}

// resolveBaseURL returns the host root; a trailing /v1 from an
// OpenAI-style base URL is dropped because the request path carries it.
func (c *embedderClient) resolveBaseURL() (string, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")
	provider := strings.ToLower(strings.TrimSpace(c.provider))

	switch provider {
	case "", embeddingProviderAPI:
		if baseURL == "" {
			baseURL = defaultAPIEmbeddingBaseURL
		}
		if strings.TrimSpace(c.apiKey) == "" {
			return "", fmt.Errorf("missing embedding api key")
		}
		return baseURL, nil
	case embeddingProviderOllama:
		if baseURL == "" {
			baseURL = defaultOllamaEmbeddingBaseURL
		}
		return baseURL, nil
	default:
		return "", fmt.Errorf("unsupported embedding provider: %s", provider)
	}
}

func (c *embedderClient) validateEmbeddingData(data []embeddingData, expectedCount int) ([][]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty embeddings data")
	}
	if len(data) != expectedCount {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), expectedCount)
	}

	vectors := make([][]float32, expectedCount)
	seen := make([]bool, expectedCount)

	for _, item := range data {
		if item.Index < 0 || item.Index >= expectedCount {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if seen[item.Index] {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}
		if c.expectedDim > 0 && len(item.Embedding) != c.expectedDim {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), c.expectedDim)
		}

		vectors[item.Index] = append([]float32(nil), item.Embedding...)
		seen[item.Index] = true
	}

	return vectors, nil
}

func firstNonEmptyTrimmed(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
