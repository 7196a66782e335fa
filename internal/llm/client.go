// Package llm wraps the OpenAI-compatible chat completion API used by the
// conversation loop and memory consolidation.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stellarlinkco/companion/internal/config"
)

// Completions is the subset of the chat completion service the companion
// needs. Tests substitute fakes.
type Completions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// NewCompletions builds a client from the provider config. Retries are
// disabled: transport failures go straight back to the caller.
func NewCompletions(cfg *config.Config) (Completions, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, fmt.Errorf("API key not set. Run 'companion onboard' or set COMPANION_API_KEY / OPENAI_API_KEY")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.Provider.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
	}
	if base := strings.TrimSpace(cfg.Provider.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := openai.NewClient(opts...)
	return &client.Chat.Completions, nil
}
