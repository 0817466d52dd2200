package service

import (
	"context"
	"errors"
	"fmt"

	"assistant/internal/config"
	"assistant/internal/model"
)

var (
	// ErrLLMUnavailable is returned when no model is configured or the liveness check failed
	ErrLLMUnavailable = errors.New("language model unavailable")
	// ErrEmptyCompletion is returned when the model replied with no content
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrUnparsableIntent is returned when the model reply holds neither an intent nor a tool call
	ErrUnparsableIntent = errors.New("unparsable intent")
)

// ChatOptions tunes a single completion request
type ChatOptions struct {
	JSONMode    bool
	Temperature *float64
	MaxTokens   int
}

// ChatClient is the capability every language model adapter provides
type ChatClient interface {
	Chat(ctx context.Context, messages []model.ChatMessage, opts ChatOptions) (string, error)
	Name() string
}

// Pinger is implemented by adapters that can check reachability without a completion
type Pinger interface {
	Ping(ctx context.Context) error
}

// StreamingChatClient is implemented by adapters that can stream completion deltas
type StreamingChatClient interface {
	ChatClient
	ChatStream(ctx context.Context, messages []model.ChatMessage, opts ChatOptions, callback StreamCallback) (string, error)
}

// StreamChunk represents a generic streaming response chunk
type StreamChunk struct {
	Content         string
	ThinkingContent string // Reasoning deltas on providers that expose them
	Role            string
	Done            bool
}

// StreamCallback is called for each chunk in streaming mode
type StreamCallback func(chunk *StreamChunk) error

// NewChatClient builds the adapter selected by LLM_PROVIDER.
// It returns nil, nil when no provider is configured.
func NewChatClient(ctx context.Context, cfg *config.Config) (ChatClient, error) {
	if !cfg.LLMEnabled() {
		return nil, nil
	}

	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(&cfg.OpenAI, cfg.LLM.Timeout), nil
	case config.ProviderOllama:
		c, err := NewOllamaClient(cfg.Ollama, cfg.LLM.Timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderOpenRouter:
		c, err := NewOpenRouterClient(ctx, cfg.OpenRouter, cfg.OpenAI, cfg.LLM.Timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.LLM.Provider)
	}
}
