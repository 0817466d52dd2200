package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"assistant/internal/config"
	"assistant/internal/model"
)

// OllamaClient talks to a local Ollama daemon
type OllamaClient struct {
	client    *api.Client
	model     string
	keepAlive time.Duration
}

var (
	_ ChatClient = (*OllamaClient)(nil)
	_ Pinger     = (*OllamaClient)(nil)
)

// NewOllamaClient creates a client for the daemon at cfg.BaseURL
func NewOllamaClient(cfg config.OllamaConfig, timeout time.Duration) (*OllamaClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_BASE_URL: %w", err)
	}

	return &OllamaClient{
		client:    api.NewClient(base, &http.Client{Timeout: timeout}),
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
	}, nil
}

func (c *OllamaClient) Name() string { return "ollama:" + c.model }

// Chat runs a non-streaming chat request and returns the assistant text
func (c *OllamaClient) Chat(ctx context.Context, messages []model.ChatMessage, opts ChatOptions) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:     c.model,
		Messages:  make([]api.Message, 0, len(messages)),
		Stream:    &stream,
		KeepAlive: &api.Duration{Duration: c.keepAlive},
		Options:   map[string]any{},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, api.Message{Role: m.Role, Content: m.Content})
	}
	if opts.JSONMode {
		req.Format = json.RawMessage(`"json"`)
	}
	if opts.Temperature != nil {
		req.Options["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.Options["num_predict"] = opts.MaxTokens
	}

	var out strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	if strings.TrimSpace(out.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return out.String(), nil
}

// Ping checks the daemon heartbeat endpoint
func (c *OllamaClient) Ping(ctx context.Context) error {
	return c.client.Heartbeat(ctx)
}
