package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"assistant/internal/config"
	"assistant/internal/model"
)

// OpenRouterClient reaches hosted models through the eino OpenAI chat model.
// The eino model fixes its response format at construction, so JSON mode gets a second instance.
type OpenRouterClient struct {
	chatModel *openai.ChatModel
	jsonModel *openai.ChatModel
	model     string
}

var _ ChatClient = (*OpenRouterClient)(nil)

// NewOpenRouterClient creates eino chat models pointed at OpenRouter.
// Sampling defaults are shared with the OpenAI section.
func NewOpenRouterClient(ctx context.Context, cfg config.OpenRouterConfig, tuning config.OpenAIConfig, timeout time.Duration) (*OpenRouterClient, error) {
	maxTokens := tuning.ChatMaxTokens
	temperature := float32(tuning.ChatTemperature)

	newModel := func(format *openai.ChatCompletionResponseFormat) (*openai.ChatModel, error) {
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			Timeout:        timeout,
			MaxTokens:      &maxTokens,
			Temperature:    &temperature,
			ResponseFormat: format,
		})
	}

	cm, err := newModel(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	jm, err := newModel(&openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject})
	if err != nil {
		return nil, fmt.Errorf("error creating JSON chat model: %w", err)
	}

	return &OpenRouterClient{chatModel: cm, jsonModel: jm, model: cfg.Model}, nil
}

func (c *OpenRouterClient) Name() string { return "openrouter:" + c.model }

func (c *OpenRouterClient) Chat(ctx context.Context, messages []model.ChatMessage, opts ChatOptions) (string, error) {
	in := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			in = append(in, schema.SystemMessage(m.Content))
		case "assistant":
			in = append(in, schema.AssistantMessage(m.Content, nil))
		default:
			in = append(in, schema.UserMessage(m.Content))
		}
	}

	var callOpts []einomodel.Option
	if opts.Temperature != nil {
		callOpts = append(callOpts, einomodel.WithTemperature(float32(*opts.Temperature)))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, einomodel.WithMaxTokens(opts.MaxTokens))
	}

	cm := c.chatModel
	if opts.JSONMode {
		cm = c.jsonModel
	}

	out, err := cm.Generate(ctx, in, callOpts...)
	if err != nil {
		return "", fmt.Errorf("openrouter generate: %w", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return out.Content, nil
}
