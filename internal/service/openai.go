package service

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

	"assistant/internal/config"
	"assistant/internal/logger"
	"assistant/internal/model"
)

// OpenAIClient handles OpenAI-compatible chat completion APIs over plain HTTP
type OpenAIClient struct {
	config      *config.OpenAIConfig
	httpClient  *http.Client
	chunkParser StreamChunkParser
	extraBody   map[string]any
}

var (
	_ StreamingChatClient = (*OpenAIClient)(nil)
	_ Pinger              = (*OpenAIClient)(nil)
)

// NewOpenAIClient creates a new OpenAI-compatible client
func NewOpenAIClient(cfg *config.OpenAIConfig, timeout time.Duration) *OpenAIClient {
	c := &OpenAIClient{
		config:      cfg,
		chunkParser: chunkParserFor(cfg.APIBase),
		httpClient:  &http.Client{Timeout: timeout},
	}

	if cfg.ChatExtraBody != "" {
		if err := json.Unmarshal([]byte(cfg.ChatExtraBody), &c.extraBody); err != nil {
			logger.Warn().Err(err).Msg("Ignoring invalid OPENAI_CHAT_EXTRA_BODY")
			c.extraBody = nil
		}
	}

	logger.Info().Str("base", cfg.APIBase).Str("model", cfg.ChatModel).Msg("🔧 OpenAI-compatible client configured")
	return c
}

// Name returns the adapter name
func (c *OpenAIClient) Name() string { return "openai:" + c.config.ChatModel }

// ChatCompletionRequest represents a chat completion request
type ChatCompletionRequest struct {
	Model          string              `json:"model"`
	Messages       []model.ChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature,omitempty"`
	TopP           float64             `json:"top_p,omitempty"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat     `json:"response_format,omitempty"`
	Stream         bool                `json:"stream,omitempty"`
	ExtraBody      map[string]any      `json:"extra_body,omitempty"`
}

// ResponseFormat specifies the format of the response
type ResponseFormat struct {
	Type string `json:"type"` // "json_object" or "text"
}

// ChatCompletionResponse represents the API response
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int               `json:"index"`
		Message      model.ChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends one completion request and returns the assistant text
func (c *OpenAIClient) Chat(ctx context.Context, messages []model.ChatMessage, opts ChatOptions) (string, error) {
	req := c.buildRequest(messages, opts)

	resp, err := c.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}

	logger.Debug().
		Str("model", resp.Model).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("Chat completion finished")

	return resp.Choices[0].Message.Content, nil
}

// ChatStream streams a completion, invoking callback per chunk, and returns the full text
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []model.ChatMessage, opts ChatOptions, callback StreamCallback) (string, error) {
	req := c.buildRequest(messages, opts)

	var full strings.Builder
	err := c.ChatCompletionStream(ctx, req, func(chunk *StreamChunk) error {
		full.WriteString(chunk.Content)
		if callback == nil {
			return nil
		}
		return callback(chunk)
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return full.String(), nil
}

// Ping checks that the API answers an authenticated model listing
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.APIBase+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *OpenAIClient) buildRequest(messages []model.ChatMessage, opts ChatOptions) ChatCompletionRequest {
	req := ChatCompletionRequest{
		Model:       c.config.ChatModel,
		Messages:    messages,
		Temperature: c.config.ChatTemperature,
		TopP:        c.config.ChatTopP,
		MaxTokens:   c.config.ChatMaxTokens,
		ExtraBody:   c.extraBody,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.JSONMode {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}
	return req
}

// ChatCompletion performs a chat completion request
func (c *OpenAIClient) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &result, nil
}

// ChatCompletionStream performs a streaming chat completion request
func (c *OpenAIClient) ChatCompletionStream(ctx context.Context, req ChatCompletionRequest, callback StreamCallback) error {
	req.Stream = true

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}

		chunk, err := c.chunkParser.ParseChunk(data)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to parse stream chunk")
			continue
		}

		if err := callback(chunk); err != nil {
			return fmt.Errorf("callback error: %w", err)
		}
	}

	return nil
}

func (c *OpenAIClient) newRequest(ctx context.Context, req ChatCompletionRequest) (*http.Request, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.config.APIBase)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.config.APIKey))
	return httpReq, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
