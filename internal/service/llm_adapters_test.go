package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant/internal/config"
	"assistant/internal/model"
)

var adapterMessages = []model.ChatMessage{
	{Role: "system", Content: "Reply with JSON."},
	{Role: "user", Content: "book Skagen tomorrow at 2pm"},
}

func ptr[T any](v T) *T { return &v }

// fakeOllama serves /api/chat and / the way the daemon does
type fakeOllama struct {
	*httptest.Server

	mu       sync.Mutex
	requests []api.ChatRequest
	status   int
	line     string
	healthy  bool
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{status: http.StatusOK, healthy: true}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/":
			if !f.healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		case r.Method == http.MethodPost && r.URL.Path == "/api/chat":
			var req api.ChatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.requests = append(f.requests, req)
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(f.status)
			_, _ = fmt.Fprintln(w, f.line)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOllama) reply(status int, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.line = status, line
}

func (f *fakeOllama) lastRequest(t *testing.T) api.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestOllamaClient(t *testing.T, url string) *OllamaClient {
	t.Helper()
	c, err := NewOllamaClient(config.OllamaConfig{BaseURL: url, Model: "llama3.2", KeepAlive: 5 * time.Minute}, 2*time.Second)
	require.NoError(t, err)
	return c
}

func TestOllamaClient_ChatJSONMode(t *testing.T) {
	srv := newFakeOllama(t)
	srv.reply(http.StatusOK, `{"model":"llama3.2","message":{"role":"assistant","content":"{\"intent\":\"booking_create\"}"},"done":true}`)
	c := newTestOllamaClient(t, srv.URL)

	out, err := c.Chat(context.Background(), adapterMessages, ChatOptions{JSONMode: true, Temperature: ptr(0.1), MaxTokens: 256})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"booking_create"}`, out)
	assert.Equal(t, "ollama:llama3.2", c.Name())

	req := srv.lastRequest(t)
	assert.Equal(t, "llama3.2", req.Model)
	assert.JSONEq(t, `"json"`, string(req.Format))
	require.NotNil(t, req.Stream)
	assert.False(t, *req.Stream)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "book Skagen tomorrow at 2pm", req.Messages[1].Content)
	assert.InDelta(t, 0.1, req.Options["temperature"], 1e-9)
	assert.EqualValues(t, 256, req.Options["num_predict"])
	require.NotNil(t, req.KeepAlive)
	assert.Equal(t, 5*time.Minute, req.KeepAlive.Duration)
}

func TestOllamaClient_ChatPlainTextOmitsFormat(t *testing.T) {
	srv := newFakeOllama(t)
	srv.reply(http.StatusOK, `{"model":"llama3.2","message":{"role":"assistant","content":"Booked Skagen."},"done":true}`)
	c := newTestOllamaClient(t, srv.URL)

	out, err := c.Chat(context.Background(), adapterMessages, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Booked Skagen.", out)

	req := srv.lastRequest(t)
	assert.Empty(t, req.Format)
	assert.NotContains(t, req.Options, "temperature")
	assert.NotContains(t, req.Options, "num_predict")
}

func TestOllamaClient_ChatErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		line   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "missing model",
			status: http.StatusNotFound,
			line:   `{"error":"model \"llama3.2\" not found, try pulling it first"}`,
			check: func(t *testing.T, err error) {
				var statusErr api.StatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
				assert.Contains(t, err.Error(), "not found")
			},
		},
		{
			name:   "error line with ok status",
			status: http.StatusOK,
			line:   `{"error":"out of memory"}`,
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "out of memory")
			},
		},
		{
			name:   "empty content",
			status: http.StatusOK,
			line:   `{"model":"llama3.2","message":{"role":"assistant","content":"  "},"done":true}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyCompletion)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeOllama(t)
			srv.reply(tt.status, tt.line)
			c := newTestOllamaClient(t, srv.URL)

			_, err := c.Chat(context.Background(), adapterMessages, ChatOptions{JSONMode: true})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestOllamaClient_Ping(t *testing.T) {
	srv := newFakeOllama(t)
	c := newTestOllamaClient(t, srv.URL)

	require.NoError(t, c.Ping(context.Background()))

	srv.mu.Lock()
	srv.healthy = false
	srv.mu.Unlock()
	assert.Error(t, c.Ping(context.Background()))
}

// fakeCompletions serves a non-streaming OpenAI style /chat/completions
type fakeCompletions struct {
	*httptest.Server

	mu      sync.Mutex
	bodies  []map[string]any
	auth    string
	content string
}

func newFakeCompletions(t *testing.T, content string) *fakeCompletions {
	t.Helper()
	f := &fakeCompletions{content: content}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.bodies = append(f.bodies, body)
		f.auth = r.Header.Get("Authorization")
		content := f.content
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1736931600,
			"model": "openai/gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`, content)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeCompletions) lastBody(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.bodies)
	return f.bodies[len(f.bodies)-1]
}

func newTestOpenRouterClient(t *testing.T, url string) *OpenRouterClient {
	t.Helper()
	c, err := NewOpenRouterClient(context.Background(),
		config.OpenRouterConfig{APIKey: "sk-or-test", BaseURL: url, Model: "openai/gpt-4o-mini"},
		config.OpenAIConfig{ChatTemperature: 0.2, ChatMaxTokens: 512},
		2*time.Second,
	)
	require.NoError(t, err)
	return c
}

func TestOpenRouterClient_JSONModeSetsResponseFormat(t *testing.T) {
	srv := newFakeCompletions(t, `{"intent":"rooms_query"}`)
	c := newTestOpenRouterClient(t, srv.URL)

	out, err := c.Chat(context.Background(), adapterMessages, ChatOptions{JSONMode: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"rooms_query"}`, out)

	body := srv.lastBody(t)
	assert.Equal(t, "openai/gpt-4o-mini", body["model"])
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok, "response_format missing: %v", body)
	assert.Equal(t, "json_object", format["type"])

	srv.mu.Lock()
	assert.Equal(t, "Bearer sk-or-test", srv.auth)
	srv.mu.Unlock()

	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenRouterClient_PlainChatHasNoResponseFormat(t *testing.T) {
	srv := newFakeCompletions(t, "Skagen is free all afternoon.")
	c := newTestOpenRouterClient(t, srv.URL)

	out, err := c.Chat(context.Background(), adapterMessages, ChatOptions{Temperature: ptr(0.7), MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "Skagen is free all afternoon.", out)
	assert.Equal(t, "openrouter:openai/gpt-4o-mini", c.Name())

	body := srv.lastBody(t)
	assert.NotContains(t, body, "response_format")
	assert.InDelta(t, 0.7, body["temperature"], 1e-6)
	assert.EqualValues(t, 64, body["max_tokens"])
}

func TestOpenRouterClient_EmptyCompletion(t *testing.T) {
	srv := newFakeCompletions(t, "")
	c := newTestOpenRouterClient(t, srv.URL)

	_, err := c.Chat(context.Background(), adapterMessages, ChatOptions{JSONMode: true})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAIClient_ChatStreamCollectsDeltas(t *testing.T) {
	srv := newStreamingChatServer(t, []string{"Skagen ", "is ", "free."}, false)
	c := NewOpenAIClient(&config.OpenAIConfig{APIBase: srv.URL, ChatModel: "test"}, 2*time.Second)

	var deltas []string
	out, err := c.ChatStream(context.Background(), adapterMessages, ChatOptions{}, func(chunk *StreamChunk) error {
		deltas = append(deltas, chunk.Content)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Skagen is free.", out)
	assert.Equal(t, []string{"Skagen ", "is ", "free."}, deltas)
}
