package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"assistant/internal/logger"
	"assistant/internal/model"
)

const maxResponseBytes = 1 << 20

// ToolExecutor runs one tool call against the booking API
type ToolExecutor interface {
	Execute(ctx context.Context, call model.ToolCall, authToken string) model.ToolResult
}

// Executor calls the booking API over HTTP with the caller's bearer credential
type Executor struct {
	baseURL    string
	httpClient *http.Client
}

var _ ToolExecutor = (*Executor)(nil)

// NewExecutor creates an executor for the API rooted at baseURL
func NewExecutor(baseURL string, timeout time.Duration) *Executor {
	return &Executor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute performs exactly one request for call. Failures are reported in the result, never returned.
// Names with the read_ prefix become GET /resources/<path>?<args>, others POST /tools/<name>.
func (e *Executor) Execute(ctx context.Context, call model.ToolCall, authToken string) model.ToolResult {
	start := time.Now()
	result := e.execute(ctx, call, authToken)
	recordToolExec(call.Name, result.Success, time.Since(start))

	if !result.Success {
		logger.Warn().
			Str("tool", call.Name).
			Str("error", result.Error).
			Dur("elapsed", time.Since(start)).
			Msg("Tool execution failed")
	}
	return result
}

func (e *Executor) execute(ctx context.Context, call model.ToolCall, authToken string) model.ToolResult {
	result := model.ToolResult{ToolName: call.Name}

	var (
		req *http.Request
		err error
	)
	if call.IsRead() {
		req, err = e.newRequest(ctx, http.MethodGet, "/resources/"+url.PathEscape(call.ResourcePath())+encodeQuery(call.Arguments), nil, authToken)
	} else {
		body := call.Arguments
		if body == nil {
			body = map[string]any{}
		}
		req, err = e.newRequest(ctx, http.MethodPost, "/tools/"+url.PathEscape(call.Name), body, authToken)
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}

	raw, err := e.do(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.Result = raw
	return result
}

// getJSON fetches path and decodes the body into out
func (e *Executor) getJSON(ctx context.Context, path, authToken string, out any) error {
	req, err := e.newRequest(ctx, http.MethodGet, path, nil, authToken)
	if err != nil {
		return err
	}
	raw, err := e.do(req)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("empty response from %s", path)
	}
	return json.Unmarshal(raw, out)
}

func (e *Executor) newRequest(ctx context.Context, method, path string, body any, authToken string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode arguments: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	return req, nil
}

func (e *Executor) do(req *http.Request) (json.RawMessage, error) {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fmt.Errorf("booking API timed out")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("booking API request cancelled: %w", err)
		}
		return nil, fmt.Errorf("booking API unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read booking API response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("booking API returned %d: %s", resp.StatusCode, apiErrorMessage(body))
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("booking API returned malformed JSON")
	}
	return body, nil
}

// apiErrorMessage pulls a short message out of an error body
func apiErrorMessage(body []byte) string {
	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return truncate(payload.Message, 120)
		}
		switch v := payload.Error.(type) {
		case string:
			return truncate(v, 120)
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				return truncate(msg, 120)
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "no details"
	}
	return truncate(msg, 120)
}

// encodeQuery serializes arguments into a sorted query string, "" when empty
func encodeQuery(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		switch v := args[k].(type) {
		case nil:
		case string:
			if v != "" {
				q.Set(k, v)
			}
		case time.Time:
			q.Set(k, v.UTC().Format(time.RFC3339))
		case []string:
			if len(v) > 0 {
				q.Set(k, strings.Join(v, ","))
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			if len(parts) > 0 {
				q.Set(k, strings.Join(parts, ","))
			}
		case float64:
			q.Set(k, strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", v), "0"), "."))
		default:
			q.Set(k, fmt.Sprint(v))
		}
	}

	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
