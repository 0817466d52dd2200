package handler

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant/internal/model"
	"assistant/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeResolver struct {
	got service.Command
}

func (f *fakeResolver) Resolve(_ context.Context, cmd service.Command) model.CommandResponse {
	f.got = cmd
	return model.CommandResponse{RequestID: "req-1", Response: "Rooms:\n- Skagen", Action: model.IntentRoomsQuery, Path: service.PathClassifier}
}

func (f *fakeResolver) ResolveStream(ctx context.Context, cmd service.Command, emit service.EmitFunc) model.CommandResponse {
	_ = emit(service.Event{Type: "intent", Data: map[string]any{"action": "rooms_query"}})
	_ = emit(service.Event{Type: "content", Data: "Rooms:\n- Skagen"})
	return f.Resolve(ctx, cmd)
}

func newTestRouter(resolver CommandResolver, store service.ContextStore, history CommandHistory) *gin.Engine {
	r := gin.New()
	api := r.Group("/api/v1", RequireBearer())
	commands := NewCommandHandler(resolver, time.Second)
	api.POST("/commands", commands.Resolve)
	api.POST("/commands/stream", commands.ResolveStream)
	sessions := NewSessionHandler(store)
	api.GET("/sessions/:userId", sessions.Get)
	api.DELETE("/sessions/:userId", sessions.Clear)
	api.GET("/users/:userId/commands", NewHistoryHandler(history).List)
	return r
}

func do(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCommands_RequiresBearer(t *testing.T) {
	r := newTestRouter(&fakeResolver{}, service.NewMemoryContextStore(10, time.Minute, nil), nil)

	w := do(r, http.MethodPost, "/api/v1/commands", "", `{"command":"rooms","userId":"u1"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Basic abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCommands_Validation(t *testing.T) {
	r := newTestRouter(&fakeResolver{}, service.NewMemoryContextStore(10, time.Minute, nil), nil)

	for _, body := range []string{`{"userId":"u1"}`, `{"command":"rooms"}`, `{"command":"   ","userId":"u1"}`, `not json`} {
		w := do(r, http.MethodPost, "/api/v1/commands", "tok", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestCommands_Resolve(t *testing.T) {
	resolver := &fakeResolver{}
	r := newTestRouter(resolver, service.NewMemoryContextStore(10, time.Minute, nil), nil)

	w := do(r, http.MethodPost, "/api/v1/commands", "tok-9", `{"command":" rooms ","userId":"u1","timezone":"Europe/Oslo"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"requestId":"req-1"`)
	assert.Contains(t, w.Body.String(), `"action":"rooms_query"`)

	assert.Equal(t, service.Command{Text: "rooms", UserID: "u1", Timezone: "Europe/Oslo", AuthToken: "tok-9"}, resolver.got)
}

func TestCommands_Stream(t *testing.T) {
	r := newTestRouter(&fakeResolver{}, service.NewMemoryContextStore(10, time.Minute, nil), nil)

	w := do(r, http.MethodPost, "/api/v1/commands/stream", "tok", `{"command":"rooms","userId":"u1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	var events []string
	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{"start", "intent", "content", "done"}, events)
}

func TestSessions_GetAndClear(t *testing.T) {
	store := service.NewMemoryContextStore(10, time.Minute, nil)
	require.NoError(t, store.AddToContext(context.Background(), "u1", model.ContextEntry{Command: "rooms", Action: model.IntentRoomsQuery}))
	r := newTestRouter(&fakeResolver{}, store, nil)

	w := do(r, http.MethodGet, "/api/v1/sessions/u1", "tok", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"command":"rooms"`)

	w = do(r, http.MethodDelete, "/api/v1/sessions/u1", "tok", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodGet, "/api/v1/sessions/u1", "tok", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"entries":[]`)
}

func TestSessions_OtherCredentialIsForbidden(t *testing.T) {
	ctx := context.Background()
	store := service.NewMemoryContextStore(10, time.Minute, nil)
	require.NoError(t, store.AddToContext(ctx, "u1", model.ContextEntry{
		Command: "book Skagen tomorrow at 2pm",
		Action:  model.IntentBookingCreate,
		Owner:   service.SessionOwner("alice-token"),
	}))
	r := newTestRouter(&fakeResolver{}, store, nil)

	w := do(r, http.MethodGet, "/api/v1/sessions/u1", "mallory-token", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "Skagen")

	w = do(r, http.MethodDelete, "/api/v1/sessions/u1", "mallory-token", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	entries, err := store.GetContext(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	w = do(r, http.MethodGet, "/api/v1/sessions/u1", "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Skagen")
	assert.NotContains(t, w.Body.String(), `"owner"`)

	w = do(r, http.MethodDelete, "/api/v1/sessions/u1", "alice-token", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSessionOwner(t *testing.T) {
	assert.Empty(t, service.SessionOwner(""))
	assert.Len(t, service.SessionOwner("tok"), 16)
	assert.Equal(t, service.SessionOwner("tok"), service.SessionOwner("tok"))
	assert.NotEqual(t, service.SessionOwner("tok"), service.SessionOwner("tok2"))
}

type fakeHistory struct {
	logs []model.CommandLog
	err  error
	user string
	n    int
}

func (f *fakeHistory) RecentCommands(_ context.Context, userID string, limit int) ([]model.CommandLog, error) {
	f.user, f.n = userID, limit
	return f.logs, f.err
}

func TestHistory(t *testing.T) {
	store := service.NewMemoryContextStore(10, time.Minute, nil)

	w := do(newTestRouter(&fakeResolver{}, store, nil), http.MethodGet, "/api/v1/users/u1/commands", "tok", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	history := &fakeHistory{logs: []model.CommandLog{{ID: 1, UserID: "u1", Command: "rooms"}}}
	r := newTestRouter(&fakeResolver{}, store, history)

	w = do(r, http.MethodGet, "/api/v1/users/u1/commands?limit=5", "tok", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"command":"rooms"`)
	assert.Equal(t, "u1", history.user)
	assert.Equal(t, 5, history.n)

	w = do(r, http.MethodGet, "/api/v1/users/u1/commands?limit=abc", "tok", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	history.err = errors.New("db down")
	w = do(r, http.MethodGet, "/api/v1/users/u1/commands", "tok", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestTools_RefreshesWithCallerToken(t *testing.T) {
	var (
		mu   sync.Mutex
		auth string
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		switch r.URL.Path {
		case "/tools":
			_, _ = w.Write([]byte(`[{"name":"create_booking"}]`))
		case "/resources":
			_, _ = w.Write([]byte(`[{"name":"rooms"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer api.Close()

	catalog := service.NewToolCatalog(service.NewExecutor(api.URL, time.Second))
	r := gin.New()
	r.GET("/api/v1/tools", RequireBearer(), NewToolsHandler(catalog).List)

	w := do(r, http.MethodGet, "/api/v1/tools", "user-tok", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"create_booking"`)
	mu.Lock()
	assert.Equal(t, "Bearer user-tok", auth)
	mu.Unlock()
	assert.True(t, catalog.Loaded())
}
