package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant/internal/config"
	"assistant/internal/model"
)

const testRooms = `[{"id":7,"name":"Skagen","capacity":8},{"id":"fp-b","name":"Focus Pod B","capacity":2}]`

type stubLiveness struct{ ok atomic.Bool }

func (s *stubLiveness) Available() bool { return s.ok.Load() }

type denyAll struct{}

func (denyAll) Has(string) bool { return false }

type captureAudit struct {
	rows chan *model.CommandLog
	err  error
}

func (a *captureAudit) LogCommand(_ context.Context, row *model.CommandLog) error {
	a.rows <- row
	return a.err
}

type orchestratorFixture struct {
	api   *fakeBookingAPI
	chat  *fakeChat
	live  *stubLiveness
	store *MemoryContextStore
	audit *captureAudit
	orch  *Orchestrator
}

func newOrchestratorFixture(t *testing.T, llmUp bool) *orchestratorFixture {
	t.Helper()

	api := newFakeBookingAPI(t)
	api.handle(http.MethodGet, "/resources/rooms", http.StatusOK, testRooms)

	f := &orchestratorFixture{
		api:   api,
		chat:  &fakeChat{},
		live:  &stubLiveness{},
		store: NewMemoryContextStore(10, 30*time.Minute, fixedClock),
		audit: &captureAudit{rows: make(chan *model.CommandLog, 16)},
	}
	f.live.ok.Store(llmUp)

	exec := NewExecutor(api.URL(), time.Second)
	f.orch = NewOrchestrator(OrchestratorDeps{
		Classifier: NewClassifier(fixedClock),
		Parser:     NewIntentParser(f.chat, fixedClock),
		Liveness:   f.live,
		Executor:   exec,
		Rooms:      NewRoomDirectory(exec, time.Minute),
		Store:      f.store,
		Formatter:  NewFormatter(nil, nil, false),
		Audit:      f.audit,
		LLMTimeout: 50 * time.Millisecond,
		Now:        fixedClock,
	})
	return f
}

func (f *orchestratorFixture) resolve(t *testing.T, text string) model.CommandResponse {
	t.Helper()
	return f.orch.Resolve(context.Background(), Command{Text: text, UserID: "u1", AuthToken: "tok"})
}

// toolRequests returns recorded requests other than the room directory refresh
func (f *orchestratorFixture) toolRequests() []recordedRequest {
	var out []recordedRequest
	for _, r := range f.api.Requests() {
		if r.Method == http.MethodGet && r.Path == "/resources/rooms" && r.Query == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

func TestOrchestrator_ClassifierPathSkipsModel(t *testing.T) {
	f := newOrchestratorFixture(t, true)

	resp := f.resolve(t, "rooms")

	assert.Equal(t, model.IntentRoomsQuery, resp.Action)
	assert.Equal(t, PathClassifier, resp.Path)
	assert.Zero(t, f.chat.Calls())
	require.NotNil(t, resp.ToolResult)
	assert.True(t, resp.ToolResult.Success)
	assert.Equal(t, "Rooms:\n- Skagen (8 people)\n- Focus Pod B (2 people)", resp.Response)
	assert.NotEmpty(t, resp.RequestID)

	entries, err := f.store.GetContext(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rooms", entries[0].Command)
	assert.Equal(t, model.IntentRoomsQuery, entries[0].Action)
	assert.Equal(t, SessionOwner("tok"), entries[0].Owner)

	select {
	case row := <-f.audit.rows:
		assert.Equal(t, resp.RequestID, row.RequestID)
		assert.Equal(t, "rooms_query", row.ResolvedAction)
		assert.Equal(t, PathClassifier, row.ResolutionPath)
	case <-time.After(time.Second):
		t.Fatal("audit row not written")
	}
}

func TestOrchestrator_FuzzyCorrectionFeedsDispatch(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.api.handle(http.MethodPost, "/tools/create_booking", http.StatusCreated,
		`{"id":"b-9","roomName":"Focus Pod B","startTime":"2025-01-16T14:00:00Z","endTime":"2025-01-16T15:00:00Z"}`)

	resp := f.resolve(t, "book focuss tomorrow at 2pm")

	require.Len(t, resp.Corrections, 1)
	assert.Equal(t, "focuss", resp.Corrections[0].Original)
	assert.Equal(t, "Focus Pod B", resp.Corrections[0].Corrected)
	assert.Equal(t, model.IntentBookingCreate, resp.Action)
	assert.Equal(t, PathClassifier, resp.Path)

	reqs := f.toolRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/tools/create_booking", reqs[0].Path)
	assert.Equal(t, "fp-b", reqs[0].Body["roomId"])
	assert.Equal(t, "2025-01-16T14:00:00Z", reqs[0].Body["startTime"])
	assert.Equal(t, "2025-01-16T15:00:00Z", reqs[0].Body["endTime"])

	assert.Equal(t, "Booked Focus Pod B for Thu 16 Jan 14:00-15:00.", resp.Response)
	assert.Equal(t, "b-9", resp.Params.BookingID)
}

func TestOrchestrator_LLMTimeoutFallsBack(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.chat.delay = 500 * time.Millisecond
	f.chat.reply = `{"action":"getRooms","params":{}}`

	start := time.Now()
	resp := f.resolve(t, "could you sort out my week")

	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, 1, f.chat.Calls())
	assert.Equal(t, PathFallback, resp.Path)
	assert.Equal(t, model.IntentLLMFallback, resp.Action)
	assert.Equal(t, fallbackReply, resp.Response)
	assert.Empty(t, f.toolRequests())
}

func TestOrchestrator_UnparsableReplyFallsBack(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.chat.reply = "Sorry, I am just a language model."

	resp := f.resolve(t, "book skagen")

	assert.Equal(t, PathFallback, resp.Path)
	assert.Equal(t, model.IntentNeedsMoreInfo, resp.Action)
	assert.Equal(t, "When would you like to book it?", resp.Response)
}

func TestOrchestrator_TransportErrorFallsBack(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.chat.err = errors.New("connection refused")

	resp := f.resolve(t, "could you sort out my week")
	assert.Equal(t, PathFallback, resp.Path)
	assert.NotEmpty(t, resp.Response)
}

func TestOrchestrator_ModelUnavailable(t *testing.T) {
	f := newOrchestratorFixture(t, false)

	resp := f.resolve(t, "book skagen")

	assert.Zero(t, f.chat.Calls())
	assert.Equal(t, PathNoLLM, resp.Path)
	assert.Equal(t, model.IntentNeedsMoreInfo, resp.Action)
	assert.Equal(t, "When would you like to book it?", resp.Response)
	assert.Empty(t, f.toolRequests())
}

func TestOrchestrator_LLMIntentDispatches(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.chat.reply = `{"action":"createBooking","params":{"roomName":"Skagen","startTime":"2025-01-17T09:00:00Z","title":"Retro"}}`
	f.api.handle(http.MethodPost, "/tools/create_booking", http.StatusCreated,
		`{"booking":{"id":31,"roomName":"Skagen","title":"Retro","startTime":"2025-01-17T09:00:00Z","endTime":"2025-01-17T10:00:00Z"}}`)
	f.api.handle(http.MethodPost, "/tools/cancel_booking", http.StatusOK, `{"ok":true}`)

	resp := f.resolve(t, "could you get skagen for the retro on friday morning")
	assert.Equal(t, PathLLM, resp.Path)
	assert.Equal(t, model.IntentBookingCreate, resp.Action)
	assert.Equal(t, "31", resp.Params.BookingID)
	assert.Equal(t, "7", resp.Params.RoomID)

	reqs := f.toolRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "7", reqs[0].Body["roomId"])
	assert.Equal(t, "Retro", reqs[0].Body["title"])
	assert.Equal(t, "2025-01-17T10:00:00Z", reqs[0].Body["endTime"])

	// undo cancels the booking created above
	resp = f.resolve(t, "undo")
	assert.Equal(t, model.IntentUndo, resp.Action)
	assert.Equal(t, PathClassifier, resp.Path)
	reqs = f.toolRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/tools/cancel_booking", reqs[1].Path)
	assert.Equal(t, "31", reqs[1].Body["bookingId"])
	assert.Equal(t, "Cancelled booking 31.", resp.Response)
}

func TestOrchestrator_UndoWithoutHistory(t *testing.T) {
	f := newOrchestratorFixture(t, false)

	resp := f.resolve(t, "undo")
	assert.Equal(t, model.IntentUndo, resp.Action)
	assert.Equal(t, nothingToUndo, resp.Response)
	assert.Nil(t, resp.ToolResult)
	assert.Empty(t, f.toolRequests())
}

func TestOrchestrator_EmbeddedToolCall(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.chat.reply = `Let me look. read_bookings({"filter": "today"}) and also read_rooms({})`
	f.api.handle(http.MethodGet, "/resources/bookings", http.StatusOK, `[]`)

	resp := f.resolve(t, "could you sort out my week")

	assert.Equal(t, PathLLMToolCall, resp.Path)
	assert.Equal(t, model.IntentBookingsQuery, resp.Action)
	assert.Equal(t, "You have no bookings.", resp.Response)

	reqs := f.toolRequests()
	require.Len(t, reqs, 1, "only the first call is dispatched")
	assert.Equal(t, "/resources/bookings", reqs[0].Path)
	assert.Equal(t, "filter=today", reqs[0].Query)
}

func TestOrchestrator_NeedsMoreInfoFromModel(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.chat.reply = `{"action":"needsMoreInfo","params":{},"response":"Which room do you want?"}`

	resp := f.resolve(t, "could you sort out my week")
	assert.Equal(t, PathLLM, resp.Path)
	assert.Equal(t, model.IntentNeedsMoreInfo, resp.Action)
	assert.Equal(t, "Which room do you want?", resp.Response)
	assert.Empty(t, f.toolRequests())
}

func TestOrchestrator_ToolFailureIsConversational(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.api.handle(http.MethodPost, "/tools/cancel_bookings", http.StatusInternalServerError, `{"error":"db down"}`)

	resp := f.resolve(t, "cancel all bookings")

	assert.Equal(t, model.IntentCancelAll, resp.Action)
	require.NotNil(t, resp.ToolResult)
	assert.False(t, resp.ToolResult.Success)
	assert.Equal(t, "Sorry, I couldn't cancel your bookings. Please try again or rephrase.", resp.Response)

	select {
	case row := <-f.audit.rows:
		assert.Contains(t, row.Error, "500")
	case <-time.After(time.Second):
		t.Fatal("audit row not written")
	}
}

func TestOrchestrator_UnknownToolIsNotDispatched(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.orch.catalog = denyAll{}

	resp := f.resolve(t, "my bookings")

	require.NotNil(t, resp.ToolResult)
	assert.False(t, resp.ToolResult.Success)
	assert.Empty(t, f.toolRequests())
}

func TestOrchestrator_GreetingNeedsNoTool(t *testing.T) {
	f := newOrchestratorFixture(t, true)

	resp := f.resolve(t, "Hello!")
	assert.Equal(t, model.IntentGreeting, resp.Action)
	assert.Equal(t, greetingReply, resp.Response)
	assert.Zero(t, f.chat.Calls())
	assert.Empty(t, f.toolRequests())
}

func TestOrchestrator_ResolveStreamEvents(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.api.handle(http.MethodGet, "/resources/bookings", http.StatusOK, `[]`)

	var events []string
	resp := f.orch.ResolveStream(context.Background(), Command{Text: "my bookings", UserID: "u1"}, func(ev Event) error {
		events = append(events, ev.Type)
		return nil
	})

	assert.Equal(t, []string{"intent", "result", "content"}, events)
	assert.Equal(t, "You have no bookings.", resp.Response)
}

func TestLastCreatedBooking(t *testing.T) {
	created := func(id string) model.ContextEntry {
		return model.ContextEntry{Action: model.IntentBookingCreate, Params: model.Entities{BookingID: id}}
	}
	tests := []struct {
		name    string
		history []model.ContextEntry
		want    string
	}{
		{name: "empty", want: ""},
		{
			name:    "latest create wins",
			history: []model.ContextEntry{created("1"), created("2"), {Action: model.IntentBookingCreate}, {Action: model.IntentRoomsQuery}},
			want:    "2",
		},
		{
			name:    "undone create is skipped",
			history: []model.ContextEntry{created("1"), created("2"), {Action: model.IntentUndo, Params: model.Entities{BookingID: "2"}}},
			want:    "1",
		},
		{
			name:    "cancelled create is skipped",
			history: []model.ContextEntry{created("1"), {Action: model.IntentCancelBooking, Params: model.Entities{BookingID: "1"}}},
			want:    "",
		},
		{
			name:    "failed undo does not count",
			history: []model.ContextEntry{created("1"), {Action: model.IntentUndo, Params: model.Entities{BookingID: "1"}, Failed: true}},
			want:    "1",
		},
		{
			name:    "cancel all ends the search",
			history: []model.ContextEntry{created("1"), {Action: model.IntentCancelAll, Params: model.Entities{Filter: "all"}}},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lastCreatedBooking(tt.history))
		})
	}
}

func TestOrchestrator_UndoTwiceCancelsOnce(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.api.handle(http.MethodPost, "/tools/create_booking", http.StatusCreated,
		`{"id":"b-1","roomName":"Skagen","startTime":"2025-01-16T14:00:00Z","endTime":"2025-01-16T15:00:00Z"}`)
	f.api.handle(http.MethodPost, "/tools/cancel_booking", http.StatusOK, `{"ok":true}`)

	resp := f.resolve(t, "book skagen tomorrow at 2pm")
	require.Equal(t, "b-1", resp.Params.BookingID)

	resp = f.resolve(t, "undo")
	assert.Equal(t, "Cancelled booking b-1.", resp.Response)

	resp = f.resolve(t, "undo")
	assert.Equal(t, model.IntentUndo, resp.Action)
	assert.Equal(t, nothingToUndo, resp.Response)
	assert.Nil(t, resp.ToolResult)

	var cancels int
	for _, r := range f.toolRequests() {
		if r.Path == "/tools/cancel_booking" {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)
}

func TestOrchestrator_UndoRetriesAfterFailedCancel(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.api.handle(http.MethodPost, "/tools/create_booking", http.StatusCreated,
		`{"id":"b-1","roomName":"Skagen","startTime":"2025-01-16T14:00:00Z","endTime":"2025-01-16T15:00:00Z"}`)
	f.api.handle(http.MethodPost, "/tools/cancel_booking", http.StatusBadGateway, `{"error":"upstream"}`)

	f.resolve(t, "book skagen tomorrow at 2pm")
	resp := f.resolve(t, "undo")
	require.NotNil(t, resp.ToolResult)
	assert.False(t, resp.ToolResult.Success)

	f.api.handle(http.MethodPost, "/tools/cancel_booking", http.StatusOK, `{"ok":true}`)
	resp = f.resolve(t, "undo")
	assert.Equal(t, "Cancelled booking b-1.", resp.Response)
}

func TestOrchestrator_CreatedReplyUsesResolvedRoomName(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.api.handle(http.MethodPost, "/tools/create_booking", http.StatusCreated,
		`{"id":"b-2","roomId":7,"startTime":"2025-01-16T14:00:00Z","endTime":"2025-01-16T15:00:00Z"}`)

	resp := f.resolve(t, "book skagen tomorrow at 2pm")

	assert.Equal(t, "Booked Skagen for Thu 16 Jan 14:00-15:00.", resp.Response)
}

// newStreamingChatServer fakes an OpenAI-compatible /chat/completions endpoint.
// Streaming requests get one SSE chunk per delta; abort cuts the stream after the first chunk.
func newStreamingChatServer(t *testing.T, deltas []string, abort bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !req.Stream {
			_, _ = fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, strings.Join(deltas, ""))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i, d := range deltas {
			_, _ = fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			flusher.Flush()
			if abort && i == 0 {
				panic(http.ErrAbortHandler)
			}
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func streamingFormatter(url string) *Formatter {
	llm := NewOpenAIClient(&config.OpenAIConfig{APIBase: url, ChatModel: "test"}, 2*time.Second)
	return NewFormatter(llm, func() bool { return true }, true)
}

func TestOrchestrator_StreamsProseRewrite(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.api.handle(http.MethodGet, "/resources/bookings", http.StatusOK, `[]`)
	srv := newStreamingChatServer(t, []string{"Nothing ", "booked ", "yet."}, false)
	f.orch.formatter = streamingFormatter(srv.URL)

	var (
		types   []string
		content []string
	)
	resp := f.orch.ResolveStream(context.Background(), Command{Text: "my bookings", UserID: "u1"}, func(ev Event) error {
		types = append(types, ev.Type)
		if ev.Type == "content" {
			content = append(content, ev.Data.(string))
		}
		return nil
	})

	assert.Equal(t, []string{"intent", "result", "content", "content", "content"}, types)
	assert.Equal(t, []string{"Nothing ", "booked ", "yet."}, content)
	assert.Equal(t, "Nothing booked yet.", resp.Response)

	// the non-streaming entry point gets the same rewrite in one piece
	resp = f.resolve(t, "my bookings")
	assert.Equal(t, "Nothing booked yet.", resp.Response)
}

func TestOrchestrator_BrokenRewriteStreamIsReplaced(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.api.handle(http.MethodGet, "/resources/bookings", http.StatusOK, `[]`)
	srv := newStreamingChatServer(t, []string{"Nothing ", "booked ", "yet."}, true)
	f.orch.formatter = streamingFormatter(srv.URL)

	var events []Event
	resp := f.orch.ResolveStream(context.Background(), Command{Text: "my bookings", UserID: "u1"}, func(ev Event) error {
		events = append(events, ev)
		return nil
	})

	require.Len(t, events, 4)
	assert.Equal(t, "content", events[2].Type)
	assert.Equal(t, "Nothing ", events[2].Data)
	assert.Equal(t, "replace", events[3].Type)
	assert.Equal(t, "You have no bookings.", events[3].Data)
	assert.Equal(t, "You have no bookings.", resp.Response)
}
