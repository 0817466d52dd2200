package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"assistant/internal/logger"
	"assistant/internal/model"
	"assistant/internal/utils"
)

const (
	greetingReply = "Hi! I can list rooms, show your bookings, check availability, and book or cancel rooms. What would you like to do?"
	fallbackReply = `I'm not sure what you mean. Try "show rooms", "my bookings" or "book Skagen tomorrow at 10".`
	nothingToUndo = "There is nothing to undo."
	auditTimeout  = 5 * time.Second
)

// IntentResolver parses a command through the language model
type IntentResolver interface {
	ParseIntent(ctx context.Context, command, userID string, loc *time.Location, history []model.ContextEntry) (LLMResult, error)
}

// Availability reports whether the language model may be called
type Availability interface {
	Available() bool
}

// ToolFilter validates dispatch targets
type ToolFilter interface {
	Has(name string) bool
}

// AuditSink persists resolved commands
type AuditSink interface {
	LogCommand(ctx context.Context, entry *model.CommandLog) error
}

// Command is one incoming request to resolve
type Command struct {
	Text      string
	UserID    string
	Timezone  string
	AuthToken string
}

// Event is a progress notification emitted while resolving
type Event struct {
	Type string
	Data any
}

// EmitFunc receives resolution events. Errors are logged and otherwise ignored.
type EmitFunc func(Event) error

// OrchestratorDeps wires an Orchestrator. Parser, Liveness, Rooms, Catalog and Audit are optional.
type OrchestratorDeps struct {
	Classifier *Classifier
	Parser     IntentResolver
	Liveness   Availability
	Executor   ToolExecutor
	Rooms      RoomSource
	Catalog    ToolFilter
	Store      ContextStore
	Formatter  *Formatter
	Audit      AuditSink
	LLMTimeout time.Duration
	Now        func() time.Time
}

// Orchestrator runs the per-command state machine:
//
//	classify -> [llm parse] -> dispatch | reply -> record -> done
//
// At most one model call and one tool call happen per command.
type Orchestrator struct {
	classifier *Classifier
	parser     IntentResolver
	liveness   Availability
	executor   ToolExecutor
	rooms      RoomSource
	catalog    ToolFilter
	store      ContextStore
	formatter  *Formatter
	audit      AuditSink
	llmTimeout time.Duration
	now        func() time.Time
}

// NewOrchestrator creates an orchestrator from deps
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = NewClassifier(now)
	}
	formatter := deps.Formatter
	if formatter == nil {
		formatter = NewFormatter(nil, nil, false)
	}
	return &Orchestrator{
		classifier: classifier,
		parser:     deps.Parser,
		liveness:   deps.Liveness,
		executor:   deps.Executor,
		rooms:      deps.Rooms,
		catalog:    deps.Catalog,
		store:      deps.Store,
		formatter:  formatter,
		audit:      deps.Audit,
		llmTimeout: deps.LLMTimeout,
		now:        now,
	}
}

type state int

const (
	stateClassify state = iota
	stateLLMParse
	stateDispatch
	stateReply
	stateRecord
	stateDone
)

func (s state) String() string {
	switch s {
	case stateClassify:
		return "classify"
	case stateLLMParse:
		return "llm_parse"
	case stateDispatch:
		return "dispatch"
	case stateReply:
		return "reply"
	case stateRecord:
		return "record"
	case stateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// resolution carries one command through the state machine
type resolution struct {
	cmd       Command
	requestID string
	started   time.Time
	loc       *time.Location
	emit      EmitFunc

	text        string
	corrections []model.Replacement
	history     []model.ContextEntry

	classified model.Intent
	intent     model.Intent
	path       string

	call     *model.ToolCall
	result   *model.ToolResult
	response string
	diag     string
}

// Resolve turns one command into a reply. It never returns an error: every failure becomes reply text.
func (o *Orchestrator) Resolve(ctx context.Context, cmd Command) model.CommandResponse {
	return o.ResolveStream(ctx, cmd, nil)
}

// ResolveStream is Resolve with progress events: intent, result (when a tool ran) and content.
func (o *Orchestrator) ResolveStream(ctx context.Context, cmd Command, emit EmitFunc) model.CommandResponse {
	r := &resolution{
		cmd:       cmd,
		requestID: uuid.NewString(),
		started:   o.now(),
		loc:       loadLocation(cmd.Timezone),
		emit:      emit,
		text:      cmd.Text,
	}

	for s := stateClassify; s != stateDone; {
		next := o.step(ctx, r, s)
		logger.Debug().
			Str("request_id", r.requestID).
			Stringer("from", s).
			Stringer("to", next).
			Msg("Resolution transition")
		s = next
	}

	resp := model.CommandResponse{
		RequestID:   r.requestID,
		Response:    r.response,
		Action:      r.intent.Type,
		Params:      r.intent.Entities,
		Path:        r.path,
		ToolResult:  r.result,
		Corrections: r.corrections,
		DurationMs:  o.now().Sub(r.started).Milliseconds(),
	}
	return resp
}

func (o *Orchestrator) step(ctx context.Context, r *resolution, s state) state {
	switch s {
	case stateClassify:
		return o.classify(ctx, r)
	case stateLLMParse:
		return o.llmParse(ctx, r)
	case stateDispatch:
		return o.dispatch(ctx, r)
	case stateReply:
		return o.reply(r)
	case stateRecord:
		return o.record(ctx, r)
	}
	return stateDone
}

func (o *Orchestrator) classify(ctx context.Context, r *resolution) state {
	if o.store != nil {
		history, err := o.store.GetContext(ctx, r.cmd.UserID)
		if err != nil {
			logger.Warn().Err(err).Str("user_id", r.cmd.UserID).Msg("Failed to load session context")
		}
		r.history = history
	}

	var rooms []string
	if o.rooms != nil {
		rooms = o.rooms.Names(ctx, r.cmd.AuthToken)
	}
	if len(rooms) > 0 {
		correction := utils.FuzzyReplaceRoomNames(r.cmd.Text, rooms)
		if len(correction.Replacements) > 0 {
			r.text = correction.CorrectedText
			r.corrections = correction.Replacements
			logger.Debug().
				Str("original", r.cmd.Text).
				Str("corrected", r.text).
				Str("level", string(correction.ConfidenceLevel)).
				Msg("Corrected room names")
		}
	}

	r.classified = o.classifier.ClassifyIn(r.text, r.loc, rooms)

	switch {
	case HasHighConfidence(r.classified):
		r.intent, r.path = r.classified, PathClassifier
		return stateDispatch
	case ShouldUseLLM(r.classified) && o.llmAvailable():
		return stateLLMParse
	case ShouldUseLLM(r.classified):
		r.intent, r.path = r.classified, PathNoLLM
		return stateDispatch
	default:
		r.intent, r.path = r.classified, PathClassifier
		return stateDispatch
	}
}

// llmParse consults the model. Every failure takes the single fallback edge to the classifier intent.
func (o *Orchestrator) llmParse(ctx context.Context, r *resolution) state {
	lctx := ctx
	if o.llmTimeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, o.llmTimeout)
		defer cancel()
	}

	res, err := o.parser.ParseIntent(lctx, r.text, r.cmd.UserID, r.loc, r.history)
	if err == nil && res.Unparsed {
		err = ErrUnparsableIntent
	}
	if err != nil {
		logger.Warn().
			Err(err).
			Str("user_id", r.cmd.UserID).
			Str("request_id", r.requestID).
			Msg("Language model parse failed, falling back to classifier")
		r.intent, r.path, r.diag = r.classified, PathFallback, err.Error()
		return stateDispatch
	}

	if len(res.ToolCalls) == 0 {
		r.intent, r.path = res.Intent, PathLLM
		return stateDispatch
	}

	if extra := len(res.ToolCalls) - 1; extra > 0 {
		droppedToolCalls.Add(float64(extra))
		logger.Warn().Int("dropped", extra).Str("request_id", r.requestID).Msg("Model reply held several tool calls, dispatching the first")
	}
	call := res.ToolCalls[0]
	r.path = PathLLMToolCall

	// Calls named after a model action are resolved like an intent reply
	if intent, ok := replyIntent(llmReply{Action: call.Name, Params: call.Arguments}, r.loc); ok {
		r.intent = intent
		return stateDispatch
	}

	r.intent = model.Intent{Type: intentForTool(call.Name), Source: model.SourceLLM, RawAction: call.Name}
	r.call = &call
	return stateDispatch
}

func (o *Orchestrator) dispatch(ctx context.Context, r *resolution) state {
	o.emitEvent(r, Event{Type: "intent", Data: map[string]any{
		"action":      r.intent.Type,
		"params":      r.intent.Entities,
		"path":        r.path,
		"corrections": r.corrections,
	}})

	if r.call == nil {
		if r.intent.Type.RequiresReply() {
			return stateReply
		}
		call, question := o.toolCallFor(ctx, r)
		if call == nil {
			r.intent.Response = question
			if r.intent.Type != model.IntentUndo {
				r.intent.Type = model.IntentNeedsMoreInfo
			}
			return stateReply
		}
		r.call = call
	}

	var res model.ToolResult
	if o.catalog != nil && !o.catalog.Has(r.call.Name) {
		res = model.ToolResult{ToolName: r.call.Name, Error: fmt.Sprintf("unknown tool %q", r.call.Name)}
		logger.Warn().Str("tool", r.call.Name).Str("request_id", r.requestID).Msg("Refusing to dispatch unknown tool")
	} else {
		res = o.executor.Execute(ctx, *r.call, r.cmd.AuthToken)
	}
	r.result = &res
	o.emitEvent(r, Event{Type: "result", Data: res})

	if !res.Success {
		r.diag = res.Error
	} else if r.call.Name == model.ToolCreateBooking {
		if bk, err := decodeBooking(res.Result); err == nil && bk.ID != "" {
			r.intent.Entities.BookingID = bk.ID.String()
		}
	}

	r.response = o.formatter.FormatFor(*r.call, res, r.loc, r.intent.Entities)
	if !res.Success {
		o.emitEvent(r, Event{Type: "content", Data: r.response})
		return stateRecord
	}
	if r.emit == nil {
		r.response = o.formatter.Polish(ctx, r.cmd.Text, r.response)
		return stateRecord
	}

	var sent strings.Builder
	polished, streamed := o.formatter.PolishStream(ctx, r.cmd.Text, r.response, func(delta string) {
		sent.WriteString(delta)
		o.emitEvent(r, Event{Type: "content", Data: delta})
	})
	r.response = polished
	switch {
	case !streamed:
		o.emitEvent(r, Event{Type: "content", Data: r.response})
	case strings.TrimSpace(sent.String()) != r.response:
		// the rewrite broke off midway; clients swap the partial text for the final reply
		o.emitEvent(r, Event{Type: "replace", Data: r.response})
	}
	return stateRecord
}

func (o *Orchestrator) reply(r *resolution) state {
	r.response = r.intent.Response
	if r.response == "" {
		switch r.intent.Type {
		case model.IntentGreeting:
			r.response = greetingReply
		case model.IntentNeedsMoreInfo:
			r.response = defaultNeedsInfoReply
		case model.IntentUnknown:
			r.response = defaultUnknownReply
		default:
			r.response = fallbackReply
		}
		r.intent.Response = r.response
	}
	o.emitEvent(r, Event{Type: "content", Data: r.response})
	return stateRecord
}

func (o *Orchestrator) record(ctx context.Context, r *resolution) state {
	resolveTotal.WithLabelValues(r.path).Inc()

	if o.store != nil {
		entry := model.ContextEntry{
			Timestamp: o.now(),
			Command:   r.cmd.Text,
			Action:    r.intent.Type,
			Params:    r.intent.Entities,
			Response:  r.response,
			Failed:    r.result != nil && !r.result.Success,
			Owner:     SessionOwner(r.cmd.AuthToken),
		}
		if err := o.store.AddToContext(ctx, r.cmd.UserID, entry); err != nil {
			logger.Warn().Err(err).Str("user_id", r.cmd.UserID).Msg("Failed to record session context")
		}
	}

	if o.audit != nil {
		params, _ := json.Marshal(r.intent.Entities)
		row := &model.CommandLog{
			RequestID:      r.requestID,
			CreatedAt:      r.started.UTC(),
			UserID:         r.cmd.UserID,
			Command:        r.cmd.Text,
			ResolvedAction: string(r.intent.Type),
			ResolvedParams: params,
			ResolutionPath: r.path,
			Response:       r.response,
			Error:          r.diag,
			DurationMs:     o.now().Sub(r.started).Milliseconds(),
		}
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), auditTimeout)
			defer cancel()
			if err := o.audit.LogCommand(actx, row); err != nil {
				logger.Warn().Err(err).Str("request_id", row.RequestID).Msg("Failed to write audit row")
			}
		}()
	}

	logger.Info().
		Str("request_id", r.requestID).
		Str("user_id", r.cmd.UserID).
		Str("action", string(r.intent.Type)).
		Str("path", r.path).
		Str("diag", r.diag).
		Msg("Command resolved")
	return stateDone
}

// toolCallFor maps an intent onto its tool call. A nil call comes with the question to ask instead.
func (o *Orchestrator) toolCallFor(ctx context.Context, r *resolution) (*model.ToolCall, string) {
	e := r.intent.Entities
	args := map[string]any{}

	switch r.intent.Type {
	case model.IntentRoomsQuery:
		setIf(args, "location", e.Location)
		if e.Capacity != nil {
			args["capacity"] = *e.Capacity
		}
		if len(e.Amenities) > 0 {
			args["amenities"] = e.Amenities
		}
		return &model.ToolCall{Name: model.ToolReadRooms, Arguments: args}, ""

	case model.IntentBookingsQuery:
		setIf(args, "filter", e.Filter)
		return &model.ToolCall{Name: model.ToolReadBookings, Arguments: args}, ""

	case model.IntentAvailabilityCheck:
		if id := o.roomID(ctx, r, e); id != "" {
			args["roomId"] = id
		} else {
			setIf(args, "roomName", e.RoomName)
		}
		setTime(args, "startTime", e.StartTime)
		setTime(args, "endTime", e.EndTime)
		return &model.ToolCall{Name: model.ToolReadAvailability, Arguments: args}, ""

	case model.IntentBookingCreate:
		if e.RoomName == "" && e.RoomID == "" {
			return nil, "Which room would you like to book?"
		}
		if e.StartTime == nil {
			return nil, "When would you like to book it?"
		}
		id := o.roomID(ctx, r, e)
		if id == "" && o.rooms != nil {
			return nil, fmt.Sprintf("I couldn't find a room called %q. Which room do you mean?", e.RoomName)
		}
		if id != "" {
			args["roomId"] = id
		} else {
			args["roomName"] = e.RoomName
		}
		end := e.EndTime
		if end == nil {
			minutes := defaultBookingMinutes
			if e.Duration != nil && *e.Duration > 0 {
				minutes = *e.Duration
			}
			t := e.StartTime.Add(time.Duration(minutes) * time.Minute)
			end = &t
		}
		setTime(args, "startTime", e.StartTime)
		setTime(args, "endTime", end)
		setIf(args, "title", e.Title)
		return &model.ToolCall{Name: model.ToolCreateBooking, Arguments: args}, ""

	case model.IntentCancelBooking:
		if e.BookingID == "" {
			return nil, "Which booking should I cancel? You can say \"my bookings\" to see their numbers."
		}
		args["bookingId"] = e.BookingID
		return &model.ToolCall{Name: model.ToolCancelBooking, Arguments: args}, ""

	case model.IntentCancelAll:
		filter := e.Filter
		if filter == "" {
			filter = "all"
		}
		args["filter"] = filter
		return &model.ToolCall{Name: model.ToolCancelBookings, Arguments: args}, ""

	case model.IntentUndo:
		id := lastCreatedBooking(r.history)
		if id == "" {
			return nil, nothingToUndo
		}
		r.intent.Entities.BookingID = id
		args["bookingId"] = id
		return &model.ToolCall{Name: model.ToolCancelBooking, Arguments: args}, ""
	}

	return nil, defaultNeedsInfoReply
}

func (o *Orchestrator) roomID(ctx context.Context, r *resolution, e model.Entities) string {
	if e.RoomID != "" {
		return e.RoomID
	}
	if e.RoomName == "" || o.rooms == nil {
		return ""
	}
	room, ok := o.rooms.Lookup(ctx, r.cmd.AuthToken, e.RoomName)
	if !ok {
		return ""
	}
	r.intent.Entities.RoomID = room.ID.String()
	r.intent.Entities.RoomName = room.Name
	return room.ID.String()
}

func (o *Orchestrator) llmAvailable() bool {
	return o.parser != nil && o.liveness != nil && o.liveness.Available()
}

func (o *Orchestrator) emitEvent(r *resolution, ev Event) {
	if r.emit == nil {
		return
	}
	if err := r.emit(ev); err != nil {
		logger.Debug().Err(err).Str("event", ev.Type).Msg("Failed to emit event")
	}
}

// lastCreatedBooking returns the booking id of the most recent successful create that no later
// undo or cancel has already removed. A later cancel-all leaves nothing to undo.
func lastCreatedBooking(history []model.ContextEntry) string {
	cancelled := map[string]bool{}
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		if e.Failed {
			continue
		}
		switch e.Action {
		case model.IntentUndo, model.IntentCancelBooking:
			if e.Params.BookingID != "" {
				cancelled[e.Params.BookingID] = true
			}
		case model.IntentCancelAll:
			return ""
		case model.IntentBookingCreate:
			if id := e.Params.BookingID; id != "" && !cancelled[id] {
				return id
			}
		}
	}
	return ""
}

func intentForTool(name string) model.IntentType {
	switch name {
	case model.ToolReadRooms:
		return model.IntentRoomsQuery
	case model.ToolReadBookings:
		return model.IntentBookingsQuery
	case model.ToolReadAvailability:
		return model.IntentAvailabilityCheck
	case model.ToolCreateBooking:
		return model.IntentBookingCreate
	case model.ToolCancelBooking:
		return model.IntentCancelBooking
	case model.ToolCancelBookings:
		return model.IntentCancelAll
	}
	return model.IntentUnknown
}

func loadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Debug().Str("timezone", name).Msg("Unknown timezone, using UTC")
		return time.UTC
	}
	return loc
}

func setIf(args map[string]any, key, value string) {
	if value != "" {
		args[key] = value
	}
}

func setTime(args map[string]any, key string, t *time.Time) {
	if t != nil {
		args[key] = t.UTC().Format(time.RFC3339)
	}
}
