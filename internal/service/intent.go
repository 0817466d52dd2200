package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"assistant/internal/logger"
	"assistant/internal/model"
	"assistant/internal/utils"
)

const (
	defaultNeedsInfoReply = "Could you tell me a bit more, for example which room and what time?"
	defaultUnknownReply   = "Sorry, I didn't understand that. I can list rooms, show your bookings, check availability, and book or cancel rooms."
)

var parseTemperature = 0.1

// actionIntents maps the model's action vocabulary onto intent types
var actionIntents = map[string]model.IntentType{
	"greeting":          model.IntentGreeting,
	"getrooms":          model.IntentRoomsQuery,
	"getbookings":       model.IntentBookingsQuery,
	"checkavailability": model.IntentAvailabilityCheck,
	"createbooking":     model.IntentBookingCreate,
	"cancelbooking":     model.IntentCancelBooking,
	"cancelallbookings": model.IntentCancelAll,
	"undo":              model.IntentUndo,
	"needsmoreinfo":     model.IntentNeedsMoreInfo,
	"unknown":           model.IntentUnknown,
}

// LLMResult is the outcome of one model parse
type LLMResult struct {
	Intent    model.Intent
	ToolCalls []model.ToolCall // Set when the reply held embedded tool calls instead of an intent object
	Raw       string
	Unparsed  bool // Reply held neither; Intent is unknown with Raw as response
}

// llmReply is the JSON object the model is instructed to return
type llmReply struct {
	Action   string         `json:"action"`
	Params   map[string]any `json:"params"`
	Response string         `json:"response"`
}

// IntentParser resolves commands through a language model
type IntentParser struct {
	llm ChatClient
	now func() time.Time
}

// NewIntentParser creates a parser. A nil client makes every parse fail with ErrLLMUnavailable.
func NewIntentParser(llm ChatClient, now func() time.Time) *IntentParser {
	if now == nil {
		now = time.Now
	}
	return &IntentParser{llm: llm, now: now}
}

// ParseIntent sends one completion request and parses the reply.
// Transport failures are returned as errors; a reply that cannot be understood is not an error.
func (p *IntentParser) ParseIntent(ctx context.Context, command, userID string, loc *time.Location, history []model.ContextEntry) (LLMResult, error) {
	if p.llm == nil {
		return LLMResult{}, ErrLLMUnavailable
	}
	if loc == nil {
		loc = time.UTC
	}

	messages := buildIntentPrompt(command, userID, p.now(), loc, history)
	raw, err := p.llm.Chat(ctx, messages, ChatOptions{JSONMode: true, Temperature: &parseTemperature})
	if err != nil {
		llmParseTotal.WithLabelValues("error").Inc()
		return LLMResult{}, fmt.Errorf("%s chat: %w", p.llm.Name(), err)
	}
	if strings.TrimSpace(raw) == "" {
		llmParseTotal.WithLabelValues("error").Inc()
		return LLMResult{}, ErrEmptyCompletion
	}

	logger.Debug().Str("user_id", userID).Str("raw", truncate(raw, 500)).Msg("Model reply")

	result := parseReply(raw, loc)
	switch {
	case result.Unparsed:
		llmParseTotal.WithLabelValues("unparsable").Inc()
	case len(result.ToolCalls) > 0:
		llmParseTotal.WithLabelValues("tool_call").Inc()
	default:
		llmParseTotal.WithLabelValues("ok").Inc()
	}
	return result, nil
}

// parseReply turns model text into an intent, embedded tool calls, or an unparsed unknown intent
func parseReply(raw string, loc *time.Location) LLMResult {
	result := LLMResult{Raw: raw}

	var reply llmReply
	err := json.Unmarshal([]byte(utils.StripCodeFence(raw)), &reply)
	if err != nil || reply.Action == "" {
		reply = llmReply{}
		err = utils.ParseAIJSON(raw, &reply)
	}
	if err == nil && reply.Action != "" {
		if intent, ok := replyIntent(reply, loc); ok {
			result.Intent = intent
			return result
		}
		logger.Warn().Str("action", reply.Action).Msg("Model returned an unknown action")
	}

	calls, errs := utils.ExtractToolCalls(raw)
	for _, e := range errs {
		droppedToolCalls.Inc()
		logger.Warn().Err(e).Msg("Dropped malformed tool call from model reply")
	}
	if len(calls) > 0 {
		result.ToolCalls = calls
		result.Intent = model.Intent{Type: model.IntentUnknown, Source: model.SourceLLM, RawAction: calls[0].Name}
		return result
	}

	result.Unparsed = true
	result.Intent = model.Intent{
		Type:     model.IntentUnknown,
		Response: strings.TrimSpace(raw),
		Source:   model.SourceLLM,
	}
	return result
}

func replyIntent(reply llmReply, loc *time.Location) (model.Intent, bool) {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(reply.Action))
	typ, ok := actionIntents[key]
	if !ok {
		typ, ok = intentTypeByName(reply.Action)
	}
	if !ok {
		return model.Intent{}, false
	}

	intent := model.Intent{
		Type:      typ,
		Entities:  entitiesFromParams(reply.Params, loc),
		Response:  strings.TrimSpace(reply.Response),
		Source:    model.SourceLLM,
		RawAction: reply.Action,
	}

	if intent.Response == "" {
		switch typ {
		case model.IntentNeedsMoreInfo:
			intent.Response = defaultNeedsInfoReply
		case model.IntentUnknown:
			intent.Response = defaultUnknownReply
		}
	}

	if typ == model.IntentBookingCreate && intent.Entities.StartTime != nil && intent.Entities.EndTime == nil {
		minutes := defaultBookingMinutes
		if intent.Entities.Duration != nil && *intent.Entities.Duration > 0 {
			minutes = *intent.Entities.Duration
		}
		end := intent.Entities.StartTime.Add(time.Duration(minutes) * time.Minute)
		intent.Entities.EndTime = &end
	}
	return intent, true
}

// intentTypeByName accepts intent type names such as "rooms_query" directly
func intentTypeByName(name string) (model.IntentType, bool) {
	t := model.IntentType(strings.ToLower(strings.TrimSpace(name)))
	switch t {
	case model.IntentGreeting, model.IntentRoomsQuery, model.IntentBookingsQuery, model.IntentAvailabilityCheck,
		model.IntentBookingCreate, model.IntentCancelBooking, model.IntentCancelAll, model.IntentUndo,
		model.IntentNeedsMoreInfo, model.IntentUnknown:
		return t, true
	}
	return "", false
}

func entitiesFromParams(params map[string]any, loc *time.Location) model.Entities {
	var e model.Entities
	if len(params) == 0 {
		return e
	}

	e.RoomName = stringParam(params, "roomName", "room")
	e.RoomID = stringParam(params, "roomId")
	e.Title = stringParam(params, "title")
	e.BookingID = stringParam(params, "bookingId", "id")
	e.Filter = stringParam(params, "filter")
	e.Location = stringParam(params, "location")
	e.StartTime = timeParam(params, "startTime", loc)
	e.EndTime = timeParam(params, "endTime", loc)
	e.Duration = intParam(params, "duration")
	e.Capacity = intParam(params, "capacity")

	switch v := params["amenities"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				e.Amenities = append(e.Amenities, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				e.Amenities = append(e.Amenities, s)
			}
		}
	}
	return e
}

func stringParam(params map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := params[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func intParam(params map[string]any, key string) *int {
	var n int
	switch v := params[key].(type) {
	case float64:
		n = int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	return &n
}

// timeParam reads an RFC 3339 timestamp. Values without a zone are read in loc.
func timeParam(params map[string]any, key string, loc *time.Location) *time.Time {
	s, ok := params[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	s = strings.TrimSpace(s)

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
