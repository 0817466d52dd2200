package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"assistant/internal/logger"
	"assistant/internal/model"
)

const timeLayout = "Mon 2 Jan 15:04"

var failureVerbs = map[string]string{
	model.ToolReadRooms:        "fetch the rooms",
	model.ToolReadBookings:     "fetch your bookings",
	model.ToolReadAvailability: "check availability",
	model.ToolReadLocations:    "fetch the locations",
	model.ToolCreateBooking:    "create the booking",
	model.ToolCancelBooking:    "cancel that booking",
	model.ToolCancelBookings:   "cancel your bookings",
}

// Formatter turns tool results into reply text
type Formatter struct {
	llm       ChatClient
	available func() bool
	prose     bool
}

// NewFormatter creates a formatter. With prose set and a live llm, replies are rewritten by the model.
func NewFormatter(llm ChatClient, available func() bool, prose bool) *Formatter {
	if available == nil {
		available = func() bool { return llm != nil }
	}
	return &Formatter{llm: llm, available: available, prose: prose}
}

// Format renders res deterministically with times in loc
func (f *Formatter) Format(call model.ToolCall, res model.ToolResult, loc *time.Location) string {
	return f.FormatFor(call, res, loc, model.Entities{})
}

// FormatFor is Format with the entities resolved for the command. They fill in what the
// API payload leaves out, such as the room name of a created booking.
func (f *Formatter) FormatFor(call model.ToolCall, res model.ToolResult, loc *time.Location, resolved model.Entities) string {
	if loc == nil {
		loc = time.UTC
	}
	if !res.Success {
		return failureText(call.Name)
	}

	var (
		text string
		err  error
	)
	switch call.Name {
	case model.ToolReadRooms:
		text, err = formatRooms(res.Result)
	case model.ToolReadBookings:
		text, err = formatBookings(res.Result, loc)
	case model.ToolReadAvailability:
		text, err = formatAvailability(call, res.Result, loc)
	case model.ToolCreateBooking:
		text, err = formatCreated(res.Result, loc, resolved.RoomName)
	case model.ToolCancelBooking:
		text = formatCancelled(call)
	case model.ToolCancelBookings:
		text = formatCancelledMany(res.Result)
	default:
		text = genericResult(res.Result)
	}
	if err != nil {
		logger.Warn().Err(err).Str("tool", call.Name).Msg("Unexpected tool payload, using generic rendering")
		return genericResult(res.Result)
	}
	return text
}

// Polish optionally rewrites text into prose. Any model failure keeps text unchanged.
func (f *Formatter) Polish(ctx context.Context, command, text string) string {
	out, _ := f.PolishStream(ctx, command, text, nil)
	return out
}

// PolishStream is Polish that hands each delta of the rewrite to onDelta when the model can stream.
// streamed reports whether onDelta saw any text. A failure after that still returns the original text.
func (f *Formatter) PolishStream(ctx context.Context, command, text string, onDelta func(string)) (out string, streamed bool) {
	if !f.prose || f.llm == nil || !f.available() || text == "" {
		return text, false
	}

	messages := []model.ChatMessage{
		{Role: "system", Content: "Rewrite the assistant reply below as a short, friendly answer to the user's request. Keep every room name, time and number exactly as given. Do not add facts. Reply with the text only."},
		{Role: "user", Content: fmt.Sprintf("Request: %s\n\nReply:\n%s", command, text)},
	}

	var err error
	if sc, ok := f.llm.(StreamingChatClient); ok && onDelta != nil {
		out, err = sc.ChatStream(ctx, messages, ChatOptions{}, func(chunk *StreamChunk) error {
			if chunk.Content != "" {
				streamed = true
				onDelta(chunk.Content)
			}
			return nil
		})
	} else {
		out, err = f.llm.Chat(ctx, messages, ChatOptions{})
	}
	if err != nil {
		logger.Debug().Err(err).Bool("streamed", streamed).Msg("Prose rewrite failed, keeping formatted reply")
		return text, streamed
	}
	if out = strings.TrimSpace(out); out == "" {
		return text, streamed
	}
	return out, streamed
}

func failureText(tool string) string {
	verb, ok := failureVerbs[tool]
	if !ok {
		verb = "complete that request"
	}
	return fmt.Sprintf("Sorry, I couldn't %s. Please try again or rephrase.", verb)
}

func formatRooms(raw json.RawMessage) (string, error) {
	var rooms []model.Room
	if err := decodeList(raw, &rooms, "rooms", "data"); err != nil {
		return "", err
	}
	if len(rooms) == 0 {
		return "No rooms matched.", nil
	}

	var b strings.Builder
	b.WriteString("Rooms:")
	for _, r := range rooms {
		b.WriteString("\n- ")
		b.WriteString(r.Name)
		var details []string
		if r.Capacity > 0 {
			details = append(details, fmt.Sprintf("%d people", r.Capacity))
		}
		if r.Location != "" {
			details = append(details, r.Location)
		}
		if len(r.Features) > 0 {
			details = append(details, strings.Join(r.Features, ", "))
		}
		if len(details) > 0 {
			b.WriteString(" (" + strings.Join(details, "; ") + ")")
		}
	}
	return b.String(), nil
}

func formatBookings(raw json.RawMessage, loc *time.Location) (string, error) {
	var bookings []model.Booking
	if err := decodeList(raw, &bookings, "bookings", "data"); err != nil {
		return "", err
	}
	if len(bookings) == 0 {
		return "You have no bookings.", nil
	}

	var b strings.Builder
	b.WriteString("Your bookings:")
	for _, bk := range bookings {
		b.WriteString("\n- ")
		b.WriteString(bookingLine(bk, loc))
	}
	return b.String(), nil
}

func formatAvailability(call model.ToolCall, raw json.RawMessage, loc *time.Location) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty availability payload")
	}

	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var rooms []model.Room
		if err := json.Unmarshal(raw, &rooms); err != nil {
			return "", err
		}
		if len(rooms) == 0 {
			return "No rooms are free then.", nil
		}
		names := make([]string, 0, len(rooms))
		for _, r := range rooms {
			names = append(names, r.Name)
		}
		return "Free rooms: " + strings.Join(names, ", ") + ".", nil
	}

	var payload struct {
		Available *bool           `json:"available"`
		Room      string          `json:"roomName"`
		Conflicts []model.Booking `json:"conflicts"`
		Rooms     []model.Room    `json:"rooms"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}

	room := payload.Room
	if room == "" {
		if v, ok := call.Arguments["roomName"].(string); ok && v != "" {
			room = v
		} else {
			room = "The room"
		}
	}

	switch {
	case payload.Available != nil && *payload.Available:
		return room + " is available.", nil
	case payload.Available != nil:
		if len(payload.Conflicts) == 0 {
			return room + " is not available then.", nil
		}
		lines := []string{room + " is booked:"}
		for _, c := range payload.Conflicts {
			lines = append(lines, "- "+timeRange(c.StartTime, c.EndTime, loc))
		}
		return strings.Join(lines, "\n"), nil
	case payload.Rooms != nil:
		if len(payload.Rooms) == 0 {
			return "No rooms are free then.", nil
		}
		names := make([]string, 0, len(payload.Rooms))
		for _, r := range payload.Rooms {
			names = append(names, r.Name)
		}
		return "Free rooms: " + strings.Join(names, ", ") + ".", nil
	}
	return "", fmt.Errorf("availability payload has no known fields")
}

func formatCreated(raw json.RawMessage, loc *time.Location, roomName string) (string, error) {
	bk, err := decodeBooking(raw)
	if err != nil {
		return "", err
	}
	if bk.RoomName == "" && (bk.Room == nil || bk.Room.Name == "") {
		bk.RoomName = roomName
	}
	text := fmt.Sprintf("Booked %s for %s.", bk.DisplayRoom(), timeRange(bk.StartTime, bk.EndTime, loc))
	if bk.Title != "" {
		text = fmt.Sprintf("Booked %s for %s (%s).", bk.DisplayRoom(), timeRange(bk.StartTime, bk.EndTime, loc), bk.Title)
	}
	return text, nil
}

func formatCancelled(call model.ToolCall) string {
	if id, ok := call.Arguments["bookingId"]; ok && fmt.Sprint(id) != "" {
		return fmt.Sprintf("Cancelled booking %v.", id)
	}
	return "Booking cancelled."
}

func formatCancelledMany(raw json.RawMessage) string {
	var payload struct {
		Cancelled *int `json:"cancelled"`
		Count     *int `json:"count"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &payload) == nil {
		n := payload.Cancelled
		if n == nil {
			n = payload.Count
		}
		if n != nil {
			switch *n {
			case 0:
				return "You had no bookings to cancel."
			case 1:
				return "Cancelled 1 booking."
			default:
				return fmt.Sprintf("Cancelled %d bookings.", *n)
			}
		}
	}
	return "Your bookings were cancelled."
}

func genericResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "Done."
	}
	return "Done: " + truncate(string(raw), 400)
}

// decodeBooking reads a booking either bare or wrapped under "booking" or "data"
func decodeBooking(raw json.RawMessage) (model.Booking, error) {
	var wrapper struct {
		Booking *model.Booking `json:"booking"`
		Data    *model.Booking `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return model.Booking{}, err
	}
	switch {
	case wrapper.Booking != nil:
		return *wrapper.Booking, nil
	case wrapper.Data != nil:
		return *wrapper.Data, nil
	}

	var bk model.Booking
	if err := json.Unmarshal(raw, &bk); err != nil {
		return model.Booking{}, err
	}
	if bk.ID == "" && bk.StartTime.IsZero() {
		return model.Booking{}, fmt.Errorf("payload is not a booking")
	}
	return bk, nil
}

func bookingLine(bk model.Booking, loc *time.Location) string {
	line := fmt.Sprintf("%s, %s", bk.DisplayRoom(), timeRange(bk.StartTime, bk.EndTime, loc))
	if bk.Title != "" {
		line += " (" + bk.Title + ")"
	}
	if bk.ID != "" {
		line += " #" + bk.ID.String()
	}
	return line
}

func timeRange(start, end time.Time, loc *time.Location) string {
	if start.IsZero() {
		return "an unknown time"
	}
	s := start.In(loc)
	if end.IsZero() {
		return s.Format(timeLayout)
	}
	e := end.In(loc)
	if e.YearDay() == s.YearDay() && e.Year() == s.Year() {
		return s.Format(timeLayout) + "-" + e.Format("15:04")
	}
	return s.Format(timeLayout) + " - " + e.Format(timeLayout)
}
