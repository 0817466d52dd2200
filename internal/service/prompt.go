package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"assistant/internal/model"
)

// maxPromptContext is how many recent turns are summarized into the parsing prompt
const maxPromptContext = 3

const actionVocabulary = `Actions (use exactly these names):
- greeting: the user says hello. params: {}
- getRooms: list rooms. optional: location, capacity, amenities
- getBookings: list the user's bookings. optional: filter (today | tomorrow | this_week | next_week | all)
- checkAvailability: check when a room is free or which rooms are free. optional: roomName, startTime, endTime
- createBooking: book a room. required: roomName, startTime. optional: endTime, duration (minutes, default 60), title
- cancelBooking: cancel one booking. required: bookingId
- cancelAllBookings: cancel several bookings. optional: filter (today | tomorrow | this_week | next_week | all)
- undo: revert the user's last booking. params: {}
- needsMoreInfo: a required parameter is missing. Set "response" to a short question asking for it.
- unknown: the request is not about rooms or bookings. Set "response" to a short polite reply.`

const timeRules = `Date and time rules:
- Convert every date or time phrase to an absolute ISO 8601 timestamp in UTC ending in "Z".
- Interpret phrases in the user's timezone, then convert to UTC.
- "today"/"i dag" is the current local date, "tomorrow"/"i morgen" the next one.
- Weekday names (monday..sunday, mandag, tirsdag, onsdag, torsdag, fredag, lørdag, søndag) mean the next such day; the current weekday means today.
- "at 8" or "kl 8" without am/pm means 08:00; hours 1 to 7 without am/pm mean the afternoon.
- If only a start is given for createBooking, set endTime to startTime plus the duration.`

const slotRules = `Room and location rules:
- roomName is the name of one specific room (for example "Skagen" or "Focus Pod B").
- location is a building, floor or city (for example "Oslo" or "3rd floor"). Never put a location in roomName.
- Follow-ups such as "book it", "same time" or "any available?" refer to the recent context below: copy roomName, roomId, location and startTime from the most recent relevant turn.`

const outputRules = `Reply with a single JSON object and nothing else:
{"action": "<action>", "params": {...}, "response": "<only for needsMoreInfo or unknown>"}`

// buildIntentPrompt returns the system and user messages for one parse request
func buildIntentPrompt(command, userID string, now time.Time, loc *time.Location, history []model.ContextEntry) []model.ChatMessage {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	var b strings.Builder
	b.WriteString("You turn room-booking requests into structured actions.\n\n")
	fmt.Fprintf(&b, "Current time: %s (UTC)\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "User's local time: %s (%s)\n", local.Format("Monday 2 January 2006 15:04"), loc.String())
	fmt.Fprintf(&b, "User id: %s\n\n", userID)
	b.WriteString(actionVocabulary)
	b.WriteString("\n\n")
	b.WriteString(timeRules)
	b.WriteString("\n\n")
	b.WriteString(slotRules)
	b.WriteString("\n\n")

	if summary := summarizeContext(history, now); summary != "" {
		b.WriteString("Recent context (oldest first):\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	b.WriteString(outputRules)

	return []model.ChatMessage{
		{Role: "system", Content: b.String()},
		{Role: "user", Content: command},
	}
}

// summarizeContext renders the last few turns as one line each
func summarizeContext(history []model.ContextEntry, now time.Time) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > maxPromptContext {
		history = history[len(history)-maxPromptContext:]
	}

	lines := make([]string, 0, len(history))
	for _, e := range history {
		params := "{}"
		if !e.Params.IsEmpty() {
			if data, err := json.Marshal(e.Params); err == nil {
				params = string(data)
			}
		}
		ago := now.Sub(e.Timestamp).Round(time.Second)
		lines = append(lines, fmt.Sprintf("- %s ago: %q -> %s %s", ago, e.Command, e.Action, params))
	}
	return strings.Join(lines, "\n")
}
