package model

import "time"

// IntentType identifies the action a command resolved to
type IntentType string

const (
	IntentGreeting          IntentType = "greeting"
	IntentRoomsQuery        IntentType = "rooms_query"
	IntentBookingsQuery     IntentType = "bookings_query"
	IntentAvailabilityCheck IntentType = "availability_check"
	IntentBookingCreate     IntentType = "booking_create"
	IntentCancelBooking     IntentType = "cancel_booking"
	IntentCancelAll         IntentType = "cancel_all"
	IntentUndo              IntentType = "undo"
	IntentNeedsMoreInfo     IntentType = "needs_more_info"
	IntentUnknown           IntentType = "unknown"
	IntentLLMFallback       IntentType = "llm_fallback"
)

// IntentSource records which component produced an intent
type IntentSource string

const (
	SourceClassifier IntentSource = "classifier"
	SourceLLM        IntentSource = "llm"
)

// Intent represents the structured result of resolving a free-text command
type Intent struct {
	Type       IntentType   `json:"type"`
	Entities   Entities     `json:"entities"`
	Confidence float64      `json:"confidence"`
	UseLLM     bool         `json:"useLLM"`
	Response   string       `json:"response,omitempty"` // Required for needs_more_info and unknown
	Source     IntentSource `json:"source,omitempty"`
	RawAction  string       `json:"rawAction,omitempty"` // Action name as returned by the model
}

// Entities holds the slots extracted from a command. All fields are optional.
type Entities struct {
	RoomName  string     `json:"roomName,omitempty"`
	RoomID    string     `json:"roomId,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Duration  *int       `json:"duration,omitempty"` // minutes
	Title     string     `json:"title,omitempty"`
	BookingID string     `json:"bookingId,omitempty"`
	Filter    string     `json:"filter,omitempty"` // today, tomorrow, this_week, ...
	Capacity  *int       `json:"capacity,omitempty"`
	Amenities []string   `json:"amenities,omitempty"`
	Location  string     `json:"location,omitempty"`
}

// IsEmpty reports whether no slot is set
func (e Entities) IsEmpty() bool {
	return e.RoomName == "" && e.RoomID == "" && e.StartTime == nil && e.EndTime == nil &&
		e.Duration == nil && e.Title == "" && e.BookingID == "" && e.Filter == "" &&
		e.Capacity == nil && len(e.Amenities) == 0 && e.Location == ""
}

// RequiresReply reports whether the intent is answered with text instead of a tool call
func (t IntentType) RequiresReply() bool {
	switch t {
	case IntentGreeting, IntentNeedsMoreInfo, IntentUnknown, IntentLLMFallback:
		return true
	}
	return false
}

// MatchResult is a single candidate scored by the fuzzy matcher
type MatchResult struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"` // 0-100
}

// FuzzyMatch is the full output of a best-match lookup
type FuzzyMatch struct {
	Match      string        `json:"match"`
	Confidence float64       `json:"confidence"`
	AllMatches []MatchResult `json:"allMatches"`
}

// ConfidenceLevel buckets a fuzzy correction score
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Replacement records one span corrected by the fuzzy matcher
type Replacement struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

// Correction is the result of replacing misspelled room names in a command
type Correction struct {
	CorrectedText   string          `json:"correctedText"`
	Replacements    []Replacement   `json:"replacements"`
	ConfidenceLevel ConfidenceLevel `json:"confidenceLevel"`
}
