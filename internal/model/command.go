package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// CommandRequest represents the request body of POST /commands
type CommandRequest struct {
	Command  string `json:"command" binding:"required"`
	UserID   string `json:"userId" binding:"required"`
	Timezone string `json:"timezone,omitempty"`
}

// CommandResponse is returned for every resolved command
type CommandResponse struct {
	RequestID   string        `json:"requestId"`
	Response    string        `json:"response"`
	Action      IntentType    `json:"action"`
	Params      Entities      `json:"params"`
	Path        string        `json:"path"`
	ToolResult  *ToolResult   `json:"toolResult,omitempty"`
	Corrections []Replacement `json:"corrections,omitempty"`
	DurationMs  int64         `json:"durationMs"`
}

// CommandLog is one audit row of a resolved command
type CommandLog struct {
	ID             int64           `db:"id" json:"id"`
	RequestID      string          `db:"request_id" json:"requestId"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UserID         string          `db:"user_id" json:"userId"`
	Command        string          `db:"command" json:"command"`
	ResolvedAction string          `db:"resolved_action" json:"resolvedAction"`
	ResolvedParams json.RawMessage `db:"resolved_params" json:"resolvedParams"`
	ResolutionPath string          `db:"resolution_path" json:"resolutionPath"`
	Response       string          `db:"response" json:"response"`
	Error          string          `db:"error" json:"error,omitempty"`
	DurationMs     int64           `db:"duration_ms" json:"durationMs"`
}

// FlexID accepts identifiers encoded as JSON strings or numbers
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// Booking is the subset of a booking record the assistant renders
type Booking struct {
	ID        FlexID    `json:"id"`
	RoomID    FlexID    `json:"roomId"`
	RoomName  string    `json:"roomName"`
	Room      *Room     `json:"room,omitempty"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// DisplayRoom returns the best available room label
func (b Booking) DisplayRoom() string {
	switch {
	case b.RoomName != "":
		return b.RoomName
	case b.Room != nil && b.Room.Name != "":
		return b.Room.Name
	case b.RoomID != "":
		return "room " + b.RoomID.String()
	}
	return "a room"
}
