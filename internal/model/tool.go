package model

import (
	"encoding/json"
	"strings"
)

// ReadPrefix marks a tool name that is served by a resource read
const ReadPrefix = "read_"

// Tool names understood by the booking API
const (
	ToolReadRooms        = "read_rooms"
	ToolReadBookings     = "read_bookings"
	ToolReadAvailability = "read_availability"
	ToolReadLocations    = "read_locations"
	ToolCreateBooking    = "create_booking"
	ToolCancelBooking    = "cancel_booking"
	ToolCancelBookings   = "cancel_bookings"
)

// ToolCall names a remote operation and its arguments
type ToolCall struct {
	Name      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// IsRead reports whether the call is routed to the resource-fetch path
func (c ToolCall) IsRead() bool {
	return strings.HasPrefix(c.Name, ReadPrefix)
}

// ResourcePath returns the resource path for a read call
func (c ToolCall) ResourcePath() string {
	return strings.TrimPrefix(c.Name, ReadPrefix)
}

// ToolResult is the normalized outcome of executing a ToolCall
type ToolResult struct {
	ToolName string          `json:"toolName"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ToolDefinition describes a remote action advertised by GET /tools
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ResourceDefinition describes a remote read advertised by GET /resources
type ResourceDefinition struct {
	Name        string         `json:"name"`
	URI         string         `json:"uri,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Room is the subset of a room record the assistant relies on
type Room struct {
	ID       FlexID   `json:"id"`
	Name     string   `json:"name"`
	Capacity int      `json:"capacity,omitempty"`
	Location string   `json:"location,omitempty"`
	Features []string `json:"amenities,omitempty"`
}
