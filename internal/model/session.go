package model

import "time"

// ContextEntry is one past turn of a user's conversation
type ContextEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Command   string     `json:"command"`
	Action    IntentType `json:"action"`
	Params    Entities   `json:"params"`
	Response  string     `json:"response,omitempty"`
	Failed    bool       `json:"failed,omitempty"` // The tool call of this turn did not succeed
	Owner     string     `json:"owner,omitempty"`  // Fingerprint of the bearer token that issued the command
}

// Session is the bounded recent history of one user
type Session struct {
	UserID      string         `json:"userId"`
	Entries     []ContextEntry `json:"entries"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// ChatMessage represents a single message sent to a language model
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
