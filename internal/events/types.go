// Package events streams sanitize and rehydrate activity to websocket
// clients. Events carry counts and identifiers only, never vault values.
package events

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeSanitize is sent after a document was sanitized
	EventTypeSanitize EventType = "sanitize"
	// EventTypeRehydrate is sent after an artifact was rehydrated
	EventTypeRehydrate EventType = "rehydrate"
	// EventTypePolicyReload is sent when the policy file changed
	EventTypePolicyReload EventType = "policy_reload"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// SanitizeEvent describes one sanitized document
type SanitizeEvent struct {
	SessionID    string   `json:"session_id"`
	Document     string   `json:"document,omitempty"`
	Masked       int      `json:"masked"`
	Redacted     int      `json:"redacted"`
	Shuffled     int      `json:"shuffled"`
	Shadowed     int      `json:"shadowed"`
	Unshadowed   []string `json:"unshadowed,omitempty"`
	ProcessingMS float64  `json:"processing_ms"`
}

// RehydrateEvent describes one rehydrated artifact
type RehydrateEvent struct {
	SessionID    string  `json:"session_id"`
	Artifact     string  `json:"artifact,omitempty"`
	Restored     int     `json:"restored"`
	Misses       int     `json:"misses"`
	ProcessingMS float64 `json:"processing_ms"`
}

// PolicyReloadEvent describes a policy change
type PolicyReloadEvent struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Rules   int    `json:"rules"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type   string      `json:"type"`
	Events []EventType `json:"events,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	subscribed map[EventType]bool
}

// wants reports whether the client subscribed to t. Clients without a
// subscription receive everything.
func (c *Client) wants(t EventType) bool {
	return len(c.subscribed) == 0 || c.subscribed[t]
}
