package models

import "time"

// ConnectionStatus is the aggregate connectivity signal exposed to consumers.
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

// EnrichedMessage is a message joined with its ordered parts. Never mutated
// directly; recomputed from the raw collections on every store mutation.
type EnrichedMessage struct {
	Message
	Parts       []Part `json:"parts"`
	IsStreaming bool   `json:"isStreaming"`
}

// EnrichedSession is a session joined with its status and messages.
type EnrichedSession struct {
	Session
	Status              SessionStatus     `json:"status"`
	Messages            []EnrichedMessage `json:"messages"`
	IsActive            bool              `json:"isActive"`
	ContextUsagePercent float64           `json:"contextUsagePercent"`
}

// WorldState is the derived, consistent view over everything the aggregator
// knows. Sessions are sorted by most-recent activity, descending.
type WorldState struct {
	Sessions           []EnrichedSession `json:"sessions"`
	ActiveSessionCount int               `json:"activeSessionCount"`
	ActiveSession      *EnrichedSession  `json:"activeSession"`
	ConnectionStatus   ConnectionStatus  `json:"connectionStatus"`
	LastUpdated        time.Time         `json:"lastUpdated"`
}

// WorldEvent is one entry in the synthesized, offset-addressed event log
// served by the resumable stream.
type WorldEvent struct {
	Type      string      `json:"type"`
	Offset    string      `json:"offset"`
	Timestamp int64       `json:"timestamp"`
	UpToDate  bool        `json:"upToDate"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Cursor records the last delivered offset for a logical project, persisted
// so resume() consumers survive restarts.
type Cursor struct {
	ProjectKey string `json:"projectKey"`
	Offset     string `json:"offset"`
	Timestamp  int64  `json:"timestamp"`
}
