package models

import (
	"encoding/json"
	"fmt"
)

// Wire event types emitted by backend instances.
const (
	EventSessionCreated = "session.created"
	EventSessionUpdated = "session.updated"
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventPartCreated    = "part.created"
	EventPartUpdated    = "part.updated"
	EventPartWrapped    = "message.part.updated" // wrapped variant carrying {part: ...}
	EventSessionStatus  = "session.status"
)

// WireEvent is the raw envelope read off a backend's event feed.
type WireEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SourceEvent is one raw event tagged with the source it arrived from.
type SourceEvent struct {
	Source string
	Type   string
	Data   json.RawMessage
}

// Event is the decoded, type-discriminated form of a SourceEvent. Routing
// code switches exhaustively on the concrete type; unknown wire types decode
// to IgnoredEvent so new types are visibly ignored rather than dropped by
// accident.
type Event interface {
	EventType() string
}

// SessionEvent carries a session create/update.
type SessionEvent struct {
	Session Session
}

// MessageEvent carries a message create/update.
type MessageEvent struct {
	Message Message
}

// PartEvent carries a part create/update.
type PartEvent struct {
	Part Part
}

// StatusEvent carries an explicit session status change.
type StatusEvent struct {
	SessionID string
	Status    SessionStatus
}

// IgnoredEvent marks a recognized envelope with an unhandled type.
type IgnoredEvent struct {
	Type string
}

func (SessionEvent) EventType() string   { return "session" }
func (MessageEvent) EventType() string   { return "message" }
func (PartEvent) EventType() string      { return "part" }
func (StatusEvent) EventType() string    { return "status" }
func (e IgnoredEvent) EventType() string { return e.Type }

// statusProperties is the payload of a session.status event.
type statusProperties struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"`
}

// wrappedPart is the wrapped variant where the part sits under a "part" key.
type wrappedPart struct {
	Part *Part `json:"part"`
}

// DecodeEvent turns a tagged raw event into its discriminated form. Payloads
// that don't parse, or parse without an id, are rejected with an error so the
// router can drop them without throwing further.
func DecodeEvent(ev SourceEvent) (Event, error) {
	switch ev.Type {
	case EventSessionCreated, EventSessionUpdated:
		var s Session
		if err := json.Unmarshal(ev.Data, &s); err != nil {
			return nil, fmt.Errorf("malformed session payload: %w", err)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("session payload missing id")
		}
		return SessionEvent{Session: s}, nil

	case EventMessageCreated, EventMessageUpdated:
		var m Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			return nil, fmt.Errorf("malformed message payload: %w", err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("message payload missing id")
		}
		return MessageEvent{Message: m}, nil

	case EventPartCreated, EventPartUpdated, EventPartWrapped:
		// Try the wrapped form first; fall back to a bare part.
		var w wrappedPart
		if err := json.Unmarshal(ev.Data, &w); err == nil && w.Part != nil && w.Part.ID != "" {
			return PartEvent{Part: *w.Part}, nil
		}
		var p Part
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed part payload: %w", err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("part payload missing id")
		}
		return PartEvent{Part: p}, nil

	case EventSessionStatus:
		var props statusProperties
		if err := json.Unmarshal(ev.Data, &props); err != nil {
			return nil, fmt.Errorf("malformed status payload: %w", err)
		}
		if props.SessionID == "" {
			return nil, fmt.Errorf("status payload missing sessionID")
		}
		return StatusEvent{SessionID: props.SessionID, Status: NormalizeStatus(props.Status)}, nil

	default:
		return IgnoredEvent{Type: ev.Type}, nil
	}
}
