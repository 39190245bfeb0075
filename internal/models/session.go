package models

// SessionStatus is the normalized status vocabulary used internally.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusIdle      SessionStatus = "idle"
)

// NormalizeStatus maps backend-specific status strings onto the internal
// vocabulary. The wire vocabulary is backend-specific, so unknown values
// degrade to idle rather than being rejected.
func NormalizeStatus(raw string) SessionStatus {
	switch raw {
	case "running", "busy", "working", "streaming", "active":
		return StatusRunning
	case "completed", "done", "finished", "complete":
		return StatusCompleted
	case "idle", "waiting", "pending":
		return StatusIdle
	default:
		return StatusIdle
	}
}

// SessionTime holds creation/update timestamps in unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Session is a raw session owned by the backend instance that created it.
// The aggregator only ever upserts copies.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Directory string      `json:"directory"` // logical project key
	ParentID  string      `json:"parentID,omitempty"`
	Time      SessionTime `json:"time"`
}
