package models

// MessageTime holds message timestamps in unix milliseconds. Completed is
// nil while an assistant message is still streaming.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// TokenCache holds prompt-cache token counts.
type TokenCache struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// Tokens holds per-message token usage. Any field may be absent on the wire
// and is treated as 0.
type Tokens struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     TokenCache `json:"cache"`
}

// Total sums every defined token field.
func (t Tokens) Total() int {
	return t.Input + t.Output + t.Reasoning + t.Cache.Read + t.Cache.Write
}

// ModelLimits describes the context/output windows of the model that
// produced a message.
type ModelLimits struct {
	Context int `json:"context"`
	Output  int `json:"output"`
}

// ModelInfo identifies the model behind an assistant message.
type ModelInfo struct {
	Name   string      `json:"name"`
	Limits ModelLimits `json:"limits"`
}

// Message is a raw message belonging to a session.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // user | assistant | other
	ParentID  string      `json:"parentID,omitempty"`
	Time      MessageTime `json:"time"`
	Finish    string      `json:"finish,omitempty"`
	Tokens    *Tokens     `json:"tokens,omitempty"`
	Model     *ModelInfo  `json:"model,omitempty"`
	Agent     string      `json:"agent,omitempty"`
}
