package models

// PartTime tracks when a part started/ended, unix milliseconds. End is nil
// while the part is still being produced.
type PartTime struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// PartState carries tool-part execution state.
type PartState struct {
	Status   string                 `json:"status,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Output   string                 `json:"output,omitempty"`
	Title    string                 `json:"title,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Part is an incrementally-revised fragment of a message. Re-delivery with
// the same ID replaces the previous revision wholesale, never appends.
type Part struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	Type      string     `json:"type"`
	Content   string     `json:"content,omitempty"`
	Text      string     `json:"text,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	State     *PartState `json:"state,omitempty"`
	Time      *PartTime  `json:"time,omitempty"`
}

// Part types observed on the wire.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
	PartTypeTool       = "tool"
)
