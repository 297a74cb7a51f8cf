package bus

import (
	"encoding/json"
	"time"
)

// Kind names the variant carried by an Envelope.
type Kind string

const (
	KindStatus        Kind = "status"
	KindReasoning     Kind = "reasoning"
	KindToolInvoked   Kind = "tool_invoked"
	KindToolCompleted Kind = "tool_completed"
)

// Message is the closed set of payloads published on the bus.
type Message interface {
	Kind() Kind
	isMessage()
}

// StatusTag classifies a Status message.
type StatusTag string

const (
	TagAnalyzing  StatusTag = "analyzing"
	TagProcessing StatusTag = "processing"
	TagSuccess    StatusTag = "success"
	TagError      StatusTag = "error"
	TagCompleted  StatusTag = "completed"
	TagEventFound StatusTag = "event_found"
)

// Status reports orchestration progress.
type Status struct {
	Tag  StatusTag       `json:"tag"`
	Text string          `json:"text"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Reasoning is free text emitted by an agent between tool calls.
type Reasoning struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// ToolInvoked is published before a tool runs.
type ToolInvoked struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolCompleted is published after a tool ran. Exactly one of Output and
// Error is set.
type ToolCompleted struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (Status) Kind() Kind        { return KindStatus }
func (Reasoning) Kind() Kind     { return KindReasoning }
func (ToolInvoked) Kind() Kind   { return KindToolInvoked }
func (ToolCompleted) Kind() Kind { return KindToolCompleted }

func (Status) isMessage()        {}
func (Reasoning) isMessage()     {}
func (ToolInvoked) isMessage()   {}
func (ToolCompleted) isMessage() {}

// NewStatus builds a Status, marshalling data when non-nil. Data that
// cannot be marshalled is dropped.
func NewStatus(tag StatusTag, text string, data any) Status {
	s := Status{Tag: tag, Text: text}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			s.Data = raw
		}
	}
	return s
}

// Envelope is the unit of delivery and of the persisted log. Seq is
// strictly increasing per run, starting at 1.
type Envelope struct {
	RunID   string          `json:"runId"`
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Message decodes the payload. ok is false for unknown kinds or payloads
// that do not decode, which consumers should skip.
func (e Envelope) Message() (msg Message, ok bool) {
	switch e.Kind {
	case KindStatus:
		var m Status
		ok = json.Unmarshal(e.Payload, &m) == nil
		msg = m
	case KindReasoning:
		var m Reasoning
		ok = json.Unmarshal(e.Payload, &m) == nil
		msg = m
	case KindToolInvoked:
		var m ToolInvoked
		ok = json.Unmarshal(e.Payload, &m) == nil
		msg = m
	case KindToolCompleted:
		var m ToolCompleted
		ok = json.Unmarshal(e.Payload, &m) == nil
		msg = m
	default:
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return msg, true
}
