// Package stream multiplexes turn progress to subscribers. Each conversation
// with an active turn has a topic; every subscriber receives every event of
// that topic exactly once, in publication order, through its own bounded
// channel. Turn correctness never depends on a subscriber being attached.
package stream

import (
	"encoding/json"
	"time"
)

// Kind identifies the event type in the envelope.
type Kind string

const (
	KindTextDelta        Kind = "text_delta"
	KindToolCallStart    Kind = "tool_call_start"
	KindToolCallResult   Kind = "tool_call_result"
	KindApprovalRequired Kind = "approval_required"
	KindDone             Kind = "done"
	KindError            Kind = "error"
)

// Event is the envelope pushed to subscribers and over the wire: a type tag
// plus a kind-specific payload. Sequence is per-turn and strictly increasing.
type Event struct {
	Type           Kind      `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Sequence       uint64    `json:"seq"`
	Time           time.Time `json:"time"`
	Payload        any       `json:"payload,omitempty"`
}

// TextDelta is the payload of a text_delta event.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCallStart is the payload of a tool_call_start event.
type ToolCallStart struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Tier       string          `json:"tier"`
}

// ToolCallResult is the payload of a tool_call_result event.
type ToolCallResult struct {
	ToolCallID  string `json:"tool_call_id"`
	Content     string `json:"content"`
	IsError     bool   `json:"is_error,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
}

// ApprovalRequired is the payload of an approval_required event. The client
// answers it through the engine's Resolve call, referencing RequestID.
type ApprovalRequired struct {
	RequestID  string          `json:"request_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty"`
}

// Done is the payload of a done event.
type Done struct {
	// Outcome is "completed", "cancelled", or "max_iterations".
	Outcome    string `json:"outcome"`
	Iterations int    `json:"iterations"`
}

// Error is the payload of an error event, sent to every subscriber before
// the stream closes when a turn aborts.
type Error struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
