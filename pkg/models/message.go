package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolTier classifies a tool call by the blast radius of its side effects.
// The tier drives approval gating: destructive calls pause for an explicit
// user decision before the executor runs.
type ToolTier string

const (
	TierReadOnly    ToolTier = "read_only"
	TierMutating    ToolTier = "mutating"
	TierDestructive ToolTier = "destructive"
)

// Message is one entry in a conversation transcript. Position is assigned by
// the store on append and is strictly increasing per conversation; truncating
// at position p removes every message with Position > p.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Position       int64           `json:"position"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult    `json:"tool_results,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall is a model's request to execute a tool. Tier is stamped by the
// dispatcher during classification, before execution.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments"`
	Tier        ToolTier        `json:"tier,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// ToolResult is the settled outcome of one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	// FailureKind distinguishes executor failures from gate denials and
	// cancellation: "execution_failed", "denied_by_user", "cancelled".
	FailureKind string `json:"failure_kind,omitempty"`
}

// Conversation is a durable message thread. At most one turn is active for a
// conversation at any time; the engine's session registry enforces this.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Model     string         `json:"model,omitempty"`
	Project   string         `json:"project,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
