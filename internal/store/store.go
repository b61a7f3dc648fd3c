// Package store defines the conversation state store: the durable, ordered
// record of conversations, messages, and tool calls the orchestrator runs
// against. Implementations must serialize writes per conversation so message
// positions form a gapless, strictly increasing sequence.
package store

import (
	"context"
	"errors"

	"github.com/parley-ai/parley/pkg/models"
)

var (
	// ErrConversationNotFound is returned when a conversation doesn't exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationExists is returned when creating a conversation with a
	// duplicate ID.
	ErrConversationExists = errors.New("conversation already exists")
)

// Store is the conversation state store interface.
//
// Truncate and Fork are primitive operations: SQL implementations express
// them as single position-addressed statements, not as bulk reads replayed
// through AppendMessage.
type Store interface {
	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, conv *models.Conversation) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// ListConversations returns all conversations, most recently updated first.
	ListConversations(ctx context.Context) ([]*models.Conversation, error)

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage appends a message to a conversation and returns the
	// assigned position. The store owns the position counter.
	AppendMessage(ctx context.Context, conversationID string, msg *models.Message) (int64, error)

	// ListMessages returns messages with Position >= fromPosition in
	// position order. fromPosition 0 returns the full transcript.
	ListMessages(ctx context.Context, conversationID string, fromPosition int64) ([]*models.Message, error)

	// Truncate removes every message with Position > afterPosition.
	// Truncating past the end is a no-op, which makes rewind idempotent.
	Truncate(ctx context.Context, conversationID string, afterPosition int64) error

	// RecordToolCall persists a settled tool call and its result.
	RecordToolCall(ctx context.Context, conversationID string, call *models.ToolCall, result *models.ToolResult) error

	// ListToolCalls returns the recorded tool calls for a conversation in
	// completion order.
	ListToolCalls(ctx context.Context, conversationID string) ([]*ToolCallRecord, error)

	// Fork creates a new conversation whose messages are a copy of the
	// source's messages with Position < atPosition, and returns its ID.
	// The copy shares no state with the source afterward.
	Fork(ctx context.Context, conversationID string, atPosition int64) (string, error)

	// Close releases store resources.
	Close() error
}

// ToolCallRecord is a persisted tool call joined with its outcome.
type ToolCallRecord struct {
	Call           models.ToolCall   `json:"call"`
	Result         models.ToolResult `json:"result"`
	ConversationID string            `json:"conversation_id"`
}
