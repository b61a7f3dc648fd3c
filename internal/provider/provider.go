// Package provider defines the model backend interface: a transcript plus a
// tool schema list in, a streamed sequence of text deltas and tool-call
// requests out. Authentication failures are surfaced distinctly from
// transient network failures so the caller can decide whether to retry.
package provider

import (
	"context"

	"github.com/parley-ai/parley/pkg/models"
)

// Backend is a streaming model provider.
type Backend interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// StreamCompletion starts a completion and returns a channel of chunks.
	// The channel is closed when the stream ends. A chunk carrying Err
	// terminates the stream; a chunk with Done marks normal completion.
	StreamCompletion(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Request is the input to one model call.
type Request struct {
	// Model overrides the backend's default model when non-empty.
	Model string

	// System is the system prompt, kept separate from the transcript.
	System string

	// Messages is the full transcript in position order.
	Messages []*models.Message

	// Tools are the schemas of every tool the model may call.
	Tools []ToolSchema

	// MaxTokens caps the response length; 0 uses the backend default.
	MaxTokens int
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Chunk is one unit of streamed model output.
type Chunk struct {
	// Text is an incremental text delta.
	Text string

	// ToolCall is a fully assembled tool-call request. Providers that
	// stream call arguments in fragments emit the call only once complete.
	ToolCall *models.ToolCall

	// Done marks normal stream completion and carries final usage.
	Done         bool
	InputTokens  int
	OutputTokens int

	// Err terminates the stream abnormally.
	Err error
}
