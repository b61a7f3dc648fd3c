package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for turn control flow.
var (
	// ErrMaxIterations is returned when a turn hits the tool-iteration cap.
	// The transcript is persisted as-is before the turn ends.
	ErrMaxIterations = errors.New("max tool iterations exceeded")

	// ErrAlreadyResolved is returned on a second resolution attempt for the
	// same approval request.
	ErrAlreadyResolved = errors.New("approval request already resolved")

	// ErrUnknownApproval is returned when resolving a request ID the gate
	// doesn't know.
	ErrUnknownApproval = errors.New("approval request not found")

	// ErrToolNotFound is returned when neither a built-in nor any protocol
	// server provides the requested tool.
	ErrToolNotFound = errors.New("tool not found")
)

// ToolErrorType classifies a failed tool call for the inline result.
type ToolErrorType string

const (
	ToolErrorExecution    ToolErrorType = "execution_failed"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorDenied       ToolErrorType = "denied_by_user"
	ToolErrorCancelled    ToolErrorType = "cancelled"
)

// ToolError is a structured tool failure. It becomes an inline failed tool
// result in the transcript; it never aborts sibling calls or the turn.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("tool %s failed (%s): %s", e.ToolName, e.Type, msg)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError builds a ToolError for the given call.
func NewToolError(errType ToolErrorType, toolName, toolCallID string, cause error) *ToolError {
	return &ToolError{
		Type:       errType,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Cause:      cause,
	}
}

// WithMessage sets a human-readable message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// LoopPhase identifies where in the turn a failure occurred.
type LoopPhase string

const (
	PhaseInit     LoopPhase = "init"
	PhaseStream   LoopPhase = "stream"
	PhaseDispatch LoopPhase = "dispatch"
	PhasePersist  LoopPhase = "persist"
)

// LoopError wraps a turn failure with its phase and iteration.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("turn failed in %s phase (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}
