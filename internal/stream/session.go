package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTurnActive is returned when a turn is already running for the
// conversation.
var ErrTurnActive = errors.New("a turn is already active for this conversation")

// Session is the transient record of one active turn. It owns the turn's
// cancel func; destroying the session is the only way a second turn can
// start for the conversation.
type Session struct {
	ID             string
	ConversationID string
	StartedAt      time.Time

	cancel context.CancelFunc
}

// Registry tracks at most one Session per conversation. Admission and
// termination are per-key; unrelated conversations never contend.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Begin claims the conversation's turn slot. Returns ErrTurnActive if a
// session already exists.
func (r *Registry) Begin(conversationID string, cancel context.CancelFunc) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[conversationID]; exists {
		return nil, ErrTurnActive
	}
	s := &Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		StartedAt:      time.Now(),
		cancel:         cancel,
	}
	r.sessions[conversationID] = s
	return s, nil
}

// End releases the conversation's turn slot. Only the named session may
// release it; a stale End from an earlier turn is ignored.
func (r *Registry) End(conversationID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[conversationID]; ok && cur.ID == sessionID {
		delete(r.sessions, conversationID)
	}
}

// Cancel requests cooperative cancellation of the active turn. Returns false
// when no turn is active.
func (r *Registry) Cancel(conversationID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[conversationID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.cancel()
	return true
}

// Active reports whether a turn is running for the conversation.
func (r *Registry) Active(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[conversationID]
	return ok
}

// Count returns the number of active sessions across all conversations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
