// Package engine is the submission surface shared by every client. It
// serializes turns per conversation, queues messages that arrive while a
// turn is active, and hands the slot to the oldest queued message when the
// turn ends, one turn per message.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/pkg/models"
)

const defaultQueueCapacity = 10

// SubmitStatus is the synchronous answer to a Submit call.
type SubmitStatus string

const (
	// StatusStarted means the message began a turn immediately.
	StatusStarted SubmitStatus = "started"
	// StatusQueued means a turn is active; the message runs when it ends.
	StatusQueued SubmitStatus = "queued"
	// StatusRejected means the queue is full; the caller should retry later.
	StatusRejected SubmitStatus = "rejected"
)

// ErrRewindActiveTurn is returned when a fork or rewind targets a
// conversation whose turn is still running.
var ErrRewindActiveTurn = errors.New("conversation has an active turn; cancel it first")

// TurnRunner drives one turn to its terminal state. *agent.Loop is the
// production implementation.
type TurnRunner interface {
	Run(ctx context.Context, conversationID string) agent.Outcome
}

// Engine coordinates turns. At most one turn runs per conversation; excess
// submissions wait in a bounded per-conversation queue.
type Engine struct {
	store    store.Store
	pub      *stream.Publisher
	gate     *agent.Gate
	loop     TurnRunner
	sessions *stream.Registry

	mu       sync.Mutex
	queues   map[string]*fifo
	capacity int

	wg      sync.WaitGroup
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Config configures the engine.
type Config struct {
	Store store.Store
	Pub   *stream.Publisher
	Gate  *agent.Gate
	Loop  TurnRunner

	// QueueCapacity bounds messages waiting per conversation.
	QueueCapacity int
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		pub:      cfg.Pub,
		gate:     cfg.Gate,
		loop:     cfg.Loop,
		sessions: stream.NewRegistry(),
		queues:   make(map[string]*fifo),
		capacity: capacity,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "engine"),
	}
}

// Submit accepts a user message. The returned status is synchronous and
// definitive: started means a turn is running for it, queued means it waits
// for the active turn, rejected means the queue is full and nothing was
// persisted.
func (e *Engine) Submit(ctx context.Context, conversationID string, msg *models.Message) (SubmitStatus, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Role = models.RoleUser

	e.mu.Lock()
	if e.sessions.Active(conversationID) {
		pushed := e.queue(conversationID).push(msg)
		e.mu.Unlock()
		if e.metrics != nil {
			if pushed {
				e.metrics.QueueDepth.Inc()
			} else {
				e.metrics.QueueRejections.Inc()
			}
		}
		if !pushed {
			return StatusRejected, nil
		}
		return StatusQueued, nil
	}

	claim, err := e.claimTurnLocked(conversationID, false)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	if _, err := e.store.AppendMessage(ctx, conversationID, msg); err != nil {
		e.abandonClaim(conversationID, claim)
		return "", fmt.Errorf("persist message: %w", err)
	}
	e.startTurn(conversationID, claim)
	return StatusStarted, nil
}

// SubmitAndFollow is Submit plus a subscription to the turn stream. The
// subscription attaches before the turn publishes its first event, so the
// caller sees the stream from the start. For a queued or rejected
// submission the subscription covers the currently active turn.
func (e *Engine) SubmitAndFollow(ctx context.Context, conversationID string, msg *models.Message) (SubmitStatus, <-chan stream.Event, func(), error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Role = models.RoleUser

	e.mu.Lock()
	if e.sessions.Active(conversationID) {
		status := StatusQueued
		pushed := e.queue(conversationID).push(msg)
		if !pushed {
			status = StatusRejected
		}
		events, unsub := e.pub.Subscribe(conversationID)
		e.mu.Unlock()
		if e.metrics != nil {
			if pushed {
				e.metrics.QueueDepth.Inc()
			} else {
				e.metrics.QueueRejections.Inc()
			}
		}
		return status, events, unsub, nil
	}

	claim, err := e.claimTurnLocked(conversationID, true)
	e.mu.Unlock()
	if err != nil {
		return "", nil, nil, err
	}
	if _, err := e.store.AppendMessage(ctx, conversationID, msg); err != nil {
		e.abandonClaim(conversationID, claim)
		return "", nil, nil, fmt.Errorf("persist message: %w", err)
	}
	e.startTurn(conversationID, claim)
	return StatusStarted, claim.events, claim.unsub, nil
}

// turnClaim is a held turn slot whose goroutine has not launched yet. The
// slot is claimed under e.mu; the submission persists and the goroutine
// starts after the lock is released, so store latency in one conversation
// never blocks admission in another.
type turnClaim struct {
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	events    <-chan stream.Event
	unsub     func()
}

// claimTurnLocked claims the turn slot and opens the topic. With follow set,
// it subscribes before the turn can publish. Caller holds e.mu.
func (e *Engine) claimTurnLocked(conversationID string, follow bool) (*turnClaim, error) {
	turnCtx, cancel := context.WithCancel(context.Background())
	session, err := e.sessions.Begin(conversationID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	e.queue(conversationID) // ensure the queue exists for Shutdown's sweep
	e.pub.Open(conversationID)

	claim := &turnClaim{ctx: turnCtx, cancel: cancel, sessionID: session.ID}
	if follow {
		claim.events, claim.unsub = e.pub.Subscribe(conversationID)
	}
	e.wg.Add(1)
	return claim, nil
}

func (e *Engine) startTurn(conversationID string, claim *turnClaim) {
	go e.runTurn(claim.ctx, conversationID, claim.sessionID)
}

// abandonClaim releases a claimed slot whose submission could not be
// persisted. The topic closes so followers do not hang, and a queued message
// still gets its turn.
func (e *Engine) abandonClaim(conversationID string, claim *turnClaim) {
	if claim.unsub != nil {
		claim.unsub()
	}
	claim.cancel()
	e.pub.Close(conversationID)
	e.wg.Done()
	e.advance(conversationID, claim.sessionID)
}

// runTurn drives one turn to completion, then hands the slot to the oldest
// queued message if one is waiting.
func (e *Engine) runTurn(ctx context.Context, conversationID, sessionID string) {
	defer e.wg.Done()

	e.loop.Run(ctx, conversationID)
	e.pub.Close(conversationID)
	e.advance(conversationID, sessionID)
}

// advance ends the finished session and, when a message is waiting, dequeues
// the oldest one and starts its own turn. Slot release and re-claim happen
// under e.mu so no concurrent Submit can slip in between; the dequeued
// message persists after the lock is released.
func (e *Engine) advance(conversationID, sessionID string) {
	e.mu.Lock()
	next, ok := e.queue(conversationID).pop()
	e.sessions.End(conversationID, sessionID)
	if !ok {
		e.mu.Unlock()
		return
	}
	claim, err := e.claimTurnLocked(conversationID, false)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.QueueDepth.Dec()
	}
	if err != nil {
		e.logger.Error("failed to start queued turn",
			"conversation_id", conversationID, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := e.store.AppendMessage(pctx, conversationID, next); err != nil {
		e.logger.Error("failed to persist queued message",
			"conversation_id", conversationID, "error", err)
	}
	cancel()
	e.startTurn(conversationID, claim)
}

// Cancel stops the conversation's active turn at its next suspension point.
// It reports whether a turn was running.
func (e *Engine) Cancel(conversationID string) bool {
	return e.sessions.Cancel(conversationID)
}

// Subscribe attaches to the conversation's active turn stream. With no
// active turn the returned channel is already closed.
func (e *Engine) Subscribe(conversationID string) (<-chan stream.Event, func()) {
	return e.pub.Subscribe(conversationID)
}

// ResolveApproval answers a pending approval request.
func (e *Engine) ResolveApproval(requestID string, decision agent.Decision, decidedBy string) error {
	return e.gate.Resolve(requestID, decision, decidedBy)
}

// PendingApprovals lists unresolved approval requests, optionally scoped to
// one conversation.
func (e *Engine) PendingApprovals(conversationID string) []*agent.ApprovalRequest {
	return e.gate.Pending(conversationID)
}

// Fork copies the conversation's first atPosition messages into a new
// conversation and returns its ID. The source must be idle.
func (e *Engine) Fork(ctx context.Context, conversationID string, atPosition int64) (string, error) {
	if e.sessions.Active(conversationID) {
		return "", ErrRewindActiveTurn
	}
	return e.store.Fork(ctx, conversationID, atPosition)
}

// Rewind discards every message after afterPosition. The conversation must
// be idle.
func (e *Engine) Rewind(ctx context.Context, conversationID string, afterPosition int64) error {
	if e.sessions.Active(conversationID) {
		return ErrRewindActiveTurn
	}
	return e.store.Truncate(ctx, conversationID, afterPosition)
}

// History returns the conversation transcript from the given position.
func (e *Engine) History(ctx context.Context, conversationID string, fromPosition int64) ([]*models.Message, error) {
	return e.store.ListMessages(ctx, conversationID, fromPosition)
}

// CreateConversation starts a new conversation.
func (e *Engine) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	return e.store.CreateConversation(ctx, conv)
}

// GetConversation returns conversation metadata.
func (e *Engine) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return e.store.GetConversation(ctx, id)
}

// ListConversations returns all conversations.
func (e *Engine) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	return e.store.ListConversations(ctx)
}

// Active reports whether a turn is running for the conversation.
func (e *Engine) Active(conversationID string) bool {
	return e.sessions.Active(conversationID)
}

// Shutdown cancels every active turn and waits for them to settle or the
// context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for conversationID := range e.queues {
		e.sessions.Cancel(conversationID)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queue returns the conversation's queue, creating it on first use. Caller
// holds e.mu.
func (e *Engine) queue(conversationID string) *fifo {
	q, ok := e.queues[conversationID]
	if !ok {
		q = newFifo(e.capacity)
		e.queues[conversationID] = q
	}
	return q
}
