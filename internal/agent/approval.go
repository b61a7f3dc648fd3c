package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/pkg/models"
)

// ApprovalState is the lifecycle of an approval request:
// Pending, then exactly one of Approved, Denied, or Expired.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
	ApprovalExpired  ApprovalState = "expired"
)

// Decision is the external actor's answer to a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ApprovalRequest tracks one destructive tool call awaiting a decision.
type ApprovalRequest struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	ToolCallID     string          `json:"tool_call_id"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	State          ApprovalState   `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at,omitempty"`
	DecidedAt      time.Time       `json:"decided_at,omitempty"`
	DecidedBy      string          `json:"decided_by,omitempty"`

	done chan ApprovalState
}

// Gate suspends destructive tool calls until an external actor resolves
// them. Each request is resolved exactly once; turn cancellation and the
// configured timeout expire it with the same effect as denial.
type Gate struct {
	mu       sync.Mutex
	requests map[string]*ApprovalRequest

	timeout   time.Duration
	retention time.Duration
	publisher *stream.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	cron      *cron.Cron
}

// GateConfig configures the approval gate.
type GateConfig struct {
	// Timeout expires a pending request after this duration. Zero means
	// requests wait until the turn is cancelled or a decision arrives.
	Timeout time.Duration

	// Retention controls how long decided requests stay queryable before
	// the sweeper prunes them.
	Retention time.Duration

	Publisher *stream.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// NewGate creates an approval gate.
func NewGate(cfg GateConfig) *Gate {
	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		requests:  make(map[string]*ApprovalRequest),
		timeout:   cfg.Timeout,
		retention: retention,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "approval"),
	}
}

// StartSweeper schedules periodic pruning of decided requests and expiry of
// overdue pending ones. Stop with StopSweeper.
func (g *Gate) StartSweeper() error {
	c := cron.New()
	if _, err := c.AddFunc("@every 30s", g.sweep); err != nil {
		return err
	}
	c.Start()
	g.cron = c
	return nil
}

// StopSweeper halts the sweep schedule.
func (g *Gate) StopSweeper() {
	if g.cron != nil {
		g.cron.Stop()
	}
}

// Require suspends the calling tool execution until the request resolves.
// It publishes approval_required, then waits for Resolve, the timeout, or
// context cancellation. The returned state is never Pending.
func (g *Gate) Require(ctx context.Context, conversationID string, call *models.ToolCall, reason string) ApprovalState {
	req := &ApprovalRequest{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		ToolCallID:     call.ID,
		ToolName:       call.Name,
		Arguments:      call.Arguments,
		Reason:         reason,
		State:          ApprovalPending,
		CreatedAt:      time.Now(),
		done:           make(chan ApprovalState, 1),
	}
	if g.timeout > 0 {
		req.ExpiresAt = req.CreatedAt.Add(g.timeout)
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.mu.Unlock()

	if g.publisher != nil {
		g.publisher.Publish(conversationID, stream.KindApprovalRequired, stream.ApprovalRequired{
			RequestID:  req.ID,
			ToolCallID: req.ToolCallID,
			ToolName:   req.ToolName,
			Arguments:  req.Arguments,
			Reason:     req.Reason,
			ExpiresAt:  req.ExpiresAt,
		})
	}
	g.logger.Info("approval required",
		"request_id", req.ID, "tool", req.ToolName, "conversation_id", conversationID)

	var timeoutCh <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var state ApprovalState
	select {
	case state = <-req.done:
	case <-timeoutCh:
		state = g.expire(req.ID)
	case <-ctx.Done():
		state = g.expire(req.ID)
	}

	if g.metrics != nil {
		g.metrics.ApprovalCounter.WithLabelValues(string(state)).Inc()
	}
	return state
}

// Resolve applies the external actor's decision. Exactly one resolution per
// request: a second call returns ErrAlreadyResolved, an unknown ID returns
// ErrUnknownApproval.
func (g *Gate) Resolve(requestID string, decision Decision, decidedBy string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[requestID]
	if !ok {
		return ErrUnknownApproval
	}
	if req.State != ApprovalPending {
		return ErrAlreadyResolved
	}

	if decision == DecisionApprove {
		req.State = ApprovalApproved
	} else {
		req.State = ApprovalDenied
	}
	req.DecidedAt = time.Now()
	req.DecidedBy = decidedBy
	req.done <- req.State

	g.logger.Info("approval resolved",
		"request_id", requestID, "state", req.State, "decided_by", decidedBy)
	return nil
}

// expire marks a pending request Expired. Racing with Resolve is settled
// under the lock: whichever transition runs first wins, and the waiter
// prefers a buffered decision over its own expiry.
func (g *Gate) expire(requestID string) ApprovalState {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[requestID]
	if !ok {
		return ApprovalExpired
	}
	if req.State != ApprovalPending {
		// A decision landed concurrently; honor it.
		return req.State
	}
	req.State = ApprovalExpired
	req.DecidedAt = time.Now()
	return ApprovalExpired
}

// Pending lists requests still awaiting a decision, for the control plane.
func (g *Gate) Pending(conversationID string) []*ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*ApprovalRequest
	for _, req := range g.requests {
		if req.State == ApprovalPending && (conversationID == "" || req.ConversationID == conversationID) {
			cp := *req
			cp.done = nil
			out = append(out, &cp)
		}
	}
	return out
}

// Get returns a request by ID, or nil.
func (g *Gate) Get(requestID string) *ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[requestID]
	if !ok {
		return nil
	}
	cp := *req
	cp.done = nil
	return &cp
}

// sweep expires overdue pending requests and prunes decided ones past the
// retention window.
func (g *Gate) sweep() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, req := range g.requests {
		switch {
		case req.State == ApprovalPending && !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt):
			req.State = ApprovalExpired
			req.DecidedAt = now
			select {
			case req.done <- ApprovalExpired:
			default:
			}
		case req.State != ApprovalPending && now.Sub(req.DecidedAt) > g.retention:
			delete(g.requests, id)
		}
	}
}
