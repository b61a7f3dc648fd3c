package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/pkg/models"
)

const (
	defaultMaxConcurrency = 5
	defaultToolTimeout    = 30 * time.Second
)

// Dispatcher resolves a batch of tool calls to executors, applies the
// approval gate to destructive calls, fans independent calls out
// concurrently, and fans results back in preserving the original request
// order. A failed call settles as an inline failure; siblings and the turn
// continue.
type Dispatcher struct {
	registry *Registry
	gate     *Gate
	pub      *stream.Publisher
	store    store.Store

	maxConcurrency int
	toolTimeout    time.Duration
	metrics        *observability.Metrics
	logger         *slog.Logger
}

// DispatcherConfig configures batch execution.
type DispatcherConfig struct {
	Registry *Registry
	Gate     *Gate
	Pub      *stream.Publisher
	Store    store.Store

	// MaxConcurrency bounds parallel executions within one batch.
	MaxConcurrency int
	// ToolTimeout bounds each individual execution.
	ToolTimeout time.Duration
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrency
	}
	timeout := cfg.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:       cfg.Registry,
		gate:           cfg.Gate,
		pub:            cfg.Pub,
		store:          cfg.Store,
		maxConcurrency: maxConc,
		toolTimeout:    timeout,
		metrics:        cfg.Metrics,
		logger:         logger.With("component", "dispatcher"),
	}
}

// Dispatch executes the batch and returns one result per call, indexed to
// match the input order regardless of completion order. It returns only
// when every call has settled.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID string, calls []*models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, d.maxConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call *models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = d.executeOne(ctx, conversationID, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) executeOne(ctx context.Context, conversationID string, call *models.ToolCall) models.ToolResult {
	call.StartedAt = time.Now()

	ref, err := d.registry.Resolve(call.Name)
	if err != nil {
		return d.settle(ctx, conversationID, call, failureResult(call,
			NewToolError(ToolErrorNotFound, call.Name, call.ID, err)))
	}
	call.Tier = d.registry.Tier(ref)

	d.publish(conversationID, stream.KindToolCallStart, stream.ToolCallStart{
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  call.Arguments,
		Tier:       string(call.Tier),
	})

	if err := d.registry.ValidateArgs(ref, call.Arguments); err != nil {
		return d.settle(ctx, conversationID, call, failureResult(call,
			NewToolError(ToolErrorInvalidInput, call.Name, call.ID, err)))
	}

	// Destructive calls suspend on the gate before the executor runs.
	if call.Tier == models.TierDestructive && d.gate != nil {
		switch d.gate.Require(ctx, conversationID, call, "destructive tool call") {
		case ApprovalApproved:
			// fall through to execution
		default:
			return d.settle(ctx, conversationID, call, models.ToolResult{
				ToolCallID:  call.ID,
				Content:     fmt.Sprintf("tool call %s was not approved", call.Name),
				IsError:     true,
				FailureKind: string(ToolErrorDenied),
			})
		}
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if call.Tier == models.TierDestructive {
		// Destructive work is hard-killed on turn cancellation.
		execCtx, cancel = context.WithTimeout(ctx, d.toolTimeout)
	} else {
		// Read-only and mutating work settles on its own; a turn cancel
		// does not force-kill it mid-flight.
		execCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), d.toolTimeout)
	}
	defer cancel()

	output, err := d.executeGuarded(execCtx, ref, call)
	if err != nil {
		return d.settle(ctx, conversationID, call, failureResult(call, classifyExecError(call, err)))
	}

	return d.settle(ctx, conversationID, call, models.ToolResult{
		ToolCallID: call.ID,
		Content:    output,
	})
}

// executeGuarded runs the executor with panic recovery. A panicking tool
// settles as a failed result, never as a crashed turn.
func (d *Dispatcher) executeGuarded(ctx context.Context, ref ToolRef, call *models.ToolCall) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked",
				"tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			err = NewToolError(ToolErrorPanic, call.Name, call.ID,
				fmt.Errorf("tool panicked: %v", r))
		}
	}()
	return d.registry.Execute(ctx, ref, call.Arguments)
}

// settle stamps timestamps, publishes the result event, records the call,
// and updates metrics.
func (d *Dispatcher) settle(ctx context.Context, conversationID string, call *models.ToolCall, result models.ToolResult) models.ToolResult {
	call.CompletedAt = time.Now()

	d.publish(conversationID, stream.KindToolCallResult, stream.ToolCallResult{
		ToolCallID:  result.ToolCallID,
		Content:     result.Content,
		IsError:     result.IsError,
		FailureKind: result.FailureKind,
	})

	if d.store != nil {
		// Recording uses a fresh context so a cancelled turn still
		// persists the settled call.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.store.RecordToolCall(recordCtx, conversationID, call, &result); err != nil {
			d.logger.Error("failed to record tool call", "tool", call.Name, "error", err)
		}
	}

	if d.metrics != nil {
		status := "success"
		if result.IsError {
			status = result.FailureKind
			if status == "" {
				status = "error"
			}
		}
		d.metrics.ToolExecutionCounter.WithLabelValues(call.Name, string(call.Tier), status).Inc()
		d.metrics.ToolExecutionDuration.WithLabelValues(call.Name).
			Observe(call.CompletedAt.Sub(call.StartedAt).Seconds())
	}
	return result
}

func (d *Dispatcher) publish(conversationID string, kind stream.Kind, payload any) {
	if d.pub != nil {
		d.pub.Publish(conversationID, kind, payload)
	}
}

func failureResult(call *models.ToolCall, err *ToolError) models.ToolResult {
	return models.ToolResult{
		ToolCallID:  call.ID,
		Content:     err.Error(),
		IsError:     true,
		FailureKind: string(err.Type),
	}
}

func classifyExecError(call *models.ToolCall, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewToolError(ToolErrorTimeout, call.Name, call.ID, err)
	case errors.Is(err, context.Canceled):
		return NewToolError(ToolErrorCancelled, call.Name, call.ID, err)
	default:
		return NewToolError(ToolErrorExecution, call.Name, call.ID, err)
	}
}
