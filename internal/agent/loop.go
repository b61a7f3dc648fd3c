package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/pkg/models"
)

const defaultMaxToolIterations = 50

// Outcome status values. They mirror the terminal event a subscriber sees.
const (
	StatusCompleted     = "completed"
	StatusCancelled     = "cancelled"
	StatusMaxIterations = "max_iterations"
	StatusFailed        = "failed"
)

// Outcome is the terminal state of one turn.
type Outcome struct {
	Status     string
	Iterations int
	Err        error
}

// Loop is the turn controller. One Run drives a full turn: stream a model
// response, execute any requested tool calls, feed results back, and repeat
// until the model answers with plain text or a bound is hit. Cancellation is
// observed at suspension points; a turn cancelled mid-stream keeps the text
// produced so far.
type Loop struct {
	backend    provider.Backend
	store      store.Store
	dispatcher *Dispatcher
	registry   *Registry
	pub        *stream.Publisher

	maxToolIterations int
	model             string
	system            string
	maxTokens         int
	metrics           *observability.Metrics
	logger            *slog.Logger
}

// LoopConfig configures a turn controller.
type LoopConfig struct {
	Backend    provider.Backend
	Store      store.Store
	Dispatcher *Dispatcher
	Registry   *Registry
	Pub        *stream.Publisher

	// MaxToolIterations bounds model/tool round trips per turn.
	MaxToolIterations int
	Model             string
	System            string
	MaxTokens         int
	Metrics           *observability.Metrics
	Logger            *slog.Logger
}

// NewLoop creates a turn controller.
func NewLoop(cfg LoopConfig) *Loop {
	maxIter := cfg.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxToolIterations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		backend:           cfg.Backend,
		store:             cfg.Store,
		dispatcher:        cfg.Dispatcher,
		registry:          cfg.Registry,
		pub:               cfg.Pub,
		maxToolIterations: maxIter,
		model:             cfg.Model,
		system:            cfg.System,
		maxTokens:         cfg.MaxTokens,
		metrics:           cfg.Metrics,
		logger:            logger.With("component", "loop"),
	}
}

// Run executes one turn for the conversation. The caller has already
// persisted the triggering user message; Run loads the transcript from the
// store so forks and rewinds are picked up transparently. It publishes a
// terminal done or error event before returning.
func (l *Loop) Run(ctx context.Context, conversationID string) Outcome {
	started := time.Now()
	outcome := l.run(ctx, conversationID)

	switch outcome.Status {
	case StatusFailed:
		if outcome.Err != nil {
			kind := ""
			var be *provider.BackendError
			if errors.As(outcome.Err, &be) {
				kind = string(be.Kind)
			}
			l.publish(conversationID, stream.KindError, stream.Error{
				Message: outcome.Err.Error(),
				Kind:    kind,
			})
		}
	default:
		l.publish(conversationID, stream.KindDone, stream.Done{
			Outcome:    outcome.Status,
			Iterations: outcome.Iterations,
		})
	}

	if l.metrics != nil {
		l.metrics.TurnCounter.WithLabelValues(outcome.Status).Inc()
		l.metrics.TurnDuration.WithLabelValues(outcome.Status).Observe(time.Since(started).Seconds())
	}
	l.logger.Info("turn finished",
		"conversation_id", conversationID,
		"status", outcome.Status,
		"iterations", outcome.Iterations,
		"duration", time.Since(started))
	return outcome
}

func (l *Loop) run(ctx context.Context, conversationID string) Outcome {
	for iteration := 1; iteration <= l.maxToolIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: StatusCancelled, Iterations: iteration - 1, Err: err}
		}

		messages, err := l.store.ListMessages(ctx, conversationID, 0)
		if err != nil {
			return Outcome{
				Status:     StatusFailed,
				Iterations: iteration - 1,
				Err:        &LoopError{Phase: PhaseInit, Iteration: iteration, Cause: err},
			}
		}

		req := &provider.Request{
			Model:     l.model,
			System:    l.system,
			Messages:  messages,
			MaxTokens: l.maxTokens,
		}
		if l.registry != nil {
			req.Tools = l.registry.Schemas()
		}

		text, toolCalls, streamErr, cancelled := l.consumeStream(ctx, conversationID, req)

		// Whatever text arrived before a cancel or error is part of the
		// conversation record.
		if text != "" || len(toolCalls) > 0 {
			if err := l.persistAssistant(ctx, conversationID, text, toolCalls); err != nil {
				return Outcome{
					Status:     StatusFailed,
					Iterations: iteration,
					Err:        &LoopError{Phase: PhasePersist, Iteration: iteration, Cause: err},
				}
			}
		}
		if cancelled {
			return Outcome{Status: StatusCancelled, Iterations: iteration, Err: ctx.Err()}
		}
		if streamErr != nil {
			return Outcome{
				Status:     StatusFailed,
				Iterations: iteration,
				Err:        &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: streamErr},
			}
		}

		if len(toolCalls) == 0 {
			return Outcome{Status: StatusCompleted, Iterations: iteration}
		}

		results := l.dispatcher.Dispatch(ctx, conversationID, toolCalls)
		if err := l.persistToolResults(ctx, conversationID, results); err != nil {
			return Outcome{
				Status:     StatusFailed,
				Iterations: iteration,
				Err:        &LoopError{Phase: PhaseDispatch, Iteration: iteration, Cause: err},
			}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Status: StatusCancelled, Iterations: iteration, Err: err}
		}
	}

	return Outcome{
		Status:     StatusMaxIterations,
		Iterations: l.maxToolIterations,
		Err:        ErrMaxIterations,
	}
}

// consumeStream reads one model response. It returns the accumulated text,
// any requested tool calls, the stream error if one occurred, and whether
// the turn context was cancelled mid-stream.
func (l *Loop) consumeStream(ctx context.Context, conversationID string, req *provider.Request) (string, []*models.ToolCall, error, bool) {
	chunks, err := l.backend.StreamCompletion(ctx, req)
	if err != nil {
		return "", nil, err, false
	}

	var text strings.Builder
	var toolCalls []*models.ToolCall

	for {
		select {
		case <-ctx.Done():
			// The provider goroutine blocks on sends until its channel is
			// drained; detach a drainer so it can wind down.
			go func() {
				for range chunks {
				}
			}()
			return text.String(), toolCalls, nil, true
		case chunk, ok := <-chunks:
			if !ok {
				return text.String(), toolCalls, nil, false
			}
			switch {
			case chunk.Err != nil:
				return text.String(), toolCalls, chunk.Err, false
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				l.publish(conversationID, stream.KindTextDelta, stream.TextDelta{Text: chunk.Text})
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, chunk.ToolCall)
			}
		}
	}
}

func (l *Loop) persistAssistant(ctx context.Context, conversationID, text string, toolCalls []*models.ToolCall) error {
	msg := &models.Message{
		ID:      uuid.NewString(),
		Role:    models.RoleAssistant,
		Content: text,
	}
	for _, call := range toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, *call)
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	_, err := l.store.AppendMessage(pctx, conversationID, msg)
	return err
}

func (l *Loop) persistToolResults(ctx context.Context, conversationID string, results []models.ToolResult) error {
	msg := &models.Message{
		ID:          uuid.NewString(),
		Role:        models.RoleTool,
		ToolResults: results,
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	_, err := l.store.AppendMessage(pctx, conversationID, msg)
	return err
}

// persistCtx detaches persistence from turn cancellation so a cancelled
// turn still commits the partial transcript.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (l *Loop) publish(conversationID string, kind stream.Kind, payload any) {
	if l.pub != nil {
		l.pub.Publish(conversationID, kind, payload)
	}
}
