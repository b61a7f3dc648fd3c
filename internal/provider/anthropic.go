package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parley-ai/parley/internal/backoff"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096

	// Consecutive events that produce no output before the stream is
	// declared malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicBackend streams completions from the Anthropic Messages API.
type AnthropicBackend struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	maxAttempts int
	retryPolicy backoff.Policy
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// MaxAttempts bounds stream-creation retries for transient failures.
	MaxAttempts int
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// NewAnthropicBackend builds a backend from config.
func NewAnthropicBackend(cfg AnthropicConfig) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AnthropicBackend{
		client:      anthropic.NewClient(options...),
		model:       model,
		maxTokens:   maxTokens,
		maxAttempts: attempts,
		retryPolicy: backoff.DefaultPolicy(),
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "provider.anthropic"),
	}, nil
}

func (b *AnthropicBackend) Name() string {
	return "anthropic"
}

func (b *AnthropicBackend) StreamCompletion(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		start := time.Now()

		// Stream creation is retried for transient failures; auth and
		// invalid-request errors come back on the first attempt.
		stream, err := backoff.Retry(ctx, b.retryPolicy, b.maxAttempts, IsRetryable,
			func(attempt int) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
				if attempt > 1 {
					b.logger.Debug("retrying stream creation", "attempt", attempt, "model", model)
				}
				s := b.client.Messages.NewStreaming(ctx, params)
				if err := s.Err(); err != nil {
					return nil, b.wrapError(err, model)
				}
				return s, nil
			})
		if err != nil {
			b.recordRequest(model, start, err)
			chunks <- &Chunk{Err: b.wrapError(err, model)}
			return
		}

		b.recordRequest(model, start, b.processStream(stream, chunks, model))
	}()
	return chunks, nil
}

// recordRequest counts one backend call and observes its full streaming
// latency.
func (b *AnthropicBackend) recordRequest(model string, start time.Time, err error) {
	if b.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	b.metrics.BackendRequestCounter.WithLabelValues("anthropic", model, status).Inc()
	b.metrics.BackendRequestDuration.WithLabelValues("anthropic", model).Observe(time.Since(start).Seconds())
}

func (b *AnthropicBackend) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := b.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = b.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params, nil
}

// processStream translates Anthropic SSE events into chunks. Tool-call
// arguments arrive as input_json_delta fragments and are assembled until the
// content block stops.
func (b *AnthropicBackend) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk, model string) error {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				args := currentToolInput.String()
				if args == "" {
					args = "{}"
				}
				currentToolCall.Arguments = json.RawMessage(args)
				chunks <- &Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return nil

		case "error":
			err := b.wrapError(errors.New("anthropic stream error"), model)
			chunks <- &Chunk{Err: err}
			return err
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				err := b.wrapError(
					fmt.Errorf("stream malformed: %d consecutive empty events", emptyEvents), model)
				chunks <- &Chunk{Err: err}
				return err
			}
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := b.wrapError(err, model)
		chunks <- &Chunk{Err: wrapped}
		return wrapped
	}
	return nil
}

func (b *AnthropicBackend) convertMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("tool call %s has invalid arguments: %w", tc.ID, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results travel as user-role messages in the Messages API.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := tool.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := tool.InputSchema["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (b *AnthropicBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var existing *BackendError
	if errors.As(err, &existing) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		be := (&BackendError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Kind:     KindUnknown,
		}).WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					be = be.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					be = be.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					be = be.WithRequestID(payload.RequestID)
				}
			}
		}
		if be.Message == "" {
			be.Message = "anthropic request failed"
		}
		return be
	}

	return NewBackendError("anthropic", model, err)
}
