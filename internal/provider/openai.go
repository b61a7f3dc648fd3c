package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-ai/parley/internal/backoff"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIBackend streams completions from the OpenAI Chat Completions API.
type OpenAIBackend struct {
	client      *openai.Client
	model       string
	maxTokens   int
	maxAttempts int
	retryPolicy backoff.Policy
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxAttempts int
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// NewOpenAIBackend builds a backend from config.
func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		maxAttempts: attempts,
		retryPolicy: backoff.DefaultPolicy(),
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "provider.openai"),
	}, nil
}

func (b *OpenAIBackend) Name() string {
	return "openai"
}

func (b *OpenAIBackend) StreamCompletion(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: b.convertMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if b.maxTokens > 0 {
		chatReq.MaxTokens = b.maxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	start := time.Now()
	stream, err := backoff.Retry(ctx, b.retryPolicy, b.maxAttempts, IsRetryable,
		func(attempt int) (*openai.ChatCompletionStream, error) {
			if attempt > 1 {
				b.logger.Debug("retrying stream creation", "attempt", attempt, "model", model)
			}
			s, err := b.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				return nil, b.wrapError(err, model)
			}
			return s, nil
		})
	if err != nil {
		b.recordRequest(model, start, err)
		return nil, b.wrapError(err, model)
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		b.recordRequest(model, start, b.processStream(ctx, stream, chunks, model))
	}()
	return chunks, nil
}

// recordRequest counts one backend call and observes its full streaming
// latency.
func (b *OpenAIBackend) recordRequest(model string, start time.Time, err error) {
	if b.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	b.metrics.BackendRequestCounter.WithLabelValues("openai", model, status).Inc()
	b.metrics.BackendRequestDuration.WithLabelValues("openai", model).Observe(time.Since(start).Seconds())
}

// processStream accumulates tool-call fragments by index until the stream
// finishes, then emits the assembled calls before Done.
func (b *OpenAIBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) error {
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	argBuffers := make(map[int]string)
	var order []int

	flushToolCalls := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc == nil || tc.Name == "" {
				continue
			}
			args := argBuffers[idx]
			if args == "" {
				args = "{}"
			}
			tc.Arguments = json.RawMessage(args)
			chunks <- &Chunk{ToolCall: tc}
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: ctx.Err()}
			return ctx.Err()
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				chunks <- &Chunk{Done: true}
				return nil
			}
			wrapped := b.wrapError(err, model)
			chunks <- &Chunk{Err: wrapped}
			return wrapped
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			chunks <- &Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				argBuffers[index] += tc.Function.Arguments
			}
		}
	}
}

func (b *OpenAIBackend) convertMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case models.RoleSystem:
			// Already carried via the system parameter.

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}
	}
	return result
}

func (b *OpenAIBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var existing *BackendError
	if errors.As(err, &existing) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		be := (&BackendError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Kind:     KindUnknown,
			Message:  apiErr.Message,
		}).WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			be = be.WithCode(code)
		}
		return be
	}

	return NewBackendError("openai", model, err)
}
