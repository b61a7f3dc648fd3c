package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/models"
)

// MemoryStore is an in-memory Store for tests and the default REPL session.
// All returned entities are deep clones; callers never share memory with the
// store's internal state.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	nextPosition  map[string]int64
	toolCalls     map[string][]*ToolCallRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		nextPosition:  make(map[string]int64),
		toolCalls:     make(map[string][]*ToolCallRecord),
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return ErrConversationExists
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.nextPosition, id)
	delete(s.toolCalls, id)
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ConversationID = conversationID
	msg.Position = s.nextPosition[conversationID]
	s.nextPosition[conversationID]++

	s.messages[conversationID] = append(s.messages[conversationID], cloneMessage(msg))
	conv.UpdatedAt = time.Now()
	return msg.Position, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, fromPosition int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}

	var out []*models.Message
	for _, msg := range s.messages[conversationID] {
		if msg.Position >= fromPosition {
			out = append(out, cloneMessage(msg))
		}
	}
	return out, nil
}

func (s *MemoryStore) Truncate(ctx context.Context, conversationID string, afterPosition int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}

	msgs := s.messages[conversationID]
	kept := msgs[:0]
	for _, msg := range msgs {
		if msg.Position <= afterPosition {
			kept = append(kept, msg)
		}
	}
	s.messages[conversationID] = kept
	if next := afterPosition + 1; s.nextPosition[conversationID] > next {
		s.nextPosition[conversationID] = next
	}
	return nil
}

func (s *MemoryStore) RecordToolCall(ctx context.Context, conversationID string, call *models.ToolCall, result *models.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}
	s.toolCalls[conversationID] = append(s.toolCalls[conversationID], &ToolCallRecord{
		ConversationID: conversationID,
		Call:           *call,
		Result:         *result,
	})
	return nil
}

func (s *MemoryStore) ListToolCalls(ctx context.Context, conversationID string) ([]*ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	records := s.toolCalls[conversationID]
	out := make([]*ToolCallRecord, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Fork(ctx context.Context, conversationID string, atPosition int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.conversations[conversationID]
	if !ok {
		return "", ErrConversationNotFound
	}

	now := time.Now()
	fork := cloneConversation(src)
	fork.ID = uuid.New().String()
	fork.CreatedAt = now
	fork.UpdatedAt = now

	var copied []*models.Message
	var next int64
	for _, msg := range s.messages[conversationID] {
		if msg.Position >= atPosition {
			continue
		}
		cp := cloneMessage(msg)
		cp.ID = uuid.New().String()
		cp.ConversationID = fork.ID
		copied = append(copied, cp)
		if cp.Position+1 > next {
			next = cp.Position + 1
		}
	}

	s.conversations[fork.ID] = fork
	s.messages[fork.ID] = copied
	s.nextPosition[fork.ID] = next
	return fork.ID, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	cp := *conv
	if conv.Metadata != nil {
		cp.Metadata = make(map[string]any, len(conv.Metadata))
		for k, v := range conv.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneMessage(msg *models.Message) *models.Message {
	cp := *msg
	if msg.Attachments != nil {
		cp.Attachments = append([]models.Attachment(nil), msg.Attachments...)
	}
	if msg.ToolCalls != nil {
		cp.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	}
	if msg.ToolResults != nil {
		cp.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	}
	if msg.Metadata != nil {
		cp.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
