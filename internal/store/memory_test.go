package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/parley-ai/parley/pkg/models"
)

func newTestConversation(t *testing.T, s Store) string {
	t.Helper()
	conv := &models.Conversation{Title: "test"}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv.ID
}

func appendUserMessage(t *testing.T, s Store, convID, content string) int64 {
	t.Helper()
	pos, err := s.AppendMessage(context.Background(), convID, &models.Message{
		Role:    models.RoleUser,
		Content: content,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return pos
}

func TestAppendAssignsSequentialPositions(t *testing.T) {
	s := NewMemoryStore()
	convID := newTestConversation(t, s)

	for i := 0; i < 5; i++ {
		pos := appendUserMessage(t, s, convID, fmt.Sprintf("msg %d", i))
		if pos != int64(i) {
			t.Errorf("position = %d, want %d", pos, i)
		}
	}

	msgs, err := s.ListMessages(context.Background(), convID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("len(msgs) = %d, want 5", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Position != int64(i) {
			t.Errorf("msgs[%d].Position = %d, want %d", i, msg.Position, i)
		}
	}
}

func TestListMessagesFromPosition(t *testing.T) {
	s := NewMemoryStore()
	convID := newTestConversation(t, s)
	for i := 0; i < 4; i++ {
		appendUserMessage(t, s, convID, fmt.Sprintf("msg %d", i))
	}

	msgs, err := s.ListMessages(context.Background(), convID, 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Position != 2 || msgs[1].Position != 3 {
		t.Errorf("positions = %d,%d, want 2,3", msgs[0].Position, msgs[1].Position)
	}
}

func TestTruncateRemovesSuffix(t *testing.T) {
	s := NewMemoryStore()
	convID := newTestConversation(t, s)
	for i := 0; i < 5; i++ {
		appendUserMessage(t, s, convID, fmt.Sprintf("msg %d", i))
	}

	if err := s.Truncate(context.Background(), convID, 1); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	msgs, _ := s.ListMessages(context.Background(), convID, 0)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) after truncate = %d, want 2", len(msgs))
	}

	// Positions restart after the kept prefix.
	pos := appendUserMessage(t, s, convID, "new")
	if pos != 2 {
		t.Errorf("position after truncate = %d, want 2", pos)
	}
}

func TestTruncateIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	convID := newTestConversation(t, s)
	for i := 0; i < 5; i++ {
		appendUserMessage(t, s, convID, fmt.Sprintf("msg %d", i))
	}

	for i := 0; i < 2; i++ {
		if err := s.Truncate(context.Background(), convID, 2); err != nil {
			t.Fatalf("Truncate #%d: %v", i+1, err)
		}
		msgs, _ := s.ListMessages(context.Background(), convID, 0)
		if len(msgs) != 3 {
			t.Fatalf("len(msgs) after truncate #%d = %d, want 3", i+1, len(msgs))
		}
	}
}

func TestForkCopiesPrefixAndIsIndependent(t *testing.T) {
	s := NewMemoryStore()
	convID := newTestConversation(t, s)
	for i := 0; i < 5; i++ {
		appendUserMessage(t, s, convID, fmt.Sprintf("msg %d", i))
	}

	forkID, err := s.Fork(context.Background(), convID, 3)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	srcMsgs, _ := s.ListMessages(context.Background(), convID, 0)
	forkMsgs, _ := s.ListMessages(context.Background(), forkID, 0)
	if len(forkMsgs) != 3 {
		t.Fatalf("len(forkMsgs) = %d, want 3", len(forkMsgs))
	}
	for i, msg := range forkMsgs {
		if msg.Content != srcMsgs[i].Content || msg.Position != srcMsgs[i].Position || msg.Role != srcMsgs[i].Role {
			t.Errorf("fork msg %d = %+v, want value-equal to source %+v", i, msg, srcMsgs[i])
		}
		if msg.ConversationID != forkID {
			t.Errorf("fork msg %d conversation = %s, want %s", i, msg.ConversationID, forkID)
		}
	}

	// Edits to the fork do not touch the source and vice versa.
	appendUserMessage(t, s, forkID, "fork only")
	appendUserMessage(t, s, convID, "source only")

	srcMsgs, _ = s.ListMessages(context.Background(), convID, 0)
	forkMsgs, _ = s.ListMessages(context.Background(), forkID, 0)
	if len(srcMsgs) != 6 {
		t.Errorf("len(srcMsgs) = %d, want 6", len(srcMsgs))
	}
	if len(forkMsgs) != 4 {
		t.Errorf("len(forkMsgs) = %d, want 4", len(forkMsgs))
	}
	if forkMsgs[3].Content != "fork only" {
		t.Errorf("fork tail = %q, want %q", forkMsgs[3].Content, "fork only")
	}
}

func TestRecordAndListToolCalls(t *testing.T) {
	s := NewMemoryStore()
	convID := newTestConversation(t, s)

	call := &models.ToolCall{ID: "tc-1", Name: "fs_read", Tier: models.TierReadOnly}
	result := &models.ToolResult{ToolCallID: "tc-1", Content: "contents"}
	if err := s.RecordToolCall(context.Background(), convID, call, result); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}

	records, err := s.ListToolCalls(context.Background(), convID)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].Call.Name != "fs_read" || records[0].Result.Content != "contents" {
		t.Errorf("record = %+v, want fs_read/contents", records[0])
	}
}

func TestReturnedMessagesAreClones(t *testing.T) {
	s := NewMemoryStore()
	convID := newTestConversation(t, s)
	appendUserMessage(t, s, convID, "original")

	msgs, _ := s.ListMessages(context.Background(), convID, 0)
	msgs[0].Content = "mutated"

	again, _ := s.ListMessages(context.Background(), convID, 0)
	if again[0].Content != "original" {
		t.Errorf("store state leaked: content = %q", again[0].Content)
	}
}

func TestUnknownConversationErrors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "missing", &models.Message{Role: models.RoleUser}); err != ErrConversationNotFound {
		t.Errorf("AppendMessage err = %v, want ErrConversationNotFound", err)
	}
	if _, err := s.ListMessages(ctx, "missing", 0); err != ErrConversationNotFound {
		t.Errorf("ListMessages err = %v, want ErrConversationNotFound", err)
	}
	if _, err := s.Fork(ctx, "missing", 1); err != ErrConversationNotFound {
		t.Errorf("Fork err = %v, want ErrConversationNotFound", err)
	}
}
