package models

import (
	"encoding/json"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		ID:             "m1",
		ConversationID: "c1",
		Position:       3,
		Role:           RoleAssistant,
		Content:        "running a tool",
		ToolCalls: []ToolCall{{
			ID:        "tc1",
			Name:      "fs_read",
			Arguments: json.RawMessage(`{"path":"a.txt"}`),
			Tier:      TierReadOnly,
		}},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Position != 3 || decoded.Role != RoleAssistant {
		t.Errorf("decoded = %+v", decoded)
	}
	if len(decoded.ToolCalls) != 1 || decoded.ToolCalls[0].Tier != TierReadOnly {
		t.Errorf("tool calls = %+v", decoded.ToolCalls)
	}
}

func TestToolResultFailureKindOmitted(t *testing.T) {
	data, err := json.Marshal(ToolResult{ToolCallID: "tc1", Content: "ok"})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, present := raw["failure_kind"]; present {
		t.Error("failure_kind serialized for a successful result")
	}
	if _, present := raw["is_error"]; present {
		t.Error("is_error serialized for a successful result")
	}
}
