package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/engine"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/pkg/models"
)

// scriptedRunner emits a fixed stream for every turn and completes.
type scriptedRunner struct {
	pub *stream.Publisher
}

func (r *scriptedRunner) Run(ctx context.Context, conversationID string) agent.Outcome {
	r.pub.Publish(conversationID, stream.KindTextDelta, stream.TextDelta{Text: "hello"})
	r.pub.Publish(conversationID, stream.KindDone, stream.Done{Outcome: "completed", Iterations: 1})
	return agent.Outcome{Status: agent.StatusCompleted, Iterations: 1}
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.CreateConversation(context.Background(), &models.Conversation{ID: "conv-1"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	pub := stream.NewPublisher(stream.PublisherConfig{BufferSize: 16})
	eng := engine.New(engine.Config{
		Store: st,
		Pub:   pub,
		Gate:  agent.NewGate(agent.GateConfig{}),
		Loop:  &scriptedRunner{pub: pub},
	})
	return New(Config{Host: "127.0.0.1", Port: 0, Engine: eng}), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestConversationLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/conversations", map[string]string{"title": "demo"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var conv models.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.ID == "" || conv.Title != "demo" {
		t.Fatalf("conversation = %+v", conv)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/conversations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Conversations []*models.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Conversations) != 2 {
		t.Errorf("conversations = %d, want 2", len(list.Conversations))
	}

	rec = doJSON(t, h, http.MethodGet, "/api/conversations/no-such", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown get status = %d, want 404", rec.Code)
	}
}

func TestSubmitMessageEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/conversations/conv-1/messages", map[string]string{"content": "hi"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(engine.StatusStarted) {
		t.Errorf("status = %q, want started", body["status"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		messages, _ := st.ListMessages(context.Background(), "conv-1", 0)
		if len(messages) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message never persisted")
}

func TestSubmitMessageRejectsEmptyContent(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/conversations/conv-1/messages", map[string]string{"content": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestForkAndRewindEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	h := s.Handler()
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		if _, err := st.AppendMessage(ctx, "conv-1", &models.Message{Role: models.RoleUser, Content: content}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/api/conversations/conv-1/fork", map[string]int64{"at_position": 2})
	if rec.Code != http.StatusCreated {
		t.Fatalf("fork status = %d: %s", rec.Code, rec.Body.String())
	}
	var fork map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &fork); err != nil {
		t.Fatalf("decode: %v", err)
	}
	forked, err := st.ListMessages(ctx, fork["conversation_id"], 0)
	if err != nil {
		t.Fatalf("list fork: %v", err)
	}
	if len(forked) != 2 {
		t.Errorf("fork messages = %d, want 2", len(forked))
	}

	rec = doJSON(t, h, http.MethodPost, "/api/conversations/conv-1/rewind", map[string]int64{"after_position": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("rewind status = %d: %s", rec.Code, rec.Body.String())
	}
	remaining, _ := st.ListMessages(ctx, "conv-1", 0)
	if len(remaining) != 1 {
		t.Errorf("remaining = %d, want 1", len(remaining))
	}
}

func TestResolveApprovalEndpointErrors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/approvals/no-such", map[string]string{"decision": "approve"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown approval status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/approvals/no-such", map[string]string{"decision": "maybe"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad decision status = %d, want 400", rec.Code)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &frame
}

func TestWSPing(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{"type": "req", "id": "1", "method": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != "res" || frame.ID != "1" || frame.OK == nil || !*frame.OK {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestWSRejectsInvalidFrame(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	// Missing the required id field.
	if err := conn.WriteJSON(map[string]any{"type": "req", "method": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.OK == nil || *frame.OK || frame.Error == nil {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Error.Code != "bad_frame" {
		t.Errorf("code = %q", frame.Error.Code)
	}
}

func TestWSChatSendStreams(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	err := conn.WriteJSON(map[string]any{
		"type": "req", "id": "42", "method": "chat.send",
		"params": map[string]any{"conversation_id": "conv-1", "content": "hi"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	res := readFrame(t, conn)
	if res.Type != "res" || res.ID != "42" {
		t.Fatalf("response frame = %+v", res)
	}
	var status struct {
		Status string `json:"status"`
	}
	raw, _ := json.Marshal(res.Payload)
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if status.Status != string(engine.StatusStarted) {
		t.Fatalf("status = %q, want started", status.Status)
	}

	var kinds []string
	for len(kinds) < 2 {
		frame := readFrame(t, conn)
		if frame.Type != "evt" {
			t.Fatalf("frame type = %q, want evt", frame.Type)
		}
		kinds = append(kinds, frame.Event)
	}
	if kinds[0] != string(stream.KindTextDelta) || kinds[1] != string(stream.KindDone) {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestWSUnknownMethod(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{"type": "req", "id": "7", "method": "nope"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Error == nil || frame.Error.Code != "unknown_method" {
		t.Fatalf("frame = %+v", frame)
	}
}
