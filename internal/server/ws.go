package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/auth"
	"github.com/parley-ai/parley/internal/engine"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// wsFrame is the single envelope for every message on the control plane.
// Requests carry type "req" with an id and method; responses echo the id with
// type "res"; server-pushed events use type "evt" with a per-stream seq.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsChatSendParams struct {
	ConversationID string              `json:"conversation_id"`
	Content        string              `json:"content"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
}

type wsConversationParams struct {
	ConversationID string `json:"conversation_id"`
	From           int64  `json:"from,omitempty"`
}

type wsApprovalResolveParams struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

type wsConversationCreateParams struct {
	Title   string `json:"title,omitempty"`
	Model   string `json:"model,omitempty"`
	Project string `json:"project,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) newWSControlPlane() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		user, _ := auth.UserFromContext(r.Context())
		sess := newWSSession(conn, s.engine, user, s.logger)
		sess.run()
	})
}

// wsSession owns one WebSocket connection. All writes funnel through the
// send channel so the write loop is the only goroutine touching the conn.
type wsSession struct {
	conn   *websocket.Conn
	engine *engine.Engine
	user   *models.User
	logger *slog.Logger

	id     string
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Int64
}

func newWSSession(conn *websocket.Conn, eng *engine.Engine, user *models.User, logger *slog.Logger) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		conn:   conn,
		engine: eng,
		user:   user,
		logger: logger.With("component", "ws_session"),
		id:     uuid.NewString(),
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *wsSession) run() {
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) readLoop() {
	defer func() {
		s.cancel()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "session", s.id, "error", err)
			}
			return
		}

		frame, err := decodeWSFrame(data)
		if err != nil {
			s.sendError("", "bad_frame", err.Error())
			continue
		}
		s.handleRequest(frame)
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func decodeWSFrame(data []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if err := validateWSRequestFrame(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (s *wsSession) handleRequest(frame *wsFrame) {
	switch frame.Method {
	case "ping":
		s.sendResponse(frame.ID, map[string]any{"pong": true, "time": time.Now().UTC()})
	case "chat.send":
		s.handleChatSend(frame)
	case "chat.subscribe":
		s.handleChatSubscribe(frame)
	case "chat.cancel":
		s.handleChatCancel(frame)
	case "chat.history":
		s.handleChatHistory(frame)
	case "conversations.create":
		s.handleConversationsCreate(frame)
	case "conversations.list":
		s.handleConversationsList(frame)
	case "approvals.list":
		s.handleApprovalsList(frame)
	case "approvals.resolve":
		s.handleApprovalsResolve(frame)
	default:
		s.sendError(frame.ID, "unknown_method", "unknown method: "+frame.Method)
	}
}

// handleChatSend admits a message and answers with its admission status
// before any stream event flows. When a turn starts, the session forwards
// the turn's events as evt frames until the stream closes.
func (s *wsSession) handleChatSend(frame *wsFrame) {
	var params wsChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.sendError(frame.ID, "bad_params", err.Error())
		return
	}
	if strings.TrimSpace(params.Content) == "" {
		s.sendError(frame.ID, "bad_params", "content is required")
		return
	}

	msg := &models.Message{Content: params.Content, Attachments: params.Attachments}
	status, events, cancel, err := s.engine.SubmitAndFollow(s.ctx, params.ConversationID, msg)
	if err != nil {
		s.sendError(frame.ID, wsErrorCode(err), err.Error())
		return
	}

	s.sendResponse(frame.ID, map[string]any{
		"status":          status,
		"conversation_id": params.ConversationID,
	})
	if events != nil {
		go s.forwardEvents(params.ConversationID, events, cancel)
	}
}

func (s *wsSession) handleChatSubscribe(frame *wsFrame) {
	var params wsConversationParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.sendError(frame.ID, "bad_params", err.Error())
		return
	}

	events, cancel := s.engine.Subscribe(params.ConversationID)
	s.sendResponse(frame.ID, map[string]any{
		"subscribed":      true,
		"conversation_id": params.ConversationID,
		"active":          s.engine.Active(params.ConversationID),
	})
	go s.forwardEvents(params.ConversationID, events, cancel)
}

func (s *wsSession) handleChatCancel(frame *wsFrame) {
	var params wsConversationParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.sendError(frame.ID, "bad_params", err.Error())
		return
	}
	cancelled := s.engine.Cancel(params.ConversationID)
	s.sendResponse(frame.ID, map[string]any{"cancelled": cancelled})
}

func (s *wsSession) handleChatHistory(frame *wsFrame) {
	var params wsConversationParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.sendError(frame.ID, "bad_params", err.Error())
		return
	}
	messages, err := s.engine.History(s.ctx, params.ConversationID, params.From)
	if err != nil {
		s.sendError(frame.ID, wsErrorCode(err), err.Error())
		return
	}
	s.sendResponse(frame.ID, map[string]any{"messages": messages})
}

func (s *wsSession) handleConversationsCreate(frame *wsFrame) {
	var params wsConversationCreateParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			s.sendError(frame.ID, "bad_params", err.Error())
			return
		}
	}
	conv := &models.Conversation{Title: params.Title, Model: params.Model, Project: params.Project}
	if err := s.engine.CreateConversation(s.ctx, conv); err != nil {
		s.sendError(frame.ID, wsErrorCode(err), err.Error())
		return
	}
	s.sendResponse(frame.ID, conv)
}

func (s *wsSession) handleConversationsList(frame *wsFrame) {
	conversations, err := s.engine.ListConversations(s.ctx)
	if err != nil {
		s.sendError(frame.ID, wsErrorCode(err), err.Error())
		return
	}
	s.sendResponse(frame.ID, map[string]any{"conversations": conversations})
}

func (s *wsSession) handleApprovalsList(frame *wsFrame) {
	var params wsConversationParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			s.sendError(frame.ID, "bad_params", err.Error())
			return
		}
	}
	pending := s.engine.PendingApprovals(params.ConversationID)
	s.sendResponse(frame.ID, map[string]any{"approvals": pending})
}

func (s *wsSession) handleApprovalsResolve(frame *wsFrame) {
	var params wsApprovalResolveParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.sendError(frame.ID, "bad_params", err.Error())
		return
	}
	decision := agent.Decision(params.Decision)
	if decision != agent.DecisionApprove && decision != agent.DecisionDeny {
		s.sendError(frame.ID, "bad_params", "decision must be approve or deny")
		return
	}

	decidedBy := ""
	if s.user != nil {
		decidedBy = s.user.ID
	}
	if err := s.engine.ResolveApproval(params.RequestID, decision, decidedBy); err != nil {
		s.sendError(frame.ID, wsErrorCode(err), err.Error())
		return
	}
	s.sendResponse(frame.ID, map[string]any{"resolved": true})
}

// forwardEvents pumps one turn stream to the socket. The pump stops when the
// stream closes, the session ends, or the socket's send buffer stays full.
func (s *wsSession) forwardEvents(conversationID string, events <-chan stream.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.sendEvent(string(ev.Type), conversationID, ev.Payload)
		}
	}
}

func (s *wsSession) sendResponse(id string, payload any) {
	ok := true
	s.enqueue(&wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (s *wsSession) sendError(id, code, message string) {
	ok := false
	s.enqueue(&wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

func (s *wsSession) sendEvent(event, conversationID string, payload any) {
	seq := s.seq.Add(1)
	s.enqueue(&wsFrame{
		Type:    "evt",
		Event:   event,
		ID:      conversationID,
		Payload: payload,
		Seq:     &seq,
	})
}

func (s *wsSession) enqueue(frame *wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("frame marshal failed", "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	default:
		// Slow consumer. Dropping the connection beats unbounded buffering.
		s.logger.Warn("send buffer full, closing session", "session", s.id)
		s.cancel()
	}
}

func wsErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		return "not_found"
	case errors.Is(err, agent.ErrUnknownApproval):
		return "not_found"
	case errors.Is(err, agent.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, engine.ErrRewindActiveTurn):
		return "turn_active"
	default:
		return "internal"
	}
}
