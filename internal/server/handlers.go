package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/auth"
	"github.com/parley-ai/parley/internal/engine"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// mapStoreError turns store sentinels into HTTP status codes.
func mapStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConversationExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrRewindActiveTurn):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.engine.ListConversations(r.Context())
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var conv models.Conversation
	if err := json.NewDecoder(r.Body).Decode(&conv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.engine.CreateConversation(r.Context(), &conv); err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	var from int64
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid from position")
			return
		}
		from = parsed
	}
	messages, err := s.engine.History(r.Context(), r.PathValue("id"), from)
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleSubmitMessage accepts a message over plain HTTP. The answer carries
// the admission status only; streaming clients use the WebSocket surface.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content     string              `json:"content"`
		Attachments []models.Attachment `json:"attachments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	status, err := s.engine.Submit(r.Context(), r.PathValue("id"), &models.Message{
		Content:     body.Content,
		Attachments: body.Attachments,
	})
	if err != nil {
		mapStoreError(w, err)
		return
	}
	code := http.StatusAccepted
	if status == engine.StatusRejected {
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, map[string]any{"status": status})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.engine.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AtPosition int64 `json:"at_position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	forkID, err := s.engine.Fork(r.Context(), r.PathValue("id"), body.AtPosition)
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation_id": forkID})
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AfterPosition int64 `json:"after_position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.engine.Rewind(r.Context(), r.PathValue("id"), body.AfterPosition); err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"truncated_after": body.AfterPosition})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.PendingApprovals(r.URL.Query().Get("conversation_id"))
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	decision := agent.Decision(body.Decision)
	if decision != agent.DecisionApprove && decision != agent.DecisionDeny {
		writeError(w, http.StatusBadRequest, "decision must be approve or deny")
		return
	}

	decidedBy := ""
	if user, ok := auth.UserFromContext(r.Context()); ok {
		decidedBy = user.ID
	}
	err := s.engine.ResolveApproval(r.PathValue("id"), decision, decidedBy)
	switch {
	case errors.Is(err, agent.ErrUnknownApproval):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
	}
}
