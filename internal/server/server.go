// Package server exposes the engine over HTTP and WebSocket. Both clients,
// the terminal REPL and the web client, speak to the same engine surface;
// this package is the network rendering of it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/auth"
	"github.com/parley-ai/parley/internal/engine"
)

// Server is the HTTP/WebSocket front of the engine.
type Server struct {
	engine *engine.Engine
	jwt    *auth.JWTService
	logger *slog.Logger
	http   *http.Server
}

// Config configures the server.
type Config struct {
	Host   string
	Port   int
	Engine *engine.Engine
	JWT    *auth.JWTService
	Logger *slog.Logger
}

// New creates a server with its routes registered.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: cfg.Engine,
		jwt:    cfg.JWT,
		logger: logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()
	api.HandleFunc("GET /api/conversations", s.handleListConversations)
	api.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	api.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	api.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	api.HandleFunc("POST /api/conversations/{id}/messages", s.handleSubmitMessage)
	api.HandleFunc("POST /api/conversations/{id}/cancel", s.handleCancel)
	api.HandleFunc("POST /api/conversations/{id}/fork", s.handleFork)
	api.HandleFunc("POST /api/conversations/{id}/rewind", s.handleRewind)
	api.HandleFunc("GET /api/approvals", s.handleListApprovals)
	api.HandleFunc("POST /api/approvals/{id}", s.handleResolveApproval)
	api.Handle("/ws", s.newWSControlPlane())

	guard := auth.Middleware(s.jwt, s.logger)
	mux.Handle("/api/", guard(api))
	mux.Handle("/ws", guard(api))

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
