package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the clients for every configured MCP server and routes
// bridge calls to them by server ID. It satisfies ToolCaller.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "mcp_manager"),
		clients: make(map[string]*Client),
	}
}

// Connect validates the config, connects a client, and registers it. A
// server that fails to connect is not registered.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.clients[cfg.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("server %s already connected", cfg.ID)
	}
	m.mu.Unlock()

	client := NewClient(&cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	m.clients[cfg.ID] = client
	m.mu.Unlock()
	return nil
}

// ListTools implements ToolCaller.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]*ToolInfo, error) {
	client, err := m.client(serverID)
	if err != nil {
		return nil, err
	}
	return client.ListTools(ctx)
}

// CallTool implements ToolCaller.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, err := m.client(serverID)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, toolName, arguments)
}

// Close shuts down every client.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("close failed", "server", id, "error", err)
		}
		delete(m.clients, id)
	}
}

func (m *Manager) client(serverID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[serverID]
	if !ok {
		return nil, fmt.Errorf("unknown MCP server: %s", serverID)
	}
	return client, nil
}
