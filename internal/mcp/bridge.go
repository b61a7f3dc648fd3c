package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/pkg/models"
)

// ToolCaller is the transport contract the bridge executes against.
type ToolCaller interface {
	ListTools(ctx context.Context, serverID string) ([]*ToolInfo, error)
	CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error)
}

// Bridge exposes one MCP server's tools to the registry. Tool tiers come
// from configuration; a tool without an explicit tier is treated as
// destructive and therefore gated.
type Bridge struct {
	caller ToolCaller
	cfg    ServerConfig

	mu    sync.RWMutex
	tools map[string]*ToolInfo
	order []string
}

// NewBridge creates a bridge for the configured server. Call Refresh before
// registering it so the tool list is populated.
func NewBridge(caller ToolCaller, cfg ServerConfig) *Bridge {
	return &Bridge{
		caller: caller,
		cfg:    cfg,
		tools:  make(map[string]*ToolInfo),
	}
}

// Refresh reloads the server's tool list.
func (b *Bridge) Refresh(ctx context.Context) error {
	infos, err := b.caller.ListTools(ctx, b.cfg.ID)
	if err != nil {
		return fmt.Errorf("list tools on %s: %w", b.cfg.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools = make(map[string]*ToolInfo, len(infos))
	b.order = b.order[:0]
	for _, info := range infos {
		if info.Name == "" {
			continue
		}
		b.tools[info.Name] = info
		b.order = append(b.order, info.Name)
	}
	return nil
}

// ServerID identifies the server.
func (b *Bridge) ServerID() string { return b.cfg.ID }

// HasTool reports whether the server currently offers the named tool.
func (b *Bridge) HasTool(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tools[name]
	return ok
}

// ToolTier returns the configured tier for the tool, defaulting to
// destructive for anything unlisted.
func (b *Bridge) ToolTier(name string) models.ToolTier {
	if tier, ok := b.cfg.ToolTiers[name]; ok {
		switch t := models.ToolTier(tier); t {
		case models.TierReadOnly, models.TierMutating, models.TierDestructive:
			return t
		}
	}
	return models.TierDestructive
}

// Schemas lists the server's tools for the model call.
func (b *Bridge) Schemas() []provider.ToolSchema {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]provider.ToolSchema, 0, len(b.order))
	for _, name := range b.order {
		info := b.tools[name]
		schema := info.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, provider.ToolSchema{
			Name:        info.Name,
			Description: b.describe(info),
			InputSchema: schema,
		})
	}
	return out
}

func (b *Bridge) describe(info *ToolInfo) string {
	if info.Description == "" {
		return fmt.Sprintf("MCP tool %s.%s", b.cfg.ID, info.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", b.cfg.ID, info.Name, info.Description)
}

// CallTool executes the named tool on the server. A result the server marks
// as an error comes back as a Go error so it settles as a failed call.
func (b *Bridge) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if !b.HasTool(name) {
		return "", fmt.Errorf("server %s does not offer tool %s", b.cfg.ID, name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
	}

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	result, err := b.caller.CallTool(ctx, b.cfg.ID, name, arguments)
	if err != nil {
		return "", err
	}
	text := result.Text()
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}
