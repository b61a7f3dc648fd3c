package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/pkg/models"
)

// Tool is a built-in executor: it runs in-process and declares its own
// schema and tier.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Tier() models.ToolTier
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ProtocolServer exposes tools from an external protocol server. Transport
// details live behind this interface.
type ProtocolServer interface {
	// ServerID identifies the server for diagnostics and ToolRef tagging.
	ServerID() string

	// HasTool reports whether the server currently offers the named tool.
	HasTool(name string) bool

	// ToolTier returns the tier the server declares for the tool.
	ToolTier(name string) models.ToolTier

	// Schemas lists the server's tool schemas for the model call.
	Schemas() []provider.ToolSchema

	// CallTool executes the named tool and returns its textual result.
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// RefKind tags how a tool name resolved.
type RefKind string

const (
	RefBuiltIn  RefKind = "builtin"
	RefProtocol RefKind = "protocol"
)

// ToolRef is the tagged result of resolution: either a built-in or a tool on
// a specific protocol server.
type ToolRef struct {
	Kind   RefKind
	Name   string
	Server string // protocol only
}

// TierOverride lets deployment policy reclassify a tool by name. It returns
// false when the policy has no opinion about the tool.
type TierOverride func(tool string) (models.ToolTier, bool)

// Registry resolves tool names through an ordered lookup: built-ins first,
// then protocol servers in registration order.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Tool
	order    []string
	servers  []ProtocolServer
	compiled map[string]*jsonschema.Schema
	override TierOverride
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// RegisterBuiltIn adds a built-in tool, compiling its schema for argument
// validation. Duplicate names are rejected.
func (r *Registry) RegisterBuiltIn(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if _, exists := r.builtins[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	if schema := tool.Schema(); schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", name, err)
		}
		compiled, err := jsonschema.CompileString(name+".json", string(raw))
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", name, err)
		}
		r.compiled[name] = compiled
	}

	r.builtins[name] = tool
	r.order = append(r.order, name)
	return nil
}

// RegisterServer appends a protocol server to the resolution order.
func (r *Registry) RegisterServer(server ProtocolServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = append(r.servers, server)
}

// Resolve maps a tool name to a tagged reference, built-ins first.
func (r *Registry) Resolve(name string) (ToolRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.builtins[name]; ok {
		return ToolRef{Kind: RefBuiltIn, Name: name}, nil
	}
	for _, server := range r.servers {
		if server.HasTool(name) {
			return ToolRef{Kind: RefProtocol, Name: name, Server: server.ServerID()}, nil
		}
	}
	return ToolRef{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// SetTierOverride installs a policy hook consulted before the tool's own
// tier declaration. Safe to call while turns are running.
func (r *Registry) SetTierOverride(override TierOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = override
}

// Tier returns the tier of a resolved tool. A policy override, when
// installed and opinionated, wins over the tool's declared tier.
func (r *Registry) Tier(ref ToolRef) models.ToolTier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.override != nil {
		if tier, ok := r.override(ref.Name); ok {
			return tier
		}
	}

	switch ref.Kind {
	case RefBuiltIn:
		if tool, ok := r.builtins[ref.Name]; ok {
			return tool.Tier()
		}
	case RefProtocol:
		for _, server := range r.servers {
			if server.ServerID() == ref.Server {
				return server.ToolTier(ref.Name)
			}
		}
	}
	return models.TierDestructive // unknown tools get the strictest gate
}

// ValidateArgs checks arguments against the tool's compiled schema. Tools
// without a schema accept anything; protocol servers validate server-side.
func (r *Registry) ValidateArgs(ref ToolRef, args json.RawMessage) error {
	if ref.Kind != RefBuiltIn {
		return nil
	}
	r.mu.RLock()
	compiled := r.compiled[ref.Name]
	r.mu.RUnlock()
	if compiled == nil {
		return nil
	}

	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("arguments failed schema validation: %w", err)
	}
	return nil
}

// Execute runs a resolved tool.
func (r *Registry) Execute(ctx context.Context, ref ToolRef, args json.RawMessage) (string, error) {
	r.mu.RLock()
	var tool Tool
	var server ProtocolServer
	switch ref.Kind {
	case RefBuiltIn:
		tool = r.builtins[ref.Name]
	case RefProtocol:
		for _, s := range r.servers {
			if s.ServerID() == ref.Server {
				server = s
				break
			}
		}
	}
	r.mu.RUnlock()

	switch {
	case tool != nil:
		return tool.Execute(ctx, args)
	case server != nil:
		return server.CallTool(ctx, ref.Name, args)
	default:
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, ref.Name)
	}
}

// Schemas lists every registered tool's schema for the model call:
// built-ins in registration order, then each server's tools.
func (r *Registry) Schemas() []provider.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []provider.ToolSchema
	for _, name := range r.order {
		tool := r.builtins[name]
		out = append(out, provider.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	for _, server := range r.servers {
		out = append(out, server.Schemas()...)
	}
	return out
}
