package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/pkg/models"
)

type fakeTool struct {
	name    string
	tier    models.ToolTier
	schema  map[string]any
	execute func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *fakeTool) Name() string           { return t.name }
func (t *fakeTool) Description() string    { return "test tool " + t.name }
func (t *fakeTool) Schema() map[string]any { return t.schema }
func (t *fakeTool) Tier() models.ToolTier  { return t.tier }

func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if t.execute != nil {
		return t.execute(ctx, args)
	}
	return "ok:" + t.name, nil
}

type fakeServer struct {
	id    string
	tools map[string]models.ToolTier
	call  func(ctx context.Context, name string, args json.RawMessage) (string, error)
}

func (s *fakeServer) ServerID() string { return s.id }

func (s *fakeServer) HasTool(name string) bool {
	_, ok := s.tools[name]
	return ok
}

func (s *fakeServer) ToolTier(name string) models.ToolTier { return s.tools[name] }

func (s *fakeServer) Schemas() []provider.ToolSchema {
	var out []provider.ToolSchema
	for name := range s.tools {
		out = append(out, provider.ToolSchema{Name: name})
	}
	return out
}

func (s *fakeServer) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if s.call != nil {
		return s.call(ctx, name, args)
	}
	return "server:" + s.id + ":" + name, nil
}

func TestRegistryResolveBuiltInFirst(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterBuiltIn(&fakeTool{name: "search", tier: models.TierReadOnly}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Server offers a tool with the same name; the built-in must win.
	r.RegisterServer(&fakeServer{id: "srv-a", tools: map[string]models.ToolTier{
		"search": models.TierMutating,
		"deploy": models.TierDestructive,
	}})

	ref, err := r.Resolve("search")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.Kind != RefBuiltIn {
		t.Errorf("search resolved to %s, want builtin", ref.Kind)
	}
	if got := r.Tier(ref); got != models.TierReadOnly {
		t.Errorf("tier = %s, want read_only", got)
	}

	ref, err = r.Resolve("deploy")
	if err != nil {
		t.Fatalf("resolve deploy: %v", err)
	}
	if ref.Kind != RefProtocol || ref.Server != "srv-a" {
		t.Errorf("deploy ref = %+v, want protocol on srv-a", ref)
	}
}

func TestRegistryResolveServerOrder(t *testing.T) {
	r := NewRegistry()
	r.RegisterServer(&fakeServer{id: "first", tools: map[string]models.ToolTier{"shared": models.TierReadOnly}})
	r.RegisterServer(&fakeServer{id: "second", tools: map[string]models.ToolTier{"shared": models.TierMutating}})

	ref, err := r.Resolve("shared")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.Server != "first" {
		t.Errorf("resolved to server %s, want first", ref.Server)
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("nope"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
	// An unresolvable ref still classifies at the strictest tier.
	if got := r.Tier(ToolRef{Kind: RefBuiltIn, Name: "nope"}); got != models.TierDestructive {
		t.Errorf("unknown tier = %s, want destructive", got)
	}
}

func TestRegistryDuplicateBuiltIn(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterBuiltIn(&fakeTool{name: "dup"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterBuiltIn(&fakeTool{name: "dup"}); err == nil {
		t.Error("second register succeeded, want error")
	}
}

func TestRegistryValidateArgs(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterBuiltIn(&fakeTool{
		name: "greet",
		schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
			"required":   []any{"name"},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ref, _ := r.Resolve("greet")

	if err := r.ValidateArgs(ref, json.RawMessage(`{"name":"ada"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := r.ValidateArgs(ref, json.RawMessage(`{"name":7}`)); err == nil {
		t.Error("wrong type accepted")
	}
	if err := r.ValidateArgs(ref, nil); err == nil {
		t.Error("missing required field accepted")
	}
	if err := r.ValidateArgs(ref, json.RawMessage(`{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestRegistryExecuteRoutes(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterBuiltIn(&fakeTool{name: "local"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.RegisterServer(&fakeServer{id: "srv", tools: map[string]models.ToolTier{"remote": models.TierReadOnly}})

	ctx := context.Background()
	out, err := r.Execute(ctx, ToolRef{Kind: RefBuiltIn, Name: "local"}, nil)
	if err != nil || out != "ok:local" {
		t.Errorf("builtin execute = %q, %v", out, err)
	}
	out, err = r.Execute(ctx, ToolRef{Kind: RefProtocol, Name: "remote", Server: "srv"}, nil)
	if err != nil || out != "server:srv:remote" {
		t.Errorf("protocol execute = %q, %v", out, err)
	}
}

func TestRegistrySchemasOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if err := r.RegisterBuiltIn(&fakeTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	schemas := r.Schemas()
	if len(schemas) != 3 {
		t.Fatalf("got %d schemas, want 3", len(schemas))
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if schemas[i].Name != want {
			t.Errorf("schemas[%d] = %s, want %s", i, schemas[i].Name, want)
		}
	}
}

func TestRegistryTierOverride(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterBuiltIn(&fakeTool{name: "lookup", tier: models.TierReadOnly}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ref, err := r.Resolve("lookup")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	r.SetTierOverride(func(tool string) (models.ToolTier, bool) {
		if tool == "lookup" {
			return models.TierDestructive, true
		}
		return "", false
	})
	if tier := r.Tier(ref); tier != models.TierDestructive {
		t.Errorf("tier = %s, want destructive override", tier)
	}

	// A policy with no opinion falls back to the tool's declared tier.
	r.SetTierOverride(func(string) (models.ToolTier, bool) { return "", false })
	if tier := r.Tier(ref); tier != models.TierReadOnly {
		t.Errorf("tier = %s, want read_only", tier)
	}
}
