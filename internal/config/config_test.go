package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: sk-test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Queue.Capacity != 10 {
		t.Errorf("queue capacity = %d, want default 10", cfg.Queue.Capacity)
	}
	if cfg.Agent.MaxToolIterations != 50 {
		t.Errorf("max iterations = %d, want default 50", cfg.Agent.MaxToolIterations)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Errorf("api key not loaded")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${PARLEY_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want env value", cfg.Providers.Anthropic.APIKey)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "etcd" }},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite"; c.Store.Path = "" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }},
		{"unknown provider", func(c *Config) { c.Providers.Default = "petra" }},
		{"zero queue", func(c *Config) { c.Queue.Capacity = 0 }},
		{"bad overflow", func(c *Config) { c.Stream.OverflowPolicy = "drop_newest" }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted invalid config")
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(`
tool_tiers:
  fs_read: read_only
  shell_exec: destructive
`), 0o644); err != nil {
		t.Fatal(err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if tier, ok := policy.TierFor("fs_read"); !ok || tier != models.TierReadOnly {
		t.Errorf("fs_read tier = %s, %v", tier, ok)
	}
	if _, ok := policy.TierFor("unlisted"); ok {
		t.Error("unlisted tool has an override")
	}
}

func TestLoadPolicyRejectsUnknownTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("tool_tiers:\n  x: harmless\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Error("unknown tier accepted")
	}
}

func TestPolicyWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("tool_tiers:\n  a: read_only\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewPolicyWatcher(path, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond
	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("tool_tiers:\n  a: mutating\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tier, _ := w.Current().TierFor("a"); tier == models.TierMutating {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("policy never reloaded")
}
