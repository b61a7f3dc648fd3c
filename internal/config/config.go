// Package config loads and validates the server configuration from YAML,
// with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/internal/mcp"
)

// Config is the main configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Tools     ToolsConfig     `yaml:"tools"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Queue     QueueConfig     `yaml:"queue"`
	Stream    StreamConfig    `yaml:"stream"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	// Driver is memory, sqlite, or postgres.
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

type ProvidersConfig struct {
	// Default names the backend used for new conversations.
	Default   string               `yaml:"default"`
	Anthropic AnthropicConfig      `yaml:"anthropic"`
	OpenAI    OpenAIBackendConfig  `yaml:"openai"`
}

type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

type OpenAIBackendConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type AgentConfig struct {
	// SystemPrompt is prepended to every turn.
	SystemPrompt string `yaml:"system_prompt"`
	// MaxToolIterations bounds model/tool round trips per turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// MaxConcurrentTools bounds parallel tool executions per batch.
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`
	// ToolTimeout bounds each tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

type ToolsConfig struct {
	// Workspace is the root directory filesystem tools operate in.
	Workspace    string             `yaml:"workspace"`
	MaxReadBytes int                `yaml:"max_read_bytes"`
	ShellTimeout int                `yaml:"shell_timeout_seconds"`
	MCPServers   []mcp.ServerConfig `yaml:"mcp_servers"`
}

type ApprovalsConfig struct {
	// Timeout expires pending approval requests. Zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout"`
	// Retention keeps decided requests queryable.
	Retention time.Duration `yaml:"retention"`
	// PolicyPath points at a tier-override policy file, hot reloaded when
	// it changes on disk.
	PolicyPath string `yaml:"policy_path"`
}

type QueueConfig struct {
	// Capacity bounds queued messages per conversation.
	Capacity int `yaml:"capacity"`
}

type StreamConfig struct {
	// BufferSize is each subscriber's event channel capacity.
	BufferSize int `yaml:"buffer_size"`
	// OverflowPolicy is drop_oldest or disconnect.
	OverflowPolicy string `yaml:"overflow_policy"`
}

type AuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads a YAML config file, expanding ${ENV} references before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8080},
		Store:  StoreConfig{Driver: "sqlite", Path: "parley.db"},
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		Agent: AgentConfig{
			MaxToolIterations:  50,
			MaxConcurrentTools: 5,
			ToolTimeout:        30 * time.Second,
		},
		Tools: ToolsConfig{Workspace: "."},
		Approvals: ApprovalsConfig{
			Timeout:   5 * time.Minute,
			Retention: time.Hour,
		},
		Queue:  QueueConfig{Capacity: 10},
		Stream: StreamConfig{BufferSize: 256, OverflowPolicy: "drop_oldest"},
		Auth:   AuthConfig{TokenExpiry: 24 * time.Hour},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store driver sqlite requires a path")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}

	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	switch c.Stream.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Stream.OverflowPolicy)
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled without a jwt secret")
	}

	for i := range c.Tools.MCPServers {
		if err := c.Tools.MCPServers[i].Validate(); err != nil {
			return fmt.Errorf("mcp server %d: %w", i, err)
		}
	}
	return nil
}
