package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/auth"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/engine"
	"github.com/parley-ai/parley/internal/mcp"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/pkg/models"
)

// runtime holds the wired engine and everything it needs torn down on exit.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	engine  *engine.Engine
	gate    *agent.Gate
	jwt     *auth.JWTService
	mcp     *mcp.Manager
	watcher *config.PolicyWatcher
}

// buildRuntime assembles the full turn pipeline from configuration: store,
// model backend, tool registry, approval gate, dispatcher, loop, and engine.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	metrics := observability.NewMetrics()

	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := buildBackend(cfg, metrics, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pub := stream.NewPublisher(stream.PublisherConfig{
		BufferSize: cfg.Stream.BufferSize,
		Policy:     stream.OverflowPolicy(cfg.Stream.OverflowPolicy),
		Metrics:    metrics,
		Logger:     logger,
	})

	gate := agent.NewGate(agent.GateConfig{
		Timeout:   cfg.Approvals.Timeout,
		Retention: cfg.Approvals.Retention,
		Publisher: pub,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err := gate.StartSweeper(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("approval sweeper: %w", err)
	}

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		store:  st,
		gate:   gate,
		mcp:    mcp.NewManager(logger),
	}

	registry, err := buildRegistry(ctx, cfg, rt, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Registry:       registry,
		Gate:           gate,
		Pub:            pub,
		Store:          st,
		MaxConcurrency: cfg.Agent.MaxConcurrentTools,
		ToolTimeout:    cfg.Agent.ToolTimeout,
		Metrics:        metrics,
		Logger:         logger,
	})

	loop := agent.NewLoop(agent.LoopConfig{
		Backend:           backend,
		Store:             st,
		Dispatcher:        dispatcher,
		Registry:          registry,
		Pub:               pub,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		System:            cfg.Agent.SystemPrompt,
		Metrics:           metrics,
		Logger:            logger,
	})

	rt.engine = engine.New(engine.Config{
		Store:         st,
		Pub:           pub,
		Gate:          gate,
		Loop:          loop,
		QueueCapacity: cfg.Queue.Capacity,
		Metrics:       metrics,
		Logger:        logger,
	})

	if cfg.Auth.Enabled {
		rt.jwt = auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	}
	return rt, nil
}

// Close tears the runtime down in reverse dependency order.
func (rt *runtime) Close(ctx context.Context) {
	if rt.engine != nil {
		if err := rt.engine.Shutdown(ctx); err != nil {
			rt.logger.Warn("engine shutdown", "error", err)
		}
	}
	if rt.watcher != nil {
		_ = rt.watcher.Close()
	}
	rt.gate.StopSweeper()
	rt.mcp.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close", "error", err)
	}
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path)
	case "postgres":
		return store.NewPostgresStoreFromDSN(cfg.Store.DSN, nil)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildBackend(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (provider.Backend, error) {
	switch cfg.Providers.Default {
	case "anthropic":
		apiKey := cfg.Providers.Anthropic.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return provider.NewAnthropicBackend(provider.AnthropicConfig{
			APIKey:    apiKey,
			Model:     cfg.Providers.Anthropic.Model,
			MaxTokens: cfg.Providers.Anthropic.MaxTokens,
			Metrics:   metrics,
			Logger:    logger,
		})
	case "openai":
		apiKey := cfg.Providers.OpenAI.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return provider.NewOpenAIBackend(provider.OpenAIConfig{
			APIKey:  apiKey,
			Model:   cfg.Providers.OpenAI.Model,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Metrics: metrics,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Providers.Default)
	}
}

func buildRegistry(ctx context.Context, cfg *config.Config, rt *runtime, logger *slog.Logger) (*agent.Registry, error) {
	registry := agent.NewRegistry()

	toolCfg := tools.Config{
		Workspace:    cfg.Tools.Workspace,
		MaxReadBytes: cfg.Tools.MaxReadBytes,
		ShellTimeout: cfg.Tools.ShellTimeout,
	}
	builtins := []agent.Tool{
		tools.NewFsReadTool(toolCfg),
		tools.NewFsWriteTool(toolCfg),
		tools.NewShellTool(toolCfg),
		tools.NewTimeTool(),
	}
	for _, tool := range builtins {
		if err := registry.RegisterBuiltIn(tool); err != nil {
			return nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}

	for _, serverCfg := range cfg.Tools.MCPServers {
		if err := rt.mcp.Connect(ctx, serverCfg); err != nil {
			logger.Warn("mcp server unavailable, skipping", "server", serverCfg.ID, "error", err)
			continue
		}
		bridge := mcp.NewBridge(rt.mcp, serverCfg)
		if err := bridge.Refresh(ctx); err != nil {
			logger.Warn("mcp tool discovery failed, skipping", "server", serverCfg.ID, "error", err)
			continue
		}
		registry.RegisterServer(bridge)
		logger.Info("mcp server registered", "server", serverCfg.ID)
	}

	if cfg.Approvals.PolicyPath != "" {
		watcher, err := config.NewPolicyWatcher(cfg.Approvals.PolicyPath, logger)
		if err != nil {
			return nil, fmt.Errorf("approval policy: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return nil, fmt.Errorf("policy watcher: %w", err)
		}
		rt.watcher = watcher
		registry.SetTierOverride(func(tool string) (tier models.ToolTier, ok bool) {
			if policy := watcher.Current(); policy != nil {
				return policy.TierFor(tool)
			}
			return "", false
		})
	}
	return registry, nil
}
