package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/pkg/models"
)

// ApprovalPolicy overrides tool tiers at runtime. Operators use it to
// loosen or tighten gating per tool without restarting the server.
type ApprovalPolicy struct {
	// ToolTiers maps tool name to tier.
	ToolTiers map[string]string `yaml:"tool_tiers"`
}

// TierFor returns the override for a tool, or ok=false when the policy has
// no opinion.
func (p *ApprovalPolicy) TierFor(tool string) (models.ToolTier, bool) {
	if p == nil {
		return "", false
	}
	tier, ok := p.ToolTiers[tool]
	if !ok {
		return "", false
	}
	switch t := models.ToolTier(tier); t {
	case models.TierReadOnly, models.TierMutating, models.TierDestructive:
		return t, true
	}
	return "", false
}

// LoadPolicy reads an approval policy file.
func LoadPolicy(path string) (*ApprovalPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var policy ApprovalPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	for tool, tier := range policy.ToolTiers {
		switch models.ToolTier(tier) {
		case models.TierReadOnly, models.TierMutating, models.TierDestructive:
		default:
			return nil, fmt.Errorf("tool %s has unknown tier %q", tool, tier)
		}
	}
	return &policy, nil
}

// PolicyWatcher reloads the approval policy when its file changes.
type PolicyWatcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current *ApprovalPolicy

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPolicyWatcher loads the policy once and prepares a watcher for it.
func NewPolicyWatcher(path string, logger *slog.Logger) (*PolicyWatcher, error) {
	policy, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		logger:   logger.With("component", "policy"),
		current:  policy,
	}, nil
}

// Current returns the most recently loaded policy.
func (w *PolicyWatcher) Current() *ApprovalPolicy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the policy file. Editors replace files on save, so
// the watch covers the parent directory and filters events by name.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.watchLoop(watchCtx)
	return nil
}

// Close stops the watcher.
func (w *PolicyWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *PolicyWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watch error", "error", err)
		}
	}
}

// reload swaps in the new policy, keeping the old one when the file is
// invalid mid-edit.
func (w *PolicyWatcher) reload() {
	policy, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.Warn("policy reload failed, keeping previous policy", "error", err)
		return
	}
	w.mu.Lock()
	w.current = policy
	w.mu.Unlock()
	w.logger.Info("approval policy reloaded", "tools", len(policy.ToolTiers))
}
