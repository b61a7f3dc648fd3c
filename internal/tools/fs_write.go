package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parley-ai/parley/pkg/models"
)

// FsWriteTool writes files inside the workspace.
type FsWriteTool struct {
	resolver Resolver
}

// NewFsWriteTool creates a write tool scoped to the workspace.
func NewFsWriteTool(cfg Config) *FsWriteTool {
	return &FsWriteTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *FsWriteTool) Name() string { return "fs_write" }

func (t *FsWriteTool) Description() string {
	return "Write content to a file in the workspace (overwrites by default)."
}

func (t *FsWriteTool) Tier() models.ToolTier { return models.TierMutating }

func (t *FsWriteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to write (relative to workspace).",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "File contents to write.",
			},
			"append": map[string]any{
				"type":        "boolean",
				"description": "Append instead of overwrite (default: false).",
			},
		},
		"required": []any{"path", "content"},
	}
}

// Execute writes file contents.
func (t *FsWriteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(input.Path) == "" {
		return "", fmt.Errorf("path is required")
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	n, err := file.WriteString(input.Content)
	if err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	result := map[string]any{
		"path":          input.Path,
		"bytes_written": n,
		"append":        input.Append,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(payload), nil
}
