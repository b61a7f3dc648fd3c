// Package tools provides the built-in tool set: filesystem access, shell
// execution, and clock lookup, each scoped to a workspace root.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config controls built-in tool defaults.
type Config struct {
	// Workspace is the root directory filesystem tools may touch.
	Workspace string
	// MaxReadBytes caps fs_read output. Zero uses a 200 KB default.
	MaxReadBytes int
	// ShellTimeout caps shell_exec runtime in seconds. Zero uses 60.
	ShellTimeout int
}

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}
