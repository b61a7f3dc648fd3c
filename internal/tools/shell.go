package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

const maxShellOutput = 100000

// ShellTool runs shell commands in the workspace. It is destructive tier:
// every invocation suspends on the approval gate before running.
type ShellTool struct {
	workspace string
	timeout   time.Duration
}

// NewShellTool creates a shell tool rooted at the workspace.
func NewShellTool(cfg Config) *ShellTool {
	timeout := time.Duration(cfg.ShellTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ShellTool{workspace: cfg.Workspace, timeout: timeout}
}

func (t *ShellTool) Name() string { return "shell_exec" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return its output."
}

func (t *ShellTool) Tier() models.ToolTier { return models.TierDestructive }

func (t *ShellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (0 = tool default).",
				"minimum":     0,
			},
		},
		"required": []any{"command"},
	}
}

// Execute runs the command under sh -c with a bounded timeout. The command
// is killed when the context is cancelled.
func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	dir := t.workspace
	if input.Cwd != "" {
		resolved, err := Resolver{Root: t.workspace}.Resolve(input.Cwd)
		if err != nil {
			return "", err
		}
		dir = resolved
	}

	timeout := t.timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	// A context kill reports as an ExitError; surface the timeout instead.
	if ctxErr := runCtx.Err(); ctxErr != nil {
		return "", fmt.Errorf("command timed out after %s: %w", timeout, ctxErr)
	}

	output := buf.String()
	truncated := false
	if len(output) > maxShellOutput {
		output = output[:maxShellOutput]
		truncated = true
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("run command: %w", runErr)
		}
	}

	result := map[string]any{
		"command":   command,
		"exit_code": exitCode,
		"output":    output,
		"truncated": truncated,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(payload), nil
}
