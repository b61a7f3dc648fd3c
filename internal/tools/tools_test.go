package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolverConfinesToWorkspace(t *testing.T) {
	root := t.TempDir()
	r := Resolver{Root: root}

	resolved, err := r.Resolve("notes/a.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(resolved, root) {
		t.Errorf("resolved %q outside root %q", resolved, root)
	}

	for _, path := range []string{"../escape.txt", "a/../../escape.txt", ""} {
		if _, err := r.Resolve(path); err == nil {
			t.Errorf("Resolve(%q) succeeded, want error", path)
		}
	}
}

func TestFsReadTool(t *testing.T) {
	root := t.TempDir()
	content := "line one\nline two\n"
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewFsReadTool(Config{Workspace: root})
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"f.txt"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var result struct {
		Content   string `json:"content"`
		Bytes     int    `json:"bytes"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Content != content || result.Truncated {
		t.Errorf("result = %+v", result)
	}

	// Offset and limit apply together.
	out, err = tool.Execute(context.Background(), json.RawMessage(`{"path":"f.txt","offset":5,"max_bytes":3}`))
	if err != nil {
		t.Fatalf("execute with offset: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Content != "one" || !result.Truncated {
		t.Errorf("offset result = %+v", result)
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"missing.txt"}`)); err == nil {
		t.Error("read of missing file succeeded")
	}
}

func TestFsWriteTool(t *testing.T) {
	root := t.TempDir()
	tool := NewFsWriteTool(Config{Workspace: root})

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"sub/out.txt","content":"hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "sub", "out.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"sub/out.txt","content":" world","append":true}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(root, "sub", "out.txt"))
	if string(data) != "hello world" {
		t.Errorf("appended content = %q", data)
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"../outside.txt","content":"x"}`)); err == nil {
		t.Error("write outside workspace succeeded")
	}
}

func TestShellTool(t *testing.T) {
	root := t.TempDir()
	tool := NewShellTool(Config{Workspace: root})

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"echo hi; exit 3"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var result struct {
		ExitCode int    `json:"exit_code"`
		Output   string `json:"output"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.ExitCode != 3 || !strings.Contains(result.Output, "hi") {
		t.Errorf("result = %+v", result)
	}
}

func TestShellToolTimeout(t *testing.T) {
	tool := NewShellTool(Config{Workspace: t.TempDir()})
	start := time.Now()
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"sleep 10","timeout_seconds":1}`))
	if err == nil {
		t.Fatal("timed-out command succeeded")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestTimeTool(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	tool := &TimeTool{now: func() time.Time { return fixed }}

	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var result struct {
		Time     string `json:"time"`
		Timezone string `json:"timezone"`
		Weekday  string `json:"weekday"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Timezone != "UTC" || result.Weekday != "Friday" {
		t.Errorf("result = %+v", result)
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"timezone":"Not/AZone"}`)); err == nil {
		t.Error("bogus timezone accepted")
	}
}
