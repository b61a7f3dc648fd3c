package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/engine"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/pkg/models"
)

func buildReplCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Chat from the terminal",
		Long: `Run an interactive chat session against an in-process engine. The REPL
uses the same engine as the server: streaming output, tool execution, and
approval prompts for destructive tools all behave identically.

Commands inside the session:

  /new        start a fresh conversation
  /history    print the transcript
  /cancel     cancel the active turn
  /quit       exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runRepl(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadReplConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	} else if cfg.Logging.Level == "info" {
		// Keep the transcript readable; warnings still surface.
		cfg.Logging.Level = "warn"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	repl := &repl{
		engine: rt.engine,
		in:     bufio.NewScanner(os.Stdin),
		out:    os.Stdout,
	}
	return repl.run(ctx)
}

// loadReplConfig tolerates a missing config file so "parley repl" works out
// of the box with just an API key in the environment.
func loadReplConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		cfg.Store.Driver = "memory"
		return cfg, nil
	}
	return nil, err
}

type repl struct {
	engine         *engine.Engine
	in             *bufio.Scanner
	out            io.Writer
	conversationID string
}

func (r *repl) run(ctx context.Context) error {
	if err := r.newConversation(ctx); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "parley repl (/quit to exit)")

	for {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := r.command(ctx, line)
			if done || err != nil {
				return err
			}
			continue
		}

		if err := r.sendMessage(ctx, line); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) command(ctx context.Context, line string) (done bool, err error) {
	switch line {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		if err := r.newConversation(ctx); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "new conversation %s\n", r.conversationID)
	case "/history":
		r.printHistory(ctx)
	case "/cancel":
		if r.engine.Cancel(r.conversationID) {
			fmt.Fprintln(r.out, "turn cancelled")
		} else {
			fmt.Fprintln(r.out, "no active turn")
		}
	default:
		fmt.Fprintf(r.out, "unknown command %s\n", line)
	}
	return false, nil
}

func (r *repl) newConversation(ctx context.Context) error {
	conv := &models.Conversation{}
	if err := r.engine.CreateConversation(ctx, conv); err != nil {
		return err
	}
	r.conversationID = conv.ID
	return nil
}

func (r *repl) sendMessage(ctx context.Context, content string) error {
	status, events, cancel, err := r.engine.SubmitAndFollow(ctx, r.conversationID, &models.Message{Content: content})
	if err != nil {
		return err
	}
	defer cancel()

	if status == engine.StatusRejected {
		fmt.Fprintln(r.out, "(queue full, message dropped)")
		return nil
	}
	if status == engine.StatusQueued {
		fmt.Fprintln(r.out, "(queued behind the active turn)")
	}

	for {
		select {
		case <-ctx.Done():
			r.engine.Cancel(r.conversationID)
			return nil
		case ev, ok := <-events:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
			r.renderEvent(ev)
		}
	}
}

func (r *repl) renderEvent(ev stream.Event) {
	switch ev.Type {
	case stream.KindTextDelta:
		if delta, ok := ev.Payload.(stream.TextDelta); ok {
			fmt.Fprint(r.out, delta.Text)
		}
	case stream.KindToolCallStart:
		if start, ok := ev.Payload.(stream.ToolCallStart); ok {
			fmt.Fprintf(r.out, "\n[tool %s (%s)]\n", start.Name, start.Tier)
		}
	case stream.KindToolCallResult:
		if result, ok := ev.Payload.(stream.ToolCallResult); ok && result.IsError {
			fmt.Fprintf(r.out, "[tool failed: %s]\n", firstLine(result.Content))
		}
	case stream.KindApprovalRequired:
		if req, ok := ev.Payload.(stream.ApprovalRequired); ok {
			r.promptApproval(req)
		}
	case stream.KindDone:
		if done, ok := ev.Payload.(stream.Done); ok && done.Outcome != "completed" {
			fmt.Fprintf(r.out, "\n[turn %s]", done.Outcome)
		}
	case stream.KindError:
		if errEv, ok := ev.Payload.(stream.Error); ok {
			fmt.Fprintf(r.out, "\n[turn failed: %s]", errEv.Message)
		}
	}
}

// promptApproval asks on the terminal and resolves the request. The turn is
// suspended on this decision, so reading stdin here is safe.
func (r *repl) promptApproval(req stream.ApprovalRequired) {
	fmt.Fprintf(r.out, "\napprove %s? %s [y/N] ", req.ToolName, compactArgs(req.Arguments))
	decision := agent.DecisionDeny
	if r.in.Scan() {
		answer := strings.ToLower(strings.TrimSpace(r.in.Text()))
		if answer == "y" || answer == "yes" {
			decision = agent.DecisionApprove
		}
	}
	if err := r.engine.ResolveApproval(req.RequestID, decision, "repl"); err != nil {
		fmt.Fprintf(r.out, "[approval: %v]\n", err)
	}
}

func (r *repl) printHistory(ctx context.Context) {
	messages, err := r.engine.History(ctx, r.conversationID, 0)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	for _, msg := range messages {
		fmt.Fprintf(r.out, "%3d %-9s %s\n", msg.Position, msg.Role, firstLine(msg.Content))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func compactArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	s := string(args)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
