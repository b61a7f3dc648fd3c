package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// TimeTool reports the current time, optionally in a named timezone.
type TimeTool struct {
	now func() time.Time
}

// NewTimeTool creates a clock tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

func (t *TimeTool) Name() string { return "current_time" }

func (t *TimeTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (t *TimeTool) Tier() models.ToolTier { return models.TierReadOnly }

func (t *TimeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. America/New_York (default: UTC).",
			},
		},
	}
}

// Execute returns the current time in RFC 3339 form.
func (t *TimeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}

	loc := time.UTC
	if input.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(input.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q: %w", input.Timezone, err)
		}
	}

	now := t.now().In(loc)
	result := map[string]any{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"unix":     now.Unix(),
		"weekday":  now.Weekday().String(),
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(payload), nil
}
