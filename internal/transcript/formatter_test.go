package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/autodev/internal/protocol"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    protocol.Event
		expected string
	}{
		{
			name:     "info log",
			event:    protocol.LogEvent{Step: 1, Result: "Wrote src/main.py", Level: protocol.LogLevelInfo},
			expected: "[step 1] Wrote src/main.py",
		},
		{
			name:     "error log",
			event:    protocol.LogEvent{Step: 2, Result: "Run failed", Level: protocol.LogLevelError},
			expected: "[step 2] error: Run failed",
		},
		{
			name:     "task level log",
			event:    protocol.LogEvent{Result: "Detected language: python", Level: protocol.LogLevelInfo},
			expected: "[task] Detected language: python",
		},
		{
			name:     "think",
			event:    protocol.ThinkEvent{Step: 1, Result: "need a loop"},
			expected: "[step 1] think: need a loop",
		},
		{
			name:     "tool",
			event:    protocol.ToolEvent{Step: 3, Result: "Using search", Tool: "search", Input: "go generics"},
			expected: "[step 3] tool: search(go generics)",
		},
		{
			name:     "act",
			event:    protocol.ActEvent{Step: 1, Result: "open page"},
			expected: "[step 1] act: open page",
		},
		{
			name:     "run",
			event:    protocol.RunEvent{Step: 1, Result: "sunny"},
			expected: "[step 1] run: sunny",
		},
		{
			name:     "file update",
			event:    protocol.FileUpdateEvent{Step: 1, Path: "src/main.py", Change: protocol.FileCreated, Size: 2048},
			expected: "[step 1] created src/main.py (2.0 KiB)",
		},
		{
			name:     "error",
			event:    protocol.ErrorEvent{Message: "stuck in a loop"},
			expected: "[task] failed: stuck in a loop",
		},
		{
			name:     "complete",
			event:    protocol.CompleteEvent{},
			expected: "[task] completed",
		},
	}

	formatter := NewFormatter(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatter.FormatEvent(tt.event))
		})
	}
}

func TestFormatPlan(t *testing.T) {
	evt := protocol.PlanEvent{Plan: protocol.PlanView{Steps: []protocol.PlanStep{
		{ID: 1, Description: "Write code", Status: "pending"},
		{ID: 2, Description: "Run it", Status: "pending"},
	}}}
	assert.Equal(t, "[task] plan with 2 steps\n  1. Write code\n  2. Run it", NewFormatter(false).FormatEvent(evt))
}

func TestFormatStatusOnlyOnChange(t *testing.T) {
	f := NewFormatter(false)
	assert.Equal(t, "[task] status: pending", f.FormatEvent(protocol.StatusEvent{Status: "pending"}))
	assert.Equal(t, "", f.FormatEvent(protocol.StatusEvent{Status: "pending"}))
	assert.Equal(t, "[task] status: running", f.FormatEvent(protocol.StatusEvent{Status: "running"}))
}

func TestFormatSummary(t *testing.T) {
	snap := protocol.Snapshot{
		Status:        "completed",
		ExecutionTime: 1.25,
		TokenUsage:    protocol.TokenUsage{Input: 60, Completion: 30, Total: 90},
		ProjectPath:   "/tmp/ws/abc",
	}
	assert.Equal(t, "completed in 1.2s, 90 tokens (input 60, completion 30), workspace: /tmp/ws/abc",
		NewFormatter(false).FormatSummary(snap))
}

func TestStyledOutputKeepsText(t *testing.T) {
	out := NewFormatter(true).FormatEvent(protocol.LogEvent{Step: 1, Result: "hello", Level: protocol.LogLevelInfo})
	require.NotEmpty(t, out)
	assert.True(t, strings.Contains(out, "hello"))
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
	}

	formatter := NewFormatter(false)
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, formatter.formatSize(tt.bytes))
		})
	}
}
