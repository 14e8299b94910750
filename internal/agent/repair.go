package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iambrandonn/autodev/internal/llm"
)

// RepairRequest describes failing code and the output that shows the failure
type RepairRequest struct {
	Goal     string
	Language string
	MainPath string
	MainCode string
	TestPath string
	TestCode string
	Output   string
}

// Fix is the corrected code. An empty field leaves that file unchanged.
type Fix struct {
	MainCode string `json:"main_code"`
	TestCode string `json:"test_code"`
}

// Empty reports whether the fix changes nothing
func (f Fix) Empty() bool {
	return strings.TrimSpace(f.MainCode) == "" && strings.TrimSpace(f.TestCode) == ""
}

// ErrNoFix is returned when the repairer produced nothing usable
var ErrNoFix = errors.New("repair produced no changes")

// Repairer proposes a fix for failing code
type Repairer interface {
	Repair(ctx context.Context, req RepairRequest, cb Callbacks) (Fix, error)
}

// LLMRepairer asks a language model for a structured fix
type LLMRepairer struct {
	client llm.Client
	logger *slog.Logger
}

// NewLLMRepairer creates a repairer
func NewLLMRepairer(client llm.Client, logger *slog.Logger) *LLMRepairer {
	return &LLMRepairer{client: client, logger: logger}
}

const repairSystem = `You fix broken programs. Reply with a single JSON object:
{"main_code": "<full corrected main source or empty>", "test_code": "<full corrected test source or empty>"}
Return complete file contents, not diffs. Leave a field empty to keep that file as it is.`

// Repair asks for a fix of the main file and, when given, the test file
func (r *LLMRepairer) Repair(ctx context.Context, req RepairRequest, cb Callbacks) (Fix, error) {
	if cb == nil {
		cb = NopCallbacks{}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nLanguage: %s\n\n", req.Goal, req.Language)
	fmt.Fprintf(&b, "Main file %s:\n%s\n\n", req.MainPath, req.MainCode)
	if req.TestPath != "" {
		fmt.Fprintf(&b, "Test file %s:\n%s\n\n", req.TestPath, req.TestCode)
	}
	fmt.Fprintf(&b, "Failure output:\n%s\n", req.Output)

	cb.OnThink(fmt.Sprintf("Repairing %s after a failed run", req.MainPath))

	resp, err := r.client.Ask(ctx, llm.Request{
		Purpose: "repair",
		System:  []string{repairSystem},
		User:    []string{b.String()},
		Options: llm.Options{JSON: true},
	})
	if err != nil {
		return Fix{}, fmt.Errorf("failed to request repair: %w", err)
	}

	var fix Fix
	if err := llm.DecodeJSON(resp.Text, &fix); err != nil {
		return Fix{}, fmt.Errorf("failed to parse repair: %w", err)
	}
	if fix.Empty() {
		return Fix{}, ErrNoFix
	}

	cb.OnRun(1, "Proposed fix for "+req.MainPath)
	r.logger.Debug("repair proposed",
		"main_path", req.MainPath,
		"main_changed", fix.MainCode != "",
		"test_changed", fix.TestCode != "")
	return fix, nil
}
