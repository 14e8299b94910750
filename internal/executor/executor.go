package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/iambrandonn/autodev/internal/agent"
	"github.com/iambrandonn/autodev/internal/langs"
	"github.com/iambrandonn/autodev/internal/llm"
	"github.com/iambrandonn/autodev/internal/plan"
	"github.com/iambrandonn/autodev/internal/supervisor"
	"github.com/iambrandonn/autodev/internal/workspace"
)

// ActionKind is the closed set of step handlers
type ActionKind string

const (
	ActionInstallDependencies   ActionKind = "install_dependencies"
	ActionGenerateCode          ActionKind = "generate_code"
	ActionExecuteCode           ActionKind = "execute_code"
	ActionGenerateTests         ActionKind = "generate_tests"
	ActionRunTests              ActionKind = "run_tests"
	ActionEditCode              ActionKind = "edit_code"
	ActionGenerateDocumentation ActionKind = "generate_documentation"
	ActionGeneric               ActionKind = "generic"
)

// AllActions lists every action kind in classifier order
var AllActions = []ActionKind{
	ActionInstallDependencies,
	ActionGenerateCode,
	ActionExecuteCode,
	ActionGenerateTests,
	ActionRunTests,
	ActionEditCode,
	ActionGenerateDocumentation,
	ActionGeneric,
}

// ParseActionKind normalises a model's label. Unknown labels are not ok.
func ParseActionKind(label string) (ActionKind, bool) {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.Trim(s, "\"'`*. \t\r\n")
	s = strings.ReplaceAll(s, " ", "_")
	for _, k := range AllActions {
		if s == string(k) {
			return k, true
		}
	}
	return ActionGeneric, false
}

const classifySystem = `You label plan steps. Reply with exactly one of these labels and nothing else:
install_dependencies, generate_code, execute_code, generate_tests, run_tests, edit_code, generate_documentation, generic`

// Classify asks the model which handler fits a step. Any failure or
// unrecognised answer yields ActionGeneric.
func Classify(ctx context.Context, client llm.Client, description string, logger *slog.Logger) ActionKind {
	resp, err := client.Ask(ctx, llm.Request{
		Purpose: "classify",
		System:  []string{classifySystem},
		User:    []string{"Step: " + description},
	})
	if err != nil {
		logger.Warn("classification failed, using generic handler", "step", description, "error", err)
		return ActionGeneric
	}

	kind, ok := ParseActionKind(resp.Text)
	if !ok {
		logger.Debug("unrecognised action label", "step", description, "label", resp.Text)
	}
	return kind
}

// Reporter receives handler progress. The agent callbacks carry
// pass-through events from delegated agent runs.
type Reporter interface {
	agent.Callbacks
	Log(message string)
	Error(message string)
}

// Job is everything a handler needs to execute one plan step
type Job struct {
	TaskID   string
	Step     plan.Step
	Goal     string
	Profile  langs.Profile
	Project  *workspace.Project
	LLM      llm.Client
	Agent    agent.Agent
	Repairer agent.Repairer
	Runner   supervisor.Runner
	Reporter Reporter
}

// Outcome is the result of a successful step
type Outcome struct {
	Result       string
	Dependencies []string
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent or is a context error
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

type handler func(ctx context.Context, job *Job) (Outcome, error)

// Executor dispatches steps to their handlers
type Executor struct {
	handlers map[ActionKind]handler
	logger   *slog.Logger
}

// New creates an executor with the standard handler table
func New(logger *slog.Logger) *Executor {
	e := &Executor{logger: logger}
	e.handlers = map[ActionKind]handler{
		ActionInstallDependencies:   e.installDependencies,
		ActionGenerateCode:          e.generateCode,
		ActionExecuteCode:           e.executeCode,
		ActionGenerateTests:         e.generateTests,
		ActionRunTests:              e.runTests,
		ActionEditCode:              e.editCode,
		ActionGenerateDocumentation: e.generateDocumentation,
		ActionGeneric:               e.generic,
	}
	return e
}

// Execute runs the handler for kind
func (e *Executor) Execute(ctx context.Context, kind ActionKind, job *Job) (Outcome, error) {
	h, ok := e.handlers[kind]
	if !ok {
		h = e.handlers[ActionGeneric]
		kind = ActionGeneric
	}

	e.logger.Info("executing step",
		"task_id", job.TaskID,
		"step", job.Step.ID,
		"kind", kind)

	out, err := h(ctx, job)
	if err != nil {
		e.logger.Warn("step handler failed",
			"task_id", job.TaskID,
			"step", job.Step.ID,
			"kind", kind,
			"permanent", IsPermanent(err),
			"error", err)
		return Outcome{}, err
	}
	return out, nil
}

// tail keeps at most the last n bytes of s for error messages, cut on a
// rune boundary
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}

func exitError(argv []string, res supervisor.Result) error {
	return fmt.Errorf("%s exited with code %d: %s", strings.Join(argv, " "), res.ExitCode, tail(res.Combined(), 2000))
}
