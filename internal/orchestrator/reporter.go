package orchestrator

import (
	"fmt"
	"sync/atomic"

	"github.com/iambrandonn/autodev/internal/protocol"
	"github.com/iambrandonn/autodev/internal/task"
	"github.com/iambrandonn/autodev/internal/workspace"
)

// reporter turns handler, agent and workspace callbacks into step-log
// events of one task. Events are attributed to the step currently running.
type reporter struct {
	registry *task.Registry
	taskID   string
	step     atomic.Int64
}

func newReporter(registry *task.Registry, taskID string) *reporter {
	return &reporter{registry: registry, taskID: taskID}
}

func (r *reporter) setStep(id int) {
	r.step.Store(int64(id))
}

func (r *reporter) current() int {
	return int(r.step.Load())
}

func (r *reporter) append(evt protocol.StepEvent) {
	r.registry.AppendStep(r.taskID, evt)
}

func (r *reporter) Log(message string) {
	r.append(protocol.LogEvent{Step: r.current(), Result: message, Level: protocol.LogLevelInfo})
}

func (r *reporter) Logf(format string, args ...any) {
	r.Log(fmt.Sprintf(format, args...))
}

func (r *reporter) Error(message string) {
	r.append(protocol.LogEvent{Step: r.current(), Result: message, Level: protocol.LogLevelError})
}

func (r *reporter) OnThink(thought string) {
	r.append(protocol.ThinkEvent{Step: r.current(), Result: thought})
}

func (r *reporter) OnToolExecute(tool, input string) {
	r.append(protocol.ToolEvent{
		Step:   r.current(),
		Result: fmt.Sprintf("Using %s", tool),
		Tool:   tool,
		Input:  input,
	})
}

func (r *reporter) OnAction(action string) {
	r.append(protocol.ActEvent{Step: r.current(), Result: action})
}

func (r *reporter) OnRun(_ int, result string) {
	r.append(protocol.RunEvent{Step: r.current(), Result: result})
}

// FileChanged implements workspace.Tracker
func (r *reporter) FileChanged(c workspace.FileChange) {
	r.append(protocol.FileUpdateEvent{
		Step:   r.current(),
		Result: fmt.Sprintf("%s %s", c.Kind, c.Path),
		Path:   c.Path,
		Change: c.Kind,
		Size:   c.Size,
		SHA256: c.SHA256,
	})
}
