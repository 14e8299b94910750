package plan

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/iambrandonn/autodev/internal/protocol"
)

// StepStatus is the lifecycle state of a single step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

var (
	// ErrStepNotFound is returned for an id outside the plan
	ErrStepNotFound = errors.New("step not found")
	// ErrInvalidTransition is returned when a step cannot move to the requested status
	ErrInvalidTransition = errors.New("invalid step transition")
)

// Step is one milestone of a plan
type Step struct {
	ID          int
	Description string
	Status      StepStatus
	Result      string
}

// Plan is an ordered, append-once sequence of steps.
// It is not safe for concurrent use; the task registry serializes access.
type Plan struct {
	steps []Step
}

// listMarker matches bullets and numbering a model puts in front of plan lines
var listMarker = regexp.MustCompile(`^(?:[-*•]\s+|\d+[.)]\s+|(?i:step)\s+\d+\s*[:.)-]\s*)`)

// Parse builds a plan from a newline-delimited list. Every non-empty line
// becomes one step, in order, with list markers removed.
func Parse(text string) *Plan {
	var descriptions []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		stripped := strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if stripped == "" {
			stripped = line
		}
		descriptions = append(descriptions, stripped)
	}
	return New(descriptions)
}

// New creates a plan with one pending step per description, numbered from 1
func New(descriptions []string) *Plan {
	p := &Plan{steps: make([]Step, 0, len(descriptions))}
	for i, desc := range descriptions {
		p.steps = append(p.steps, Step{
			ID:          i + 1,
			Description: desc,
			Status:      StepPending,
		})
	}
	return p
}

// Len returns the number of steps
func (p *Plan) Len() int {
	return len(p.steps)
}

// Steps returns a copy of all steps in order
func (p *Plan) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Step returns a copy of the step with the given id
func (p *Plan) Step(id int) (Step, bool) {
	if id < 1 || id > len(p.steps) {
		return Step{}, false
	}
	return p.steps[id-1], true
}

// Start moves a pending step to running
func (p *Plan) Start(id int) error {
	return p.transition(id, StepRunning, "", StepPending)
}

// Complete moves a running step to completed and records its result
func (p *Plan) Complete(id int, result string) error {
	return p.transition(id, StepCompleted, result, StepRunning)
}

// Fail moves a running step to failed and records the failure
func (p *Plan) Fail(id int, result string) error {
	return p.transition(id, StepFailed, result, StepRunning)
}

// Retry re-enters a failed step for another attempt within the same pass
func (p *Plan) Retry(id int) error {
	return p.transition(id, StepRunning, "", StepFailed)
}

func (p *Plan) transition(id int, to StepStatus, result string, from ...StepStatus) error {
	if id < 1 || id > len(p.steps) {
		return fmt.Errorf("%w: %d", ErrStepNotFound, id)
	}

	step := &p.steps[id-1]
	for _, allowed := range from {
		if step.Status == allowed {
			step.Status = to
			if to != StepRunning {
				step.Result = result
			}
			return nil
		}
	}

	return fmt.Errorf("%w: step %d from %s to %s", ErrInvalidTransition, id, step.Status, to)
}

// View returns the wire representation of the plan
func (p *Plan) View() protocol.PlanView {
	view := protocol.PlanView{Steps: make([]protocol.PlanStep, len(p.steps))}
	for i, s := range p.steps {
		view.Steps[i] = protocol.PlanStep{
			ID:          s.ID,
			Description: s.Description,
			Status:      string(s.Status),
			Result:      s.Result,
		}
	}
	return view
}
