package task

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/autodev/internal/plan"
	"github.com/iambrandonn/autodev/internal/protocol"
)

// ProjectAllocator creates the workspace directory of a new task
type ProjectAllocator interface {
	CreateProjectDir(taskID string) (string, error)
}

// Task is one orchestrated unit of work. Its fields are only touched
// through Registry methods, under mu.
type Task struct {
	mu sync.Mutex

	id            string
	prompt        string
	createdAt     time.Time
	status        Status
	steps         []protocol.StepLog
	plan          *plan.Plan
	tokenUsage    protocol.TokenUsage
	executionTime time.Duration
	projectPath   string
	language      string

	bus *Bus
}

func (t *Task) snapshotLocked() protocol.Snapshot {
	steps := make([]protocol.StepLog, len(t.steps))
	copy(steps, t.steps)

	view := protocol.PlanView{Steps: []protocol.PlanStep{}}
	if t.plan != nil {
		view = t.plan.View()
	}

	return protocol.Snapshot{
		ID:            t.id,
		Prompt:        t.prompt,
		CreatedAt:     t.createdAt,
		Status:        string(t.status),
		Steps:         steps,
		Plan:          view,
		TokenUsage:    t.tokenUsage,
		ExecutionTime: t.executionTime.Seconds(),
		ProjectPath:   t.projectPath,
		Language:      t.language,
	}
}

// publishStatusLocked emits the current progress snapshot
func (t *Task) publishStatusLocked() {
	t.bus.Publish(t.snapshotLocked().StatusEvent())
}

// Registry owns every task and its event bus for the process lifetime
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	alloc  ProjectAllocator
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(alloc ProjectAllocator, logger *slog.Logger) *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		alloc:  alloc,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new pending task with its own workspace and bus
func (r *Registry) Create(prompt string) (protocol.Snapshot, error) {
	id := uuid.New().String()

	projectPath, err := r.alloc.CreateProjectDir(id)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("failed to allocate workspace: %w", err)
	}

	t := &Task{
		id:          id,
		prompt:      prompt,
		createdAt:   r.now(),
		status:      StatusPending,
		steps:       []protocol.StepLog{},
		projectPath: projectPath,
		bus:         NewBus(),
	}

	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()

	r.logger.Info("task created", "task_id", id, "project_path", projectPath)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(), nil
}

func (r *Registry) lookup(id string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id]
}

// mutate runs fn under the task lock. Unknown ids are a no-op.
func (r *Registry) mutate(id string, op string, fn func(t *Task) error) error {
	t := r.lookup(id)
	if t == nil {
		r.logger.Debug("ignoring mutation of unknown task", "task_id", id, "op", op)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t)
}

// Get returns the current snapshot of a task
func (r *Registry) Get(id string) (protocol.Snapshot, bool) {
	t := r.lookup(id)
	if t == nil {
		return protocol.Snapshot{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(), true
}

// List returns snapshots of all tasks, most recently created first
func (r *Registry) List() []protocol.Snapshot {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	snapshots := make([]protocol.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		snapshots = append(snapshots, t.snapshotLocked())
		t.mu.Unlock()
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].ID < snapshots[j].ID
		}
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots
}

// Subscribe attaches to a task's events. The first event is a status
// snapshot taken at attach time. The caller must read Events until it is
// closed or call Close; an undrained subscription keeps its delivery
// goroutine alive.
func (r *Registry) Subscribe(id string) (*Subscription, error) {
	t := r.lookup(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bus.Subscribe(t.snapshotLocked().StatusEvent()), nil
}

// AppendStep records a step-log entry, then emits the event and a status snapshot
func (r *Registry) AppendStep(id string, evt protocol.StepEvent) {
	_ = r.mutate(id, "append_step", func(t *Task) error {
		t.steps = append(t.steps, evt.Entry())
		t.bus.Publish(evt)
		t.publishStatusLocked()
		return nil
	})
}

// UpdateTokenUsage replaces the token counters and emits a status snapshot
func (r *Registry) UpdateTokenUsage(id string, usage protocol.TokenUsage) {
	_ = r.mutate(id, "update_token_usage", func(t *Task) error {
		t.tokenUsage = usage
		t.publishStatusLocked()
		return nil
	})
}

// UpdateExecutionTime records elapsed time and emits a status snapshot
func (r *Registry) UpdateExecutionTime(id string, elapsed time.Duration) {
	_ = r.mutate(id, "update_execution_time", func(t *Task) error {
		t.executionTime = elapsed
		t.publishStatusLocked()
		return nil
	})
}

// SetLanguage records the detected target language
func (r *Registry) SetLanguage(id, language string) {
	_ = r.mutate(id, "set_language", func(t *Task) error {
		t.language = language
		return nil
	})
}

// SetPlan attaches the generated plan, then emits plan and status events
func (r *Registry) SetPlan(id string, p *plan.Plan) error {
	return r.mutate(id, "set_plan", func(t *Task) error {
		if t.plan != nil {
			return fmt.Errorf("plan already set for task %s", id)
		}
		t.plan = p
		t.bus.Publish(protocol.PlanEvent{Plan: p.View()})
		t.publishStatusLocked()
		return nil
	})
}

// StartStep marks a plan step running
func (r *Registry) StartStep(id string, stepID int) error {
	return r.stepTransition(id, "start_step", func(p *plan.Plan) error { return p.Start(stepID) })
}

// CompleteStep marks a plan step completed
func (r *Registry) CompleteStep(id string, stepID int, result string) error {
	return r.stepTransition(id, "complete_step", func(p *plan.Plan) error { return p.Complete(stepID, result) })
}

// FailStep marks a plan step failed
func (r *Registry) FailStep(id string, stepID int, result string) error {
	return r.stepTransition(id, "fail_step", func(p *plan.Plan) error { return p.Fail(stepID, result) })
}

// RetryStep moves a failed step back to running for another attempt
func (r *Registry) RetryStep(id string, stepID int) error {
	return r.stepTransition(id, "retry_step", func(p *plan.Plan) error { return p.Retry(stepID) })
}

func (r *Registry) stepTransition(id, op string, fn func(*plan.Plan) error) error {
	return r.mutate(id, op, func(t *Task) error {
		if t.plan == nil {
			return fmt.Errorf("task %s has no plan", id)
		}
		if err := fn(t.plan); err != nil {
			return err
		}
		t.publishStatusLocked()
		return nil
	})
}

// Start moves a pending task to running
func (r *Registry) Start(id string) error {
	return r.transition(id, StatusRunning, func(t *Task) {
		t.publishStatusLocked()
	})
}

// Complete marks a running task completed and emits the terminal complete event
func (r *Registry) Complete(id string) error {
	return r.transition(id, StatusCompleted, func(t *Task) {
		t.publishStatusLocked()
		t.bus.Publish(protocol.CompleteEvent{})
	})
}

// Fail marks the task failed with reason and emits the terminal error event.
// A pending task passes through running first so observers always see the
// documented lifecycle.
func (r *Registry) Fail(id string, reason string) error {
	return r.mutate(id, "fail", func(t *Task) error {
		if t.status == StatusPending {
			t.status = StatusRunning
			t.publishStatusLocked()
		}
		if !canTransition(t.status, Failed(reason)) {
			return fmt.Errorf("%w: %s from %q to failed", ErrInvalidTransition, id, t.status)
		}

		t.status = Failed(reason)
		r.logger.Warn("task failed", "task_id", id, "reason", reason)
		t.bus.Publish(protocol.ErrorEvent{Message: reason})
		return nil
	})
}

func (r *Registry) transition(id string, to Status, emit func(t *Task)) error {
	return r.mutate(id, string(to), func(t *Task) error {
		if !canTransition(t.status, to) {
			return fmt.Errorf("%w: %s from %q to %q", ErrInvalidTransition, id, t.status, to)
		}
		t.status = to
		r.logger.Info("task status changed", "task_id", id, "status", to)
		emit(t)
		return nil
	})
}
