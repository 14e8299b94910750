// Package orchestrator drives a task from prompt to finished workspace.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/iambrandonn/autodev/internal/agent"
	"github.com/iambrandonn/autodev/internal/eventlog"
	"github.com/iambrandonn/autodev/internal/executor"
	"github.com/iambrandonn/autodev/internal/langs"
	"github.com/iambrandonn/autodev/internal/llm"
	"github.com/iambrandonn/autodev/internal/supervisor"
	"github.com/iambrandonn/autodev/internal/task"
	"github.com/iambrandonn/autodev/internal/workspace"
)

// DefaultLoopThreshold is how many times one step description may fail
// before the task is abandoned
const DefaultLoopThreshold = 3

var (
	// ErrEmptyPrompt is returned by Submit for a blank prompt
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrStuckLoop marks a task abandoned by the loop guard
	ErrStuckLoop = errors.New("stuck in a loop")
)

// AgentFactory builds the agent activated for a task. client is the
// task's metered language model.
type AgentFactory func(kind agent.Kind, client llm.Client) agent.Agent

// RepairerFactory builds the repairer used by a task's handlers
type RepairerFactory func(client llm.Client) agent.Repairer

// Options configures an Orchestrator
type Options struct {
	Registry  *task.Registry
	Workspace *workspace.Manager
	LLM       llm.Client
	Runner    supervisor.Runner
	Languages *langs.Set

	LoopThreshold int
	MaxAgentSteps int
	EventsDir     string
	Watch         bool

	NewAgent    AgentFactory
	NewRepairer RepairerFactory

	Logger *slog.Logger
}

// Orchestrator runs task pipelines
type Orchestrator struct {
	registry  *task.Registry
	workspace *workspace.Manager
	llm       llm.Client
	runner    supervisor.Runner
	langs     *langs.Set
	executor  *executor.Executor

	loopThreshold int
	eventsDir     string
	watch         bool
	newAgent      AgentFactory
	newRepairer   RepairerFactory

	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates an orchestrator
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("registry is required")
	case opts.Workspace == nil:
		return nil, errors.New("workspace manager is required")
	case opts.LLM == nil:
		return nil, errors.New("language model client is required")
	case opts.Runner == nil:
		return nil, errors.New("process runner is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Languages == nil {
		opts.Languages = langs.Default()
	}
	if opts.LoopThreshold <= 0 {
		opts.LoopThreshold = DefaultLoopThreshold
	}
	if opts.NewAgent == nil {
		maxSteps := opts.MaxAgentSteps
		opts.NewAgent = func(kind agent.Kind, client llm.Client) agent.Agent {
			return agent.NewLLMAgent(kind, client, maxSteps, logger)
		}
	}
	if opts.NewRepairer == nil {
		opts.NewRepairer = func(client llm.Client) agent.Repairer {
			return agent.NewLLMRepairer(client, logger)
		}
	}

	return &Orchestrator{
		registry:      opts.Registry,
		workspace:     opts.Workspace,
		llm:           opts.LLM,
		runner:        opts.Runner,
		langs:         opts.Languages,
		executor:      executor.New(logger),
		loopThreshold: opts.LoopThreshold,
		eventsDir:     opts.EventsDir,
		watch:         opts.Watch,
		newAgent:      opts.NewAgent,
		newRepairer:   opts.NewRepairer,
		logger:        logger,
	}, nil
}

// Handle tracks a submitted task
type Handle struct {
	TaskID string

	done chan struct{}
	err  error
}

// Done is closed when the task has finished and its archive is flushed
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or ctx is done. The returned error
// is the pipeline's failure, if any.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates a task and runs its pipeline in the background. The task
// keeps running when ctx is cancelled.
func (o *Orchestrator) Submit(ctx context.Context, prompt string) (*Handle, error) {
	h, _, err := o.start(ctx, prompt, false)
	return h, err
}

// SubmitAndWatch is Submit with a subscription attached before the pipeline
// starts, so the caller observes every event of the task. The caller must
// drain or close the subscription.
func (o *Orchestrator) SubmitAndWatch(ctx context.Context, prompt string) (*Handle, *task.Subscription, error) {
	return o.start(ctx, prompt, true)
}

func (o *Orchestrator) start(ctx context.Context, prompt string, watch bool) (*Handle, *task.Subscription, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, nil, ErrEmptyPrompt
	}

	snap, err := o.registry.Create(prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create task: %w", err)
	}

	var sub *task.Subscription
	if watch {
		if sub, err = o.registry.Subscribe(snap.ID); err != nil {
			return nil, nil, fmt.Errorf("failed to subscribe to task: %w", err)
		}
	}

	archived, err := o.archive(snap.ID)
	if err != nil {
		// the task can still run without its archive
		o.logger.Warn("failed to open event archive", "task_id", snap.ID, "error", err)
		archived = nil
	}

	h := &Handle{TaskID: snap.ID, done: make(chan struct{})}
	runCtx := context.WithoutCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(h.done)

		h.err = o.Run(runCtx, snap.ID, prompt)
		if archived != nil {
			<-archived
		}
	}()

	return h, sub, nil
}

// Wait blocks until every submitted task has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// archive subscribes to the task and streams its events to the events
// directory. The returned channel closes once the terminal event is written.
func (o *Orchestrator) archive(taskID string) (<-chan struct{}, error) {
	if o.eventsDir == "" {
		return nil, nil
	}

	evtLog, err := eventlog.NewEventLog(eventlog.PathFor(o.eventsDir, taskID), o.logger)
	if err != nil {
		return nil, err
	}
	sub, err := o.registry.Subscribe(taskID)
	if err != nil {
		_ = evtLog.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()

		n := evtLog.Drain(sub.Events())
		if err := evtLog.Close(); err != nil {
			o.logger.Warn("failed to close event archive", "task_id", taskID, "error", err)
		}
		o.logger.Debug("event archive closed", "task_id", taskID, "events", n)
	}()
	return done, nil
}

// Run executes the pipeline of an existing task synchronously. Any error or
// panic fails the task.
func (o *Orchestrator) Run(ctx context.Context, taskID, prompt string) (err error) {
	snap, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("task pipeline panicked", "task_id", taskID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			if ferr := o.registry.Fail(taskID, err.Error()); ferr != nil {
				o.logger.Warn("failed to mark task failed", "task_id", taskID, "error", ferr)
			}
		}
	}()

	return o.execute(ctx, taskID, prompt, snap.ProjectPath)
}
