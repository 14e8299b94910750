package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iambrandonn/autodev/internal/agent"
	"github.com/iambrandonn/autodev/internal/executor"
	"github.com/iambrandonn/autodev/internal/langs"
	"github.com/iambrandonn/autodev/internal/llm"
	"github.com/iambrandonn/autodev/internal/plan"
	"github.com/iambrandonn/autodev/internal/protocol"
	"github.com/iambrandonn/autodev/internal/workspace"
)

const (
	languageSystem = `Name the single primary programming language best suited to implement the request. Reply with the language name only.`

	planSystem = `Break the request into a short list of milestone steps. Reply with one step per line and nothing else.`

	structureSystem = `Describe the project folder structure as a JSON object. Keys are folder names. Each value is either a description string, a nested object of the same shape, or a list of {"name": "...", "content": "..."} files.`
)

// run holds the state of one pipeline execution
type run struct {
	taskID  string
	prompt  string
	started time.Time

	llm      *llm.Meter
	rep      *reporter
	project  *workspace.Project
	profile  langs.Profile
	agent    agent.Agent
	repairer agent.Repairer
	deps     []string
}

func (o *Orchestrator) execute(ctx context.Context, taskID, prompt, projectPath string) error {
	o.logger.Info("starting task execution", "task_id", taskID)

	r := &run{
		taskID:  taskID,
		prompt:  prompt,
		started: time.Now(),
		llm:     llm.NewMeter(o.llm),
		rep:     newReporter(o.registry, taskID),
	}
	r.project = o.workspace.Open(projectPath, r.rep)

	if err := o.registry.Start(taskID); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	stopWatch := func() {}
	if o.watch {
		w, err := r.project.Watch(ctx, workspace.DefaultDebounce)
		if err != nil {
			o.logger.Warn("failed to watch project", "task_id", taskID, "error", err)
		} else {
			var once sync.Once
			stopWatch = func() { once.Do(func() { _ = w.Close() }) }
		}
	}
	defer stopWatch()

	// Stage 1: language
	o.logger.Info("stage: language", "task_id", taskID)
	if err := o.detectLanguage(ctx, r); err != nil {
		return fmt.Errorf("language detection failed: %w", err)
	}

	// Stage 2: agent
	kind := agent.SelectKind(prompt)
	r.agent = o.newAgent(kind, r.llm)
	r.repairer = o.newRepairer(r.llm)
	r.rep.Logf("Activated %s agent", kind)

	// Stage 3: plan
	o.logger.Info("stage: plan", "task_id", taskID)
	p, err := o.generatePlan(ctx, r)
	if err != nil {
		return fmt.Errorf("plan generation failed: %w", err)
	}
	if err := o.registry.SetPlan(taskID, p); err != nil {
		return fmt.Errorf("failed to store plan: %w", err)
	}

	// Stage 4: scaffold
	o.logger.Info("stage: scaffold", "task_id", taskID)
	if err := o.scaffold(ctx, r); err != nil {
		return fmt.Errorf("scaffold failed: %w", err)
	}

	// Stage 5: steps
	o.logger.Info("stage: steps", "task_id", taskID, "steps", p.Len())
	if err := o.executeSteps(ctx, r, p); err != nil {
		return err
	}

	// Stage 6: finalize
	o.logger.Info("stage: finalize", "task_id", taskID)
	stopWatch()
	r.rep.setStep(0)
	if err := o.finalize(r); err != nil {
		return fmt.Errorf("finalization failed: %w", err)
	}
	if err := o.registry.Complete(taskID); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	o.logger.Info("task execution complete", "task_id", taskID, "duration", time.Since(r.started))
	return nil
}

func (o *Orchestrator) detectLanguage(ctx context.Context, r *run) error {
	resp, err := r.llm.Ask(ctx, llm.Request{
		Purpose: "language",
		System:  []string{languageSystem},
		User:    []string{r.prompt},
	})
	if err != nil {
		return err
	}

	name := langs.Normalize(resp.Text)
	profile, ok := o.langs.Lookup(name)
	switch {
	case name == "":
		profile = o.langs.Resolve(langs.Fallback)
		r.rep.Error(fmt.Sprintf("No language detected, using %s", profile.Name))
	case !ok:
		profile = o.langs.Resolve(langs.Fallback)
		r.rep.Error(fmt.Sprintf("Unsupported language %q, using %s", name, profile.Name))
	default:
		r.rep.Logf("Detected language: %s", profile.Name)
	}

	r.profile = profile
	o.registry.SetLanguage(r.taskID, profile.Name)
	return nil
}

func (o *Orchestrator) generatePlan(ctx context.Context, r *run) (*plan.Plan, error) {
	resp, err := r.llm.Ask(ctx, llm.Request{
		Purpose: "plan",
		System:  []string{planSystem},
		User:    []string{r.prompt},
	})
	if err != nil {
		return nil, err
	}

	p := plan.Parse(resp.Text)
	r.rep.Logf("Generated plan with %d steps", p.Len())
	return p, nil
}

func (o *Orchestrator) scaffold(ctx context.Context, r *run) error {
	resp, err := r.llm.Ask(ctx, llm.Request{
		Purpose: "structure",
		System:  []string{structureSystem},
		User:    []string{fmt.Sprintf("Language: %s", r.profile.Name), r.prompt},
		Options: llm.Options{JSON: true},
	})
	if err != nil {
		return err
	}

	structure, perr := workspace.ParseStructure([]byte(llm.StripFences(resp.Text)))
	if perr != nil {
		r.rep.Error("Could not parse folder structure, using default layout: " + perr.Error())
		structure = workspace.DefaultStructure(r.profile)
	}

	err = o.workspace.CreateFolderStructure(r.project.Root(), structure)
	if errors.Is(err, workspace.ErrEscape) && perr == nil {
		r.rep.Error("Folder structure leaves the project, using default layout: " + err.Error())
		err = o.workspace.CreateFolderStructure(r.project.Root(), workspace.DefaultStructure(r.profile))
	}
	if err != nil {
		return err
	}

	r.rep.Log("Created project structure")
	return nil
}

// executeSteps runs every plan step in order. A retryable failure is
// retried until the same description has failed loopThreshold times.
func (o *Orchestrator) executeSteps(ctx context.Context, r *run, p *plan.Plan) error {
	failures := make(map[string]int)

	for _, step := range p.Steps() {
		r.rep.setStep(step.ID)
		if err := o.registry.StartStep(r.taskID, step.ID); err != nil {
			return fmt.Errorf("failed to start step %d: %w", step.ID, err)
		}
		r.rep.Logf("Step %d: %s", step.ID, step.Description)

		kind := executor.Classify(ctx, r.llm, step.Description, o.logger)
		r.rep.Logf("Action: %s", kind)

		for {
			step.Status = plan.StepRunning
			out, err := o.executor.Execute(ctx, kind, &executor.Job{
				TaskID:   r.taskID,
				Step:     step,
				Goal:     r.prompt,
				Profile:  r.profile,
				Project:  r.project,
				LLM:      r.llm,
				Agent:    r.agent,
				Repairer: r.repairer,
				Runner:   o.runner,
				Reporter: r.rep,
			})
			if err == nil {
				r.deps = append(r.deps, out.Dependencies...)
				if err := o.registry.CompleteStep(r.taskID, step.ID, out.Result); err != nil {
					return fmt.Errorf("failed to complete step %d: %w", step.ID, err)
				}
				break
			}

			r.rep.Error(fmt.Sprintf("Step %d failed: %v", step.ID, err))
			if ferr := o.registry.FailStep(r.taskID, step.ID, err.Error()); ferr != nil {
				o.logger.Warn("failed to record step failure", "task_id", r.taskID, "step", step.ID, "error", ferr)
			}

			if executor.IsPermanent(err) {
				return fmt.Errorf("step %d failed: %w", step.ID, err)
			}

			failures[step.Description]++
			if n := failures[step.Description]; n >= o.loopThreshold {
				return fmt.Errorf("%w: step %q failed %d times", ErrStuckLoop, step.Description, n)
			}

			r.rep.Logf("Retrying step %d (attempt %d of %d)", step.ID, failures[step.Description]+1, o.loopThreshold)
			if err := o.registry.RetryStep(r.taskID, step.ID); err != nil {
				return fmt.Errorf("failed to retry step %d: %w", step.ID, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) finalize(r *run) error {
	r.deps = langs.Dedupe(r.deps)

	doc, err := overview(r)
	if err != nil {
		return err
	}
	if _, err := r.project.WriteFile(OverviewFile, doc); err != nil {
		return fmt.Errorf("failed to write %s: %w", OverviewFile, err)
	}

	o.registry.UpdateExecutionTime(r.taskID, time.Since(r.started))

	if ur, ok := r.agent.(llm.UsageReporter); ok {
		u := ur.Usage()
		o.registry.UpdateTokenUsage(r.taskID, protocol.TokenUsage{
			Input:      u.Input,
			Completion: u.Completion,
			Total:      u.Total(),
		})
	}
	return nil
}
