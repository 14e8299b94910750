package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iambrandonn/autodev/internal/llm"
)

// DefaultMaxSteps bounds an agent run when no limit is configured
const DefaultMaxSteps = 5

var personas = map[Kind]string{
	KindGeneral:  "You are a versatile assistant that completes tasks step by step.",
	KindCoding:   "You are an expert software engineer. You write, fix and explain code.",
	KindBrowsing: "You are a research assistant that gathers and summarizes information from the web.",
	KindPlanning: "You are a planner that breaks goals into clear, ordered actions.",
}

const stepProtocol = `Work in steps. Reply to every message with a single JSON object:
{"thought": "...", "tool": "", "input": "", "action": "", "result": "...", "done": false}
Set "done" to true when the instruction is complete and put the final answer in "result".`

// turn is one step of the agent's reply protocol
type turn struct {
	Thought string `json:"thought"`
	Tool    string `json:"tool"`
	Input   string `json:"input"`
	Action  string `json:"action"`
	Result  string `json:"result"`
	Done    bool   `json:"done"`
}

// LLMAgent is an agent driven by a language model in a bounded step loop
type LLMAgent struct {
	kind     Kind
	client   llm.Client
	maxSteps int
	logger   *slog.Logger
}

// NewLLMAgent creates an agent of the given kind
func NewLLMAgent(kind Kind, client llm.Client, maxSteps int, logger *slog.Logger) *LLMAgent {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if _, ok := personas[kind]; !ok {
		kind = KindGeneral
	}
	return &LLMAgent{kind: kind, client: client, maxSteps: maxSteps, logger: logger}
}

// Name returns the agent's specialization
func (a *LLMAgent) Name() string {
	return string(a.kind)
}

// Usage exposes the token counters of the underlying client, if it keeps any
func (a *LLMAgent) Usage() llm.Usage {
	if r, ok := a.client.(llm.UsageReporter); ok {
		return r.Usage()
	}
	return llm.Usage{}
}

// Run loops until the model reports done or the step budget runs out
func (a *LLMAgent) Run(ctx context.Context, instruction string, cb Callbacks) (string, error) {
	if cb == nil {
		cb = NopCallbacks{}
	}

	history := []string{"Instruction: " + instruction}
	var last string

	for step := 1; step <= a.maxSteps; step++ {
		resp, err := a.client.Ask(ctx, llm.Request{
			Purpose: "agent",
			System:  []string{personas[a.kind], stepProtocol},
			User:    history,
			Options: llm.Options{JSON: true},
		})
		if err != nil {
			return "", fmt.Errorf("%s agent step %d failed: %w", a.kind, step, err)
		}

		var t turn
		if err := llm.DecodeJSON(resp.Text, &t); err != nil {
			// A plain-text answer ends the run.
			answer := strings.TrimSpace(resp.Text)
			cb.OnRun(step, answer)
			a.logger.Debug("agent answered in plain text", "agent", a.kind, "step", step)
			return answer, nil
		}

		if t.Thought != "" {
			cb.OnThink(t.Thought)
		}
		if t.Tool != "" {
			cb.OnToolExecute(t.Tool, t.Input)
		}
		if t.Action != "" {
			cb.OnAction(t.Action)
		}
		cb.OnRun(step, t.Result)

		if t.Result != "" {
			last = t.Result
		}
		if t.Done {
			return last, nil
		}
		history = append(history, fmt.Sprintf("Step %d result: %s", step, t.Result))
	}

	a.logger.Info("agent step budget exhausted", "agent", a.kind, "max_steps", a.maxSteps)
	return last, nil
}
