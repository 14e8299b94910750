package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/iambrandonn/autodev/internal/agent"
)

// Script represents a scripted set of responses for offline agents.
// Responses are keyed by a substring of the instruction; "default"
// answers anything else.
type Script struct {
	Name      string                      `json:"name,omitempty"`
	Responses map[string]ResponseTemplate `json:"responses"`
}

// ResponseTemplate describes how to respond to a matching instruction.
type ResponseTemplate struct {
	Events  []EventTemplate `json:"events,omitempty"`
	DelayMs int             `json:"delay_ms,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  string          `json:"result"`
}

// EventTemplate is one progress callback fired during the run.
type EventTemplate struct {
	Type  string `json:"type"` // think, tool, act or run
	Text  string `json:"text,omitempty"`
	Tool  string `json:"tool,omitempty"`
	Input string `json:"input,omitempty"`
	Step  int    `json:"step,omitempty"`
}

// Load reads a script from the provided path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(data)
}

// Parse decodes a script document.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script JSON: %w", err)
	}
	if len(s.Responses) == 0 {
		return nil, fmt.Errorf("script has no responses defined")
	}
	for key, r := range s.Responses {
		for i, e := range r.Events {
			switch e.Type {
			case "think", "tool", "act", "run":
			default:
				return nil, fmt.Errorf("response %q event %d has unknown type %q", key, i, e.Type)
			}
		}
	}
	return &s, nil
}

// Agent replays a Script. It satisfies agent.Agent.
type Agent struct {
	script *Script
	keys   []string
}

// NewAgent creates an agent that answers from s
func NewAgent(s *Script) *Agent {
	keys := make([]string, 0, len(s.Responses))
	for k := range s.Responses {
		if k != "default" {
			keys = append(keys, k)
		}
	}
	// Longer keys are more specific and win.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return &Agent{script: s, keys: keys}
}

// Name returns the script name
func (a *Agent) Name() string {
	if a.script.Name != "" {
		return a.script.Name
	}
	return "script"
}

func (a *Agent) lookup(instruction string) (ResponseTemplate, bool) {
	lower := strings.ToLower(instruction)
	for _, k := range a.keys {
		if strings.Contains(lower, strings.ToLower(k)) {
			return a.script.Responses[k], true
		}
	}
	r, ok := a.script.Responses["default"]
	return r, ok
}

// Run fires the scripted callbacks and returns the scripted result
func (a *Agent) Run(ctx context.Context, instruction string, cb agent.Callbacks) (string, error) {
	if cb == nil {
		cb = agent.NopCallbacks{}
	}

	r, ok := a.lookup(instruction)
	if !ok {
		return "", fmt.Errorf("no scripted response for %q", instruction)
	}

	if r.DelayMs > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(r.DelayMs) * time.Millisecond):
		}
	}

	for _, e := range r.Events {
		switch e.Type {
		case "think":
			cb.OnThink(e.Text)
		case "tool":
			cb.OnToolExecute(e.Tool, e.Input)
		case "act":
			cb.OnAction(e.Text)
		case "run":
			cb.OnRun(e.Step, e.Text)
		}
	}

	if r.Error != "" {
		return "", fmt.Errorf("%s", r.Error)
	}
	return r.Result, nil
}
