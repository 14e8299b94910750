package protocol

import (
	"time"
)

// EventType is the tag carried by every event on the wire
type EventType string

const (
	EventLog        EventType = "log"
	EventThink      EventType = "think"
	EventTool       EventType = "tool"
	EventAct        EventType = "act"
	EventRun        EventType = "run"
	EventFileUpdate EventType = "file_update"
	EventPlan       EventType = "plan"
	EventStatus     EventType = "status"
	EventError      EventType = "error"
	EventComplete   EventType = "complete"
)

// IsTerminal reports whether no further events follow this type
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventError
}

// LogLevel qualifies a log event
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

// FileChange describes how a tracked file was touched
type FileChange string

const (
	FileCreated FileChange = "created"
	FileUpdated FileChange = "updated"
)

// StepLog is one entry of a task's step log
type StepLog struct {
	Step   int       `json:"step"`
	Result string    `json:"result"`
	Type   EventType `json:"type"`
}

// TokenUsage aggregates language-model token counters
type TokenUsage struct {
	Input      int `json:"input"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// PlanStep is the wire view of a single plan step
type PlanStep struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Result      string `json:"result"`
}

// PlanView is the wire view of a plan
type PlanView struct {
	Steps []PlanStep `json:"steps"`
}

// Snapshot is the full current state of a task
type Snapshot struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	CreatedAt     time.Time  `json:"createdAt"`
	Status        string     `json:"status"`
	Steps         []StepLog  `json:"steps"`
	Plan          PlanView   `json:"plan"`
	TokenUsage    TokenUsage `json:"tokenUsage"`
	ExecutionTime float64    `json:"executionTime"`
	ProjectPath   string     `json:"projectPath"`
	Language      string     `json:"language"`
}

// StatusEvent returns the status event carrying this snapshot's progress fields
func (s Snapshot) StatusEvent() StatusEvent {
	steps := make([]StepLog, len(s.Steps))
	copy(steps, s.Steps)
	planSteps := make([]PlanStep, len(s.Plan.Steps))
	copy(planSteps, s.Plan.Steps)

	return StatusEvent{
		Status:        s.Status,
		Steps:         steps,
		Plan:          PlanView{Steps: planSteps},
		TokenUsage:    s.TokenUsage,
		ExecutionTime: s.ExecutionTime,
	}
}
