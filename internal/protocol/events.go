package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event is the closed set of progress events a task produces
type Event interface {
	Type() EventType
	isEvent()
}

// StepEvent is an event that is also recorded in the task's step log
type StepEvent interface {
	Event
	Entry() StepLog
}

// LogEvent is a progress line emitted by the orchestrator or a handler
type LogEvent struct {
	Step   int      `json:"step"`
	Result string   `json:"result"`
	Level  LogLevel `json:"level"`
}

// ThinkEvent carries an agent's reasoning
type ThinkEvent struct {
	Step   int    `json:"step"`
	Result string `json:"result"`
}

// ToolEvent reports that an agent invoked a tool
type ToolEvent struct {
	Step   int    `json:"step"`
	Result string `json:"result"`
	Tool   string `json:"tool"`
	Input  string `json:"input"`
}

// ActEvent reports an agent action
type ActEvent struct {
	Step   int    `json:"step"`
	Result string `json:"result"`
}

// RunEvent reports the result of one agent run step
type RunEvent struct {
	Step   int    `json:"step"`
	Result string `json:"result"`
}

// FileUpdateEvent reports a file written inside the task workspace
type FileUpdateEvent struct {
	Step   int        `json:"step"`
	Result string     `json:"result"`
	Path   string     `json:"path"`
	Change FileChange `json:"change"`
	Size   int64      `json:"size"`
	SHA256 string     `json:"sha256"`
}

// PlanEvent announces the generated plan
type PlanEvent struct {
	Plan PlanView `json:"plan"`
}

// StatusEvent carries the task's progress snapshot
type StatusEvent struct {
	Status        string     `json:"status"`
	Steps         []StepLog  `json:"steps"`
	Plan          PlanView   `json:"plan"`
	TokenUsage    TokenUsage `json:"tokenUsage"`
	ExecutionTime float64    `json:"executionTime"`
}

// ErrorEvent is the terminal event of a failed task
type ErrorEvent struct {
	Message string `json:"message"`
}

// CompleteEvent is the terminal event of a completed task
type CompleteEvent struct{}

func (LogEvent) Type() EventType        { return EventLog }
func (ThinkEvent) Type() EventType      { return EventThink }
func (ToolEvent) Type() EventType       { return EventTool }
func (ActEvent) Type() EventType        { return EventAct }
func (RunEvent) Type() EventType        { return EventRun }
func (FileUpdateEvent) Type() EventType { return EventFileUpdate }
func (PlanEvent) Type() EventType       { return EventPlan }
func (StatusEvent) Type() EventType     { return EventStatus }
func (ErrorEvent) Type() EventType      { return EventError }
func (CompleteEvent) Type() EventType   { return EventComplete }

func (LogEvent) isEvent()        {}
func (ThinkEvent) isEvent()      {}
func (ToolEvent) isEvent()       {}
func (ActEvent) isEvent()        {}
func (RunEvent) isEvent()        {}
func (FileUpdateEvent) isEvent() {}
func (PlanEvent) isEvent()       {}
func (StatusEvent) isEvent()     {}
func (ErrorEvent) isEvent()      {}
func (CompleteEvent) isEvent()   {}

func (e LogEvent) Entry() StepLog   { return StepLog{Step: e.Step, Result: e.Result, Type: EventLog} }
func (e ThinkEvent) Entry() StepLog { return StepLog{Step: e.Step, Result: e.Result, Type: EventThink} }
func (e ToolEvent) Entry() StepLog  { return StepLog{Step: e.Step, Result: e.Result, Type: EventTool} }
func (e ActEvent) Entry() StepLog   { return StepLog{Step: e.Step, Result: e.Result, Type: EventAct} }
func (e RunEvent) Entry() StepLog   { return StepLog{Step: e.Step, Result: e.Result, Type: EventRun} }
func (e FileUpdateEvent) Entry() StepLog {
	return StepLog{Step: e.Step, Result: e.Result, Type: EventFileUpdate}
}

func (e LogEvent) MarshalJSON() ([]byte, error) {
	type body LogEvent
	return tagged(EventLog, body(e))
}

func (e ThinkEvent) MarshalJSON() ([]byte, error) {
	type body ThinkEvent
	return tagged(EventThink, body(e))
}

func (e ToolEvent) MarshalJSON() ([]byte, error) {
	type body ToolEvent
	return tagged(EventTool, body(e))
}

func (e ActEvent) MarshalJSON() ([]byte, error) {
	type body ActEvent
	return tagged(EventAct, body(e))
}

func (e RunEvent) MarshalJSON() ([]byte, error) {
	type body RunEvent
	return tagged(EventRun, body(e))
}

func (e FileUpdateEvent) MarshalJSON() ([]byte, error) {
	type body FileUpdateEvent
	return tagged(EventFileUpdate, body(e))
}

func (e PlanEvent) MarshalJSON() ([]byte, error) {
	type body PlanEvent
	return tagged(EventPlan, body(e))
}

func (e StatusEvent) MarshalJSON() ([]byte, error) {
	type body StatusEvent
	if e.Steps == nil {
		e.Steps = []StepLog{}
	}
	if e.Plan.Steps == nil {
		e.Plan.Steps = []PlanStep{}
	}
	return tagged(EventStatus, body(e))
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type body ErrorEvent
	return tagged(EventError, body(e))
}

func (e CompleteEvent) MarshalJSON() ([]byte, error) {
	return tagged(EventComplete, struct{}{})
}

// tagged prepends the "type" member to the JSON object encoding of body
func tagged(t EventType, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", t, err)
	}

	tag, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event type: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(data) > 2 {
		buf.WriteByte(',')
		buf.Write(data[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// DecodeEvent decodes a tagged JSON object into its event variant
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	switch head.Type {
	case EventLog:
		return decodeAs[LogEvent](data)
	case EventThink:
		return decodeAs[ThinkEvent](data)
	case EventTool:
		return decodeAs[ToolEvent](data)
	case EventAct:
		return decodeAs[ActEvent](data)
	case EventRun:
		return decodeAs[RunEvent](data)
	case EventFileUpdate:
		return decodeAs[FileUpdateEvent](data)
	case EventPlan:
		return decodeAs[PlanEvent](data)
	case EventStatus:
		return decodeAs[StatusEvent](data)
	case EventError:
		return decodeAs[ErrorEvent](data)
	case EventComplete:
		return CompleteEvent{}, nil
	case "":
		return nil, fmt.Errorf("missing or invalid 'type' field")
	default:
		return nil, fmt.Errorf("unknown event type: %s", head.Type)
	}
}

func decodeAs[T Event](data []byte) (Event, error) {
	var evt T
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", evt.Type(), err)
	}
	return evt, nil
}
