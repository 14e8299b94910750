package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONCarriesTypeTag(t *testing.T) {
	data, err := json.Marshal(LogEvent{Step: 2, Result: "Installing requests", Level: LogLevelInfo})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"log","step":2,"result":"Installing requests","level":"info"}`, string(data))

	data, err = json.Marshal(CompleteEvent{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"complete"}`, string(data))

	data, err = json.Marshal(ErrorEvent{Message: "stuck in a loop"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"stuck in a loop"}`, string(data))
}

func TestStatusEventEncodesEmptyCollections(t *testing.T) {
	data, err := json.Marshal(StatusEvent{Status: "pending"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "status", raw["type"])
	assert.Equal(t, []any{}, raw["steps"])
	assert.Equal(t, map[string]any{"steps": []any{}}, raw["plan"])
	assert.NotContains(t, raw, "id", "status events must not carry task identity")
	assert.NotContains(t, raw, "prompt")
}

func TestDecodeEventReturnsVariant(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"file_update","step":3,"result":"Created src/main.py","path":"src/main.py","change":"created","size":22,"sha256":"sha256:ab"}`))
	require.NoError(t, err)

	update, ok := evt.(FileUpdateEvent)
	require.True(t, ok, "expected FileUpdateEvent, got %T", evt)
	assert.Equal(t, "src/main.py", update.Path)
	assert.Equal(t, FileCreated, update.Change)
	assert.Equal(t, StepLog{Step: 3, Result: "Created src/main.py", Type: EventFileUpdate}, update.Entry())
}

func TestDecodeEventRejectsUnknownAndMissingTypes(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"heartbeat"}`))
	assert.ErrorContains(t, err, "unknown event type")

	_, err = DecodeEvent([]byte(`{"step":1}`))
	assert.ErrorContains(t, err, "missing")

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestSnapshotStatusEventCopiesSlices(t *testing.T) {
	snap := Snapshot{
		Status: "running",
		Steps:  []StepLog{{Step: 1, Result: "a", Type: EventLog}},
		Plan:   PlanView{Steps: []PlanStep{{ID: 1, Description: "a", Status: "running"}}},
	}

	evt := snap.StatusEvent()
	snap.Steps[0].Result = "mutated"
	snap.Plan.Steps[0].Status = "completed"

	assert.Equal(t, "a", evt.Steps[0].Result)
	assert.Equal(t, "running", evt.Plan.Steps[0].Status)
}

func TestTerminalTypes(t *testing.T) {
	assert.True(t, EventComplete.IsTerminal())
	assert.True(t, EventError.IsTerminal())
	for _, typ := range []EventType{EventLog, EventThink, EventTool, EventAct, EventRun, EventFileUpdate, EventPlan, EventStatus} {
		assert.False(t, typ.IsTerminal(), "%s should not be terminal", typ)
	}
}
