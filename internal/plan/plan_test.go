package plan

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/iambrandonn/autodev/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseNewlineList(t *testing.T) {
	p := Parse("1. Create the project layout\n\n- Write main.py\n  * Add tests  \nStep 4: Run the tests\nDocument usage\n")

	want := protocol.PlanView{Steps: []protocol.PlanStep{
		{ID: 1, Description: "Create the project layout", Status: "pending"},
		{ID: 2, Description: "Write main.py", Status: "pending"},
		{ID: 3, Description: "Add tests", Status: "pending"},
		{ID: 4, Description: "Run the tests", Status: "pending"},
		{ID: 5, Description: "Document usage", Status: "pending"},
	}}

	if diff := cmp.Diff(want, p.View()); diff != "" {
		t.Errorf("plan view mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEmptyYieldsEmptyPlan(t *testing.T) {
	for _, input := range []string{"", "\n\n", "   \n\t\n"} {
		p := Parse(input)
		assert.Equal(t, 0, p.Len(), "input %q", input)
		assert.Empty(t, p.View().Steps)
	}
}

func TestParseKeepsBareMarkerLine(t *testing.T) {
	p := Parse("-")
	require.Equal(t, 1, p.Len())
	step, ok := p.Step(1)
	require.True(t, ok)
	assert.Equal(t, "-", step.Description)
}

func TestStepLifecycle(t *testing.T) {
	p := New([]string{"Write code", "Run code"})

	require.NoError(t, p.Start(1))
	require.NoError(t, p.Complete(1, "wrote src/main.py"))

	step, ok := p.Step(1)
	require.True(t, ok)
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, "wrote src/main.py", step.Result)

	require.NoError(t, p.Start(2))
	require.NoError(t, p.Fail(2, "exit status 1"))
	require.NoError(t, p.Retry(2))
	require.NoError(t, p.Complete(2, "exit status 0"))

	step, _ = p.Step(2)
	assert.Equal(t, StepCompleted, step.Status)
}

func TestInvalidTransitions(t *testing.T) {
	p := New([]string{"only step"})

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{"complete pending", func() error { return p.Complete(1, "") }, ErrInvalidTransition},
		{"fail pending", func() error { return p.Fail(1, "") }, ErrInvalidTransition},
		{"retry pending", func() error { return p.Retry(1) }, ErrInvalidTransition},
		{"start unknown", func() error { return p.Start(2) }, ErrStepNotFound},
		{"start zero", func() error { return p.Start(0) }, ErrStepNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.op(), tt.want))
		})
	}

	require.NoError(t, p.Start(1))
	assert.ErrorIs(t, p.Start(1), ErrInvalidTransition, "running step cannot start again")
	require.NoError(t, p.Complete(1, "ok"))
	assert.ErrorIs(t, p.Retry(1), ErrInvalidTransition, "completed step is final")
	assert.ErrorIs(t, p.Fail(1, "late"), ErrInvalidTransition)
}

func TestStepsReturnsCopy(t *testing.T) {
	p := New([]string{"a"})
	steps := p.Steps()
	steps[0].Status = StepCompleted

	step, _ := p.Step(1)
	assert.Equal(t, StepPending, step.Status)
}

func TestParseProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		var lines []string
		var nonEmpty int
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(rt, fmt.Sprintf("blank_%d", i)) {
				lines = append(lines, strings.Repeat(" ", rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("pad_%d", i))))
				continue
			}
			word := rapid.StringMatching(`[A-Za-z][A-Za-z ]{0,20}[A-Za-z]`).Draw(rt, fmt.Sprintf("line_%d", i))
			lines = append(lines, word)
			nonEmpty++
		}

		p := Parse(strings.Join(lines, "\n"))
		if p.Len() != nonEmpty {
			rt.Fatalf("expected %d steps, got %d", nonEmpty, p.Len())
		}
		for i, s := range p.Steps() {
			if s.ID != i+1 {
				rt.Fatalf("step %d has id %d", i, s.ID)
			}
			if s.Status != StepPending {
				rt.Fatalf("step %d not pending: %s", s.ID, s.Status)
			}
			if s.Description == "" {
				rt.Fatalf("step %d has empty description", s.ID)
			}
		}
	})
}
