package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateTerminal(t *testing.T) {
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())

	assert.True(t, StateRunning.IsValid())
	assert.False(t, State("bogus").IsValid())
}

func TestClone_Independent(t *testing.T) {
	now := time.Now()
	w := &Workflow{
		ID:        "wf-1",
		Type:      "greet",
		Input:     []byte("in"),
		State:     StateRunning,
		StartedAt: &now,
		Steps: []StepExecution{
			{Name: "start", Status: StepRunning, Attempt: 1, Input: []byte("si")},
		},
	}

	c := w.Clone()
	c.Input[0] = 'X'
	c.Steps[0].Input[0] = 'X'
	c.Steps[0].Status = StepFailed
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, []byte("in"), w.Input)
	assert.Equal(t, []byte("si"), w.Steps[0].Input)
	assert.Equal(t, StepRunning, w.Steps[0].Status)
	assert.Equal(t, now, *w.StartedAt)
}

func TestLastStepAndRunningStep(t *testing.T) {
	w := &Workflow{
		Steps: []StepExecution{
			{Name: "a", Status: StepFailed, Attempt: 1},
			{Name: "a", Status: StepCompleted, Attempt: 2},
			{Name: "b", Status: StepRunning, Attempt: 1},
		},
	}

	assert.Equal(t, 2, w.LastStep("a").Attempt)
	assert.Nil(t, w.LastStep("missing"))
	assert.Equal(t, "b", w.RunningStep().Name)
}

func TestFilterMatches(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	w := &Workflow{ID: "wf-1", Type: "greet", State: StateRunning, CreatedAt: base}

	assert.True(t, Filter{}.Matches(w))
	assert.True(t, Filter{Active: true}.Matches(w))
	assert.True(t, Filter{Type: "greet"}.Matches(w))
	assert.False(t, Filter{Type: "process"}.Matches(w))
	assert.True(t, Filter{State: StateRunning}.Matches(w))
	assert.False(t, Filter{State: StateFailed}.Matches(w))
	assert.True(t, Filter{Since: base}.Matches(w))
	assert.False(t, Filter{Since: base.Add(time.Minute)}.Matches(w))

	done := &Workflow{State: StateCompleted, CreatedAt: base}
	assert.False(t, Filter{Active: true}.Matches(done))
}
