package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStaticDecomposer_Decompose(t *testing.T) {
	d := NewStaticDecomposer(3)
	g := NewGoal(NewGoalID(), "launch the rocket", time.Now())

	specs := d.Decompose(g)
	assert.Len(t, specs, 3)

	for _, s := range specs {
		assert.Equal(t, g.ID, s.GoalID)
		assert.Equal(t, 3, s.MaxRetries)
	}

	assert.Empty(t, specs[0].Dependencies)
	assert.Equal(t, []string{specs[0].ID}, specs[1].Dependencies)
	assert.ElementsMatch(t, []string{specs[0].ID, specs[1].ID}, specs[2].Dependencies)

	resolver := NewDependencyResolver()
	now := time.Now()
	snaps := make([]Snapshot, len(specs))
	for i, s := range specs {
		snaps[i] = New(s, now).Snapshot()
	}
	assert.NoError(t, resolver.Validate(snaps))
}

func TestNewTasks(t *testing.T) {
	d := NewStaticDecomposer(1)
	g := NewGoal(NewGoalID(), "desc", time.Now())
	specs := d.Decompose(g)

	tasks := NewTasks(specs, time.Now())
	assert.Len(t, tasks, 3)
	for i, tk := range tasks {
		assert.Equal(t, specs[i].ID, tk.ID())
		assert.Equal(t, Queued, tk.Status())
	}
}
