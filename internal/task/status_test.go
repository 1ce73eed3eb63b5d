package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, Queued.Terminal())
	assert.False(t, InProgress.Terminal())
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.True(t, Blocked.Terminal())
	assert.True(t, Killed.Terminal())
}

func TestStatus_ValidTransition(t *testing.T) {
	assert.True(t, Queued.ValidTransition(InProgress))
	assert.True(t, Queued.ValidTransition(Blocked))
	assert.True(t, Queued.ValidTransition(Killed))
	assert.False(t, Queued.ValidTransition(Completed))

	assert.True(t, InProgress.ValidTransition(Completed))
	assert.True(t, InProgress.ValidTransition(Failed))
	assert.True(t, InProgress.ValidTransition(Killed))
	assert.False(t, InProgress.ValidTransition(Queued))

	assert.True(t, Failed.ValidTransition(Queued))
	assert.False(t, Failed.ValidTransition(Completed))

	for _, terminal := range []Status{Completed, Blocked, Killed} {
		assert.False(t, terminal.ValidTransition(Queued), "terminal status %s should have no outgoing transitions", terminal)
	}
}

func TestGoalStatus_Terminal(t *testing.T) {
	assert.False(t, GoalPending.Terminal())
	assert.False(t, GoalInProgress.Terminal())
	assert.True(t, GoalCompleted.Terminal())
	assert.True(t, GoalFailed.Terminal())
	assert.True(t, GoalCancelled.Terminal())
}
