package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-oss/conclave/internal/event"
	"github.com/conclave-oss/conclave/internal/store"
	"github.com/conclave-oss/conclave/internal/task"
)

func TestStalledTaskSweeper_FailsStalledTasksOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	stale := task.New(task.Spec{ID: "stale", GoalID: "g1", MaxRetries: 1}, time.Now().Add(-time.Hour))
	require.NoError(t, st.CreateTask(ctx, stale))
	_, err := st.UpdateTaskStatus(ctx, "stale", func(t *task.Task) bool {
		return t.Start(time.Now().Add(-time.Hour))
	})
	require.NoError(t, err)

	fresh := task.New(task.Spec{ID: "fresh", GoalID: "g1"}, time.Now())
	require.NoError(t, st.CreateTask(ctx, fresh))
	_, err = st.UpdateTaskStatus(ctx, "fresh", func(t *task.Task) bool {
		return t.Start(time.Now())
	})
	require.NoError(t, err)

	events := NewInMemoryEventLog()
	sweeper := NewStalledTaskSweeper(st, events, nil, 30*time.Minute)
	sweeper.sweepOnce()

	staleSnap, err := st.GetTask(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, task.Failed, staleSnap.Status)
	assert.Equal(t, "timeout", staleSnap.Error)

	freshSnap, err := st.GetTask(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, task.InProgress, freshSnap.Status)

	history, err := events.History("g1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, event.TaskFailed, history[0].Kind)
	assert.Equal(t, "stale", history[0].TaskID)
}

func TestStalledTaskSweeper_StartStop(t *testing.T) {
	st := store.NewMemoryStore()
	events := NewInMemoryEventLog()
	sweeper := NewStalledTaskSweeper(st, events, nil, time.Hour)

	require.NoError(t, sweeper.Start("@every 1h"))
	sweeper.Stop()
}
