package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conclaveErrors "github.com/conclave-oss/conclave/internal/errors"
	"github.com/conclave-oss/conclave/internal/task"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_GoalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	g := task.NewGoal(task.NewGoalID(), "ship it", time.Now())
	require.NoError(t, s.CreateGoal(ctx, g))

	got, err := s.GetGoal(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Description, got.Description)
	assert.Equal(t, task.GoalPending, got.Status)
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetGoal(ctx, "missing")
	assert.Equal(t, conclaveErrors.CodeNotFound, conclaveErrors.AsCode(err))
}

func TestSQLiteStore_UpdateGoalStatusSetsCompletedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	g := task.NewGoal("g1", "finish me", time.Now())
	require.NoError(t, s.CreateGoal(ctx, g))

	done := time.Now()
	require.NoError(t, s.UpdateGoalStatus(ctx, "g1", task.GoalCompleted, &done))

	got, err := s.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, task.GoalCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	err = s.UpdateGoalStatus(ctx, "missing", task.GoalFailed, &done)
	assert.Equal(t, conclaveErrors.CodeNotFound, conclaveErrors.AsCode(err))
}

func TestSQLiteStore_TaskLifecycleSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)

	tk := task.New(task.Spec{ID: "t1", GoalID: "g1", Description: "persist me", MaxRetries: 2}, time.Now())
	require.NoError(t, s.CreateTask(ctx, tk))
	_, err = s.UpdateTaskStatus(ctx, "t1", func(t *task.Task) bool { return t.Start(time.Now()) })
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskMetadata(ctx, "t1", map[string]interface{}{"task_category": "code"}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.InProgress, snap.Status)
	assert.Equal(t, "persist me", snap.Description)
	assert.Equal(t, "code", snap.Metadata["task_category"])
	require.NotNil(t, snap.StartedAt)
}

func TestSQLiteStore_CreateTaskRejectsDuplicateAndCycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	a := task.New(task.Spec{ID: "a", GoalID: "g1"}, time.Now())
	require.NoError(t, s.CreateTask(ctx, a))

	again := task.New(task.Spec{ID: "a", GoalID: "g1"}, time.Now())
	err := s.CreateTask(ctx, again)
	assert.Equal(t, conclaveErrors.CodeDuplicateId, conclaveErrors.AsCode(err))

	ghost := task.New(task.Spec{ID: "b", GoalID: "g1", Dependencies: []string{"ghost"}}, time.Now())
	err = s.CreateTask(ctx, ghost)
	assert.Equal(t, conclaveErrors.CodeInvalidDependency, conclaveErrors.AsCode(err))

	b := task.New(task.Spec{ID: "c", GoalID: "g1", Dependencies: []string{"a"}}, time.Now())
	require.NoError(t, s.CreateTask(ctx, b))
	_, err = s.UpdateTaskDependencies(ctx, "a", []string{"c"})
	assert.Equal(t, conclaveErrors.CodeCyclicDependency, conclaveErrors.AsCode(err))

	snap, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, snap.Dependencies)
}

func TestSQLiteStore_ReadyTasksOrderedByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	now := time.Now()
	low := task.New(task.Spec{ID: "low", GoalID: "g1", Priority: 1}, now)
	high := task.New(task.Spec{ID: "high", GoalID: "g1", Priority: 5}, now.Add(time.Second))
	blockedTask := task.New(task.Spec{ID: "later", GoalID: "g1", Priority: 9, Dependencies: []string{"low"}}, now)
	require.NoError(t, s.CreateTask(ctx, low))
	require.NoError(t, s.CreateTask(ctx, high))
	require.NoError(t, s.CreateTask(ctx, blockedTask))

	ready, err := s.ReadyTasks(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "high", ready[0].ID)
	assert.Equal(t, "low", ready[1].ID)
}

func TestSQLiteStore_AgentAndStalledTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	fresh := task.New(task.Spec{ID: "fresh", GoalID: "g1", AssignedAgent: "builder"}, time.Now())
	stale := task.New(task.Spec{ID: "stale", GoalID: "g1", AssignedAgent: "builder"}, time.Now().Add(-2*time.Hour))
	require.NoError(t, s.CreateTask(ctx, fresh))
	require.NoError(t, s.CreateTask(ctx, stale))
	_, err := s.UpdateTaskStatus(ctx, "stale", func(t *task.Task) bool {
		return t.Start(time.Now().Add(-2 * time.Hour))
	})
	require.NoError(t, err)

	agentTasks, err := s.AgentTasks(ctx, "builder", nil)
	require.NoError(t, err)
	assert.Len(t, agentTasks, 2)

	queued := task.Queued
	filtered, err := s.AgentTasks(ctx, "builder", &queued)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "fresh", filtered[0].ID)

	stalled, err := s.StalledTasks(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "stale", stalled[0].ID)
}

func TestSQLiteStore_RetryTaskExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	tk := task.New(task.Spec{ID: "r1", GoalID: "g1", MaxRetries: 1}, time.Now())
	require.NoError(t, s.CreateTask(ctx, tk))
	_, err := s.UpdateTaskStatus(ctx, "r1", func(t *task.Task) bool { return t.Start(time.Now()) })
	require.NoError(t, err)
	_, err = s.UpdateTaskStatus(ctx, "r1", func(t *task.Task) bool { return t.Fail("boom", time.Now()) })
	require.NoError(t, err)

	retried, err := s.RetryTask(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, task.Queued, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	_, err = s.UpdateTaskStatus(ctx, "r1", func(t *task.Task) bool { return t.Start(time.Now()) })
	require.NoError(t, err)
	_, err = s.UpdateTaskStatus(ctx, "r1", func(t *task.Task) bool { return t.Fail("boom again", time.Now()) })
	require.NoError(t, err)

	_, err = s.RetryTask(ctx, "r1")
	assert.Equal(t, conclaveErrors.CodeRetriesExhausted, conclaveErrors.AsCode(err))
}
