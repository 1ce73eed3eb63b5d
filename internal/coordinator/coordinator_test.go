package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-oss/conclave/internal/config"
	"github.com/conclave-oss/conclave/internal/router"
	"github.com/conclave-oss/conclave/internal/store"
	"github.com/conclave-oss/conclave/internal/task"
)

type recordingEscalationSink struct {
	calls []string
}

func (r *recordingEscalationSink) Escalate(taskID string, priority int, errMsg string, retryCount, maxRetries int) {
	r.calls = append(r.calls, taskID)
}

func newTestCoordinator(t *testing.T) (*AgentCoordinator, store.Store, *recordingEscalationSink) {
	t.Helper()
	st := store.NewMemoryStore()
	rt := router.New(router.DefaultProfiles(), nil)
	sink := &recordingEscalationSink{}
	return New(st, rt, sink, nil), st, sink
}

func TestAgentCoordinator_AssignTaskUsesDescriptionKeywords(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)

	tk := task.New(task.Spec{ID: "t1", GoalID: "g1", Description: "deploy the new infrastructure"}, time.Now())
	require.NoError(t, st.CreateTask(ctx, tk))

	assignment, err := c.AssignTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ops", assignment.AgentType)

	snap, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ops", snap.AssignedAgent)
}

func TestAgentCoordinator_AssignTaskHonorsPreAssignedAgent(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)

	tk := task.New(task.Spec{ID: "t1", GoalID: "g1", AssignedAgent: "memory"}, time.Now())
	require.NoError(t, st.CreateTask(ctx, tk))

	assignment, err := c.AssignTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "memory", assignment.AgentType)
}

func TestAgentCoordinator_HandleTaskCompletion(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)

	tk := task.New(task.Spec{ID: "t1", GoalID: "g1", AssignedAgent: "builder"}, time.Now())
	require.NoError(t, st.CreateTask(ctx, tk))
	_, err := st.UpdateTaskStatus(ctx, "t1", func(t *task.Task) bool { return t.Start(time.Now()) })
	require.NoError(t, err)

	_, err = c.AssignTask(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, c.HandleTaskCompletion(ctx, "t1", map[string]string{"ok": "true"}))

	snap, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Completed, snap.Status)

	assignment, ok := c.AssignmentFor("t1")
	require.True(t, ok)
	assert.Equal(t, AssignmentCompleted, assignment.Status)
}

func TestAgentCoordinator_HandleTaskFailureRetriesWithinBudget(t *testing.T) {
	ctx := context.Background()
	c, st, sink := newTestCoordinator(t)

	tk := task.New(task.Spec{ID: "t1", GoalID: "g1", AssignedAgent: "builder", MaxRetries: 2, Priority: 5}, time.Now())
	require.NoError(t, st.CreateTask(ctx, tk))
	_, err := st.UpdateTaskStatus(ctx, "t1", func(t *task.Task) bool { return t.Start(time.Now()) })
	require.NoError(t, err)

	retried, delay, err := c.HandleTaskFailure(ctx, "t1", "worker timed out")
	require.NoError(t, err)
	assert.True(t, retried)
	assert.Greater(t, delay, time.Duration(0))
	assert.Empty(t, sink.calls)

	snap, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Queued, snap.Status)
	assert.Equal(t, 1, snap.RetryCount)
}

func TestAgentCoordinator_HandleTaskFailureEscalatesHighPriorityAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	c, st, sink := newTestCoordinator(t)

	tk := task.New(task.Spec{ID: "t1", GoalID: "g1", AssignedAgent: "builder", MaxRetries: 0, Priority: 5}, time.Now())
	require.NoError(t, st.CreateTask(ctx, tk))
	_, err := st.UpdateTaskStatus(ctx, "t1", func(t *task.Task) bool { return t.Start(time.Now()) })
	require.NoError(t, err)

	retried, _, err := c.HandleTaskFailure(ctx, "t1", "fatal error")
	require.NoError(t, err)
	assert.False(t, retried)
	assert.Equal(t, []string{"t1"}, sink.calls)

	snap, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Failed, snap.Status)
}

// workerFunc adapts a plain function to WorkerAgent.
type workerFunc struct {
	agentType string
	run       func(ctx context.Context, snap task.Snapshot) (interface{}, error)
}

func (w workerFunc) AgentType() string { return w.agentType }
func (w workerFunc) Run(ctx context.Context, t task.Snapshot) (interface{}, error) {
	return w.run(ctx, t)
}

func TestAgentCoordinator_RetryDelayFollowsPolicyTable(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)
	c.WithPolicies(config.OrchestratorConfig{Policies: map[string]config.PolicyConfig{
		"default": {RetryDelay: "50ms", ExponentialBackoff: false},
	}})

	tk := task.New(task.Spec{ID: "t1", GoalID: "g1", AssignedAgent: "builder", MaxRetries: 2}, time.Now())
	require.NoError(t, st.CreateTask(ctx, tk))
	_, err := st.UpdateTaskStatus(ctx, "t1", func(t *task.Task) bool { return t.Start(time.Now()) })
	require.NoError(t, err)

	retried, delay, err := c.HandleTaskFailure(ctx, "t1", "flaky")
	require.NoError(t, err)
	assert.True(t, retried)
	assert.Equal(t, 50*time.Millisecond, delay)
}

func TestAgentCoordinator_RunTaskTimesOutSlowWorker(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)
	c.WithPolicies(config.OrchestratorConfig{Policies: map[string]config.PolicyConfig{
		"default": {TimeoutSeconds: 1},
	}})

	slow := workerFunc{
		agentType: "builder",
		run: func(ctx context.Context, snap task.Snapshot) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	resolve := func(agentType string) (WorkerAgent, bool) { return slow, true }

	tk := task.New(task.Spec{ID: "t1", GoalID: "g1", AssignedAgent: "builder", MaxRetries: 0}, time.Now())
	require.NoError(t, st.CreateTask(ctx, tk))

	result, err := c.RunTask(ctx, "t1", resolve)
	require.NoError(t, err)
	assert.False(t, result.Retried)

	snap, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Failed, snap.Status)
	assert.Equal(t, "timeout", snap.Error)
}

func TestAgentCoordinator_CircuitBreakerFailsFastAfterThreshold(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)
	c.WithPolicies(config.OrchestratorConfig{Policies: map[string]config.PolicyConfig{
		"default": {
			TimeoutSeconds: 30,
			CircuitBreaker: config.CircuitBreakerCfg{FailureThreshold: 1, ResetPeriod: "1m"},
		},
	}})

	invocations := 0
	failing := workerFunc{
		agentType: "builder",
		run: func(ctx context.Context, snap task.Snapshot) (interface{}, error) {
			invocations++
			return nil, fmt.Errorf("boom")
		},
	}
	resolve := func(agentType string) (WorkerAgent, bool) { return failing, true }

	for _, id := range []string{"t1", "t2"} {
		tk := task.New(task.Spec{ID: id, GoalID: "g1", AssignedAgent: "builder", MaxRetries: 0}, time.Now())
		require.NoError(t, st.CreateTask(ctx, tk))
	}

	_, err := c.RunTask(ctx, "t1", resolve)
	require.NoError(t, err)
	assert.Equal(t, 1, invocations)

	// The breaker tripped on t1's failure; t2 fails fast without ever
	// reaching the worker.
	_, err = c.RunTask(ctx, "t2", resolve)
	require.NoError(t, err)
	assert.Equal(t, 1, invocations)

	snap, err := st.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, task.Failed, snap.Status)
	assert.Contains(t, snap.Error, "circuit breaker open")
}

func TestAgentCoordinator_FinalizeGoal(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)

	g := task.NewGoal("g1", "ship it", time.Now())
	require.NoError(t, st.CreateGoal(ctx, g))

	a := task.New(task.Spec{ID: "a", GoalID: "g1"}, time.Now())
	require.NoError(t, st.CreateTask(ctx, a))

	result, err := c.FinalizeGoal(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, result.InProgress)

	_, err = st.UpdateTaskStatus(ctx, "a", func(t *task.Task) bool { return t.Start(time.Now()) })
	require.NoError(t, err)
	_, err = st.UpdateTaskStatus(ctx, "a", func(t *task.Task) bool { return t.Complete("done", time.Now()) })
	require.NoError(t, err)

	result, err = c.FinalizeGoal(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, result.InProgress)
	assert.Equal(t, task.GoalCompleted, result.Status)
	assert.Equal(t, 1, result.Completed)
}
