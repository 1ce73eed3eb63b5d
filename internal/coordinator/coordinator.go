// Package coordinator assigns tasks to worker agents, tracks their
// in-flight assignments, and applies the retry/escalation policy when a
// task fails. Routing decides *which* agent type a task goes to; the
// coordinator decides *what happens next* once that agent reports back.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/conclave-oss/conclave/internal/config"
	"github.com/conclave-oss/conclave/internal/router"
	"github.com/conclave-oss/conclave/internal/safety"
	"github.com/conclave-oss/conclave/internal/store"
	"github.com/conclave-oss/conclave/internal/task"
	"github.com/conclave-oss/conclave/internal/telemetry"
)

// AssignmentStatus tracks an Assignment's own lifecycle, distinct from
// (but kept in step with) the underlying Task's status.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentWorking   AssignmentStatus = "working"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
)

// Assignment records which agent instance is working a task.
type Assignment struct {
	AgentID    string
	AgentType  string
	TaskID     string
	AssignedAt time.Time
	Status     AssignmentStatus
}

// escalationPriorityThreshold is the task priority at or above which a
// permanent failure is logged as an escalation when the coordinator's
// policies carry no positive escalation_priority_threshold of their own.
const escalationPriorityThreshold = 4

// WorkerAgent is the contract a concrete agent implementation satisfies
// to be dispatched by the coordinator. Run is expected to block until
// the task either completes or returns an error; cancellation is
// signaled through ctx.
type WorkerAgent interface {
	AgentType() string
	Run(ctx context.Context, t task.Snapshot) (interface{}, error)
}

// EscalationSink receives escalation events raised by HandleTaskFailure.
// Delivery beyond the emission itself is an embedder concern; the
// default implementation only logs.
type EscalationSink interface {
	Escalate(taskID string, priority int, errMsg string, retryCount, maxRetries int)
}

// LoggingEscalationSink logs escalations through a telemetry.Logger and
// never does anything else.
type LoggingEscalationSink struct {
	Logger *telemetry.Logger
}

func (s *LoggingEscalationSink) Escalate(taskID string, priority int, errMsg string, retryCount, maxRetries int) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn("task escalation",
		"task_id", taskID, "priority", priority, "error", errMsg,
		"retry_count", retryCount, "max_retries", maxRetries)
}

// AgentCoordinator assigns tasks to worker agents via a Router, tracks
// the resulting Assignments, and applies the retry-then-escalate policy
// when a worker reports failure.
type AgentCoordinator struct {
	store      store.Store
	router     *router.Router
	safety     *safety.SafetyPipeline
	escalation EscalationSink
	logger     *telemetry.Logger
	policies   config.OrchestratorConfig

	mu          sync.Mutex
	assignments map[string]*Assignment // keyed by agent ID
	byTask      map[string]string      // task ID -> agent ID
	backoffs    map[string]*backoff.ExponentialBackOff
	breakers    map[string]*breakerState // keyed by task kind
}

// breakerState tracks one task kind's circuit breaker: consecutive
// worker failures, and how long the breaker stays open once tripped.
type breakerState struct {
	failures  int
	openUntil time.Time
}

// New constructs an AgentCoordinator.
func New(st store.Store, rt *router.Router, escalation EscalationSink, logger *telemetry.Logger) *AgentCoordinator {
	if escalation == nil {
		escalation = &LoggingEscalationSink{Logger: logger}
	}
	return &AgentCoordinator{
		store:       st,
		router:      rt,
		escalation:  escalation,
		logger:      logger,
		assignments: make(map[string]*Assignment),
		byTask:      make(map[string]string),
		backoffs:    make(map[string]*backoff.ExponentialBackOff),
		breakers:    make(map[string]*breakerState),
	}
}

// WithPolicies attaches the per-task-kind timeout/retry/circuit-breaker
// policy table. A coordinator with no table set falls back to the zero
// PolicyConfig (five-minute timeout, one-second constant retry delay,
// no circuit breaker).
func (c *AgentCoordinator) WithPolicies(cfg config.OrchestratorConfig) *AgentCoordinator {
	c.policies = cfg
	return c
}

// WithSafetyPipeline attaches the SafetyPipeline RunTask wraps every
// worker invocation with. A coordinator with no pipeline set runs
// workers unscreened, which is only appropriate in tests.
func (c *AgentCoordinator) WithSafetyPipeline(p *safety.SafetyPipeline) *AgentCoordinator {
	c.safety = p
	return c
}

// metadataString reads a string metadata value, returning "" if the key
// is absent or not a string.
func metadataString(meta map[string]interface{}, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// AssignTask assigns a task to an agent: if the task already names an
// assigned agent, that agent type is used directly; otherwise the
// Router picks one from the task's category, required capabilities, and
// description. The task is transitioned to in_progress as part of the
// assignment; an agent taking a task and the task starting are one
// step.
func (c *AgentCoordinator) AssignTask(ctx context.Context, taskID string) (*Assignment, error) {
	snap, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var agentType string
	if snap.AssignedAgent != "" {
		agentType = snap.AssignedAgent
	} else {
		decision := c.router.Route(router.Request{
			Description:    snap.Description,
			TaskType:       metadataString(snap.Metadata, "task_category"),
			PreferredAgent: metadataString(snap.Metadata, "preferred_agent"),
		})
		agentType = decision.AgentType
		if err := c.store.UpdateTaskMetadata(ctx, taskID, map[string]interface{}{"assigned_agent": agentType}); err != nil {
			return nil, err
		}
		_, err = c.store.UpdateTaskStatus(ctx, taskID, func(t *task.Task) bool {
			t.SetAssignedAgent(agentType)
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	_, err = c.store.UpdateTaskStatus(ctx, taskID, func(t *task.Task) bool {
		return t.Start(time.Now())
	})
	if err != nil {
		return nil, err
	}

	assignment := &Assignment{
		AgentID:    fmt.Sprintf("%s_%s", agentType, uuid.NewString()[:8]),
		AgentType:  agentType,
		TaskID:     taskID,
		AssignedAt: time.Now(),
		Status:     AssignmentAssigned,
	}

	c.mu.Lock()
	c.assignments[assignment.AgentID] = assignment
	c.byTask[taskID] = assignment.AgentID
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("task assigned", "task_id", taskID, "agent_id", assignment.AgentID, "agent_type", agentType)
	}
	return assignment, nil
}

// Progress is the information MonitorTaskProgress reports back about one
// in-flight or resolved task.
type Progress struct {
	TaskID      string
	Status      task.Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	AgentID     string
	AgentType   string
	AgentStatus AssignmentStatus
	Result      interface{}
	Error       string
	RetryCount  int
	MaxRetries  int
}

// MonitorTaskProgress reports the current status of a task and its
// agent assignment, if any.
func (c *AgentCoordinator) MonitorTaskProgress(ctx context.Context, taskID string) (Progress, error) {
	snap, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return Progress{}, err
	}

	c.mu.Lock()
	var assignment *Assignment
	if agentID, ok := c.byTask[taskID]; ok {
		assignment = c.assignments[agentID]
	}
	c.mu.Unlock()

	progress := Progress{
		TaskID:      taskID,
		Status:      snap.Status,
		CreatedAt:   snap.CreatedAt,
		StartedAt:   snap.StartedAt,
		CompletedAt: snap.CompletedAt,
		Result:      snap.Result,
		Error:       snap.Error,
		RetryCount:  snap.RetryCount,
		MaxRetries:  snap.MaxRetries,
		AgentType:   snap.AssignedAgent,
	}
	if assignment != nil {
		progress.AgentID = assignment.AgentID
		progress.AgentType = assignment.AgentType
		progress.AgentStatus = assignment.Status
	}
	return progress, nil
}

// HandleTaskCompletion marks a task completed with result and updates
// its assignment's status to match.
func (c *AgentCoordinator) HandleTaskCompletion(ctx context.Context, taskID string, result interface{}) error {
	_, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	if _, err := c.store.UpdateTaskStatus(ctx, taskID, func(t *task.Task) bool {
		return t.Complete(result, now)
	}); err != nil {
		return err
	}

	c.mu.Lock()
	agentID, ok := c.byTask[taskID]
	var agentType string
	if ok {
		if a := c.assignments[agentID]; a != nil {
			a.Status = AssignmentCompleted
			agentType = a.AgentType
		}
	}
	delete(c.backoffs, taskID)
	c.mu.Unlock()

	if agentType != "" {
		c.router.ReleaseWorkload(agentType)
	}

	if c.logger != nil {
		c.logger.Info("task completed", "task_id", taskID, "agent_id", agentID)
	}
	return nil
}

// HandleTaskFailure retries a task if it has retries remaining
// (computing an exponential backoff delay for the caller to honor
// before re-dispatching), or marks it permanently failed and checks for
// escalation otherwise. A failure whose message starts with
// "safety_block:" is never retried.
func (c *AgentCoordinator) HandleTaskFailure(ctx context.Context, taskID string, errMsg string) (retried bool, delay time.Duration, err error) {
	snap, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return false, 0, err
	}

	if snap.RetryCount < snap.MaxRetries && !strings.HasPrefix(errMsg, "safety_block:") {
		now := time.Now()
		retriedSnap, err := c.store.UpdateTaskStatus(ctx, taskID, func(t *task.Task) bool {
			t.Fail(errMsg, now)
			return t.Retry()
		})
		if err != nil {
			return false, 0, err
		}

		policy := c.policies.PolicyFor(metadataString(snap.Metadata, "task_category"))

		c.mu.Lock()
		if policy.ExponentialBackoff {
			bo, ok := c.backoffs[taskID]
			if !ok {
				bo = backoff.NewExponentialBackOff()
				bo.InitialInterval = policy.ParsedRetryDelay()
				bo.Reset()
				c.backoffs[taskID] = bo
			}
			delay = bo.NextBackOff()
		} else {
			delay = policy.ParsedRetryDelay()
		}

		if agentID, ok := c.byTask[taskID]; ok {
			delete(c.assignments, agentID)
			delete(c.byTask, taskID)
		}
		c.mu.Unlock()

		if c.logger != nil {
			c.logger.Info("task failed, retrying",
				"task_id", taskID, "retry_count", retriedSnap.RetryCount, "max_retries", retriedSnap.MaxRetries,
				"delay", delay, "error", errMsg)
		}

		// The task is left queued here rather than re-assigned eagerly:
		// the next scheduling pass picks it back up via ReadyTasks and
		// calls AssignTask itself, which is what creates the fresh
		// Assignment a retry requires.
		return true, delay, nil
	}

	now := time.Now()
	if _, err := c.store.UpdateTaskStatus(ctx, taskID, func(t *task.Task) bool {
		return t.Fail(errMsg, now)
	}); err != nil {
		return false, 0, err
	}

	c.mu.Lock()
	agentID, hasAgent := c.byTask[taskID]
	var agentType string
	if hasAgent {
		if a := c.assignments[agentID]; a != nil {
			a.Status = AssignmentFailed
			agentType = a.AgentType
		}
	}
	delete(c.backoffs, taskID)
	c.mu.Unlock()

	if agentType != "" {
		c.router.ReleaseWorkload(agentType)
	}

	if c.logger != nil {
		c.logger.Info("task failed permanently", "task_id", taskID, "retry_count", snap.RetryCount, "max_retries", snap.MaxRetries)
	}

	c.checkForEscalation(ctx, snap, errMsg)
	return false, 0, nil
}

func (c *AgentCoordinator) checkForEscalation(ctx context.Context, snap task.Snapshot, errMsg string) {
	threshold := c.policies.EscalationPriorityThreshold
	if threshold <= 0 {
		threshold = escalationPriorityThreshold
	}
	if snap.Priority < threshold {
		return
	}
	_ = c.store.UpdateTaskMetadata(ctx, snap.ID, map[string]interface{}{
		"escalated":         true,
		"escalation_reason": errMsg,
	})
	c.escalation.Escalate(snap.ID, snap.Priority, errMsg, snap.RetryCount, snap.MaxRetries)
}

// GoalResult is the outcome FinalizeGoal reports once every task in a
// goal has resolved.
type GoalResult struct {
	GoalID      string
	Status      task.GoalStatus
	InProgress  bool
	Total       int
	Completed   int
	Failed      int
	FailedTasks []string
}

// FinalizeGoal checks whether every task belonging to goalID has
// resolved (completed, failed, blocked, or killed) and, if so, marks the
// goal completed or failed accordingly. It is safe to call repeatedly
// while a goal is still in progress.
func (c *AgentCoordinator) FinalizeGoal(ctx context.Context, goalID string) (GoalResult, error) {
	goal, err := c.store.GetGoal(ctx, goalID)
	if err != nil {
		return GoalResult{}, err
	}

	tasks, err := c.store.GoalTasks(ctx, goalID)
	if err != nil {
		return GoalResult{}, err
	}

	allResolved := true
	allCompleted := true
	var failedTasks []string
	completedCount := 0
	failedCount := 0

	for _, t := range tasks {
		if !t.Status.Terminal() {
			allResolved = false
		}
		switch t.Status {
		case task.Completed:
			completedCount++
		default:
			allCompleted = false
			if t.Status == task.Failed {
				failedCount++
				failedTasks = append(failedTasks, t.ID)
			}
		}
	}

	if !allResolved {
		return GoalResult{GoalID: goalID, Status: goal.Status, InProgress: true, Total: len(tasks)}, nil
	}

	if goal.Status != task.GoalCompleted && allCompleted {
		if err := c.store.UpdateGoalStatus(ctx, goalID, task.GoalCompleted, nil); err != nil {
			return GoalResult{}, err
		}
		goal.Status = task.GoalCompleted
		if c.logger != nil {
			c.logger.Info("goal completed", "goal_id", goalID, "task_count", len(tasks))
		}
	} else if goal.Status != task.GoalFailed && !allCompleted {
		if err := c.store.UpdateGoalStatus(ctx, goalID, task.GoalFailed, nil); err != nil {
			return GoalResult{}, err
		}
		goal.Status = task.GoalFailed
		if c.logger != nil {
			c.logger.Info("goal failed", "goal_id", goalID, "task_count", len(tasks), "failed_tasks", failedTasks)
		}
	}

	return GoalResult{
		GoalID:      goalID,
		Status:      goal.Status,
		Total:       len(tasks),
		Completed:   completedCount,
		Failed:      failedCount,
		FailedTasks: failedTasks,
	}, nil
}

// AttemptResult is what RunTask reports once one attempt of a task has
// resolved, for the orchestrator's scheduling loop to act on.
type AttemptResult struct {
	TaskID  string
	Retried bool
	Delay   time.Duration
	Blocked bool
	Verdict *safety.SafetyVerdict
}

// WorkerResolver looks up the WorkerAgent that should handle the given
// agent type, as decided by AssignTask's routing. It returns false if no
// worker is registered for that type.
type WorkerResolver func(agentType string) (WorkerAgent, bool)

// RunTask assigns taskID to an agent, resolves the worker for that
// agent's type, screens the prompt, runs the worker under ctx, and
// screens its output, then records completion or failure through
// HandleTaskCompletion/HandleTaskFailure. A prompt blocked by the safety
// pipeline never reaches the worker at all; an output blocked by the
// safety pipeline gets exactly one safe-fallback retry before failing
// permanently with an ip_violation tag.
func (c *AgentCoordinator) RunTask(ctx context.Context, taskID string, resolve WorkerResolver) (AttemptResult, error) {
	assignment, err := c.AssignTask(ctx, taskID)
	if err != nil {
		return AttemptResult{}, err
	}

	worker, ok := resolve(assignment.AgentType)
	if !ok {
		retried, delay, err := c.HandleTaskFailure(ctx, taskID, fmt.Sprintf("no worker registered for agent type %q", assignment.AgentType))
		if err != nil {
			return AttemptResult{}, err
		}
		return AttemptResult{TaskID: taskID, Retried: retried, Delay: delay}, nil
	}

	snap, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return AttemptResult{}, err
	}

	kind := metadataString(snap.Metadata, "task_category")
	policy := c.policies.PolicyFor(kind)

	if c.breakerOpen(kind) {
		retried, delay, err := c.HandleTaskFailure(ctx, taskID, fmt.Sprintf("circuit breaker open for task kind %q", kindLabel(kind)))
		if err != nil {
			return AttemptResult{}, err
		}
		return AttemptResult{TaskID: taskID, Retried: retried, Delay: delay}, nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, policy.ParsedTimeout())
	defer cancel()

	result, failErr := c.attempt(attemptCtx, snap, worker, false)
	if failErr == nil {
		c.recordWorkerSuccess(kind)
		if err := c.HandleTaskCompletion(ctx, taskID, result); err != nil {
			return AttemptResult{}, err
		}
		return AttemptResult{TaskID: taskID}, nil
	}

	if verdict, ok := failErr.(*safetyBlockError); ok {
		retried, delay, err := c.HandleTaskFailure(ctx, taskID, verdict.Error())
		if err != nil {
			return AttemptResult{}, err
		}
		return AttemptResult{TaskID: taskID, Retried: retried, Delay: delay, Blocked: true, Verdict: verdict.verdict}, nil
	}

	// An external cancel (KillTask) has already resolved the task; the
	// late error from the abandoned worker is discarded, not recorded as
	// a failure.
	if ctx.Err() == context.Canceled {
		return AttemptResult{TaskID: taskID}, nil
	}

	errMsg := failErr.Error()
	if attemptCtx.Err() == context.DeadlineExceeded {
		errMsg = "timeout"
	}
	c.recordWorkerFailure(kind)

	retried, delay, err := c.HandleTaskFailure(ctx, taskID, errMsg)
	if err != nil {
		return AttemptResult{}, err
	}
	return AttemptResult{TaskID: taskID, Retried: retried, Delay: delay}, nil
}

func kindLabel(kind string) string {
	if kind == "" {
		return "default"
	}
	return kind
}

// breakerOpen reports whether kind's circuit breaker is currently open.
func (c *AgentCoordinator) breakerOpen(kind string) bool {
	if c.policies.PolicyFor(kind).CircuitBreaker.FailureThreshold <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.breakers[kind]
	return b != nil && time.Now().Before(b.openUntil)
}

// recordWorkerFailure counts a worker failure against kind's breaker,
// opening it for the configured reset period once the failure threshold
// is reached.
func (c *AgentCoordinator) recordWorkerFailure(kind string) {
	cb := c.policies.PolicyFor(kind).CircuitBreaker
	if cb.FailureThreshold <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.breakers[kind]
	if b == nil {
		b = &breakerState{}
		c.breakers[kind] = b
	}
	b.failures++
	if b.failures >= cb.FailureThreshold {
		b.openUntil = time.Now().Add(cb.ParsedResetPeriod())
		b.failures = 0
		if c.logger != nil {
			c.logger.Warn("circuit breaker opened", "task_kind", kindLabel(kind), "reset_period", cb.ParsedResetPeriod())
		}
	}
}

// recordWorkerSuccess resets kind's consecutive-failure count.
func (c *AgentCoordinator) recordWorkerSuccess(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.breakers[kind]; b != nil {
		b.failures = 0
	}
}

// safetyBlockError wraps a blocking SafetyVerdict so RunTask's caller
// can distinguish a safety block from an ordinary worker error.
type safetyBlockError struct {
	tag     string
	verdict *safety.SafetyVerdict
}

func (e *safetyBlockError) Error() string {
	return "safety_block:" + e.tag
}

// attempt runs one worker invocation wrapped by the safety pipeline. If
// isRetryAttempt is true and the output is blocked again, the task fails
// outright rather than retrying a second time, since only one
// safe-fallback retry is allowed per attempt.
func (c *AgentCoordinator) attempt(ctx context.Context, snap task.Snapshot, worker WorkerAgent, isRetryAttempt bool) (interface{}, error) {
	prompt := snap.Description

	if c.safety != nil {
		promptVerdict := c.safety.CheckPrompt(prompt, snap.GoalID)
		if promptVerdict.Action == safety.ActionBlock {
			return nil, &safetyBlockError{tag: firstFindingTag(promptVerdict), verdict: &promptVerdict}
		}
		if promptVerdict.SanitizedText != "" {
			prompt = promptVerdict.SanitizedText
		}
	}

	runSnap := snap
	runSnap.Description = prompt

	output, err := worker.Run(ctx, runSnap)
	if err != nil {
		return nil, err
	}

	if c.safety == nil {
		return output, nil
	}

	outputText := fmt.Sprintf("%v", output)
	outputVerdict := c.safety.CheckOutput(outputText, snap.GoalID)
	switch outputVerdict.Action {
	case safety.ActionBlock:
		if isRetryAttempt {
			return nil, &safetyBlockError{tag: "ip_violation", verdict: &outputVerdict}
		}
		return c.attempt(ctx, snap, worker, true)
	case safety.ActionRewrite, safety.ActionWarn:
		return outputVerdict.SanitizedText, nil
	default:
		return output, nil
	}
}

func firstFindingTag(v safety.SafetyVerdict) string {
	for _, f := range v.Findings {
		if len(f.Tags) > 0 {
			return f.Tags[0]
		}
	}
	return "blocked"
}

// AssignmentFor returns the current assignment for a task, if any.
func (c *AgentCoordinator) AssignmentFor(taskID string) (*Assignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agentID, ok := c.byTask[taskID]
	if !ok {
		return nil, false
	}
	a, ok := c.assignments[agentID]
	return a, ok
}

// Workload reports the Router's current tracked workload for agentType,
// used by the orchestrator's PrioritizeTasks to weigh agent availability.
func (c *AgentCoordinator) Workload(agentType string) int {
	return c.router.Workload(agentType)
}

// ReleaseAssignment drops taskID's tracked assignment and releases its
// agent's workload without touching the task's stored status, used by a
// caller (the orchestrator's KillTask) that has already transitioned the
// task to a terminal status itself.
func (c *AgentCoordinator) ReleaseAssignment(taskID string) {
	c.mu.Lock()
	agentID, ok := c.byTask[taskID]
	var agentType string
	if ok {
		if a := c.assignments[agentID]; a != nil {
			agentType = a.AgentType
		}
		delete(c.assignments, agentID)
		delete(c.byTask, taskID)
	}
	delete(c.backoffs, taskID)
	c.mu.Unlock()

	if agentType != "" {
		c.router.ReleaseWorkload(agentType)
	}
}
