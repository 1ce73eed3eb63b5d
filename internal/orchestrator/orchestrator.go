// Package orchestrator drives a Goal from decomposition through
// scheduling to completion: it turns a Decomposer's subtask plan into
// stored Tasks, runs a bounded-concurrency scheduling loop that hands
// ready tasks to the AgentCoordinator, propagates terminal failures to
// their dependents, and records every step to an EventLog.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conclave-oss/conclave/internal/config"
	"github.com/conclave-oss/conclave/internal/coordinator"
	conclaveErrors "github.com/conclave-oss/conclave/internal/errors"
	"github.com/conclave-oss/conclave/internal/event"
	"github.com/conclave-oss/conclave/internal/store"
	"github.com/conclave-oss/conclave/internal/task"
	"github.com/conclave-oss/conclave/internal/telemetry"
)

// defaultMaxParallel is used when an Orchestrator's configured
// MaxParallel is zero or negative.
const defaultMaxParallel = 3

// Orchestrator drives goals end to end: ProcessGoal decomposes and
// schedules a new goal; ResumeGoal re-enters the scheduling loop for a
// goal whose tasks already exist (e.g. after a process restart).
type Orchestrator struct {
	store       store.Store
	coordinator *coordinator.AgentCoordinator
	resolver    *task.DependencyResolver
	decomposer  task.Decomposer
	workers     coordinator.WorkerResolver
	events      EventLog
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	cfg         config.OrchestratorConfig

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc // task ID -> cancel for an in-flight attempt
	retryDelays map[string]time.Duration      // task ID -> backoff owed before its next attempt
}

// New constructs an Orchestrator. workers resolves an agent type to the
// WorkerAgent that should run it; events is where every lifecycle event
// is recorded (use NewInMemoryEventLog if no external sink is needed).
func New(
	st store.Store,
	coord *coordinator.AgentCoordinator,
	decomposer task.Decomposer,
	workers coordinator.WorkerResolver,
	events EventLog,
	cfg config.OrchestratorConfig,
	logger *telemetry.Logger,
) *Orchestrator {
	if events == nil {
		events = NewInMemoryEventLog()
	}
	return &Orchestrator{
		store:       st,
		coordinator: coord,
		resolver:    task.NewDependencyResolver(),
		decomposer:  decomposer,
		workers:     workers,
		events:      events,
		cfg:         cfg,
		logger:      logger,
		cancels:     make(map[string]context.CancelFunc),
		retryDelays: make(map[string]time.Duration),
	}
}

// WithMetrics attaches a metrics collector; task attempts and goal
// completions are counted against it. Nil (the default) disables
// collection.
func (o *Orchestrator) WithMetrics(m *telemetry.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// GoalReport is what ProcessGoal/ResumeGoal return once a goal's
// scheduling loop has run to completion (or has stopped because no
// tasks are ready or running).
type GoalReport struct {
	GoalID      string
	Status      task.GoalStatus
	Total       int
	Completed   int
	Failed      int
	FailedTasks []string
}

func (o *Orchestrator) emit(goalID, taskID string, kind event.EventType, payload map[string]interface{}) {
	_ = o.events.Append(LogEntry{
		Timestamp: time.Now(),
		GoalID:    goalID,
		TaskID:    taskID,
		Kind:      kind,
		Payload:   payload,
	})
}

// ProcessGoal decomposes goal into tasks (unless it already has tasks
// stored, in which case it resumes scheduling against them) and runs the
// scheduling loop to completion.
func (o *Orchestrator) ProcessGoal(ctx context.Context, goal *task.Goal) (GoalReport, error) {
	ctx = telemetry.ContextWithTrace(ctx, telemetry.NewTraceContext(goal.ID))
	if o.logger != nil {
		o.logger.WithTrace(ctx).Info("processing goal", "goal_id", goal.ID)
	}

	if _, err := o.store.GetGoal(ctx, goal.ID); err != nil {
		if conclaveErrors.AsCode(err) != conclaveErrors.CodeNotFound {
			return GoalReport{}, err
		}
		if err := o.store.CreateGoal(ctx, goal); err != nil {
			return GoalReport{}, err
		}
		o.emit(goal.ID, "", event.GoalCreated, map[string]interface{}{"description": goal.Description})
	}

	existing, err := o.store.GoalTasks(ctx, goal.ID)
	if err != nil {
		return GoalReport{}, err
	}

	if len(existing) == 0 {
		specs := o.decomposer.Decompose(goal)
		tasks := task.NewTasks(specs, time.Now())

		snaps := make([]task.Snapshot, len(tasks))
		for i, t := range tasks {
			snaps[i] = t.Snapshot()
		}
		if err := o.resolver.Validate(snaps); err != nil {
			return GoalReport{}, err
		}

		for _, t := range tasks {
			if err := o.store.CreateTask(ctx, t); err != nil {
				return GoalReport{}, err
			}
			o.emit(goal.ID, t.ID(), event.TaskCreated, map[string]interface{}{"description": t.Description()})
		}
	}

	if err := o.store.UpdateGoalStatus(ctx, goal.ID, task.GoalInProgress, nil); err != nil {
		return GoalReport{}, err
	}

	return o.schedule(ctx, goal.ID)
}

// ResumeGoal re-enters the scheduling loop for a goal whose tasks
// already exist in the store, picking up wherever they left off.
func (o *Orchestrator) ResumeGoal(ctx context.Context, goalID string) (GoalReport, error) {
	ctx = telemetry.ContextWithTrace(ctx, telemetry.NewTraceContext(goalID))
	if o.logger != nil {
		o.logger.WithTrace(ctx).Info("resuming goal", "goal_id", goalID)
	}

	if _, err := o.store.GetGoal(ctx, goalID); err != nil {
		return GoalReport{}, err
	}
	return o.schedule(ctx, goalID)
}

// attemptOutcome is what one spawned task attempt sends back to the
// scheduling loop when it reaches a terminal or retried state.
type attemptOutcome struct {
	taskID string
	result coordinator.AttemptResult
	err    error
}

// schedule runs the bounded-concurrency scheduling loop described for
// the PlannerOrchestrator: refill the ready set, spawn up to
// MaxParallel attempts, wait for the next one to resolve, propagate
// Blocked status to the dependents of anything that failed terminally,
// and repeat until nothing is ready and nothing is running.
func (o *Orchestrator) schedule(ctx context.Context, goalID string) (GoalReport, error) {
	maxParallel := o.cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	resultsCh := make(chan attemptOutcome)
	running := make(map[string]bool)

	for {
		ready, err := o.store.ReadyTasks(ctx, goalID)
		if err != nil {
			return GoalReport{}, err
		}
		task.SortByPriority(ready)

		for len(running) < maxParallel && len(ready) > 0 {
			next := ready[0]
			ready = ready[1:]
			// A retried task stays Queued while its backoff timer runs
			// inside an already-spawned attempt, so the store keeps
			// reporting it ready; spawning it again would run two
			// attempts of one task.
			if running[next.ID] {
				continue
			}
			running[next.ID] = true
			o.spawn(ctx, goalID, next, resultsCh)
		}

		if len(running) == 0 {
			break
		}

		outcome := <-resultsCh
		delete(running, outcome.taskID)
		o.mu.Lock()
		delete(o.cancels, outcome.taskID)
		o.mu.Unlock()

		if outcome.err != nil {
			o.emit(goalID, outcome.taskID, event.TaskFailed, map[string]interface{}{"error": outcome.err.Error(), "internal": true})
			continue
		}

		if outcome.result.Retried {
			o.mu.Lock()
			o.retryDelays[outcome.taskID] = outcome.result.Delay
			o.mu.Unlock()
			o.emit(goalID, outcome.taskID, event.TaskRetrying, map[string]interface{}{"delay_ms": outcome.result.Delay.Milliseconds()})
			if o.metrics != nil {
				o.metrics.IncTasksFailed()
			}
			continue
		}

		snap, err := o.store.GetTask(ctx, outcome.taskID)
		if err != nil {
			return GoalReport{}, err
		}

		switch snap.Status {
		case task.Completed:
			o.emit(goalID, outcome.taskID, event.TaskCompleted, map[string]interface{}{"result": fmt.Sprintf("%v", snap.Result)})
			if o.metrics != nil {
				o.metrics.IncTasksCompleted()
				if snap.StartedAt != nil && snap.CompletedAt != nil {
					o.metrics.RecordTaskDuration(snap.CompletedAt.Sub(*snap.StartedAt))
				}
			}
		case task.Failed:
			o.emit(goalID, outcome.taskID, event.TaskFailed, map[string]interface{}{"error": snap.Error, "blocked": outcome.result.Blocked})
			if o.metrics != nil {
				o.metrics.IncTasksFailed()
			}
			if err := o.propagateBlocked(ctx, goalID, outcome.taskID); err != nil {
				return GoalReport{}, err
			}
		case task.Killed:
			if o.metrics != nil {
				o.metrics.IncTasksFailed()
			}
		}
	}

	return o.finalize(ctx, goalID)
}

// spawn runs one attempt of t via the coordinator in its own goroutine,
// tracking a cancel func so KillTask can interrupt it, and reports the
// outcome on resultsCh.
func (o *Orchestrator) spawn(ctx context.Context, goalID string, t task.Snapshot, resultsCh chan<- attemptOutcome) {
	attemptCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[t.ID] = cancel
	delay := o.retryDelays[t.ID]
	delete(o.retryDelays, t.ID)
	o.mu.Unlock()

	o.emit(goalID, t.ID, event.TaskAssigned, nil)
	o.emit(goalID, t.ID, event.TaskStarted, nil)
	if o.metrics != nil {
		o.metrics.IncTasksStarted()
	}

	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-attemptCtx.Done():
				timer.Stop()
			}
		}

		result, err := o.coordinator.RunTask(attemptCtx, t.ID, o.workers)
		if result.Verdict != nil {
			o.emit(goalID, t.ID, event.SafetyFinding, map[string]interface{}{
				"action": string(result.Verdict.Action),
			})
		}
		select {
		case resultsCh <- attemptOutcome{taskID: t.ID, result: result, err: err}:
		case <-ctx.Done():
		}
	}()
}

// propagateBlocked transitions every task transitively depending on
// failedTaskID (via its snapshot in the goal's task set) to Blocked,
// unless it's already resolved or running.
func (o *Orchestrator) propagateBlocked(ctx context.Context, goalID, failedTaskID string) error {
	snaps, err := o.store.GoalTasks(ctx, goalID)
	if err != nil {
		return err
	}

	for _, depID := range o.resolver.Dependents(snaps, failedTaskID) {
		var depSnap task.Snapshot
		for _, s := range snaps {
			if s.ID == depID {
				depSnap = s
				break
			}
		}
		if depSnap.Status != task.Queued {
			continue
		}
		if _, err := o.store.UpdateTaskStatus(ctx, depID, func(t *task.Task) bool {
			return t.Block("dependency "+failedTaskID+" failed", time.Now())
		}); err != nil {
			return err
		}
		o.emit(goalID, depID, event.TaskFailed, map[string]interface{}{"blocked_by": failedTaskID})
	}
	return nil
}

// finalize delegates to the coordinator's FinalizeGoal and emits the
// terminal goal event.
func (o *Orchestrator) finalize(ctx context.Context, goalID string) (GoalReport, error) {
	result, err := o.coordinator.FinalizeGoal(ctx, goalID)
	if err != nil {
		return GoalReport{}, err
	}

	if !result.InProgress {
		kind := event.GoalCompleted
		if result.Status == task.GoalFailed {
			kind = event.GoalFailed
		}
		o.emit(goalID, "", kind, map[string]interface{}{"completed": result.Completed, "failed": result.Failed})
		if o.metrics != nil {
			o.metrics.Flush(string(kind), map[string]string{"goal_id": goalID})
		}
	}

	return GoalReport{
		GoalID:      goalID,
		Status:      result.Status,
		Total:       result.Total,
		Completed:   result.Completed,
		Failed:      result.Failed,
		FailedTasks: result.FailedTasks,
	}, nil
}

// EscalationEmitter is a coordinator.EscalationSink that records a
// task_escalated event instead of (or in addition to) logging, so an
// escalation raised deep inside HandleTaskFailure surfaces through the
// same EventLog everything else does.
type EscalationEmitter struct {
	store  store.Store
	events EventLog
	logger *telemetry.Logger
}

// NewEscalationEmitter constructs an EscalationEmitter writing to
// events, additionally logging through logger if non-nil. st is used
// only to look up a task's goal_id for the emitted event.
func NewEscalationEmitter(st store.Store, events EventLog, logger *telemetry.Logger) *EscalationEmitter {
	return &EscalationEmitter{store: st, events: events, logger: logger}
}

// Escalate implements coordinator.EscalationSink.
func (e *EscalationEmitter) Escalate(taskID string, priority int, errMsg string, retryCount, maxRetries int) {
	if e.logger != nil {
		e.logger.Warn("task escalation", "task_id", taskID, "priority", priority, "error", errMsg,
			"retry_count", retryCount, "max_retries", maxRetries)
	}

	var goalID string
	if snap, err := e.store.GetTask(context.Background(), taskID); err == nil {
		goalID = snap.GoalID
	}

	_ = e.events.Append(LogEntry{
		Timestamp: time.Now(),
		GoalID:    goalID,
		TaskID:    taskID,
		Kind:      event.TaskEscalated,
		Payload: map[string]interface{}{
			"priority":    priority,
			"error":       errMsg,
			"retry_count": retryCount,
			"max_retries": maxRetries,
		},
	})
}

// ReplayHistory streams the EventLog recorded for goalID.
func (o *Orchestrator) ReplayHistory(_ context.Context, goalID string) ([]LogEntry, error) {
	return o.events.History(goalID)
}

// KillTask transitions an in_progress task to killed, cancels its
// in-flight attempt (if the worker honors context cancellation; if not,
// its eventual result is simply discarded when the attempt context is
// already done), and releases its agent assignment.
func (o *Orchestrator) KillTask(ctx context.Context, taskID string) error {
	snap, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if snap.Status != task.InProgress {
		return conclaveErrors.New(conclaveErrors.CodeInvalidState,
			fmt.Sprintf("task %s is %s, not in_progress", taskID, snap.Status)).
			WithSuggestion("KillTask only applies to a task currently running")
	}

	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}

	if _, err := o.store.UpdateTaskStatus(ctx, taskID, func(t *task.Task) bool {
		return t.Kill(time.Now())
	}); err != nil {
		return err
	}
	o.coordinator.ReleaseAssignment(taskID)
	o.emit(snap.GoalID, taskID, event.TaskKilled, nil)
	return nil
}

// priorityWeights are the default weights PrioritizeTasks combines its
// four scoring factors with; they sum to 1.0.
var priorityWeights = struct {
	dependents float64
	complexity float64
	age        float64
	workload   float64
}{dependents: 0.35, complexity: 0.25, age: 0.2, workload: 0.2}

// PrioritizeTasks computes a composite priority score per queued task in
// goalID, combining how many other tasks depend on it (more dependents
// => more urgent), a description-length complexity heuristic (longer
// descriptions score as more complex, hence more urgent), task age, and
// current agent availability via the router's workload, then returns
// the tasks ordered most to least urgent.
func (o *Orchestrator) PrioritizeTasks(ctx context.Context, goalID string) ([]task.Snapshot, error) {
	snaps, err := o.store.GoalTasks(ctx, goalID)
	if err != nil {
		return nil, err
	}

	var queued []task.Snapshot
	for _, s := range snaps {
		if s.Status == task.Queued {
			queued = append(queued, s)
		}
	}

	maxDependents := 1
	dependentCounts := make(map[string]int, len(queued))
	for _, s := range queued {
		n := len(o.resolver.Dependents(snaps, s.ID))
		dependentCounts[s.ID] = n
		if n > maxDependents {
			maxDependents = n
		}
	}

	maxAge := time.Second
	now := time.Now()
	for _, s := range queued {
		if age := now.Sub(s.CreatedAt); age > maxAge {
			maxAge = age
		}
	}

	const maxComplexity = 200.0

	scores := make(map[string]float64, len(queued))
	for _, s := range queued {
		dependentScore := float64(dependentCounts[s.ID]) / float64(maxDependents)

		complexity := float64(len(s.Description))
		if complexity > maxComplexity {
			complexity = maxComplexity
		}
		complexityScore := complexity / maxComplexity

		ageScore := now.Sub(s.CreatedAt).Seconds() / maxAge.Seconds()

		workload := o.coordinator.Workload(s.AssignedAgent)
		availabilityScore := 1.0 / float64(1+workload)

		scores[s.ID] = dependentScore*priorityWeights.dependents +
			complexityScore*priorityWeights.complexity +
			ageScore*priorityWeights.age +
			availabilityScore*priorityWeights.workload
	}

	sort.SliceStable(queued, func(i, j int) bool {
		return scores[queued[i].ID] > scores[queued[j].ID]
	})
	return queued, nil
}

// Progress reports GoalProgress's per-status counts and completion
// percentage for one goal.
type Progress struct {
	GoalID          string
	Total           int
	ByStatus        map[task.Status]int
	PercentFinished float64
}

// GoalProgress summarizes how far goalID has progressed: counts of
// tasks by status and the fraction that has reached a terminal status.
func (o *Orchestrator) GoalProgress(ctx context.Context, goalID string) (Progress, error) {
	snaps, err := o.store.GoalTasks(ctx, goalID)
	if err != nil {
		return Progress{}, err
	}

	byStatus := make(map[task.Status]int)
	terminal := 0
	for _, s := range snaps {
		byStatus[s.Status]++
		if s.Status.Terminal() {
			terminal++
		}
	}

	percent := 0.0
	if len(snaps) > 0 {
		percent = float64(terminal) / float64(len(snaps)) * 100
	}

	return Progress{
		GoalID:          goalID,
		Total:           len(snaps),
		ByStatus:        byStatus,
		PercentFinished: percent,
	}, nil
}
