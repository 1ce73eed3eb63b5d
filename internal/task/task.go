package task

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewTaskID generates a fresh opaque task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// Task is a single executable step within a goal, with optional
// dependencies on other tasks of the same goal.
//
// All mutable fields are guarded by mu; callers use the methods below
// rather than touching fields directly.
type Task struct {
	mu sync.Mutex

	id            string
	goalID        string
	description   string
	status        Status
	assignedAgent string
	priority      int
	dependencies  []string
	retryCount    int
	maxRetries    int
	createdAt     time.Time
	startedAt     *time.Time
	completedAt   *time.Time
	result        interface{}
	errMsg        string
	metadata      map[string]interface{}
}

// Spec describes the inputs needed to create a Task.
type Spec struct {
	ID            string
	GoalID        string
	Description   string
	Priority      int
	AssignedAgent string
	Dependencies  []string
	MaxRetries    int
}

// New constructs a Task in the queued state.
func New(spec Spec, now time.Time) *Task {
	deps := make([]string, len(spec.Dependencies))
	copy(deps, spec.Dependencies)

	return &Task{
		id:            spec.ID,
		goalID:        spec.GoalID,
		description:   spec.Description,
		status:        Queued,
		assignedAgent: spec.AssignedAgent,
		priority:      spec.Priority,
		dependencies:  deps,
		maxRetries:    spec.MaxRetries,
		createdAt:     now,
		metadata:      make(map[string]interface{}),
	}
}

func (t *Task) ID() string           { return t.id }
func (t *Task) GoalID() string       { return t.goalID }
func (t *Task) Description() string  { return t.description }
func (t *Task) CreatedAt() time.Time { return t.createdAt }
func (t *Task) MaxRetries() int      { return t.maxRetries }

func (t *Task) Dependencies() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.dependencies...)
}

// SetDependencies replaces the task's dependency list. The store
// validates the new edges against the rest of the goal before calling
// this.
func (t *Task) SetDependencies(deps []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dependencies = append([]string(nil), deps...)
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *Task) SetPriority(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = p
}

func (t *Task) AssignedAgent() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assignedAgent
}

func (t *Task) SetAssignedAgent(agentType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assignedAgent = agentType
}

func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

func (t *Task) StartedAt() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Task) CompletedAt() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completedAt
}

func (t *Task) Result() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) Error() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errMsg
}

// Metadata returns a shallow copy of the task's metadata map.
func (t *Task) Metadata() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]interface{}, len(t.metadata))
	for k, v := range t.metadata {
		out[k] = v
	}
	return out
}

// MergeMetadata applies patch on top of the existing metadata.
func (t *Task) MergeMetadata(patch map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range patch {
		t.metadata[k] = v
	}
}

// Start transitions queued -> in_progress. Returns false if the
// transition is not valid from the current status.
func (t *Task) Start(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.ValidTransition(InProgress) {
		return false
	}
	t.status = InProgress
	t.startedAt = &now
	return true
}

// Complete transitions in_progress -> completed, recording the result.
func (t *Task) Complete(result interface{}, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.ValidTransition(Completed) {
		return false
	}
	t.status = Completed
	t.result = result
	t.completedAt = &now
	return true
}

// Fail transitions in_progress -> failed, recording the error.
func (t *Task) Fail(errMsg string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.ValidTransition(Failed) {
		return false
	}
	t.status = Failed
	t.errMsg = errMsg
	t.completedAt = &now
	return true
}

// Block transitions queued -> blocked because a dependency failed
// terminally. Unlike Fail, this does not count against retries.
func (t *Task) Block(reason string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != Queued {
		return false
	}
	t.status = Blocked
	t.errMsg = reason
	t.completedAt = &now
	return true
}

// Kill transitions in_progress or queued -> killed via external cancel.
func (t *Task) Kill(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != InProgress && t.status != Queued {
		return false
	}
	t.status = Killed
	t.completedAt = &now
	return true
}

// Retry transitions failed -> queued, incrementing retry_count. Returns
// false (no mutation) if retries are already exhausted.
func (t *Task) Retry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != Failed {
		return false
	}
	if t.retryCount >= t.maxRetries {
		return false
	}
	t.retryCount++
	t.status = Queued
	t.errMsg = ""
	t.completedAt = nil
	return true
}

// Requeue transitions any terminal status other than completed back to
// queued, for an operator-issued restart command. Unlike Retry, this
// does not count against retry_count and does not require the prior
// status to be failed specifically (blocked and killed tasks can be
// restarted too).
func (t *Task) Requeue(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.Terminal() || t.status == Completed {
		return false
	}
	t.status = Queued
	t.errMsg = ""
	t.startedAt = nil
	t.completedAt = nil
	return true
}

// CanRetry reports whether another retry attempt is available.
func (t *Task) CanRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == Failed && t.retryCount < t.maxRetries
}

// Snapshot is an immutable point-in-time copy of a Task's fields, used
// by the scheduling loop so it reads a consistent view per iteration
// rather than racing against live mutation (see design note on
// immutable snapshots for scheduling decisions).
type Snapshot struct {
	ID            string
	GoalID        string
	Description   string
	Status        Status
	AssignedAgent string
	Priority      int
	Dependencies  []string
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Result        interface{}
	Error         string
	Metadata      map[string]interface{}
}

// Snapshot captures the task's current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := make(map[string]interface{}, len(t.metadata))
	for k, v := range t.metadata {
		meta[k] = v
	}
	return Snapshot{
		ID:            t.id,
		GoalID:        t.goalID,
		Description:   t.description,
		Status:        t.status,
		AssignedAgent: t.assignedAgent,
		Priority:      t.priority,
		Dependencies:  append([]string(nil), t.dependencies...),
		RetryCount:    t.retryCount,
		MaxRetries:    t.maxRetries,
		CreatedAt:     t.createdAt,
		StartedAt:     t.startedAt,
		CompletedAt:   t.completedAt,
		Result:        t.result,
		Error:         t.errMsg,
		Metadata:      meta,
	}
}

// FromSnapshot rehydrates a live, lockable Task from a previously
// captured Snapshot, as a Store implementation does when it loads a row
// back out of persistence.
func FromSnapshot(s Snapshot) *Task {
	meta := s.Metadata
	if meta == nil {
		meta = make(map[string]interface{})
	}
	return &Task{
		id:            s.ID,
		goalID:        s.GoalID,
		description:   s.Description,
		status:        s.Status,
		assignedAgent: s.AssignedAgent,
		priority:      s.Priority,
		dependencies:  append([]string(nil), s.Dependencies...),
		retryCount:    s.RetryCount,
		maxRetries:    s.MaxRetries,
		createdAt:     s.CreatedAt,
		startedAt:     s.StartedAt,
		completedAt:   s.CompletedAt,
		result:        s.Result,
		errMsg:        s.Error,
		metadata:      meta,
	}
}

// SortByPriority orders snapshots by descending priority, then ascending
// CreatedAt, matching the ReadyTasks tie-break rule so scheduling is
// deterministic under the same input.
func SortByPriority(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Priority != snaps[j].Priority {
			return snaps[i].Priority > snaps[j].Priority
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
}
