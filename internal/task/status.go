// Package task defines the Goal/Task data model and the DependencyResolver
// that validates and schedules the subtask DAG.
package task

// GoalStatus is a closed enumeration of goal lifecycle states.
type GoalStatus string

const (
	GoalPending    GoalStatus = "pending"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalFailed     GoalStatus = "failed"
	GoalCancelled  GoalStatus = "cancelled"
)

// Terminal reports whether the goal status is a terminal state.
func (s GoalStatus) Terminal() bool {
	switch s {
	case GoalCompleted, GoalFailed, GoalCancelled:
		return true
	default:
		return false
	}
}

// Status is a closed enumeration of task lifecycle states.
//
// The source this system was modeled on sometimes spells the completed
// state "complete" and sometimes "completed"; this package canonicalizes
// on "completed". There is no "complete" constant, and this package has
// no parser that validates or maps a status string.
type Status string

const (
	Queued     Status = "queued"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Blocked    Status = "blocked"
	Killed     Status = "killed"
)

// Terminal reports whether the task status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Blocked, Killed:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether moving from s to next is permitted by
// the state machine in the task state engine's design.
func (s Status) ValidTransition(next Status) bool {
	switch s {
	case Queued:
		return next == InProgress || next == Blocked || next == Killed
	case InProgress:
		return next == Completed || next == Failed || next == Killed
	case Failed:
		return next == Queued // retry
	case Completed, Blocked, Killed:
		return false // terminal, no outgoing transitions
	default:
		return false
	}
}
