package task

import (
	"time"

	"github.com/google/uuid"
)

// Goal is a top-level unit of work supplied by an embedder, decomposed
// into Tasks by a Decomposer.
type Goal struct {
	ID          string
	Description string
	Status      GoalStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// NewGoalID generates a fresh opaque goal identifier.
func NewGoalID() string {
	return uuid.NewString()
}

// NewGoal constructs a Goal in the pending state.
func NewGoal(id, description string, now time.Time) *Goal {
	return &Goal{
		ID:          id,
		Description: description,
		Status:      GoalPending,
		CreatedAt:   now,
	}
}

// Complete transitions the goal into a terminal status, recording
// CompletedAt. Calling this with a non-terminal status is a programmer
// error and panics, since it would violate the completed_at invariant.
func (g *Goal) Complete(status GoalStatus, now time.Time) {
	if !status.Terminal() {
		panic("task: Goal.Complete called with non-terminal status " + string(status))
	}
	g.Status = status
	g.CompletedAt = &now
}
