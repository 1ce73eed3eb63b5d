// Package store persists Goals and Tasks and answers the queries the
// scheduler and coordinator need (by goal, by agent, by staleness,
// ready-to-run). It generalizes a JSON-blob-per-row persistence scheme
// into real queryable columns, since those queries need to run inside
// the database rather than after loading every row into memory.
package store

import (
	"context"
	"time"

	conclaveErrors "github.com/conclave-oss/conclave/internal/errors"
	"github.com/conclave-oss/conclave/internal/task"
)

// Store is the persistence contract the orchestrator, coordinator and
// CLI depend on. Implementations must be safe for concurrent use.
type Store interface {
	CreateGoal(ctx context.Context, goal *task.Goal) error
	GetGoal(ctx context.Context, id string) (*task.Goal, error)
	UpdateGoalStatus(ctx context.Context, id string, status task.GoalStatus, completedAt *time.Time) error
	ListGoals(ctx context.Context, limit int) ([]*task.Goal, error)

	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (task.Snapshot, error)
	GoalTasks(ctx context.Context, goalID string) ([]task.Snapshot, error)
	AgentTasks(ctx context.Context, agent string, status *task.Status) ([]task.Snapshot, error)
	ReadyTasks(ctx context.Context, goalID string) ([]task.Snapshot, error)
	StalledTasks(ctx context.Context, olderThan time.Duration) ([]task.Snapshot, error)

	UpdateTaskStatus(ctx context.Context, id string, mutate func(t *task.Task) bool) (task.Snapshot, error)
	UpdateTaskMetadata(ctx context.Context, id string, patch map[string]interface{}) error
	UpdateTaskDependencies(ctx context.Context, id string, deps []string) (task.Snapshot, error)
	RetryTask(ctx context.Context, id string) (task.Snapshot, error)

	Close() error
}

// newNotFound builds the CodeNotFound error GetTask/GetGoal return when
// the requested ID is unknown to the store.
func newNotFound(kind, id string) error {
	return conclaveErrors.New(conclaveErrors.CodeNotFound, kind+" not found: "+id)
}
