package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	conclaveErrors "github.com/conclave-oss/conclave/internal/errors"
	"github.com/conclave-oss/conclave/internal/task"
)

// MemoryStore is an in-process Store backed by maps, used by tests and
// by single-process CLI runs that don't need durability across restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	goals map[string]*task.Goal
	tasks map[string]*task.Task
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		goals: make(map[string]*task.Goal),
		tasks: make(map[string]*task.Task),
	}
}

func (s *MemoryStore) CreateGoal(_ context.Context, goal *task.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goals[goal.ID] = goal
	return nil
}

func (s *MemoryStore) GetGoal(_ context.Context, id string) (*task.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, newNotFound("goal", id)
	}
	return g, nil
}

func (s *MemoryStore) UpdateGoalStatus(_ context.Context, id string, status task.GoalStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return newNotFound("goal", id)
	}
	if status.Terminal() {
		at := time.Now()
		if completedAt != nil {
			at = *completedAt
		}
		g.Complete(status, at)
	} else {
		g.Status = status
	}
	return nil
}

func (s *MemoryStore) ListGoals(_ context.Context, limit int) ([]*task.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	goals := make([]*task.Goal, 0, len(s.goals))
	for _, g := range s.goals {
		goals = append(goals, g)
	}
	sort.Slice(goals, func(i, j int) bool { return goals[i].CreatedAt.After(goals[j].CreatedAt) })
	if limit > 0 && len(goals) > limit {
		goals = goals[:limit]
	}
	return goals, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID()]; exists {
		return conclaveErrors.New(conclaveErrors.CodeDuplicateId, fmt.Sprintf("task already exists: %s", t.ID()))
	}

	candidate := t.Snapshot()
	goalSnaps := s.goalSnapshotsLocked(candidate.GoalID)
	goalSnaps = append(goalSnaps, candidate)

	resolver := task.NewDependencyResolver()
	if err := resolver.Validate(goalSnaps); err != nil {
		return err
	}

	s.tasks[t.ID()] = t
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (task.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Snapshot{}, newNotFound("task", id)
	}
	return t.Snapshot(), nil
}

func (s *MemoryStore) goalSnapshotsLocked(goalID string) []task.Snapshot {
	var snaps []task.Snapshot
	for _, t := range s.tasks {
		if t.GoalID() == goalID {
			snaps = append(snaps, t.Snapshot())
		}
	}
	return snaps
}

func (s *MemoryStore) GoalTasks(_ context.Context, goalID string) ([]task.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.goalSnapshotsLocked(goalID), nil
}

func (s *MemoryStore) AgentTasks(_ context.Context, agent string, status *task.Status) ([]task.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snaps []task.Snapshot
	for _, t := range s.tasks {
		if t.AssignedAgent() != agent {
			continue
		}
		if status != nil && t.Status() != *status {
			continue
		}
		snaps = append(snaps, t.Snapshot())
	}
	return snaps, nil
}

func (s *MemoryStore) ReadyTasks(_ context.Context, goalID string) ([]task.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resolver := task.NewDependencyResolver()
	return resolver.Ready(s.goalSnapshotsLocked(goalID)), nil
}

func (s *MemoryStore) StalledTasks(_ context.Context, olderThan time.Duration) ([]task.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-olderThan)
	var snaps []task.Snapshot
	for _, t := range s.tasks {
		snap := t.Snapshot()
		if snap.Status == task.InProgress && snap.StartedAt != nil && snap.StartedAt.Before(cutoff) {
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id string, mutate func(t *task.Task) bool) (task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.Snapshot{}, newNotFound("task", id)
	}
	mutate(t)
	return t.Snapshot(), nil
}

func (s *MemoryStore) UpdateTaskMetadata(_ context.Context, id string, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return newNotFound("task", id)
	}
	t.MergeMetadata(patch)
	return nil
}

// UpdateTaskDependencies replaces id's dependency edges after validating
// that every new dependency exists in the same goal and that the new
// graph stays cycle-free. On rejection the stored graph is unchanged.
func (s *MemoryStore) UpdateTaskDependencies(_ context.Context, id string, deps []string) (task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.Snapshot{}, newNotFound("task", id)
	}

	snaps := s.goalSnapshotsLocked(t.GoalID())
	for i := range snaps {
		if snaps[i].ID == id {
			snaps[i].Dependencies = append([]string(nil), deps...)
		}
	}
	resolver := task.NewDependencyResolver()
	if err := resolver.Validate(snaps); err != nil {
		return task.Snapshot{}, err
	}

	t.SetDependencies(deps)
	return t.Snapshot(), nil
}

func (s *MemoryStore) RetryTask(_ context.Context, id string) (task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.Snapshot{}, newNotFound("task", id)
	}
	if !t.Retry() {
		return task.Snapshot{}, conclaveErrors.New(conclaveErrors.CodeRetriesExhausted,
			fmt.Sprintf("task %s has no retries remaining", id))
	}
	return t.Snapshot(), nil
}

func (s *MemoryStore) Close() error { return nil }
