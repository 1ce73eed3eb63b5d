package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	conclaveErrors "github.com/conclave-oss/conclave/internal/errors"
	"github.com/conclave-oss/conclave/internal/task"
)

// SQLiteStore persists Goals and Tasks to a SQLite database. Unlike a
// single JSON blob per row, goal_id, status, agent, created_at and
// started_at are real columns: AgentTasks and StalledTasks filter on them
// directly in SQL instead of loading every row and filtering in Go.
// ReadyTasks selects a goal's rows in SQL and checks dependency
// readiness in Go.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at
// path and ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		goal_id TEXT NOT NULL,
		status TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		data JSON NOT NULL,
		FOREIGN KEY (goal_id) REFERENCES goals(id)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_goal_id ON tasks(goal_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateGoal(ctx context.Context, goal *task.Goal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO goals (id, description, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?)
	`, goal.ID, goal.Description, string(goal.Status), goal.CreatedAt, goal.CompletedAt)
	return err
}

func (s *SQLiteStore) GetGoal(ctx context.Context, id string) (*task.Goal, error) {
	var description, status string
	var createdAt time.Time
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		"SELECT description, status, created_at, completed_at FROM goals WHERE id = ?", id,
	).Scan(&description, &status, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, newNotFound("goal", id)
	}
	if err != nil {
		return nil, err
	}

	g := &task.Goal{ID: id, Description: description, Status: task.GoalStatus(status), CreatedAt: createdAt}
	if completedAt.Valid {
		g.CompletedAt = &completedAt.Time
	}
	return g, nil
}

func (s *SQLiteStore) UpdateGoalStatus(ctx context.Context, id string, status task.GoalStatus, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE goals SET status = ?, completed_at = ? WHERE id = ?", string(status), completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newNotFound("goal", id)
	}
	return nil
}

func (s *SQLiteStore) ListGoals(ctx context.Context, limit int) ([]*task.Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, description, status, created_at, completed_at FROM goals ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var goals []*task.Goal
	for rows.Next() {
		var id, description, status string
		var createdAt time.Time
		var completedAt sql.NullTime
		if err := rows.Scan(&id, &description, &status, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		g := &task.Goal{ID: id, Description: description, Status: task.GoalStatus(status), CreatedAt: createdAt}
		if completedAt.Valid {
			g.CompletedAt = &completedAt.Time
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (s *SQLiteStore) insertTask(ctx context.Context, snap task.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks (id, goal_id, status, agent, created_at, started_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.GoalID, string(snap.Status), snap.AssignedAgent, snap.CreatedAt, snap.StartedAt, data)
	return err
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *task.Task) error {
	candidate := t.Snapshot()

	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id = ?", candidate.ID).Scan(&exists); err == nil {
		return conclaveErrors.New(conclaveErrors.CodeDuplicateId, fmt.Sprintf("task already exists: %s", candidate.ID))
	} else if err != sql.ErrNoRows {
		return err
	}

	goalSnaps, err := s.GoalTasks(ctx, candidate.GoalID)
	if err != nil {
		return err
	}
	goalSnaps = append(goalSnaps, candidate)

	resolver := task.NewDependencyResolver()
	if err := resolver.Validate(goalSnaps); err != nil {
		return err
	}

	return s.insertTask(ctx, candidate)
}

func (s *SQLiteStore) scanSnapshot(row *sql.Row) (task.Snapshot, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return task.Snapshot{}, err
		}
		return task.Snapshot{}, err
	}
	var snap task.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return task.Snapshot{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (task.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id)
	snap, err := s.scanSnapshot(row)
	if err == sql.ErrNoRows {
		return task.Snapshot{}, newNotFound("task", id)
	}
	return snap, err
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]task.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []task.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap task.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *SQLiteStore) GoalTasks(ctx context.Context, goalID string) ([]task.Snapshot, error) {
	return s.queryTasks(ctx, "SELECT data FROM tasks WHERE goal_id = ?", goalID)
}

func (s *SQLiteStore) AgentTasks(ctx context.Context, agent string, status *task.Status) ([]task.Snapshot, error) {
	if status == nil {
		return s.queryTasks(ctx, "SELECT data FROM tasks WHERE agent = ?", agent)
	}
	return s.queryTasks(ctx, "SELECT data FROM tasks WHERE agent = ? AND status = ?", agent, string(*status))
}

func (s *SQLiteStore) ReadyTasks(ctx context.Context, goalID string) ([]task.Snapshot, error) {
	snaps, err := s.GoalTasks(ctx, goalID)
	if err != nil {
		return nil, err
	}
	resolver := task.NewDependencyResolver()
	return resolver.Ready(snaps), nil
}

func (s *SQLiteStore) StalledTasks(ctx context.Context, olderThan time.Duration) ([]task.Snapshot, error) {
	cutoff := time.Now().Add(-olderThan)
	return s.queryTasks(ctx,
		"SELECT data FROM tasks WHERE status = ? AND started_at IS NOT NULL AND started_at < ?",
		string(task.InProgress), cutoff)
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, mutate func(t *task.Task) bool) (task.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id)
	snap, err := s.scanSnapshot(row)
	if err == sql.ErrNoRows {
		return task.Snapshot{}, newNotFound("task", id)
	}
	if err != nil {
		return task.Snapshot{}, err
	}

	t := task.FromSnapshot(snap)
	mutate(t)
	newSnap := t.Snapshot()
	if err := s.insertTask(ctx, newSnap); err != nil {
		return task.Snapshot{}, err
	}
	return newSnap, nil
}

func (s *SQLiteStore) UpdateTaskMetadata(ctx context.Context, id string, patch map[string]interface{}) error {
	_, err := s.UpdateTaskStatus(ctx, id, func(t *task.Task) bool {
		t.MergeMetadata(patch)
		return true
	})
	return err
}

// UpdateTaskDependencies replaces id's dependency edges after validating
// that every new dependency exists in the same goal and that the new
// graph stays cycle-free. On rejection the stored row is unchanged.
func (s *SQLiteStore) UpdateTaskDependencies(ctx context.Context, id string, deps []string) (task.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id)
	snap, err := s.scanSnapshot(row)
	if err == sql.ErrNoRows {
		return task.Snapshot{}, newNotFound("task", id)
	}
	if err != nil {
		return task.Snapshot{}, err
	}

	goalSnaps, err := s.GoalTasks(ctx, snap.GoalID)
	if err != nil {
		return task.Snapshot{}, err
	}
	for i := range goalSnaps {
		if goalSnaps[i].ID == id {
			goalSnaps[i].Dependencies = append([]string(nil), deps...)
		}
	}
	resolver := task.NewDependencyResolver()
	if err := resolver.Validate(goalSnaps); err != nil {
		return task.Snapshot{}, err
	}

	t := task.FromSnapshot(snap)
	t.SetDependencies(deps)
	newSnap := t.Snapshot()
	if err := s.insertTask(ctx, newSnap); err != nil {
		return task.Snapshot{}, err
	}
	return newSnap, nil
}

func (s *SQLiteStore) RetryTask(ctx context.Context, id string) (task.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id)
	snap, err := s.scanSnapshot(row)
	if err == sql.ErrNoRows {
		return task.Snapshot{}, newNotFound("task", id)
	}
	if err != nil {
		return task.Snapshot{}, err
	}

	t := task.FromSnapshot(snap)
	if !t.Retry() {
		return task.Snapshot{}, conclaveErrors.New(conclaveErrors.CodeRetriesExhausted,
			fmt.Sprintf("task %s has no retries remaining", id))
	}
	newSnap := t.Snapshot()
	if err := s.insertTask(ctx, newSnap); err != nil {
		return task.Snapshot{}, err
	}
	return newSnap, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
