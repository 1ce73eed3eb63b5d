// Package conclave provides a public API for the conclave orchestration
// engine.
//
// Example usage:
//
//	import "github.com/conclave-oss/conclave/pkg/conclave"
//
//	// Submit a goal and wait for it to run to completion
//	report, err := conclave.Submit("ship the login feature")
//
//	// Check progress without blocking
//	progress, err := conclave.GoalProgress(report.GoalID)
package conclave

import (
	"context"
	"fmt"
	"time"

	"github.com/conclave-oss/conclave/internal/app"
	"github.com/conclave-oss/conclave/internal/coordinator"
	"github.com/conclave-oss/conclave/internal/orchestrator"
	"github.com/conclave-oss/conclave/internal/task"
)

// GoalReport is what Submit/Resume return once a goal's scheduling loop
// has run to completion or stalled for lack of ready work.
type GoalReport = orchestrator.GoalReport

// Progress reports a goal's per-status task counts and completion
// fraction.
type Progress = orchestrator.Progress

// TaskProgress reports one task's current status and agent assignment.
type TaskProgress = coordinator.Progress

// Submit decomposes a new goal into tasks and drives it to completion.
func Submit(description string) (GoalReport, error) {
	return SubmitWithContext(context.Background(), description)
}

// SubmitWithContext is Submit with a caller-supplied context.
func SubmitWithContext(ctx context.Context, description string) (GoalReport, error) {
	a, err := app.New(".")
	if err != nil {
		return GoalReport{}, fmt.Errorf("failed to initialize conclave: %w", err)
	}
	defer a.Close()

	goal := task.NewGoal(task.NewGoalID(), description, time.Now())
	return a.Orchestrator.ProcessGoal(ctx, goal)
}

// Resume re-enters the scheduling loop for a goal whose tasks already
// exist, e.g. after a process restart.
func Resume(goalID string) (GoalReport, error) {
	return ResumeWithContext(context.Background(), goalID)
}

// ResumeWithContext is Resume with a caller-supplied context.
func ResumeWithContext(ctx context.Context, goalID string) (GoalReport, error) {
	a, err := app.New(".")
	if err != nil {
		return GoalReport{}, fmt.Errorf("failed to initialize conclave: %w", err)
	}
	defer a.Close()

	return a.Orchestrator.ResumeGoal(ctx, goalID)
}

// GoalProgress summarizes how far goalID has progressed.
func GoalProgress(goalID string) (Progress, error) {
	a, err := app.New(".")
	if err != nil {
		return Progress{}, fmt.Errorf("failed to initialize conclave: %w", err)
	}
	defer a.Close()

	return a.Orchestrator.GoalProgress(context.Background(), goalID)
}

// Prioritize returns goalID's queued tasks ordered most to least urgent.
func Prioritize(goalID string) ([]task.Snapshot, error) {
	a, err := app.New(".")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize conclave: %w", err)
	}
	defer a.Close()

	return a.Orchestrator.PrioritizeTasks(context.Background(), goalID)
}

// Replay streams the recorded event history for goalID.
func Replay(goalID string) ([]orchestrator.LogEntry, error) {
	a, err := app.New(".")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize conclave: %w", err)
	}
	defer a.Close()

	return a.Orchestrator.ReplayHistory(context.Background(), goalID)
}

// Kill cancels an in-flight task and transitions it to killed.
func Kill(taskID string) error {
	a, err := app.New(".")
	if err != nil {
		return fmt.Errorf("failed to initialize conclave: %w", err)
	}
	defer a.Close()

	return a.Orchestrator.KillTask(context.Background(), taskID)
}

// TaskStatus reports one task's current status and agent assignment.
func TaskStatus(taskID string) (TaskProgress, error) {
	a, err := app.New(".")
	if err != nil {
		return TaskProgress{}, fmt.Errorf("failed to initialize conclave: %w", err)
	}
	defer a.Close()

	return a.Coordinator.MonitorTaskProgress(context.Background(), taskID)
}
