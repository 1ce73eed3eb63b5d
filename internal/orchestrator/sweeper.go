package orchestrator

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/conclave-oss/conclave/internal/event"
	"github.com/conclave-oss/conclave/internal/store"
	conclaveTask "github.com/conclave-oss/conclave/internal/task"
	"github.com/conclave-oss/conclave/internal/telemetry"
)

// StalledTaskSweeper periodically scans the store for tasks that have
// sat in_progress past stalled_hours_threshold and fails them with
// reason "timeout". A swept task stays failed; the sweeper does not
// requeue it or consult the retry policy. It never runs the scheduling
// loop itself; it only marks stalled attempts terminal.
type StalledTaskSweeper struct {
	store     store.Store
	events    EventLog
	logger    *telemetry.Logger
	threshold time.Duration
	cron      *cronlib.Cron
	entryID   cronlib.EntryID
}

// NewStalledTaskSweeper constructs a sweeper that fails tasks idle
// longer than threshold. The schedule it runs on is passed to Start, as
// a five-field cron expression or a descriptor such as "@every 15m".
func NewStalledTaskSweeper(st store.Store, events EventLog, logger *telemetry.Logger, threshold time.Duration) *StalledTaskSweeper {
	if events == nil {
		events = NewInMemoryEventLog()
	}
	return &StalledTaskSweeper{
		store:     st,
		events:    events,
		logger:    logger,
		threshold: threshold,
		cron:      cronlib.New(),
	}
}

// Start schedules the sweep on schedule and begins running it in the
// background. Call Stop to release the underlying goroutine.
func (s *StalledTaskSweeper) Start(schedule string) error {
	id, err := s.cron.AddFunc(schedule, s.sweepOnce)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *StalledTaskSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// sweepOnce fails every task StalledTasks reports, recording a
// task_failed event with reason "timeout" for each, matching the
// per-attempt deadline behavior described for the scheduling model.
func (s *StalledTaskSweeper) sweepOnce() {
	ctx := context.Background()
	stalled, err := s.store.StalledTasks(ctx, s.threshold)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("stalled task sweep failed", "error", err)
		}
		return
	}

	for _, snap := range stalled {
		now := time.Now()
		updated, err := s.store.UpdateTaskStatus(ctx, snap.ID, func(t *conclaveTask.Task) bool {
			return t.Fail("timeout", now)
		})
		if err != nil {
			if s.logger != nil {
				s.logger.Error("failed to fail stalled task", "task_id", snap.ID, "error", err)
			}
			continue
		}
		if s.logger != nil {
			s.logger.Warn("stalled task failed by sweep", "task_id", snap.ID, "goal_id", snap.GoalID,
				"stalled_since", updated.StartedAt)
		}
		_ = s.events.Append(LogEntry{
			Timestamp: now,
			GoalID:    snap.GoalID,
			TaskID:    snap.ID,
			Kind:      event.TaskFailed,
			Payload:   map[string]interface{}{"error": "timeout", "reason": "stalled"},
		})
	}
}
