package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conclave-oss/conclave/internal/app"
	conclaveErrors "github.com/conclave-oss/conclave/internal/errors"
	"github.com/conclave-oss/conclave/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control individual tasks",
}

var taskMonitorCmd = &cobra.Command{
	Use:   "monitor <task-id>",
	Short: "Report a task's current status and agent assignment",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskMonitor,
}

var taskKillCmd = &cobra.Command{
	Use:   "kill <task-id>",
	Short: "Cancel an in-flight task",
	Long: `Cancel an in-flight task: it transitions to killed immediately, its
eventual worker result (if any) is discarded, and no retry is
scheduled. Only valid while the task is in_progress.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskKill,
}

var taskRestartCmd = &cobra.Command{
	Use:   "restart <task-id>",
	Short: "Requeue a terminal task for another attempt",
	Long: `Requeue a task currently failed, blocked, or killed back to queued,
for the next call to 'goal resume' to pick up. A completed task cannot
be restarted.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskRestart,
}

func init() {
	taskCmd.AddCommand(taskMonitorCmd)
	taskCmd.AddCommand(taskKillCmd)
	taskCmd.AddCommand(taskRestartCmd)
}

func runTaskMonitor(cmd *cobra.Command, args []string) error {
	a, err := app.New(".")
	if err != nil {
		return err
	}
	defer a.Close()

	progress, err := a.Coordinator.MonitorTaskProgress(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("task %s: %s\n", progress.TaskID, progress.Status)
	if progress.AgentID != "" {
		fmt.Printf("  agent:      %s (%s, %s)\n", progress.AgentID, progress.AgentType, progress.AgentStatus)
	}
	fmt.Printf("  retries:    %d/%d\n", progress.RetryCount, progress.MaxRetries)
	if progress.Error != "" {
		fmt.Printf("  error:      %s\n", progress.Error)
	}
	if progress.Result != nil {
		fmt.Printf("  result:     %v\n", progress.Result)
	}
	return nil
}

func runTaskKill(cmd *cobra.Command, args []string) error {
	a, err := app.New(".")
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Orchestrator.KillTask(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("task %s killed\n", args[0])
	return nil
}

func runTaskRestart(cmd *cobra.Command, args []string) error {
	a, err := app.New(".")
	if err != nil {
		return err
	}
	defer a.Close()

	taskID := args[0]
	snap, err := a.Store.UpdateTaskStatus(cmd.Context(), taskID, func(t *task.Task) bool {
		return t.Requeue(time.Now())
	})
	if err != nil {
		return err
	}
	if snap.Status != task.Queued {
		return conclaveErrors.New(conclaveErrors.CodeInvalidState,
			fmt.Sprintf("task %s is %s and cannot be restarted", taskID, snap.Status)).
			WithSuggestion("restart only applies to a failed, blocked, or killed task")
	}

	fmt.Printf("task %s requeued\n", taskID)
	return nil
}
