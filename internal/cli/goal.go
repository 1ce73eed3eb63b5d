package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conclave-oss/conclave/internal/app"
	"github.com/conclave-oss/conclave/internal/task"
)

var goalCmd = &cobra.Command{
	Use:   "goal",
	Short: "Submit and inspect goals",
}

var goalSubmitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Decompose a new goal into tasks and run it to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalSubmit,
}

var goalResumeCmd = &cobra.Command{
	Use:   "resume <goal-id>",
	Short: "Re-enter the scheduling loop for an existing goal",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalResume,
}

var goalStatusCmd = &cobra.Command{
	Use:   "status <goal-id>",
	Short: "Report per-status task counts and completion percentage",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalStatus,
}

var goalPrioritizeCmd = &cobra.Command{
	Use:   "prioritize <goal-id>",
	Short: "List a goal's queued tasks ordered most to least urgent",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalPrioritize,
}

func init() {
	goalCmd.AddCommand(goalSubmitCmd)
	goalCmd.AddCommand(goalResumeCmd)
	goalCmd.AddCommand(goalStatusCmd)
	goalCmd.AddCommand(goalPrioritizeCmd)
}

func runGoalSubmit(cmd *cobra.Command, args []string) error {
	a, err := app.New(".")
	if err != nil {
		return err
	}
	defer a.Close()

	goal := task.NewGoal(task.NewGoalID(), args[0], time.Now())
	report, err := a.Orchestrator.ProcessGoal(cmd.Context(), goal)
	if err != nil {
		return err
	}

	fmt.Printf("goal %s: %s (%d/%d completed, %d failed)\n",
		report.GoalID, report.Status, report.Completed, report.Total, report.Failed)
	if len(report.FailedTasks) > 0 {
		fmt.Printf("failed tasks: %v\n", report.FailedTasks)
	}
	return nil
}

func runGoalResume(cmd *cobra.Command, args []string) error {
	a, err := app.New(".")
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Orchestrator.ResumeGoal(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("goal %s: %s (%d/%d completed, %d failed)\n",
		report.GoalID, report.Status, report.Completed, report.Total, report.Failed)
	return nil
}

func runGoalStatus(cmd *cobra.Command, args []string) error {
	a, err := app.New(".")
	if err != nil {
		return err
	}
	defer a.Close()

	progress, err := a.Orchestrator.GoalProgress(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("goal %s: %d tasks, %.1f%% finished\n", progress.GoalID, progress.Total, progress.PercentFinished)
	for status, count := range progress.ByStatus {
		fmt.Printf("  %-12s %d\n", status, count)
	}
	return nil
}

func runGoalPrioritize(cmd *cobra.Command, args []string) error {
	a, err := app.New(".")
	if err != nil {
		return err
	}
	defer a.Close()

	ordered, err := a.Orchestrator.PrioritizeTasks(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	for i, t := range ordered {
		fmt.Printf("%d. %s  priority=%d  %s\n", i+1, t.ID, t.Priority, t.Description)
	}
	return nil
}
