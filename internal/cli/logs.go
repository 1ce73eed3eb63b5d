package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conclave-oss/conclave/internal/app"
)

var (
	logsFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <goal-id>",
	Short: "Replay a goal's recorded event history",
	Long: `Replay the event history recorded for a goal: goal/task creation,
assignment, completion, retries, safety findings, and escalations, in
the order they were appended.

Examples:
  conclave logs g-123             # Print the full history once
  conclave logs g-123 --follow     # Keep polling for new entries`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep polling for new entries")
}

func runLogs(cmd *cobra.Command, args []string) error {
	goalID := args[0]

	a, err := app.New(".")
	if err != nil {
		return err
	}
	defer a.Close()

	printed := 0
	printFrom := func() error {
		history, err := a.Orchestrator.ReplayHistory(cmd.Context(), goalID)
		if err != nil {
			return err
		}
		for _, entry := range history[printed:] {
			printEntry(entry.Timestamp, entry.TaskID, string(entry.Kind), entry.Payload)
		}
		printed = len(history)
		return nil
	}

	if err := printFrom(); err != nil {
		return err
	}
	if printed == 0 {
		fmt.Println("No history recorded for this goal yet.")
	}

	if !logsFollow {
		return nil
	}

	for {
		time.Sleep(time.Second)
		if err := printFrom(); err != nil {
			return err
		}
	}
}

func printEntry(ts time.Time, taskID, kind string, payload map[string]interface{}) {
	if taskID != "" {
		fmt.Printf("%s  %-18s task=%s  %v\n", ts.Format(time.RFC3339), kind, taskID, payload)
		return
	}
	fmt.Printf("%s  %-18s %v\n", ts.Format(time.RFC3339), kind, payload)
}
