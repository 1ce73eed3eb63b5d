package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [project-name]",
	Short: "Initialize a new conclave project",
	Long: `Initialize a new conclave project with the standard directory
structure: a conclave.yaml config, and the .conclave/ directories the
store, event log, and sweeper write to at runtime.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	projectName := "."
	if len(args) > 0 {
		projectName = args[0]
	}

	if projectName != "." {
		if err := os.MkdirAll(projectName, 0755); err != nil {
			return fmt.Errorf("failed to create project directory: %w", err)
		}
	}

	dirs := []string{
		".conclave/logs",
		".conclave/checkpoints",
	}

	for _, dir := range dirs {
		path := filepath.Join(projectName, dir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := createProjectConfig(projectName); err != nil {
		return err
	}

	if err := createGitignore(projectName); err != nil {
		return err
	}

	fmt.Printf("Initialized conclave project in %s\n", projectName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review the orchestrator and safety settings in conclave.yaml")
	fmt.Println("  2. Run 'conclave goal submit \"<description>\"' to start a goal")

	return nil
}

func createProjectConfig(projectDir string) error {
	content := `# conclave.yaml - Project configuration
name: my-project
version: "1.0"

logging:
  level: info
  format: text  # text | json

storage:
  driver: sqlite
  path: .conclave/state.db

orchestrator:
  max_parallel: 3
  default_max_retries: 3
  escalation_priority_threshold: 4
  stalled_hours_threshold: 24
  sweep_schedule: "@every 15m"
  policies:
    default:
      timeout_seconds: 300
      max_retries: 3
      retry_delay: 2s
      exponential_backoff: true
      circuit_breaker:
        failure_threshold: 5
        reset_period: 5m

safety_policy:
  domain_thresholds: {}

hooks:
  enabled: false
  hooks: []
`
	return os.WriteFile(filepath.Join(projectDir, "conclave.yaml"), []byte(content), 0644)
}

func createGitignore(projectDir string) error {
	content := `# conclave
.conclave/checkpoints/
.conclave/logs/
.conclave/state.db
.conclave/metrics.jsonl

# Secrets
*.env
.env.*

# OS
.DS_Store
Thumbs.db
`
	return os.WriteFile(filepath.Join(projectDir, ".gitignore"), []byte(content), 0644)
}
