// Package app is the composition root that wires the task engine,
// safety pipeline, router, coordinator and orchestrator into one
// runnable unit from a loaded Config. Every public entrypoint (the CLI,
// pkg/conclave) goes through New so there is exactly one place that
// decides which Store backs a run, which screeners are active, and
// which hooks listen to the EventLog.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conclave-oss/conclave/internal/config"
	"github.com/conclave-oss/conclave/internal/coordinator"
	"github.com/conclave-oss/conclave/internal/event"
	"github.com/conclave-oss/conclave/internal/orchestrator"
	"github.com/conclave-oss/conclave/internal/router"
	"github.com/conclave-oss/conclave/internal/safety"
	"github.com/conclave-oss/conclave/internal/store"
	"github.com/conclave-oss/conclave/internal/task"
	"github.com/conclave-oss/conclave/internal/telemetry"
	"github.com/conclave-oss/conclave/internal/worker"
)

// App bundles the live instances every command and API entrypoint
// shares for the lifetime of one process.
type App struct {
	Config       *config.Config
	Logger       *telemetry.Logger
	Store        store.Store
	Router       *router.Router
	Safety       *safety.SafetyPipeline
	Coordinator  *coordinator.AgentCoordinator
	Orchestrator *orchestrator.Orchestrator
	Events       orchestrator.EventLog
	Workers      *worker.Registry
	Metrics      *telemetry.Metrics
	Sweeper      *orchestrator.StalledTaskSweeper

	exporter *telemetry.JSONFileExporter
	dir      string
}

// Option configures New. WithDecomposer lets embedders override goal
// decomposition; without it New falls back to task.StaticDecomposer, matching the placeholder decomposition the
// original planner shipped with (see spec's Open Questions).
type Option func(*options)

type options struct {
	decomposer task.Decomposer
}

// WithDecomposer overrides the default StaticDecomposer. Embedders that
// have a real planning step (an LLM-backed Decomposer.Decompose) pass it
// here instead of accepting the placeholder.
func WithDecomposer(d task.Decomposer) Option {
	return func(o *options) { o.decomposer = d }
}

// New loads conclave.yaml from dir (applying documented defaults if
// absent), opens the configured Store, and wires every subsystem
// together: Router -> SafetyPipeline -> AgentCoordinator ->
// PlannerOrchestrator, with an EventLog that mirrors every entry to a
// per-goal JSON file under <dir>/.conclave/logs and, if any hooks are
// configured and enabled, dispatches it through an event.Bus as well.
func New(dir string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := telemetry.NewLogger(false)

	st, err := openStore(dir, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	rt := router.New(router.DefaultProfiles(), logger)
	safetyPipeline := safety.NewSafetyPipeline()

	events := buildEventLog(dir, cfg.Hooks, logger)

	escalation := orchestrator.NewEscalationEmitter(st, events, logger)
	coord := coordinator.New(st, rt, escalation, logger).
		WithSafetyPipeline(safetyPipeline).
		WithPolicies(cfg.Orchestrator)

	decomposer := o.decomposer
	if decomposer == nil {
		decomposer = task.NewStaticDecomposer(cfg.Orchestrator.DefaultMaxRetries)
	}

	workers := worker.NewEchoRegistry()

	metrics := telemetry.NewMetrics()
	metricsExporter, err := telemetry.NewJSONFileExporter(filepath.Join(dir, ".conclave", "metrics.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics exporter: %w", err)
	}
	metrics.SetExporter(metricsExporter)

	orch := orchestrator.New(st, coord, decomposer, workers.ForAgentType, events, cfg.Orchestrator, logger).
		WithMetrics(metrics)

	a := &App{
		Config:       cfg,
		Logger:       logger,
		Store:        st,
		Router:       rt,
		Safety:       safetyPipeline,
		Coordinator:  coord,
		Orchestrator: orch,
		Events:       events,
		Workers:      workers,
		Metrics:      metrics,
		exporter:     metricsExporter,
		dir:          dir,
	}

	sweeper := orchestrator.NewStalledTaskSweeper(st, events, logger,
		time.Duration(cfg.Orchestrator.StalledHoursThreshold)*time.Hour)
	if err := sweeper.Start(cfg.Orchestrator.SweepSchedule); err != nil {
		return nil, fmt.Errorf("failed to start stalled-task sweeper: %w", err)
	}
	a.Sweeper = sweeper

	return a, nil
}

// Close stops the sweeper and releases the store and metrics exporter.
func (a *App) Close() error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.exporter != nil {
		_ = a.exporter.Close()
	}
	return a.Store.Close()
}

func openStore(dir string, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return store.NewSQLiteStore(path)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// buildEventLog assembles the EventLog chain: an InMemoryEventLog at the
// base (so ReplayHistory works without re-reading disk), wrapped by a
// JSONFileSink for durability across restarts, optionally wrapped again
// by a BusEventLog if hooks are configured and enabled.
func buildEventLog(dir string, hooks config.HooksConfig, logger *telemetry.Logger) orchestrator.EventLog {
	var log orchestrator.EventLog = orchestrator.NewInMemoryEventLog()
	log = orchestrator.NewJSONFileSink(filepath.Join(dir, ".conclave", "logs"), log)

	if !hooks.Enabled || len(hooks.Hooks) == 0 {
		return log
	}

	bus := event.NewBus(logger)
	for _, h := range hooks.Hooks {
		hook := buildHook(h, logger)
		if hook != nil {
			bus.Register(hook)
		}
	}
	return orchestrator.NewBusEventLog(bus, log)
}

func buildHook(cfg config.HookConfig, logger *telemetry.Logger) event.Hook {
	events := make([]event.EventType, len(cfg.Events))
	for i, e := range cfg.Events {
		events[i] = event.EventType(e)
	}

	switch cfg.Type {
	case "shell":
		return event.NewShellHook(cfg.Name, cfg.Command, events, cfg.Blocking)
	case "webhook":
		return event.NewWebhookHook(cfg.Name, cfg.URL, events, cfg.Blocking)
	case "log":
		return event.NewLogHook(cfg.Name, events, logger, cfg.Level)
	case "pause":
		return event.NewPauseHook(cfg.Name, events, cfg.Message)
	default:
		fmt.Fprintf(os.Stderr, "conclave: unknown hook type %q for hook %q, skipping\n", cfg.Type, cfg.Name)
		return nil
	}
}
