package config

import "time"

// Config represents the main project configuration (conclave.yaml).
type Config struct {
	Name         string             `yaml:"name" json:"name"`
	Version      string             `yaml:"version" json:"version"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Safety       SafetyPolicyConfig `yaml:"safety_policy" json:"safety_policy"`
	Hooks        HooksConfig        `yaml:"hooks" json:"hooks"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text, json
}

// StorageConfig configures TaskStore persistence.
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver"` // sqlite, memory
	Path   string `yaml:"path" json:"path"`     // connection string or file path
}

// HooksConfig configures lifecycle event hooks.
type HooksConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Hooks   []HookConfig `yaml:"hooks" json:"hooks"`
}

// HookConfig defines a single hook.
type HookConfig struct {
	Name     string   `yaml:"name" json:"name"`
	Type     string   `yaml:"type" json:"type"` // shell, webhook, log, pause
	Events   []string `yaml:"events" json:"events"`
	Blocking bool     `yaml:"blocking" json:"blocking"`
	Command  string   `yaml:"command,omitempty" json:"command,omitempty"`
	URL      string   `yaml:"url,omitempty" json:"url,omitempty"`
	Message  string   `yaml:"message,omitempty" json:"message,omitempty"`
	Level    string   `yaml:"level,omitempty" json:"level,omitempty"`
}

// OrchestratorConfig carries the scheduling configuration: concurrency
// bound, default retry budget, escalation/stall thresholds, and the
// per-task-kind timeout/retry policy table.
type OrchestratorConfig struct {
	MaxParallel                 int                     `yaml:"max_parallel" json:"max_parallel"`
	DefaultMaxRetries            int                    `yaml:"default_max_retries" json:"default_max_retries"`
	EscalationPriorityThreshold int                     `yaml:"escalation_priority_threshold" json:"escalation_priority_threshold"`
	StalledHoursThreshold       int                     `yaml:"stalled_hours_threshold" json:"stalled_hours_threshold"`
	SweepSchedule               string                  `yaml:"sweep_schedule" json:"sweep_schedule"` // cron expression
	Policies                    map[string]PolicyConfig `yaml:"policies" json:"policies"`             // keyed by task kind, "default" is the fallback
}

// PolicyConfig is one entry of the per-task-kind timeout/retry/
// circuit-breaker policy table.
type PolicyConfig struct {
	TimeoutSeconds     int               `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries         int               `yaml:"max_retries" json:"max_retries"`
	RetryDelay         string            `yaml:"retry_delay" json:"retry_delay"` // duration string, e.g. "2s"
	ExponentialBackoff bool              `yaml:"exponential_backoff" json:"exponential_backoff"`
	CircuitBreaker     CircuitBreakerCfg `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// CircuitBreakerCfg bounds how many consecutive failures of a task kind
// trip the breaker, and how long before it resets.
type CircuitBreakerCfg struct {
	FailureThreshold int    `yaml:"failure_threshold" json:"failure_threshold"`
	ResetPeriod      string `yaml:"reset_period" json:"reset_period"` // duration string
}

// ParsedTimeout converts TimeoutSeconds to a Duration, defaulting to 5
// minutes when unset.
func (p PolicyConfig) ParsedTimeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ParsedRetryDelay converts RetryDelay to a Duration, defaulting to 1
// second when unset or malformed.
func (p PolicyConfig) ParsedRetryDelay() time.Duration {
	if p.RetryDelay == "" {
		return time.Second
	}
	d, err := time.ParseDuration(p.RetryDelay)
	if err != nil {
		return time.Second
	}
	return d
}

// ParsedResetPeriod converts CircuitBreaker.ResetPeriod to a Duration,
// defaulting to 1 minute when unset or malformed.
func (c CircuitBreakerCfg) ParsedResetPeriod() time.Duration {
	if c.ResetPeriod == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(c.ResetPeriod)
	if err != nil {
		return time.Minute
	}
	return d
}

// SafetyPolicyConfig holds the safety_policy section of the config file.
// It is loaded onto Config, but the SafetyPipeline that internal/app
// builds takes no configuration, so DomainThresholds does not change
// screening: the screeners always use their built-in thresholds and
// reviewer tables (see internal/safety's own constants).
type SafetyPolicyConfig struct {
	DomainThresholds map[string]float64 `yaml:"domain_thresholds" json:"domain_thresholds"`
}
