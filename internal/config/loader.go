package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads the main project configuration from <dir>/conclave.yaml,
// falling back to documented defaults when the file doesn't exist.
func Load(dir string) (*Config, error) {
	configFile := filepath.Join(dir, "conclave.yaml")

	content, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	content = []byte(interpolateEnv(string(content)))

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// interpolateEnv replaces ${env.VAR} and ${VAR} with environment values.
func interpolateEnv(content string) string {
	envPattern := regexp.MustCompile(`\$\{env\.([^}]+)\}`)
	content = envPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	varPattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	content = varPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := varPattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(varName, "input.") || strings.HasPrefix(varName, "output.") {
			return match
		}
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	return content
}

// defaultPolicies is the single documented timeout/retry policy table,
// keyed by task kind. "default" is consulted when a task carries no
// task_category metadata hint or names an unknown one.
func defaultPolicies() map[string]PolicyConfig {
	return map[string]PolicyConfig{
		"default": {
			TimeoutSeconds:     300,
			MaxRetries:         3,
			RetryDelay:         "2s",
			ExponentialBackoff: true,
			CircuitBreaker:     CircuitBreakerCfg{FailureThreshold: 5, ResetPeriod: "5m"},
		},
		"code": {
			TimeoutSeconds:     600,
			MaxRetries:         2,
			RetryDelay:         "3s",
			ExponentialBackoff: true,
			CircuitBreaker:     CircuitBreakerCfg{FailureThreshold: 3, ResetPeriod: "10m"},
		},
		"research": {
			TimeoutSeconds:     180,
			MaxRetries:         3,
			RetryDelay:         "1s",
			ExponentialBackoff: true,
			CircuitBreaker:     CircuitBreakerCfg{FailureThreshold: 5, ResetPeriod: "5m"},
		},
		"ops": {
			TimeoutSeconds:     900,
			MaxRetries:         1,
			RetryDelay:         "5s",
			ExponentialBackoff: false,
			CircuitBreaker:     CircuitBreakerCfg{FailureThreshold: 2, ResetPeriod: "15m"},
		},
	}
}

func defaultConfig() *Config {
	return &Config{
		Name:    "conclave-project",
		Version: "1.0",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   ".conclave/state.db",
		},
		Orchestrator: OrchestratorConfig{
			MaxParallel:                 3,
			DefaultMaxRetries:           3,
			EscalationPriorityThreshold: 4,
			StalledHoursThreshold:       24,
			SweepSchedule:               "@every 15m",
			Policies:                    defaultPolicies(),
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = ".conclave/state.db"
	}
	if cfg.Orchestrator.MaxParallel <= 0 {
		cfg.Orchestrator.MaxParallel = 3
	}
	if cfg.Orchestrator.DefaultMaxRetries <= 0 {
		cfg.Orchestrator.DefaultMaxRetries = 3
	}
	if cfg.Orchestrator.EscalationPriorityThreshold <= 0 {
		cfg.Orchestrator.EscalationPriorityThreshold = 4
	}
	if cfg.Orchestrator.StalledHoursThreshold <= 0 {
		cfg.Orchestrator.StalledHoursThreshold = 24
	}
	if cfg.Orchestrator.SweepSchedule == "" {
		cfg.Orchestrator.SweepSchedule = "@every 15m"
	}
	if cfg.Orchestrator.Policies == nil {
		cfg.Orchestrator.Policies = defaultPolicies()
	} else if _, ok := cfg.Orchestrator.Policies["default"]; !ok {
		cfg.Orchestrator.Policies["default"] = defaultPolicies()["default"]
	}
}

// PolicyFor returns the policy entry for taskKind, falling back to
// "default" when taskKind is empty or unknown.
func (c OrchestratorConfig) PolicyFor(taskKind string) PolicyConfig {
	if p, ok := c.Policies[taskKind]; ok {
		return p
	}
	return c.Policies["default"]
}
