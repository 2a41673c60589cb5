// Package config holds the orchestrator's runtime configuration: loop timing,
// capacity limits, budgets, and the knobs forwarded to the circuit breaker,
// the health monitor, and the notifier. Values come from the environment
// (main loads .env first); parsing failures surface as typed
// ConfigurationErrors.
package config

import (
	"time"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/breaker"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/notify"
)

// LoopConfig controls the main loop's timers and startup behavior.
type LoopConfig struct {
	// PollInterval is the tick period.
	PollInterval time.Duration

	// MaxConcurrentAgents caps total live sessions across tiers. Zero means
	// the per-tier limits alone bound concurrency.
	MaxConcurrentAgents int

	// GracefulShutdownTimeout bounds how long Stop waits for active agents
	// before force-terminating them.
	GracefulShutdownTimeout time.Duration

	// StateFilePath is where the active-agents snapshot is persisted on
	// shutdown. Empty disables persistence.
	StateFilePath string

	// ValidateDatabaseOnStartup gates the blocking startup health probe.
	ValidateDatabaseOnStartup bool

	// RunPreFlightChecks gates the startup pre-flight pass.
	RunPreFlightChecks bool

	// DBRetry parameterizes the startup probe's backoff.
	DBRetry health.RetryConfig

	// MaxConsecutiveDBFailures is the degraded-transition threshold.
	MaxConsecutiveDBFailures int

	// StatusCheckInInterval is the period between status check-in
	// notifications. Zero disables check-ins.
	StatusCheckInInterval time.Duration

	// MaintenanceInterval is the period between capacity reconciliation
	// passes against the runtime.
	MaintenanceInterval time.Duration
}

// DefaultLoopConfig returns the loop defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		PollInterval:              5 * time.Second,
		GracefulShutdownTimeout:   30 * time.Second,
		ValidateDatabaseOnStartup: true,
		RunPreFlightChecks:        true,
		DBRetry:                   health.DefaultRetryConfig(),
		MaxConsecutiveDBFailures:  3,
		StatusCheckInInterval:     0,
		MaintenanceInterval:       time.Minute,
	}
}

// Config is the full orchestrator configuration.
type Config struct {
	Loop    LoopConfig
	Breaker breaker.Config
	Notify  notify.Config

	// Limits holds the per-tier session caps. Both tiers are required.
	Limits map[agent.ModelTier]int

	// HTTPPort is the operational API listen port.
	HTTPPort int

	// RuntimeAddr is the agent runtime endpoint.
	RuntimeAddr string

	// Budget tracking. The hard stop is enforced by the circuit breaker;
	// daily/weekly budgets feed reports only.
	DailyBudgetUSD        float64
	WeeklyBudgetUSD       float64
	HardStopAtBudgetLimit bool
}

// Default returns a Config with every subsystem at its defaults and no
// limits set. Limits must come from the environment.
func Default() Config {
	return Config{
		Loop:                  DefaultLoopConfig(),
		Breaker:               breaker.DefaultConfig(),
		Limits:                map[agent.ModelTier]int{},
		HTTPPort:              8080,
		HardStopAtBudgetLimit: true,
	}
}
