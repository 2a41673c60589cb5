package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/droverhq/drover/pkg/agent"
)

// FromEnv builds the full configuration from the environment. Main loads the
// .env file (if any) before calling this. OPUS_SESSION_LIMIT and
// SONNET_SESSION_LIMIT are required; everything else falls back to defaults.
func FromEnv() (Config, error) {
	cfg := Default()

	opus, err := requireInt("OPUS_SESSION_LIMIT")
	if err != nil {
		return Config{}, err
	}
	sonnet, err := requireInt("SONNET_SESSION_LIMIT")
	if err != nil {
		return Config{}, err
	}
	cfg.Limits[agent.TierOpus] = opus
	cfg.Limits[agent.TierSonnet] = sonnet

	if err := loadOptional(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadOptional(cfg *Config) error {
	var err error

	if err = intVar("HTTP_PORT", &cfg.HTTPPort); err != nil {
		return err
	}
	stringVar("RUNTIME_ADDR", &cfg.RuntimeAddr)
	stringVar("STATE_FILE_PATH", &cfg.Loop.StateFilePath)

	if err = durationMSVar("POLL_INTERVAL_MS", &cfg.Loop.PollInterval); err != nil {
		return err
	}
	if err = durationMSVar("GRACEFUL_SHUTDOWN_TIMEOUT_MS", &cfg.Loop.GracefulShutdownTimeout); err != nil {
		return err
	}
	if err = durationMSVar("STATUS_CHECKIN_INTERVAL_MS", &cfg.Loop.StatusCheckInInterval); err != nil {
		return err
	}
	if err = durationMSVar("MAINTENANCE_INTERVAL_MS", &cfg.Loop.MaintenanceInterval); err != nil {
		return err
	}
	if err = intVar("MAX_CONCURRENT_AGENTS", &cfg.Loop.MaxConcurrentAgents); err != nil {
		return err
	}
	if err = intVar("MAX_CONSECUTIVE_DB_FAILURES", &cfg.Loop.MaxConsecutiveDBFailures); err != nil {
		return err
	}
	if err = boolVar("VALIDATE_DB_ON_STARTUP", &cfg.Loop.ValidateDatabaseOnStartup); err != nil {
		return err
	}
	if err = boolVar("RUN_PREFLIGHT_CHECKS", &cfg.Loop.RunPreFlightChecks); err != nil {
		return err
	}

	if err = intVar("DB_RETRY_MAX_RETRIES", &cfg.Loop.DBRetry.MaxRetries); err != nil {
		return err
	}
	if err = durationMSVar("DB_RETRY_INITIAL_DELAY_MS", &cfg.Loop.DBRetry.InitialDelay); err != nil {
		return err
	}
	if err = durationMSVar("DB_RETRY_MAX_DELAY_MS", &cfg.Loop.DBRetry.MaxDelay); err != nil {
		return err
	}
	if err = floatVar("DB_RETRY_BACKOFF_MULTIPLIER", &cfg.Loop.DBRetry.BackoffMultiplier); err != nil {
		return err
	}

	if err = intVar("MAX_CONSECUTIVE_AGENT_ERRORS", &cfg.Breaker.MaxConsecutiveAgentErrors); err != nil {
		return err
	}
	if err = floatVar("ERROR_RATE_THRESHOLD", &cfg.Breaker.ErrorRateThreshold); err != nil {
		return err
	}
	if err = intVar("ERROR_RATE_WINDOW_SIZE", &cfg.Breaker.ErrorRateWindowSize); err != nil {
		return err
	}
	if err = floatVar("HARD_BUDGET_LIMIT_USD", &cfg.Breaker.HardBudgetLimitUSD); err != nil {
		return err
	}
	if err = int64Var("TOKEN_LIMIT_WITHOUT_OUTPUT", &cfg.Breaker.TokenLimitWithoutOutput); err != nil {
		return err
	}

	stringVar("SLACK_BOT_TOKEN", &cfg.Notify.Token)
	stringVar("SLACK_CHANNEL", &cfg.Notify.Channel)
	stringVar("QUIET_HOURS_START", &cfg.Notify.QuietStart)
	stringVar("QUIET_HOURS_END", &cfg.Notify.QuietEnd)

	if err = floatVar("DAILY_BUDGET_USD", &cfg.DailyBudgetUSD); err != nil {
		return err
	}
	if err = floatVar("WEEKLY_BUDGET_USD", &cfg.WeeklyBudgetUSD); err != nil {
		return err
	}
	if err = boolVar("HARD_STOP_AT_BUDGET_LIMIT", &cfg.HardStopAtBudgetLimit); err != nil {
		return err
	}
	return nil
}

// Validate checks cross-field constraints after loading.
func (c Config) Validate() error {
	for _, tier := range agent.Tiers {
		limit, ok := c.Limits[tier]
		if !ok {
			return NewConfigurationError(string(tier), fmt.Errorf("%w: no session limit", ErrInvalidValue))
		}
		if limit < 0 {
			return NewConfigurationError(string(tier), fmt.Errorf("%w: session limit %d is negative", ErrInvalidValue, limit))
		}
	}
	if c.Loop.PollInterval <= 0 {
		return NewConfigurationError("POLL_INTERVAL_MS", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if c.Breaker.ErrorRateThreshold < 0 || c.Breaker.ErrorRateThreshold > 1 {
		return NewConfigurationError("ERROR_RATE_THRESHOLD", fmt.Errorf("%w: must be within [0,1]", ErrInvalidValue))
	}
	return nil
}

func requireInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, NewConfigurationError(name, ErrMissingRequiredVar)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, NewConfigurationError(name, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, raw))
	}
	return v, nil
}

func stringVar(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func intVar(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return NewConfigurationError(name, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, raw))
	}
	*dst = v
	return nil
}

func int64Var(name string, dst *int64) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return NewConfigurationError(name, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, raw))
	}
	*dst = v
	return nil
}

func floatVar(name string, dst *float64) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return NewConfigurationError(name, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, raw))
	}
	*dst = v
	return nil
}

func boolVar(name string, dst *bool) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return NewConfigurationError(name, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, raw))
	}
	*dst = v
	return nil
}

// durationMSVar parses an integer millisecond value into a Duration.
func durationMSVar(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return NewConfigurationError(name, fmt.Errorf("%w: %q is not a millisecond count", ErrInvalidValue, raw))
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
