// Package health detects and recovers from persistence-layer outages. The
// monitor never retries in a tight loop: startup validation backs off
// exponentially with jitter, and at tick time the main loop asks for a single
// recovery probe per maintenance pass.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Domain events emitted on state transitions.
const (
	EventHealthy   = "database:healthy"
	EventDegraded  = "database:degraded"
	EventRecovered = "database:recovered"
)

// Prober performs one health probe against the store. Implemented by the
// pgx-backed store; tests wire fakes.
type Prober interface {
	Ping(ctx context.Context) error
}

// RetryConfig bounds the startup validation backoff.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the built-in startup retry parameters.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Stats is a snapshot of the monitor state.
type Stats struct {
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastLatency         time.Duration `json:"last_latency_ms"`
}

// Monitor tracks database health as healthy|degraded with consecutive-failure
// counting. State transitions emit domain events through the injected emit
// callback (nil disables).
type Monitor struct {
	mu                  sync.Mutex
	degraded            bool
	consecutiveFailures int
	lastError           string
	lastLatency         time.Duration

	prober      Prober
	maxFailures int
	emit        func(event string)
	logger      *slog.Logger
}

// NewMonitor creates a healthy monitor. maxFailures is the consecutive-failure
// count that flips the state to degraded (<=0 selects 3).
func NewMonitor(prober Prober, maxFailures int, emit func(event string)) *Monitor {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Monitor{
		prober:      prober,
		maxFailures: maxFailures,
		emit:        emit,
		logger:      slog.Default().With("component", "db-health"),
	}
}

// ValidateOnStartup probes the database under exponential backoff with jitter
// until one probe succeeds or cfg.MaxRetries probes have failed. onRetry (nil
// allowed) is invoked before each wait with the attempt number, the delay
// about to be slept, and the last error. Returns the last probe error on
// exhaustion.
func (m *Monitor) ValidateOnStartup(ctx context.Context, cfg RetryConfig, onRetry func(attempt int, delay time.Duration, lastErr error)) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := m.prober.Ping(ctx)
		latency := time.Since(start)

		if err == nil {
			m.mu.Lock()
			m.degraded = false
			m.consecutiveFailures = 0
			m.lastError = ""
			m.lastLatency = latency
			m.mu.Unlock()
			m.logger.Info("Database validated", "attempt", attempt, "latency", latency)
			m.emitEvent(EventHealthy)
			return nil
		}

		lastErr = err
		m.recordFailureSample(err, latency)
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("database validation failed after %d attempts: %w", attempt, lastErr)
		}

		// Full jitter over [delay/2, delay).
		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		if onRetry != nil {
			onRetry(attempt, sleep, err)
		}
		m.logger.Warn("Database probe failed, backing off",
			"attempt", attempt, "delay", sleep, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// OnDBFailure records one failed database call. Reaching the consecutive
// failure threshold transitions to degraded and emits database:degraded once.
func (m *Monitor) OnDBFailure(err error) {
	m.mu.Lock()
	m.consecutiveFailures++
	if err != nil {
		m.lastError = err.Error()
	}
	becameDegraded := !m.degraded && m.consecutiveFailures >= m.maxFailures
	if becameDegraded {
		m.degraded = true
	}
	failures := m.consecutiveFailures
	m.mu.Unlock()

	if becameDegraded {
		m.logger.Error("Database degraded",
			"consecutive_failures", failures, "error", err)
		m.emitEvent(EventDegraded)
	}
}

// OnDBSuccess records one successful database call, resetting the failure
// count. A degraded monitor transitions back to healthy and emits
// database:recovered.
func (m *Monitor) OnDBSuccess() {
	m.mu.Lock()
	m.consecutiveFailures = 0
	m.lastError = ""
	recovered := m.degraded
	m.degraded = false
	m.mu.Unlock()

	if recovered {
		m.logger.Info("Database recovered")
		m.emitEvent(EventRecovered)
	}
}

// AttemptRecovery performs a single probe when degraded. On a healthy probe
// the monitor transitions to healthy and emits database:recovered; otherwise
// it stays degraded. Returns whether the monitor is healthy afterwards.
func (m *Monitor) AttemptRecovery(ctx context.Context) bool {
	m.mu.Lock()
	if !m.degraded {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	start := time.Now()
	err := m.prober.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		m.recordFailureSample(err, latency)
		m.logger.Warn("Database recovery probe failed", "error", err)
		return false
	}

	m.mu.Lock()
	m.degraded = false
	m.consecutiveFailures = 0
	m.lastError = ""
	m.lastLatency = latency
	m.mu.Unlock()

	m.logger.Info("Database recovered", "latency", latency)
	m.emitEvent(EventRecovered)
	return true
}

// IsDegraded reports whether the persistence layer is observed unhealthy.
func (m *Monitor) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// GetStats returns a consistent snapshot.
func (m *Monitor) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Healthy:             !m.degraded,
		ConsecutiveFailures: m.consecutiveFailures,
		LastError:           m.lastError,
		LastLatency:         m.lastLatency,
	}
}

func (m *Monitor) recordFailureSample(err error, latency time.Duration) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.lastLatency = latency
	m.mu.Unlock()
}

func (m *Monitor) emitEvent(event string) {
	if m.emit != nil {
		m.emit(event)
	}
}
