// Package breaker implements the latched safety stop that pauses all
// scheduling when agent behavior crosses a configured threshold. Once
// tripped, only an explicit operator Reset closes it again.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// TripReason identifies which trigger latched the breaker.
type TripReason string

// Trip reasons, in the order triggers are evaluated.
const (
	ReasonConsecutiveAgentErrors TripReason = "consecutive_agent_errors"
	ReasonGlobalErrorRate        TripReason = "global_error_rate"
	ReasonBudgetExceeded         TripReason = "budget_exceeded"
	ReasonTokenLimitExceeded     TripReason = "token_limit_exceeded"
	ReasonManual                 TripReason = "manual"
)

// Config holds the breaker thresholds.
type Config struct {
	MaxConsecutiveAgentErrors int
	ErrorRateThreshold        float64
	ErrorRateWindowSize       int
	HardBudgetLimitUSD        float64
	TokenLimitWithoutOutput   int64
}

// DefaultConfig returns the built-in breaker thresholds.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveAgentErrors: 3,
		ErrorRateThreshold:        0.5,
		ErrorRateWindowSize:       10,
		HardBudgetLimitUSD:        100,
		TokenLimitWithoutOutput:   100_000,
	}
}

// Notifier is the breaker's only outward capability. OnTrip is expected to
// pause all running agents; SendAlert notifies operators. Both are
// fire-and-forget: failures are the implementation's problem, never the
// breaker's.
type Notifier interface {
	OnTrip(reason TripReason, message string, agentID string)
	SendAlert(message string)
}

// Outcome carries the accounting attached to a success or error report.
type Outcome struct {
	TokensUsed          int64
	CostUSD             float64
	HasMeaningfulOutput bool
}

// Status is a consistent snapshot of the breaker state.
type Status struct {
	Tripped              bool               `json:"tripped"`
	Reason               TripReason         `json:"reason,omitempty"`
	Message              string             `json:"message,omitempty"`
	TrippedAt            time.Time          `json:"tripped_at,omitzero"`
	TriggeringAgentID    string             `json:"triggering_agent_id,omitempty"`
	ErrorRate            float64            `json:"error_rate"`
	WindowFill           int                `json:"window_fill"`
	TotalTokens          int64              `json:"total_tokens"`
	TotalSpendUSD        float64            `json:"total_spend_usd"`
	MeaningfulOutputs    int                `json:"meaningful_outputs"`
	TokensWithoutOutput  int64              `json:"tokens_without_output"`
	AgentErrorCounts     map[string]int     `json:"agent_error_counts"`
}

// Breaker is the composite circuit breaker. All state lives behind one mutex;
// reads return snapshots.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	tripped     bool
	reason      TripReason
	message     string
	trippedAt   time.Time
	trippedBy   string

	agentErrors map[string]int

	// Recent-operation ring: true = failure.
	window     []bool
	windowNext int
	windowFill int

	totalTokens         int64
	totalSpendUSD       float64
	meaningfulOutputs   int
	tokensWithoutOutput int64

	notifier Notifier
	logger   *slog.Logger
}

// New creates a closed breaker. notifier may be nil (trips are then only
// logged).
func New(cfg Config, notifier Notifier) *Breaker {
	if cfg.ErrorRateWindowSize <= 0 {
		cfg.ErrorRateWindowSize = DefaultConfig().ErrorRateWindowSize
	}
	return &Breaker{
		cfg:         cfg,
		agentErrors: make(map[string]int),
		window:      make([]bool, cfg.ErrorRateWindowSize),
		notifier:    notifier,
		logger:      slog.Default().With("component", "breaker"),
	}
}

// RecordSuccess reports a successful agent operation. While closed it resets
// the agent's consecutive-error counter, adds to totals, appends to the
// window, and maintains the tokens-without-meaningful-output counter. When
// already tripped it warns and mutates nothing.
func (b *Breaker) RecordSuccess(agentID string, out Outcome) {
	b.mu.Lock()

	if b.tripped {
		b.mu.Unlock()
		b.logger.Warn("RecordSuccess ignored: breaker is tripped",
			"agent_id", agentID, "reason", b.reason)
		return
	}

	delete(b.agentErrors, agentID)
	b.appendWindow(false)
	b.totalTokens += out.TokensUsed
	b.totalSpendUSD += out.CostUSD
	if out.HasMeaningfulOutput {
		b.meaningfulOutputs++
		b.tokensWithoutOutput = 0
	} else {
		b.tokensWithoutOutput += out.TokensUsed
	}

	b.evaluateLocked(agentID)
}

// RecordError reports a failed agent operation, then evaluates every trigger
// in order. When already tripped it warns and mutates nothing.
func (b *Breaker) RecordError(agentID string, err error, out Outcome) {
	b.mu.Lock()

	if b.tripped {
		b.mu.Unlock()
		b.logger.Warn("RecordError ignored: breaker is tripped",
			"agent_id", agentID, "reason", b.reason, "error", err)
		return
	}

	b.agentErrors[agentID]++
	b.appendWindow(true)
	b.totalTokens += out.TokensUsed
	b.totalSpendUSD += out.CostUSD
	b.tokensWithoutOutput += out.TokensUsed

	b.evaluateLocked(agentID)
}

// evaluateLocked checks triggers in fixed order and trips on the first hit.
// Called with b.mu held; releases it.
func (b *Breaker) evaluateLocked(agentID string) {
	switch {
	case b.cfg.MaxConsecutiveAgentErrors > 0 &&
		b.agentErrors[agentID] >= b.cfg.MaxConsecutiveAgentErrors:
		b.tripLocked(ReasonConsecutiveAgentErrors,
			"agent exceeded consecutive error limit", agentID)

	case b.windowFill == len(b.window) &&
		b.errorRateLocked() > b.cfg.ErrorRateThreshold:
		b.tripLocked(ReasonGlobalErrorRate,
			"global error rate over threshold", "")

	case b.cfg.HardBudgetLimitUSD > 0 &&
		b.totalSpendUSD >= b.cfg.HardBudgetLimitUSD:
		b.tripLocked(ReasonBudgetExceeded,
			"cumulative spend reached hard budget limit", "")

	case b.cfg.TokenLimitWithoutOutput > 0 &&
		b.tokensWithoutOutput >= b.cfg.TokenLimitWithoutOutput:
		b.tripLocked(ReasonTokenLimitExceeded,
			"token burn without meaningful output", "")

	default:
		b.mu.Unlock()
	}
}

// Trip latches the breaker manually (operator or external policy).
func (b *Breaker) Trip(reason TripReason, message, agentID string) {
	b.mu.Lock()
	if b.tripped {
		b.mu.Unlock()
		return
	}
	b.tripLocked(reason, message, agentID)
}

// tripLocked latches the state and fires the notifier outside the lock.
// Called with b.mu held; releases it.
func (b *Breaker) tripLocked(reason TripReason, message, agentID string) {
	b.tripped = true
	b.reason = reason
	b.message = message
	b.trippedAt = time.Now()
	b.trippedBy = agentID
	notifier := b.notifier
	b.mu.Unlock()

	b.logger.Error("Circuit breaker tripped",
		"reason", reason, "message", message, "agent_id", agentID)

	if notifier != nil {
		// Fire-and-forget: notifier failures are logged by the notifier
		// itself and never propagate back here.
		notifier.OnTrip(reason, message, agentID)
		notifier.SendAlert("circuit breaker tripped: " + string(reason) + ": " + message)
	}
}

// Reset zeroes every counter and returns the breaker to its initial closed
// state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tripped = false
	b.reason = ""
	b.message = ""
	b.trippedAt = time.Time{}
	b.trippedBy = ""
	b.agentErrors = make(map[string]int)
	b.window = make([]bool, len(b.window))
	b.windowNext = 0
	b.windowFill = 0
	b.totalTokens = 0
	b.totalSpendUSD = 0
	b.meaningfulOutputs = 0
	b.tokensWithoutOutput = 0

	b.logger.Info("Circuit breaker reset")
}

// IsTripped reports whether the breaker is latched.
func (b *Breaker) IsTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// ErrorRate returns the failure fraction over the recent-operation window.
func (b *Breaker) ErrorRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorRateLocked()
}

// AgentErrorCount returns an agent's current consecutive-error count.
func (b *Breaker) AgentErrorCount(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agentErrors[agentID]
}

// GetStatus returns a full snapshot.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[string]int, len(b.agentErrors))
	for id, n := range b.agentErrors {
		counts[id] = n
	}
	return Status{
		Tripped:             b.tripped,
		Reason:              b.reason,
		Message:             b.message,
		TrippedAt:           b.trippedAt,
		TriggeringAgentID:   b.trippedBy,
		ErrorRate:           b.errorRateLocked(),
		WindowFill:          b.windowFill,
		TotalTokens:         b.totalTokens,
		TotalSpendUSD:       b.totalSpendUSD,
		MeaningfulOutputs:   b.meaningfulOutputs,
		TokensWithoutOutput: b.tokensWithoutOutput,
		AgentErrorCounts:    counts,
	}
}

func (b *Breaker) appendWindow(failure bool) {
	b.window[b.windowNext] = failure
	b.windowNext = (b.windowNext + 1) % len(b.window)
	if b.windowFill < len(b.window) {
		b.windowFill++
	}
}

func (b *Breaker) errorRateLocked() float64 {
	if b.windowFill == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.windowFill; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.windowFill)
}
