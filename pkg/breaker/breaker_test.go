package breaker

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	trips  []TripReason
	alerts []string
}

func (n *recordingNotifier) OnTrip(reason TripReason, message, agentID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trips = append(n.trips, reason)
}

func (n *recordingNotifier) SendAlert(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, message)
}

func (n *recordingNotifier) tripCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.trips)
}

var errAgent = errors.New("agent failed")

func TestConsecutiveErrorsTrip(t *testing.T) {
	notifier := &recordingNotifier{}
	b := New(DefaultConfig(), notifier)

	b.RecordError("a1", errAgent, Outcome{})
	b.RecordError("a1", errAgent, Outcome{})
	assert.False(t, b.IsTripped())

	b.RecordError("a1", errAgent, Outcome{})
	assert.True(t, b.IsTripped())

	status := b.GetStatus()
	assert.Equal(t, ReasonConsecutiveAgentErrors, status.Reason)
	assert.Equal(t, "a1", status.TriggeringAgentID)
	assert.Equal(t, 1, notifier.tripCount())
	assert.Len(t, notifier.alerts, 1)
}

func TestSuccessResetsAgentCounter(t *testing.T) {
	b := New(DefaultConfig(), nil)

	b.RecordError("a1", errAgent, Outcome{})
	b.RecordError("a1", errAgent, Outcome{})
	require.Equal(t, 2, b.AgentErrorCount("a1"))

	b.RecordSuccess("a1", Outcome{HasMeaningfulOutput: true})
	assert.Equal(t, 0, b.AgentErrorCount("a1"))

	b.RecordError("a1", errAgent, Outcome{})
	b.RecordError("a1", errAgent, Outcome{})
	assert.False(t, b.IsTripped())
}

func TestErrorsAcrossAgentsDoNotTripConsecutiveRule(t *testing.T) {
	b := New(DefaultConfig(), nil)

	b.RecordError("a1", errAgent, Outcome{})
	b.RecordError("a2", errAgent, Outcome{})
	b.RecordError("a3", errAgent, Outcome{})
	assert.False(t, b.IsTripped())
}

func TestGlobalErrorRateTripsOnlyWhenWindowFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveAgentErrors = 100 // keep the per-agent rule out of the way
	b := New(cfg, nil)

	// 8 alternating samples, then one extra failure: 9 samples, 5 failures.
	// The window of 10 is not yet full, so no trip even at rate > 0.5.
	for i := 0; i < 4; i++ {
		b.RecordError("a1", errAgent, Outcome{})
		b.RecordSuccess("a2", Outcome{HasMeaningfulOutput: true})
	}
	b.RecordError("a3", errAgent, Outcome{})
	require.False(t, b.IsTripped())
	require.Equal(t, 9, b.GetStatus().WindowFill)

	// The 10th sample fills the window; 6/10 > 0.5 trips.
	b.RecordError("a4", errAgent, Outcome{})
	assert.True(t, b.IsTripped())
	assert.Equal(t, ReasonGlobalErrorRate, b.GetStatus().Reason)
}

func TestBudgetTrip(t *testing.T) {
	b := New(DefaultConfig(), nil)

	b.RecordSuccess("a1", Outcome{CostUSD: 60, HasMeaningfulOutput: true})
	assert.False(t, b.IsTripped())

	b.RecordSuccess("a1", Outcome{CostUSD: 40, HasMeaningfulOutput: true})
	assert.True(t, b.IsTripped())
	assert.Equal(t, ReasonBudgetExceeded, b.GetStatus().Reason)
}

func TestTokenLimitWithoutOutputTrip(t *testing.T) {
	b := New(DefaultConfig(), nil)

	b.RecordSuccess("a1", Outcome{TokensUsed: 60_000, HasMeaningfulOutput: false})
	assert.False(t, b.IsTripped())

	// Meaningful output resets the counter.
	b.RecordSuccess("a1", Outcome{TokensUsed: 10_000, HasMeaningfulOutput: true})
	assert.Equal(t, int64(0), b.GetStatus().TokensWithoutOutput)

	b.RecordSuccess("a1", Outcome{TokensUsed: 99_000, HasMeaningfulOutput: false})
	assert.False(t, b.IsTripped())
	b.RecordSuccess("a1", Outcome{TokensUsed: 1_000, HasMeaningfulOutput: false})
	assert.True(t, b.IsTripped())
	assert.Equal(t, ReasonTokenLimitExceeded, b.GetStatus().Reason)
}

func TestRecordsAreNoOpsWhenTripped(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Trip(ReasonManual, "operator stop", "")
	require.True(t, b.IsTripped())

	before := b.GetStatus()
	b.RecordSuccess("a1", Outcome{TokensUsed: 500, CostUSD: 1, HasMeaningfulOutput: true})
	b.RecordError("a1", errAgent, Outcome{TokensUsed: 500, CostUSD: 1})

	after := b.GetStatus()
	assert.Equal(t, before.TotalTokens, after.TotalTokens)
	assert.Equal(t, before.TotalSpendUSD, after.TotalSpendUSD)
	assert.Equal(t, 0, b.AgentErrorCount("a1"))
}

func TestManualTripFiresNotifierOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	b := New(DefaultConfig(), notifier)

	b.Trip(ReasonManual, "operator stop", "")
	b.Trip(ReasonManual, "again", "")

	assert.Equal(t, 1, notifier.tripCount())
}

func TestResetRestoresInitialState(t *testing.T) {
	b := New(DefaultConfig(), nil)

	b.RecordError("a1", errAgent, Outcome{TokensUsed: 100, CostUSD: 200})
	require.True(t, b.IsTripped()) // budget trigger at 200 >= 100

	b.Reset()
	assert.False(t, b.IsTripped())

	status := b.GetStatus()
	assert.Equal(t, int64(0), status.TotalTokens)
	assert.Equal(t, float64(0), status.TotalSpendUSD)
	assert.Equal(t, 0, status.WindowFill)
	assert.Empty(t, status.AgentErrorCounts)
	assert.Equal(t, float64(0), b.ErrorRate())

	// The breaker accepts records again.
	b.RecordSuccess("a1", Outcome{HasMeaningfulOutput: true})
	assert.Equal(t, int64(0), b.GetStatus().TokensWithoutOutput)
}

func TestErrorRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveAgentErrors = 100
	b := New(cfg, nil)

	b.RecordError("a1", errAgent, Outcome{})
	b.RecordSuccess("a2", Outcome{HasMeaningfulOutput: true})
	b.RecordError("a3", errAgent, Outcome{})
	b.RecordSuccess("a4", Outcome{HasMeaningfulOutput: true})

	assert.InDelta(t, 0.5, b.ErrorRate(), 1e-9)
}
