// Package agent defines the domain types shared across the orchestrator:
// tasks, agent sessions, model tiers, and the events the agent runtime emits.
package agent

import (
	"errors"
	"fmt"
	"time"
)

// ModelTier is the resource class an agent session consumes.
type ModelTier string

// Known model tiers. The capacity tracker and scheduler are keyed by these;
// adding a tier means extending Tiers and the scheduler's selection rule.
const (
	TierOpus   ModelTier = "opus"
	TierSonnet ModelTier = "sonnet"
)

// Tiers lists every known tier in scheduling-preference order for
// iteration (maps would randomize snapshots and logs).
var Tiers = []ModelTier{TierOpus, TierSonnet}

// Valid reports whether t is a known tier.
func (t ModelTier) Valid() bool {
	return t == TierOpus || t == TierSonnet
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusComplete   TaskStatus = "complete"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// TaskSource records where a task came from.
type TaskSource string

// Task sources.
const (
	SourceUser          TaskSource = "user"
	SourceAgentProposal TaskSource = "agent_proposal"
	SourceDecomposition TaskSource = "decomposition"
)

// Task is one unit of work pulled from the persisted queue.
// The database row is canonical; in-memory copies are projections.
type Task struct {
	ID        string
	ProjectID string

	Priority       int
	Status         TaskStatus
	BlockedByID    string // task id blocking this one, if any
	ParentID       string
	Tags           []string
	Source         TaskSource
	Complexity     string // "low", "medium", "high", "complex"
	AssignedAgent  string // session id, empty while queued/blocked

	// Estimation: zero means "prefer the cheaper tier".
	EstimatedSessionsOpus   int
	EstimatedSessionsSonnet int

	// Monotonic usage counters.
	ActualTokensOpus     int64
	ActualTokensSonnet   int64
	ActualSessionsOpus   int
	ActualSessionsSonnet int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// WantsOpus reports whether the task's estimation calls for the opus tier:
// opus sessions estimated and complexity rated high or complex.
func (t *Task) WantsOpus() bool {
	return t.EstimatedSessionsOpus > 0 &&
		(t.Complexity == "high" || t.Complexity == "complex")
}

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

// Agent session states. While a session is not terminated it holds exactly
// one capacity slot on its tier.
const (
	SessionSpawning   SessionStatus = "spawning"
	SessionRunning    SessionStatus = "running"
	SessionCompleting SessionStatus = "completing"
	SessionTerminated SessionStatus = "terminated"
)

// Session describes one running agent as reported by the runtime.
type Session struct {
	ID         string
	Model      ModelTier
	Status     SessionStatus
	TaskID     string
	StartedAt  time.Time
	TokensUsed int64
	CostUSD    float64
}

// EventType discriminates agent events.
type EventType string

// Agent event kinds emitted by the runtime.
const (
	EventQuestion      EventType = "question"
	EventCompletion    EventType = "completion"
	EventError         EventType = "error"
	EventBlocker       EventType = "blocker"
	EventSubagentSpawn EventType = "subagent_spawn"
)

// Event is a discriminated record emitted by the agent runtime.
// Events are value types and immutable once dispatched.
type Event struct {
	Type      EventType
	AgentID   string // session id; the canonical agent identity
	TaskID    string
	Timestamp time.Time

	// Completion / error accounting.
	TokensUsed          int64
	CostUSD             float64
	HasMeaningfulOutput bool
	Summary             string

	// Error events.
	Err   string
	Fatal bool

	// Blocker events.
	BlockedByTaskID string

	// Opaque payload for anything the handlers above don't model.
	Payload map[string]any
}

// ErrSpawnRejected indicates the agent runtime refused to start a session.
var ErrSpawnRejected = errors.New("agent runtime rejected spawn")

// SpawnError wraps a runtime spawn failure with the task it was for.
// A spawn failure is a single-task failure: the task stays queued and the
// circuit breaker is informed.
type SpawnError struct {
	TaskID string
	Tier   ModelTier
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn agent for task %s on %s: %v", e.TaskID, e.Tier, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
