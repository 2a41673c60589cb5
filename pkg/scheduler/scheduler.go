// Package scheduler decides which queued task runs next and on which model
// tier, and launches it through the agent runtime. It owns a coarse mutex
// bracketing ScheduleNext end to end so two concurrent ticks can never
// double-schedule the same queue head.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/capacity"
	"github.com/droverhq/drover/pkg/queue"
)

// ScheduleStatus is the outcome of one ScheduleNext decision.
type ScheduleStatus string

// Scheduling outcomes. Capacity-full is a status, never an error.
const (
	StatusScheduled  ScheduleStatus = "scheduled"
	StatusIdle       ScheduleStatus = "idle"
	StatusNoCapacity ScheduleStatus = "no_capacity"
	StatusError      ScheduleStatus = "error"
)

// ScheduledTask describes one launched session.
type ScheduledTask struct {
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id"`
	Model     agent.ModelTier `json:"model"`
}

// Result is the outcome of ScheduleNext or ScheduleAll.
type Result struct {
	Status ScheduleStatus  `json:"status"`
	Tasks  []ScheduledTask `json:"tasks,omitempty"`
	Err    error           `json:"-"`
}

// Stats summarizes the scheduler's inputs for operators.
type Stats struct {
	Queued   int                                    `json:"queued"`
	Capacity map[agent.ModelTier]capacity.TierStats `json:"capacity"`
}

// Scheduler composes the task queue, the capacity tracker, and the agent
// runtime.
type Scheduler struct {
	mu      sync.Mutex
	queue   *queue.TaskQueue
	tracker *capacity.Tracker
	runtime agent.Runtime

	// onSpawnFailure reports a failed spawn to the circuit breaker. Injected
	// as a function value so the scheduler carries no breaker knowledge.
	onSpawnFailure func(taskID string, err error)

	logger *slog.Logger
}

// New creates a scheduler. onSpawnFailure may be nil.
func New(q *queue.TaskQueue, tracker *capacity.Tracker, runtime agent.Runtime, onSpawnFailure func(taskID string, err error)) *Scheduler {
	return &Scheduler{
		queue:          q,
		tracker:        tracker,
		runtime:        runtime,
		onSpawnFailure: onSpawnFailure,
		logger:         slog.Default().With("component", "scheduler"),
	}
}

// AddTask enqueues the task. Idempotent: re-adding replaces the entry.
func (s *Scheduler) AddTask(task *agent.Task) {
	s.queue.Enqueue(task)
}

// RemoveTask drops the task from the queue. Idempotent.
func (s *Scheduler) RemoveTask(taskID string) {
	s.queue.Remove(taskID)
}

// QueueSnapshot returns the queued tasks in scheduling order.
func (s *Scheduler) QueueSnapshot() []*agent.Task {
	return s.queue.Snapshot()
}

// CanSchedule reports whether at least one tier has capacity and the queue is
// non-empty.
func (s *Scheduler) CanSchedule() bool {
	if s.queue.IsEmpty() {
		return false
	}
	for _, tier := range agent.Tiers {
		if s.tracker.HasCapacity(tier) {
			return true
		}
	}
	return false
}

// selectTier applies the model selection rule for one task:
//  1. opus when the task wants opus and opus has capacity,
//  2. else sonnet when it has capacity,
//  3. else opus when it has capacity (regardless of complexity),
//  4. else none.
func (s *Scheduler) selectTier(task *agent.Task) (agent.ModelTier, bool) {
	opusFree := s.tracker.HasCapacity(agent.TierOpus)
	if task.WantsOpus() && opusFree {
		return agent.TierOpus, true
	}
	if s.tracker.HasCapacity(agent.TierSonnet) {
		return agent.TierSonnet, true
	}
	if opusFree {
		return agent.TierOpus, true
	}
	return "", false
}

// NextForTier returns the highest-priority queued task eligible for tier
// without removing it, or nil. A task is eligible when the selection rule
// would pick tier for it right now.
func (s *Scheduler) NextForTier(tier agent.ModelTier) *agent.Task {
	if !s.tracker.HasCapacity(tier) {
		return nil
	}
	return s.queue.NextMatching(func(t *agent.Task) bool {
		chosen, ok := s.selectTier(t)
		return ok && chosen == tier
	})
}

// ScheduleNext makes one scheduling decision. The decision is atomic under
// the scheduler mutex; only the capacity reservation holds the capacity lock,
// and spawn I/O happens outside it.
func (s *Scheduler) ScheduleNext(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.queue.Peek()
	if task == nil {
		return Result{Status: StatusIdle}
	}

	tier, ok := s.selectTier(task)
	if !ok {
		return Result{Status: StatusNoCapacity}
	}

	// Reserve under a provisional id; an event handler may have consumed the
	// slot between selectTier and here.
	provisionalID := "pending-" + uuid.NewString()
	if !s.tracker.Reserve(tier, provisionalID) {
		return Result{Status: StatusNoCapacity}
	}

	sessionID, err := s.runtime.SpawnAgent(ctx, task, tier)
	if err != nil {
		s.tracker.Release(tier, provisionalID)
		spawnErr := &agent.SpawnError{TaskID: task.ID, Tier: tier, Err: err}
		s.logger.Error("Agent spawn failed",
			"task_id", task.ID, "tier", tier, "error", err)
		if s.onSpawnFailure != nil {
			s.onSpawnFailure(task.ID, spawnErr)
		}
		// The task stays queued; the next tick reconsiders it.
		return Result{Status: StatusError, Err: spawnErr}
	}

	s.tracker.Rewrite(tier, provisionalID, sessionID)
	s.queue.Remove(task.ID)

	s.logger.Info("Task scheduled",
		"task_id", task.ID, "session_id", sessionID, "tier", tier)

	return Result{
		Status: StatusScheduled,
		Tasks:  []ScheduledTask{{TaskID: task.ID, SessionID: sessionID, Model: tier}},
	}
}

// ScheduleAll calls ScheduleNext until it stops scheduling and returns the
// concatenated launches with the terminating status.
func (s *Scheduler) ScheduleAll(ctx context.Context) Result {
	var all []ScheduledTask
	for {
		res := s.ScheduleNext(ctx)
		if res.Status != StatusScheduled {
			res.Tasks = all
			return res
		}
		all = append(all, res.Tasks...)
	}
}

// ReserveCapacity seats a known session id directly, bypassing the queue.
// Used when restoring persisted sessions on startup.
func (s *Scheduler) ReserveCapacity(tier agent.ModelTier, sessionID string) bool {
	return s.tracker.Reserve(tier, sessionID)
}

// ReleaseCapacity forwards to the capacity tracker.
func (s *Scheduler) ReleaseCapacity(tier agent.ModelTier, sessionID string) {
	s.tracker.Release(tier, sessionID)
}

// SyncCapacity reconciles the tracker against the runtime's live sessions.
func (s *Scheduler) SyncCapacity(live []agent.Session) {
	s.tracker.Sync(live)
}

// GetStats returns the queue depth and a capacity snapshot.
func (s *Scheduler) GetStats() Stats {
	return Stats{
		Queued:   s.queue.Size(),
		Capacity: s.tracker.Stats(),
	}
}
