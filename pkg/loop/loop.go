// Package loop owns the orchestrator's tick timer, the agent event pipeline,
// and shutdown coordination. Everything else (queue, capacity, scheduler,
// breaker, health) is composed here and driven from one control goroutine.
package loop

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/breaker"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/notify"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/store"
)

// State is the main loop lifecycle state.
type State string

// Lifecycle states. Transitions run stopped → starting → running → stopping →
// stopped; anything else is a logged no-op.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// agentLockShards bounds the per-agent event lock table. Agents hashing to
// the same shard serialize against each other, which only costs latency.
const agentLockShards = 64

// Deps are the collaborators the main loop composes. All are required except
// Notifier (nil disables notifications).
type Deps struct {
	Store      store.Store
	Runtime    agent.Runtime
	Scheduler  *scheduler.Scheduler
	Breaker    *breaker.Breaker
	Health     *health.Monitor
	Dispatcher *events.Dispatcher
	Notifier   *notify.Service
}

// Status is the operator-facing snapshot served by the API.
type Status struct {
	State        State           `json:"state"`
	ActiveAgents []ActiveAgent   `json:"active_agents"`
	Scheduler    scheduler.Stats `json:"scheduler"`
	Breaker      breaker.Status  `json:"circuit_breaker"`
	Database     health.Stats    `json:"database"`
}

// MainLoop drives scheduling ticks and routes agent events.
type MainLoop struct {
	cfg config.LoopConfig

	store      store.Store
	runtime    agent.Runtime
	sched      *scheduler.Scheduler
	breaker    *breaker.Breaker
	health     *health.Monitor
	dispatcher *events.Dispatcher
	notifier   *notify.Service

	mu     sync.Mutex
	state  State
	active map[string]ActiveAgent // keyed by session id

	// agentMu serializes event handling per agent id so events for one agent
	// are applied in emission order while distinct agents proceed in parallel.
	// Sharded by id hash so the table stays bounded over long runs.
	agentMu [agentLockShards]sync.Mutex

	stopCh     chan struct{}
	stopOnce   sync.Once
	eventsOnce sync.Once
	wg         sync.WaitGroup

	lastCheckIn     time.Time
	lastMaintenance time.Time

	logger *slog.Logger
}

// New creates a stopped main loop.
func New(cfg config.LoopConfig, deps Deps) *MainLoop {
	return &MainLoop{
		cfg:        cfg,
		store:      deps.Store,
		runtime:    deps.Runtime,
		sched:      deps.Scheduler,
		breaker:    deps.Breaker,
		health:     deps.Health,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		state:      StateStopped,
		active:     make(map[string]ActiveAgent),
		stopCh:     make(chan struct{}),
		logger:     slog.Default().With("component", "mainloop"),
	}
}

// State returns the current lifecycle state.
func (l *MainLoop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start validates the database, restores persisted state, runs pre-flight
// checks, rebuilds the queue, and arms the tick timer. Calling Start while
// not stopped is a logged no-op returning nil.
func (l *MainLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStopped {
		state := l.state
		l.mu.Unlock()
		l.logger.Warn("Start ignored: loop is not stopped", "state", state)
		return nil
	}
	l.state = StateStarting
	l.stopCh = make(chan struct{})
	l.stopOnce = sync.Once{}
	l.mu.Unlock()

	if l.cfg.ValidateDatabaseOnStartup {
		err := l.health.ValidateOnStartup(ctx, l.cfg.DBRetry,
			func(attempt int, delay time.Duration, lastErr error) {
				l.logger.Warn("Waiting for database",
					"attempt", attempt, "next_probe_in", delay, "error", lastErr)
			})
		if err != nil {
			l.setState(StateStopped)
			return err
		}
	}

	for _, a := range loadStateFile(l.cfg.StateFilePath, l.logger) {
		l.mu.Lock()
		l.active[a.SessionID] = a
		l.mu.Unlock()
		if !l.sched.ReserveCapacity(a.Model, a.SessionID) {
			l.logger.Warn("No capacity for restored session; tracking without slot",
				"session_id", a.SessionID, "tier", a.Model)
		}
	}

	if l.cfg.RunPreFlightChecks {
		if err := l.preFlight(ctx); err != nil {
			l.setState(StateStopped)
			return err
		}
	}

	l.rebuildQueue(ctx)
	// Register exactly once across restarts; runtimes may append handlers,
	// and a second registration would deliver every event twice.
	l.eventsOnce.Do(func() {
		l.runtime.OnEvent(l.HandleAgentEvent)
	})

	l.setState(StateRunning)
	l.logger.Info("Main loop started", "poll_interval", l.cfg.PollInterval)

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// run is the control goroutine: one tick per poll interval until stopped.
func (l *MainLoop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick is one scheduling pass. Tick-level errors are logged and swallowed;
// one bad tick must not stop the loop.
func (l *MainLoop) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	if l.breaker.IsTripped() {
		metrics.BreakerTripped.Set(1)
		l.logger.Warn("Tick skipped: circuit breaker tripped")
		return
	}
	metrics.BreakerTripped.Set(0)

	if l.health.IsDegraded() {
		metrics.DatabaseDegraded.Set(1)
		if !l.health.AttemptRecovery(ctx) {
			l.logger.Warn("Tick skipped: database degraded")
			return
		}
	}
	metrics.DatabaseDegraded.Set(0)

	l.rebuildQueue(ctx)
	l.maintenance(ctx)

	l.schedule(ctx)

	l.statusCheckIn()
	l.publishGauges()
	l.notifier.Flush(ctx)
}

// schedule drains the queue one decision at a time so the global
// MaxConcurrentAgents cap holds across tiers.
func (l *MainLoop) schedule(ctx context.Context) {
	for {
		if max := l.cfg.MaxConcurrentAgents; max > 0 && l.activeCount() >= max {
			l.logger.Debug("Scheduling paused: at max concurrent agents", "max", max)
			return
		}
		res := l.sched.ScheduleNext(ctx)
		metrics.ScheduleDecisions.WithLabelValues(string(res.Status)).Inc()
		if res.Status != scheduler.StatusScheduled {
			return
		}
		for _, st := range res.Tasks {
			l.onScheduled(ctx, st)
		}
	}
}

// rebuildQueue refreshes the in-memory queue from the canonical store rows.
func (l *MainLoop) rebuildQueue(ctx context.Context) {
	var tasks []*agent.Task
	err := l.dbCall(func() error {
		var err error
		tasks, err = l.store.GetQueuedTasks(ctx)
		return err
	})
	if err != nil {
		l.logger.Error("Failed to load queued tasks", "error", err)
		return
	}
	queued := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		queued[t.ID] = struct{}{}
		l.sched.AddTask(t)
	}
	// Entries no longer queued in the store (cancelled, completed elsewhere)
	// must not linger in the heap.
	for _, t := range l.sched.QueueSnapshot() {
		if _, ok := queued[t.ID]; !ok {
			l.sched.RemoveTask(t.ID)
		}
	}
	metrics.QueueDepth.Set(float64(l.sched.GetStats().Queued))
}

// onScheduled records a fresh session and persists the assignment.
func (l *MainLoop) onScheduled(ctx context.Context, st scheduler.ScheduledTask) {
	l.mu.Lock()
	l.active[st.SessionID] = ActiveAgent{
		SessionID: st.SessionID,
		TaskID:    st.TaskID,
		Model:     st.Model,
		Status:    string(agent.SessionRunning),
		StartedAt: time.Now(),
	}
	l.mu.Unlock()

	if err := l.dbCall(func() error {
		return l.store.AssignAgent(ctx, st.TaskID, st.SessionID)
	}); err != nil {
		l.logger.Error("Failed to persist agent assignment",
			"task_id", st.TaskID, "session_id", st.SessionID, "error", err)
	}
}

// maintenance reconciles capacity against the runtime on its own cadence.
func (l *MainLoop) maintenance(ctx context.Context) {
	if l.cfg.MaintenanceInterval <= 0 || time.Since(l.lastMaintenance) < l.cfg.MaintenanceInterval {
		return
	}
	l.lastMaintenance = time.Now()

	live, err := l.runtime.ActiveSessions(ctx)
	if err != nil {
		l.logger.Warn("Capacity reconciliation skipped: runtime unavailable", "error", err)
		return
	}
	l.sched.SyncCapacity(live)

	liveIDs := make(map[string]struct{}, len(live))
	for _, s := range live {
		liveIDs[s.ID] = struct{}{}
	}
	l.mu.Lock()
	for id := range l.active {
		if _, ok := liveIDs[id]; !ok {
			l.logger.Warn("Dropping dead session from active set", "session_id", id)
			delete(l.active, id)
		}
	}
	l.mu.Unlock()
}

// statusCheckIn emits a periodic operator summary when configured.
func (l *MainLoop) statusCheckIn() {
	if l.cfg.StatusCheckInInterval <= 0 || time.Since(l.lastCheckIn) < l.cfg.StatusCheckInInterval {
		return
	}
	l.lastCheckIn = time.Now()

	stats := l.sched.GetStats()
	l.logger.Info("Status check-in",
		"queued", stats.Queued, "active_agents", l.activeCount(),
		"spend_usd", l.breaker.GetStatus().TotalSpendUSD)
	l.notifier.Enqueue(notify.Notification{
		Type:     notify.TypeCompletion,
		Message:  statusSummary(stats, l.activeCount()),
		Priority: notify.PriorityNormal,
	})
}

// HandleAgentEvent is the event pipeline entry point. Events for one agent
// are applied serially in arrival order; distinct agents do not contend.
func (l *MainLoop) HandleAgentEvent(ev agent.Event) {
	start := time.Now()
	defer func() {
		metrics.EventPipelineDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.AgentEvents.WithLabelValues(string(ev.Type)).Inc()

	mu := l.lockForAgent(ev.AgentID)
	mu.Lock()
	defer mu.Unlock()

	ctx := context.Background()
	switch ev.Type {
	case agent.EventCompletion:
		l.onCompletion(ctx, ev)
	case agent.EventError:
		l.onError(ctx, ev)
	case agent.EventBlocker:
		l.onBlocker(ctx, ev)
	case agent.EventQuestion:
		l.onQuestion(ev)
	case agent.EventSubagentSpawn:
		l.logger.Info("Subagent spawned",
			"agent_id", ev.AgentID, "task_id", ev.TaskID)
	default:
		l.logger.Warn("Unknown agent event", "type", ev.Type, "agent_id", ev.AgentID)
	}

	l.dispatcher.Dispatch(ev)
	metrics.TotalSpendUSD.Set(l.breaker.GetStatus().TotalSpendUSD)
}

func (l *MainLoop) onCompletion(ctx context.Context, ev agent.Event) {
	a, tracked := l.dropActive(ev.AgentID)
	if tracked {
		l.sched.ReleaseCapacity(a.Model, a.SessionID)
	}

	if err := l.dbCall(func() error {
		return l.store.UpdateTaskStatus(ctx, ev.TaskID, agent.TaskStatusComplete)
	}); err != nil {
		l.logger.Error("Failed to mark task complete", "task_id", ev.TaskID, "error", err)
	}
	l.recordEventUsage(ctx, ev, a.Model)

	l.breaker.RecordSuccess(ev.AgentID, breaker.Outcome{
		TokensUsed:          ev.TokensUsed,
		CostUSD:             ev.CostUSD,
		HasMeaningfulOutput: ev.HasMeaningfulOutput,
	})

	l.notifier.Enqueue(notify.Notification{
		Type:     notify.TypeCompletion,
		AgentID:  ev.AgentID,
		TaskID:   ev.TaskID,
		Message:  ev.Summary,
		Priority: notify.PriorityNormal,
	})
	l.logger.Info("Task completed",
		"task_id", ev.TaskID, "agent_id", ev.AgentID,
		"tokens", ev.TokensUsed, "cost_usd", ev.CostUSD)
}

func (l *MainLoop) onError(ctx context.Context, ev agent.Event) {
	a, tracked := l.dropActive(ev.AgentID)
	if tracked {
		l.sched.ReleaseCapacity(a.Model, a.SessionID)
	}

	// Fatal errors park the task as blocked; everything else requeues it.
	status := agent.TaskStatusQueued
	if ev.Fatal {
		status = agent.TaskStatusBlocked
	}
	if err := l.dbCall(func() error {
		if err := l.store.UnassignAgent(ctx, ev.TaskID); err != nil {
			return err
		}
		return l.store.UpdateTaskStatus(ctx, ev.TaskID, status)
	}); err != nil {
		l.logger.Error("Failed to reset task after agent error",
			"task_id", ev.TaskID, "error", err)
	}
	l.recordEventUsage(ctx, ev, a.Model)

	l.breaker.RecordError(ev.AgentID, agentError(ev), breaker.Outcome{
		TokensUsed: ev.TokensUsed,
		CostUSD:    ev.CostUSD,
	})
	l.logger.Error("Agent reported error",
		"task_id", ev.TaskID, "agent_id", ev.AgentID,
		"fatal", ev.Fatal, "error", ev.Err)
}

func (l *MainLoop) onBlocker(ctx context.Context, ev agent.Event) {
	// The session stays alive waiting on the blocking task; capacity is kept.
	if err := l.dbCall(func() error {
		return l.store.SetTaskBlocked(ctx, ev.TaskID, ev.BlockedByTaskID)
	}); err != nil {
		l.logger.Error("Failed to mark task blocked", "task_id", ev.TaskID, "error", err)
	}

	l.notifier.Enqueue(notify.Notification{
		Type:     notify.TypeBlocker,
		AgentID:  ev.AgentID,
		TaskID:   ev.TaskID,
		Message:  ev.Summary,
		Priority: notify.PriorityHigh,
	})
	l.logger.Warn("Task blocked",
		"task_id", ev.TaskID, "blocked_by", ev.BlockedByTaskID, "agent_id", ev.AgentID)
}

func (l *MainLoop) onQuestion(ev agent.Event) {
	l.notifier.Enqueue(notify.Notification{
		Type:     notify.TypeQuestion,
		AgentID:  ev.AgentID,
		TaskID:   ev.TaskID,
		Message:  ev.Summary,
		Priority: notify.PriorityNormal,
	})
	l.logger.Info("Agent asked a question", "agent_id", ev.AgentID, "task_id", ev.TaskID)
}

// Stop drains the loop: cancels the ticker, waits up to the graceful timeout
// for agents to finish, force-terminates stragglers, and persists state.
// Calling Stop while stopped is a no-op returning nil.
func (l *MainLoop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateRunning && l.state != StateStarting {
		state := l.state
		l.mu.Unlock()
		l.logger.Warn("Stop ignored: loop is not running", "state", state)
		return nil
	}
	l.state = StateStopping
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	deadline := time.Now().Add(l.cfg.GracefulShutdownTimeout)
	for l.activeCount() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		// Never sleep past the deadline; a short graceful timeout must
		// resolve within that timeout, not the poll granularity.
		select {
		case <-ctx.Done():
		case <-time.After(min(250*time.Millisecond, remaining)):
		}
	}

	for _, a := range l.activeSnapshot() {
		l.logger.Warn("Force-terminating session past graceful timeout",
			"session_id", a.SessionID, "task_id", a.TaskID)
		if err := l.runtime.TerminateSession(ctx, a.SessionID); err != nil {
			l.logger.Error("Failed to terminate session",
				"session_id", a.SessionID, "error", err)
		}
	}

	if err := saveStateFile(l.cfg.StateFilePath, l.activeSnapshot()); err != nil {
		l.logger.Error("Failed to persist state file",
			"path", l.cfg.StateFilePath, "error", err)
	}

	l.setState(StateStopped)
	l.logger.Info("Main loop stopped")
	return nil
}

// ResetCircuitBreaker closes the breaker on operator request.
func (l *MainLoop) ResetCircuitBreaker() {
	l.breaker.Reset()
	metrics.BreakerTripped.Set(0)
}

// GetCircuitBreaker exposes the breaker for operators and the API.
func (l *MainLoop) GetCircuitBreaker() *breaker.Breaker { return l.breaker }

// GetDatabaseHealthMonitor exposes the health monitor.
func (l *MainLoop) GetDatabaseHealthMonitor() *health.Monitor { return l.health }

// GetDispatcher exposes the event dispatcher.
func (l *MainLoop) GetDispatcher() *events.Dispatcher { return l.dispatcher }

// GetStatus returns the operator snapshot served by the API.
func (l *MainLoop) GetStatus() Status {
	return Status{
		State:        l.State(),
		ActiveAgents: l.activeSnapshot(),
		Scheduler:    l.sched.GetStats(),
		Breaker:      l.breaker.GetStatus(),
		Database:     l.health.GetStats(),
	}
}

// dbCall runs one store operation and feeds the result to the health monitor.
func (l *MainLoop) dbCall(fn func() error) error {
	err := fn()
	if err != nil {
		l.health.OnDBFailure(err)
		return err
	}
	l.health.OnDBSuccess()
	return nil
}

// recordEventUsage persists the event's token/session accounting. The tier
// comes from the active-set record; events from untracked sessions have no
// tier to attribute the usage to and are skipped rather than misbooked.
func (l *MainLoop) recordEventUsage(ctx context.Context, ev agent.Event, tier agent.ModelTier) {
	if ev.TaskID == "" {
		return
	}
	usage := store.Usage{}
	switch tier {
	case agent.TierOpus:
		usage.TokensOpus = ev.TokensUsed
		usage.SessionsOpus = 1
	case agent.TierSonnet:
		usage.TokensSonnet = ev.TokensUsed
		usage.SessionsSonnet = 1
	default:
		l.logger.Warn("Skipping usage for untracked session",
			"agent_id", ev.AgentID, "task_id", ev.TaskID, "tokens", ev.TokensUsed)
		return
	}
	if err := l.dbCall(func() error {
		return l.store.RecordUsage(ctx, ev.TaskID, usage)
	}); err != nil {
		l.logger.Error("Failed to record usage", "task_id", ev.TaskID, "error", err)
	}
}

func (l *MainLoop) publishGauges() {
	for tier, st := range l.sched.GetStats().Capacity {
		metrics.CapacityUtilization.WithLabelValues(string(tier)).Set(st.Utilization)
		metrics.ActiveSessions.WithLabelValues(string(tier)).Set(float64(st.Current))
	}
}

func (l *MainLoop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *MainLoop) activeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *MainLoop) activeSnapshot() []ActiveAgent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ActiveAgent, 0, len(l.active))
	for _, a := range l.active {
		out = append(out, a)
	}
	return out
}

// dropActive removes and returns the session's active record.
func (l *MainLoop) dropActive(sessionID string) (ActiveAgent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.active[sessionID]
	if ok {
		delete(l.active, sessionID)
	}
	return a, ok
}

func (l *MainLoop) lockForAgent(agentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return &l.agentMu[h.Sum32()%agentLockShards]
}

func statusSummary(stats scheduler.Stats, active int) string {
	return fmt.Sprintf("status: %d queued, %d active agents", stats.Queued, active)
}

func agentError(ev agent.Event) error {
	if ev.Err == "" {
		return errors.New("agent reported an unspecified error")
	}
	return errors.New(ev.Err)
}
