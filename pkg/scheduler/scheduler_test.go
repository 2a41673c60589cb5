package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/capacity"
	"github.com/droverhq/drover/pkg/queue"
)

// fakeRuntime records spawns and hands out sequential session ids.
type fakeRuntime struct {
	mu       sync.Mutex
	spawned  []spawnCall
	spawnErr error
	nextID   int
	handler  func(agent.Event)
}

type spawnCall struct {
	taskID string
	tier   agent.ModelTier
}

func (r *fakeRuntime) SpawnAgent(ctx context.Context, task *agent.Task, tier agent.ModelTier) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawnErr != nil {
		return "", r.spawnErr
	}
	r.nextID++
	r.spawned = append(r.spawned, spawnCall{taskID: task.ID, tier: tier})
	return fmt.Sprintf("sess-%d", r.nextID), nil
}

func (r *fakeRuntime) TerminateSession(ctx context.Context, sessionID string) error { return nil }
func (r *fakeRuntime) InjectMessage(ctx context.Context, sessionID, text string) error {
	return nil
}
func (r *fakeRuntime) ActiveSessions(ctx context.Context) ([]agent.Session, error) {
	return nil, nil
}
func (r *fakeRuntime) OnEvent(handler func(agent.Event)) { r.handler = handler }

func (r *fakeRuntime) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawned)
}

type fixture struct {
	queue   *queue.TaskQueue
	tracker *capacity.Tracker
	runtime *fakeRuntime
	sched   *Scheduler

	failMu   sync.Mutex
	failures []string
}

func newFixture(opusLimit, sonnetLimit int) *fixture {
	f := &fixture{
		queue: queue.NewTaskQueue(),
		tracker: capacity.NewTracker(map[agent.ModelTier]int{
			agent.TierOpus:   opusLimit,
			agent.TierSonnet: sonnetLimit,
		}),
		runtime: &fakeRuntime{},
	}
	f.sched = New(f.queue, f.tracker, f.runtime, func(taskID string, err error) {
		f.failMu.Lock()
		defer f.failMu.Unlock()
		f.failures = append(f.failures, taskID)
	})
	return f
}

func opusTask(id string, priority int) *agent.Task {
	return &agent.Task{
		ID:                    id,
		Priority:              priority,
		Status:                agent.TaskStatusQueued,
		Complexity:            "high",
		EstimatedSessionsOpus: 1,
		CreatedAt:             time.Now(),
	}
}

func sonnetTask(id string, priority int) *agent.Task {
	return &agent.Task{
		ID:         id,
		Priority:   priority,
		Status:     agent.TaskStatusQueued,
		Complexity: "medium",
		CreatedAt:  time.Now(),
	}
}

func TestScheduleNextIdleOnEmptyQueue(t *testing.T) {
	f := newFixture(1, 1)
	res := f.sched.ScheduleNext(context.Background())
	assert.Equal(t, StatusIdle, res.Status)
	assert.Empty(t, res.Tasks)
}

func TestScheduleNextPicksOpusForComplexTask(t *testing.T) {
	f := newFixture(1, 1)
	f.sched.AddTask(opusTask("t1", 5))

	res := f.sched.ScheduleNext(context.Background())
	require.Equal(t, StatusScheduled, res.Status)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, agent.TierOpus, res.Tasks[0].Model)
	assert.Equal(t, "sess-1", res.Tasks[0].SessionID)

	// The real session id holds the slot, the task left the queue.
	_, tracked := f.tracker.TrackedSessions(agent.TierOpus)["sess-1"]
	assert.True(t, tracked)
	assert.False(t, f.queue.Contains("t1"))
}

func TestScheduleNextDefaultsToSonnet(t *testing.T) {
	f := newFixture(1, 1)
	f.sched.AddTask(sonnetTask("t1", 5))

	res := f.sched.ScheduleNext(context.Background())
	require.Equal(t, StatusScheduled, res.Status)
	assert.Equal(t, agent.TierSonnet, res.Tasks[0].Model)
}

func TestOpusEstimateWithoutComplexityUsesSonnet(t *testing.T) {
	f := newFixture(1, 1)
	task := sonnetTask("t1", 5)
	task.EstimatedSessionsOpus = 2 // estimation alone does not qualify for opus
	f.sched.AddTask(task)

	res := f.sched.ScheduleNext(context.Background())
	require.Equal(t, StatusScheduled, res.Status)
	assert.Equal(t, agent.TierSonnet, res.Tasks[0].Model)
}

func TestSonnetFullFallsBackToOpus(t *testing.T) {
	f := newFixture(1, 1)
	require.True(t, f.tracker.Reserve(agent.TierSonnet, "busy"))

	f.sched.AddTask(sonnetTask("t1", 5))
	res := f.sched.ScheduleNext(context.Background())
	require.Equal(t, StatusScheduled, res.Status)
	assert.Equal(t, agent.TierOpus, res.Tasks[0].Model)
}

func TestOpusFullRoutesComplexTaskToSonnet(t *testing.T) {
	f := newFixture(1, 1)
	require.True(t, f.tracker.Reserve(agent.TierOpus, "busy"))

	f.sched.AddTask(opusTask("t1", 5))
	res := f.sched.ScheduleNext(context.Background())
	require.Equal(t, StatusScheduled, res.Status)
	assert.Equal(t, agent.TierSonnet, res.Tasks[0].Model)
}

func TestNoCapacityLeavesTaskQueued(t *testing.T) {
	f := newFixture(1, 1)
	require.True(t, f.tracker.Reserve(agent.TierOpus, "busy1"))
	require.True(t, f.tracker.Reserve(agent.TierSonnet, "busy2"))

	f.sched.AddTask(sonnetTask("t1", 5))
	res := f.sched.ScheduleNext(context.Background())
	assert.Equal(t, StatusNoCapacity, res.Status)
	assert.True(t, f.queue.Contains("t1"))
	assert.Equal(t, 0, f.runtime.spawnCount())
}

func TestSpawnFailureReleasesCapacityAndReports(t *testing.T) {
	f := newFixture(1, 1)
	f.runtime.spawnErr = errors.New("runtime at capacity")

	f.sched.AddTask(sonnetTask("t1", 5))
	res := f.sched.ScheduleNext(context.Background())

	require.Equal(t, StatusError, res.Status)
	var spawnErr *agent.SpawnError
	require.ErrorAs(t, res.Err, &spawnErr)
	assert.Equal(t, "t1", spawnErr.TaskID)

	// Capacity was rolled back, the task stays queued, the failure reported.
	assert.Equal(t, 0, f.tracker.Count(agent.TierSonnet))
	assert.True(t, f.queue.Contains("t1"))
	assert.Equal(t, []string{"t1"}, f.failures)
}

func TestScheduleAllDrainsUntilNoCapacity(t *testing.T) {
	f := newFixture(1, 2)
	f.sched.AddTask(opusTask("complex", 10))
	f.sched.AddTask(sonnetTask("routine-1", 5))
	f.sched.AddTask(sonnetTask("routine-2", 4))
	f.sched.AddTask(sonnetTask("routine-3", 3))

	res := f.sched.ScheduleAll(context.Background())

	// 1 opus + 2 sonnet slots; the fourth task hits no capacity.
	assert.Equal(t, StatusNoCapacity, res.Status)
	require.Len(t, res.Tasks, 3)
	assert.Equal(t, "complex", res.Tasks[0].TaskID)
	assert.Equal(t, agent.TierOpus, res.Tasks[0].Model)
	assert.Equal(t, 1, f.queue.Size())
	assert.True(t, f.queue.Contains("routine-3"))
}

func TestScheduleAllStopsOnIdle(t *testing.T) {
	f := newFixture(2, 2)
	f.sched.AddTask(sonnetTask("t1", 5))

	res := f.sched.ScheduleAll(context.Background())
	assert.Equal(t, StatusIdle, res.Status)
	assert.Len(t, res.Tasks, 1)
}

func TestHighestPriorityScheduledFirst(t *testing.T) {
	f := newFixture(0, 3)
	f.sched.AddTask(sonnetTask("low", 1))
	f.sched.AddTask(sonnetTask("high", 9))
	f.sched.AddTask(sonnetTask("mid", 5))

	res := f.sched.ScheduleAll(context.Background())
	require.Len(t, res.Tasks, 3)
	assert.Equal(t, "high", res.Tasks[0].TaskID)
	assert.Equal(t, "mid", res.Tasks[1].TaskID)
	assert.Equal(t, "low", res.Tasks[2].TaskID)
}

func TestNextForTier(t *testing.T) {
	f := newFixture(1, 1)
	f.sched.AddTask(opusTask("complex", 10))
	f.sched.AddTask(sonnetTask("routine", 5))

	got := f.sched.NextForTier(agent.TierSonnet)
	require.NotNil(t, got)
	assert.Equal(t, "routine", got.ID)

	got = f.sched.NextForTier(agent.TierOpus)
	require.NotNil(t, got)
	assert.Equal(t, "complex", got.ID)

	// A full tier offers nothing.
	require.True(t, f.tracker.Reserve(agent.TierOpus, "busy"))
	assert.Nil(t, f.sched.NextForTier(agent.TierOpus))
}

func TestConcurrentScheduleNextNeverDoubleSchedules(t *testing.T) {
	f := newFixture(2, 2)
	for i := 0; i < 4; i++ {
		f.sched.AddTask(sonnetTask(fmt.Sprintf("t%d", i), i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sched.ScheduleNext(context.Background())
		}()
	}
	wg.Wait()

	// 4 total slots; exactly 4 spawns, each task at most once.
	assert.Equal(t, 4, f.runtime.spawnCount())
	seen := make(map[string]bool)
	for _, call := range f.runtime.spawned {
		assert.False(t, seen[call.taskID], "task %s scheduled twice", call.taskID)
		seen[call.taskID] = true
	}
}

func TestGetStats(t *testing.T) {
	f := newFixture(2, 2)
	f.sched.AddTask(sonnetTask("t1", 1))

	stats := f.sched.GetStats()
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 2, stats.Capacity[agent.TierOpus].Limit)
}
