package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/agent"
)

func completionEvent(agentID, taskID string) agent.Event {
	return agent.Event{
		Type:      agent.EventCompletion,
		AgentID:   agentID,
		TaskID:    taskID,
		Timestamp: time.Now(),
	}
}

func TestOnDeliversMatchingTypeOnly(t *testing.T) {
	d := NewDispatcher(0)

	var completions, errors int32
	d.On(agent.EventCompletion, func(agent.Event) { atomic.AddInt32(&completions, 1) })
	d.On(agent.EventError, func(agent.Event) { atomic.AddInt32(&errors, 1) })

	d.Dispatch(completionEvent("a1", "t1"))
	d.Dispatch(completionEvent("a1", "t2"))

	assert.Equal(t, int32(2), atomic.LoadInt32(&completions))
	assert.Equal(t, int32(0), atomic.LoadInt32(&errors))
}

func TestOnceRunsExactlyOnce(t *testing.T) {
	d := NewDispatcher(0)

	var calls int32
	d.Once(agent.EventCompletion, func(agent.Event) { atomic.AddInt32(&calls, 1) })

	d.Dispatch(completionEvent("a1", "t1"))
	d.Dispatch(completionEvent("a1", "t2"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, d.HandlerCount(agent.EventCompletion))
}

func TestOnGlobalSeesEveryType(t *testing.T) {
	d := NewDispatcher(0)

	var calls int32
	d.OnGlobal(func(agent.Event) { atomic.AddInt32(&calls, 1) })

	d.Dispatch(agent.Event{Type: agent.EventCompletion})
	d.Dispatch(agent.Event{Type: agent.EventError})
	d.Dispatch(agent.Event{Type: agent.EventQuestion})

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOffRemovesSubscription(t *testing.T) {
	d := NewDispatcher(0)

	var calls int32
	id := d.On(agent.EventCompletion, func(agent.Event) { atomic.AddInt32(&calls, 1) })
	d.Off(id)
	d.Off("unknown-id")

	d.Dispatch(completionEvent("a1", "t1"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestHandlerCanUnsubscribeItself(t *testing.T) {
	d := NewDispatcher(0)

	var calls int32
	var id string
	id = d.On(agent.EventCompletion, func(agent.Event) {
		atomic.AddInt32(&calls, 1)
		d.Off(id)
	})

	d.Dispatch(completionEvent("a1", "t1"))
	d.Dispatch(completionEvent("a1", "t2"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRemoveAllHandlers(t *testing.T) {
	d := NewDispatcher(0)
	d.On(agent.EventCompletion, func(agent.Event) {})
	d.OnGlobal(func(agent.Event) {})
	require.Equal(t, 2, d.HandlerCount(agent.EventCompletion))

	d.RemoveAllHandlers()
	assert.Equal(t, 0, d.HandlerCount(agent.EventCompletion))
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	d := NewDispatcher(0)

	var survived int32
	d.On(agent.EventCompletion, func(agent.Event) { panic("boom") })
	d.On(agent.EventCompletion, func(agent.Event) { atomic.AddInt32(&survived, 1) })

	assert.NotPanics(t, func() {
		d.Dispatch(completionEvent("a1", "t1"))
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&survived))
}

func TestHandlersRunInParallel(t *testing.T) {
	d := NewDispatcher(0)

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	// Both handlers block until both have started; serial delivery would
	// deadlock here.
	handler := func(agent.Event) {
		wg.Done()
		<-gate
	}
	d.On(agent.EventCompletion, handler)
	d.On(agent.EventCompletion, handler)

	go func() {
		wg.Wait()
		close(gate)
	}()

	done := make(chan struct{})
	go func() {
		d.Dispatch(completionEvent("a1", "t1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not complete; handlers were not parallel")
	}
}

func TestHistoryFiltering(t *testing.T) {
	d := NewDispatcher(0)

	d.Dispatch(agent.Event{Type: agent.EventCompletion, AgentID: "a1", TaskID: "t1"})
	d.Dispatch(agent.Event{Type: agent.EventError, AgentID: "a1", TaskID: "t2"})
	d.Dispatch(agent.Event{Type: agent.EventCompletion, AgentID: "a2", TaskID: "t3"})

	assert.Len(t, d.GetHistory(nil), 3)
	assert.Len(t, d.GetHistory(&HistoryFilter{Type: agent.EventCompletion}), 2)
	assert.Len(t, d.GetHistory(&HistoryFilter{AgentID: "a1"}), 2)
	assert.Len(t, d.GetHistory(&HistoryFilter{TaskID: "t3"}), 1)
	assert.Len(t, d.GetHistory(&HistoryFilter{Type: agent.EventError, AgentID: "a2"}), 0)
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	d := NewDispatcher(3)

	for i := 0; i < 5; i++ {
		d.Dispatch(agent.Event{Type: agent.EventCompletion, TaskID: fmt.Sprintf("t%d", i)})
	}

	history := d.GetHistory(nil)
	require.Len(t, history, 3)
	assert.Equal(t, "t2", history[0].TaskID)
	assert.Equal(t, "t4", history[2].TaskID)
}

func TestDispatchBatchPreservesOrder(t *testing.T) {
	d := NewDispatcher(0)

	var order []string
	var mu sync.Mutex
	d.OnGlobal(func(ev agent.Event) {
		mu.Lock()
		order = append(order, ev.TaskID)
		mu.Unlock()
	})

	d.DispatchBatch([]agent.Event{
		{Type: agent.EventCompletion, TaskID: "t1"},
		{Type: agent.EventError, TaskID: "t2"},
		{Type: agent.EventCompletion, TaskID: "t3"},
	})

	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
}

func TestWaitForReceivesMatchingEvent(t *testing.T) {
	d := NewDispatcher(0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Dispatch(agent.Event{Type: agent.EventCompletion, AgentID: "other"})
		d.Dispatch(agent.Event{Type: agent.EventCompletion, AgentID: "wanted"})
	}()

	ev, err := d.WaitFor(agent.EventCompletion, func(ev agent.Event) bool {
		return ev.AgentID == "wanted"
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "wanted", ev.AgentID)
}

func TestWaitForTimesOutWithTypedError(t *testing.T) {
	d := NewDispatcher(0)

	_, err := d.WaitFor(agent.EventBlocker, nil, 30*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, agent.EventBlocker, timeoutErr.Type)
}
