// Package events implements the typed pub/sub channel between the agent
// runtime and the main loop. Handlers for one event run in parallel with
// panics isolated; recent events are retained in a fixed ring for
// observability and late subscribers.
package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/agent"
)

// DefaultHistorySize is the ring capacity when none is given.
const DefaultHistorySize = 100

// Handler consumes one event. Handlers must not assume any ordering relative
// to other handlers of the same event.
type Handler func(agent.Event)

// TimeoutError reports a WaitFor that expired before a matching event.
type TimeoutError struct {
	Type    agent.EventType
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s event", e.Timeout, e.Type)
}

type subscription struct {
	id      string
	kind    agent.EventType
	global  bool
	once    bool
	handler Handler
}

type waiter struct {
	kind agent.EventType
	pred func(agent.Event) bool
	ch   chan agent.Event
}

// Dispatcher routes events to subscribed handlers and keeps a bounded
// history. Safe for concurrent use.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[agent.EventType][]*subscription
	global   []*subscription
	waiters  map[string]*waiter
	history  *ring

	logger *slog.Logger
}

// NewDispatcher creates a dispatcher with the given history capacity
// (<=0 selects DefaultHistorySize).
func NewDispatcher(historySize int) *Dispatcher {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Dispatcher{
		handlers: make(map[agent.EventType][]*subscription),
		waiters:  make(map[string]*waiter),
		history:  newRing(historySize),
		logger:   slog.Default().With("component", "events"),
	}
}

// On registers a handler for one event type and returns its subscription id.
func (d *Dispatcher) On(kind agent.EventType, h Handler) string {
	return d.subscribe(kind, h, false, false)
}

// Once registers a handler removed after its first delivery.
func (d *Dispatcher) Once(kind agent.EventType, h Handler) string {
	return d.subscribe(kind, h, false, true)
}

// OnGlobal registers a handler invoked for every event type.
func (d *Dispatcher) OnGlobal(h Handler) string {
	return d.subscribe("", h, true, false)
}

func (d *Dispatcher) subscribe(kind agent.EventType, h Handler, global, once bool) string {
	sub := &subscription{
		id:      uuid.NewString(),
		kind:    kind,
		global:  global,
		once:    once,
		handler: h,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if global {
		d.global = append(d.global, sub)
	} else {
		d.handlers[kind] = append(d.handlers[kind], sub)
	}
	return sub.id
}

// Off removes a subscription by id. Unknown ids are ignored.
func (d *Dispatcher) Off(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for kind, subs := range d.handlers {
		if filtered, removed := dropSub(subs, id); removed {
			d.handlers[kind] = filtered
			return
		}
	}
	if filtered, removed := dropSub(d.global, id); removed {
		d.global = filtered
	}
}

// RemoveAllHandlers drops every subscription. History and waiters survive.
func (d *Dispatcher) RemoveAllHandlers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[agent.EventType][]*subscription)
	d.global = nil
}

// HandlerCount returns the number of handlers registered for kind, global
// handlers included.
func (d *Dispatcher) HandlerCount(kind agent.EventType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[kind]) + len(d.global)
}

// Dispatch records the event, wakes matching waiters, and runs every
// registered handler in parallel. It returns only after all handlers finish.
// A panicking handler is logged and isolated from the rest.
func (d *Dispatcher) Dispatch(ev agent.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	d.mu.Lock()
	d.history.add(ev)

	// Copy under the lock so handlers can Off themselves during delivery.
	subs := make([]*subscription, 0, len(d.handlers[ev.Type])+len(d.global))
	remaining := d.handlers[ev.Type][:0:0]
	for _, sub := range d.handlers[ev.Type] {
		subs = append(subs, sub)
		if !sub.once {
			remaining = append(remaining, sub)
		}
	}
	d.handlers[ev.Type] = remaining
	subs = append(subs, d.global...)

	for id, w := range d.waiters {
		if w.kind == ev.Type && (w.pred == nil || w.pred(ev)) {
			select {
			case w.ch <- ev:
			default:
			}
			delete(d.waiters, id)
		}
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Event handler panicked",
						"event_type", ev.Type, "agent_id", ev.AgentID,
						"panic", r, "stack", string(debug.Stack()))
				}
			}()
			sub.handler(ev)
		}(sub)
	}
	wg.Wait()
}

// DispatchBatch dispatches events one at a time in order.
func (d *Dispatcher) DispatchBatch(evs []agent.Event) {
	for _, ev := range evs {
		d.Dispatch(ev)
	}
}

// HistoryFilter narrows GetHistory results. Zero fields match everything.
type HistoryFilter struct {
	Type    agent.EventType
	AgentID string
	TaskID  string
}

// GetHistory returns retained events, oldest first, matching the filter
// (nil returns all).
func (d *Dispatcher) GetHistory(f *HistoryFilter) []agent.Event {
	d.mu.Lock()
	all := d.history.snapshot()
	d.mu.Unlock()

	if f == nil {
		return all
	}
	out := make([]agent.Event, 0, len(all))
	for _, ev := range all {
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.AgentID != "" && ev.AgentID != f.AgentID {
			continue
		}
		if f.TaskID != "" && ev.TaskID != f.TaskID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// WaitFor blocks until an event of kind matching pred (nil matches any) is
// dispatched, or the timeout elapses. On timeout it returns a *TimeoutError.
func (d *Dispatcher) WaitFor(kind agent.EventType, pred func(agent.Event) bool, timeout time.Duration) (agent.Event, error) {
	w := &waiter{kind: kind, pred: pred, ch: make(chan agent.Event, 1)}
	id := uuid.NewString()

	d.mu.Lock()
	d.waiters[id] = w
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		// A dispatch may have satisfied the waiter just as the timer fired.
		select {
		case ev := <-w.ch:
			return ev, nil
		default:
		}
		return agent.Event{}, &TimeoutError{Type: kind, Timeout: timeout}
	}
}

func dropSub(subs []*subscription, id string) ([]*subscription, bool) {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i], subs[i+1:]...), true
		}
	}
	return subs, false
}

// ring is a fixed-capacity event buffer. Callers hold the dispatcher mutex.
type ring struct {
	buf  []agent.Event
	next int
	fill int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]agent.Event, capacity)}
}

func (r *ring) add(ev agent.Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.fill < len(r.buf) {
		r.fill++
	}
}

// snapshot returns retained events oldest first.
func (r *ring) snapshot() []agent.Event {
	out := make([]agent.Event, 0, r.fill)
	start := r.next - r.fill
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.fill; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
