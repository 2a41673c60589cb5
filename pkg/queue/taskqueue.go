// Package queue maintains the in-memory priority-ordered view of queued
// tasks. The database is canonical; the queue is rebuilt from it on startup
// and updated incrementally as the scheduler and event handlers run.
package queue

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/droverhq/drover/pkg/agent"
)

// Entry is a task projected into the queue together with its ordering
// metadata. Ordering key: (priority DESC, created_at ASC), ties broken by
// insertion sequence so the order is a strict total order.
type Entry struct {
	Task *agent.Task

	seq   uint64 // insertion sequence, for deterministic ties
	index int    // heap index, maintained by entryHeap
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Task.Priority != b.Task.Priority {
		return a.Task.Priority > b.Task.Priority
	}
	if !a.Task.CreatedAt.Equal(b.Task.CreatedAt) {
		return a.Task.CreatedAt.Before(b.Task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TaskQueue is a thread-safe priority queue with at most one entry per task
// id. All operations are O(log n) except ordered scans, which cost O(k log n)
// for k skipped entries.
type TaskQueue struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[string]*Entry
	nextSeq uint64
}

// NewTaskQueue creates an empty task queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		byID: make(map[string]*Entry),
	}
}

// Enqueue inserts the task, or replaces the existing entry in place when the
// task id is already present. Duplicate enqueues are not an error.
func (q *TaskQueue) Enqueue(task *agent.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.byID[task.ID]; ok {
		e.Task = task
		heap.Fix(&q.heap, e.index)
		return
	}

	e := &Entry{Task: task, seq: q.nextSeq}
	q.nextSeq++
	q.byID[task.ID] = e
	heap.Push(&q.heap, e)
}

// Remove deletes the entry for taskID if present. Idempotent.
func (q *TaskQueue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[taskID]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, taskID)
}

// Dequeue removes and returns the highest-priority task, or nil when empty.
func (q *TaskQueue) Dequeue() *agent.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	e := heap.Pop(&q.heap).(*Entry)
	delete(q.byID, e.Task.ID)
	return e.Task
}

// Peek returns the highest-priority task without removing it, or nil when
// empty.
func (q *TaskQueue) Peek() *agent.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].Task
}

// NextMatching returns the highest-priority task satisfying the predicate
// without removing it, or nil if none matches. Entries are examined in queue
// order; non-matching entries are skipped and restored.
func (q *TaskQueue) NextMatching(match func(*agent.Task) bool) *agent.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*Entry
	var found *agent.Task
	for len(q.heap) > 0 {
		e := heap.Pop(&q.heap).(*Entry)
		if match(e.Task) {
			found = e.Task
			skipped = append(skipped, e)
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(&q.heap, e)
	}
	return found
}

// Contains reports whether an entry exists for taskID.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[taskID]
	return ok
}

// Size returns the number of queued entries.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// IsEmpty reports whether the queue has no entries.
func (q *TaskQueue) IsEmpty() bool {
	return q.Size() == 0
}

// Snapshot returns the queued tasks in queue order. For diagnostics; the
// returned slice is a copy.
func (q *TaskQueue) Snapshot() []*agent.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Sort a copy; heap ops on shared entries would clobber their indices.
	tmp := make([]*Entry, len(q.heap))
	copy(tmp, q.heap)
	sort.Slice(tmp, func(i, j int) bool {
		a, b := tmp[i], tmp[j]
		if a.Task.Priority != b.Task.Priority {
			return a.Task.Priority > b.Task.Priority
		}
		if !a.Task.CreatedAt.Equal(b.Task.CreatedAt) {
			return a.Task.CreatedAt.Before(b.Task.CreatedAt)
		}
		return a.seq < b.seq
	})
	tasks := make([]*agent.Task, len(tmp))
	for i, e := range tmp {
		tasks[i] = e.Task
	}
	return tasks
}
