// Package store is the persistence boundary. The orchestrator core depends
// on the Store interface only; production wires the pgx-backed
// PostgresStore, tests wire MemoryStore.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/droverhq/drover/pkg/agent"
)

// ErrTaskNotFound indicates the task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// DatabaseError tags a failed store call with the operation that failed.
// The main loop feeds these to the health monitor.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Err: err}
}

// Usage is the per-task accounting delta recorded after a session finishes.
type Usage struct {
	TokensOpus     int64
	TokensSonnet   int64
	SessionsOpus   int
	SessionsSonnet int
}

// Project is a row from the projects table.
type Project struct {
	ID        string
	Name      string
	Paused    bool
	CreatedAt time.Time
}

// Store is the repository surface the core depends on.
type Store interface {
	// Ping performs one health probe.
	Ping(ctx context.Context) error

	// GetQueuedTasks lists tasks in status queued, ordered by priority DESC,
	// created_at ASC; used to rebuild the in-memory queue on startup.
	GetQueuedTasks(ctx context.Context) ([]*agent.Task, error)

	// CreateTask inserts a new task.
	CreateTask(ctx context.Context, task *agent.Task) error

	// GetTask fetches one task. Returns ErrTaskNotFound when absent.
	GetTask(ctx context.Context, id string) (*agent.Task, error)

	// ListTasks lists tasks for a project; empty projectID means all.
	ListTasks(ctx context.Context, projectID string) ([]*agent.Task, error)

	// UpdateTaskStatus sets a task's status and bumps updated_at. Completing
	// also stamps completed_at; moving to in_progress stamps started_at.
	UpdateTaskStatus(ctx context.Context, id string, status agent.TaskStatus) error

	// SetTaskBlocked marks a task blocked by another task.
	SetTaskBlocked(ctx context.Context, id, blockedByID string) error

	// RecordUsage adds the delta to the task's monotonic usage counters.
	RecordUsage(ctx context.Context, id string, usage Usage) error

	// AssignAgent binds a session id to the task and moves it to assigned.
	AssignAgent(ctx context.Context, id, sessionID string) error

	// UnassignAgent clears the task's agent binding.
	UnassignAgent(ctx context.Context, id string) error

	// ListActiveProjects lists projects that are not paused.
	ListActiveProjects(ctx context.Context) ([]Project, error)

	// SetProjectPaused pauses or resumes a project.
	SetProjectPaused(ctx context.Context, id string, paused bool) error

	// Close releases the underlying connections.
	Close()
}
