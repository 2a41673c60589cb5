package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/agent"
)

// MemoryStore is an in-memory Store used by tests and by `drover config
// validate` dry runs. Behavior mirrors PostgresStore, including
// ErrTaskNotFound on missing ids.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*agent.Task
	projects map[string]*Project

	// PingErr, when set, is returned by Ping; lets tests simulate outages.
	PingErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*agent.Task),
		projects: make(map[string]*Project),
	}
}

// Ping returns PingErr.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// SetPingErr sets the error Ping returns.
func (s *MemoryStore) SetPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingErr = err
}

// GetQueuedTasks lists queued tasks in scheduling order.
func (s *MemoryStore) GetQueuedTasks(ctx context.Context) ([]*agent.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*agent.Task
	for _, t := range s.tasks {
		if t.Status == agent.TaskStatusQueued {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// CreateTask inserts a task.
func (s *MemoryStore) CreateTask(ctx context.Context, t *agent.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[cp.ID] = &cp
	return nil
}

// GetTask fetches a task copy.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*agent.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTasks lists task copies, optionally scoped to a project.
func (s *MemoryStore) ListTasks(ctx context.Context, projectID string) ([]*agent.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*agent.Task
	for _, t := range s.tasks {
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// UpdateTaskStatus sets the status and lifecycle timestamps.
func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, id string, status agent.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	switch status {
	case agent.TaskStatusInProgress:
		if t.StartedAt.IsZero() {
			t.StartedAt = t.UpdatedAt
		}
	case agent.TaskStatusComplete:
		t.CompletedAt = t.UpdatedAt
	}
	return nil
}

// SetTaskBlocked marks the task blocked.
func (s *MemoryStore) SetTaskBlocked(ctx context.Context, id, blockedByID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = agent.TaskStatusBlocked
	t.BlockedByID = blockedByID
	t.UpdatedAt = time.Now()
	return nil
}

// RecordUsage adds the delta to the task counters.
func (s *MemoryStore) RecordUsage(ctx context.Context, id string, usage Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.ActualTokensOpus += usage.TokensOpus
	t.ActualTokensSonnet += usage.TokensSonnet
	t.ActualSessionsOpus += usage.SessionsOpus
	t.ActualSessionsSonnet += usage.SessionsSonnet
	t.UpdatedAt = time.Now()
	return nil
}

// AssignAgent binds a session id to the task.
func (s *MemoryStore) AssignAgent(ctx context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.AssignedAgent = sessionID
	t.Status = agent.TaskStatusAssigned
	t.UpdatedAt = time.Now()
	return nil
}

// UnassignAgent clears the task's agent binding.
func (s *MemoryStore) UnassignAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.AssignedAgent = ""
	t.UpdatedAt = time.Now()
	return nil
}

// AddProject registers a project (test helper; Postgres seeds via SQL).
func (s *MemoryStore) AddProject(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.projects[p.ID] = &cp
}

// ListActiveProjects lists unpaused projects.
func (s *MemoryStore) ListActiveProjects(ctx context.Context) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Project
	for _, p := range s.projects {
		if !p.Paused {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetProjectPaused pauses or resumes a project.
func (s *MemoryStore) SetProjectPaused(ctx context.Context, id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[id]; ok {
		p.Paused = paused
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}
