package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/breaker"
	"github.com/droverhq/drover/pkg/capacity"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/loop"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/store"
)

// noopRuntime satisfies agent.Runtime for endpoints that never spawn.
type noopRuntime struct{}

func (noopRuntime) SpawnAgent(ctx context.Context, task *agent.Task, tier agent.ModelTier) (string, error) {
	return "", errors.New("not implemented")
}
func (noopRuntime) TerminateSession(ctx context.Context, sessionID string) error { return nil }
func (noopRuntime) InjectMessage(ctx context.Context, sessionID, text string) error { return nil }
func (noopRuntime) ActiveSessions(ctx context.Context) ([]agent.Session, error) {
	return nil, nil
}
func (noopRuntime) OnEvent(handler func(agent.Event)) {}

type apiFixture struct {
	router     *gin.Engine
	store      *store.MemoryStore
	breaker    *breaker.Breaker
	dispatcher *events.Dispatcher
	shutdowns  chan struct{}
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st := store.NewMemoryStore()
	brk := breaker.New(breaker.DefaultConfig(), nil)
	dispatcher := events.NewDispatcher(events.DefaultHistorySize)
	tracker := capacity.NewTracker(map[agent.ModelTier]int{
		agent.TierOpus:   1,
		agent.TierSonnet: 1,
	})
	sched := scheduler.New(queue.NewTaskQueue(), tracker, noopRuntime{}, nil)

	l := loop.New(config.DefaultLoopConfig(), loop.Deps{
		Store:      st,
		Runtime:    noopRuntime{},
		Scheduler:  sched,
		Breaker:    brk,
		Health:     health.NewMonitor(st, 3, nil),
		Dispatcher: dispatcher,
	})

	shutdowns := make(chan struct{}, 1)
	srv := NewServer(l, st, func() { shutdowns <- struct{}{} })
	return &apiFixture{
		router:     srv.Router(),
		store:      st,
		breaker:    brk,
		dispatcher: dispatcher,
		shutdowns:  shutdowns,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthzReportsStoreHealth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])

	f.store.SetPingErr(errors.New("connection refused"))
	w = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status loop.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, loop.StateStopped, status.State)
	assert.False(t, status.Breaker.Tripped)
}

func TestCreateAndListTasks(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		ProjectID:  "proj-1",
		Priority:   7,
		Complexity: "high",
		Tags:       []string{"backend"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id, _ := decodeBody(t, w)["id"].(string)
	require.NotEmpty(t, id)

	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 7, task.Priority)
	assert.Equal(t, agent.SourceUser, task.Source)

	w = f.do(t, http.MethodGet, "/api/v1/tasks?project_id=proj-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestCreateTaskRequiresProject(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"priority": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelTask(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodDelete, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	created := f.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{ProjectID: "proj-1"})
	require.Equal(t, http.StatusCreated, created.Code)
	id, _ := decodeBody(t, created)["id"].(string)

	w = f.do(t, http.MethodDelete, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, agent.TaskStatusComplete, task.Status)
}

func TestBreakerResetEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.breaker.Trip(breaker.ReasonManual, "operator stop", "")
	require.True(t, f.breaker.IsTripped())

	w := f.do(t, http.MethodPost, "/api/v1/breaker/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.breaker.IsTripped())
}

func TestEventHistoryEndpointFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.dispatcher.Dispatch(agent.Event{
		Type: agent.EventCompletion, AgentID: "a1", TaskID: "t1", Timestamp: time.Now(),
	})
	f.dispatcher.Dispatch(agent.Event{
		Type: agent.EventError, AgentID: "a2", TaskID: "t2", Timestamp: time.Now(),
	})

	w := f.do(t, http.MethodGet, "/api/v1/events?type=completion", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Events []agent.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "a1", body.Events[0].AgentID)
}

func TestProjectPauseResume(t *testing.T) {
	f := newAPIFixture(t)
	f.store.AddProject(store.Project{ID: "p1", Name: "alpha", CreatedAt: time.Now()})

	w := f.do(t, http.MethodPost, "/api/v1/projects/p1/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	projects, err := f.store.ListActiveProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, projects)

	w = f.do(t, http.MethodPost, "/api/v1/projects/p1/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	projects, err = f.store.ListActiveProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)

	w = f.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alpha")
}

func TestShutdownEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/shutdown", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-f.shutdowns:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was not invoked")
	}
}

func TestShutdownEndpointDisabled(t *testing.T) {
	st := store.NewMemoryStore()
	l := loop.New(config.DefaultLoopConfig(), loop.Deps{
		Store:      st,
		Runtime:    noopRuntime{},
		Scheduler:  scheduler.New(queue.NewTaskQueue(), capacity.NewTracker(nil), noopRuntime{}, nil),
		Breaker:    breaker.New(breaker.DefaultConfig(), nil),
		Health:     health.NewMonitor(st, 3, nil),
		Dispatcher: events.NewDispatcher(events.DefaultHistorySize),
	})
	srv := NewServer(l, st, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/shutdown", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "drover_queue_depth")
}
