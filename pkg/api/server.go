// Package api serves the orchestrator's operational HTTP surface: health,
// status, breaker control, task and project management, and Prometheus
// metrics. The CLI talks to this API; so do dashboards.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/loop"
	"github.com/droverhq/drover/pkg/store"
)

// Server is the operational HTTP API.
type Server struct {
	loop     *loop.MainLoop
	store    store.Store
	shutdown func() // requests process shutdown; nil disables the endpoint
	logger   *slog.Logger

	httpSrv *http.Server
}

// NewServer creates the API server around the main loop and the store.
// shutdown is invoked by POST /api/v1/shutdown; nil disables that endpoint.
func NewServer(l *loop.MainLoop, st store.Store, shutdown func()) *Server {
	return &Server{
		loop:     l,
		store:    st,
		shutdown: shutdown,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.status)
		v1.POST("/shutdown", s.requestShutdown)
		v1.POST("/breaker/reset", s.resetBreaker)
		v1.GET("/events", s.eventHistory)

		v1.GET("/tasks", s.listTasks)
		v1.POST("/tasks", s.createTask)
		v1.DELETE("/tasks/:id", s.cancelTask)

		v1.GET("/projects", s.listProjects)
		v1.POST("/projects/:id/pause", s.pauseProject(true))
		v1.POST("/projects/:id/resume", s.pauseProject(false))
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"state":  s.loop.State(),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.loop.GetStatus())
}

func (s *Server) requestShutdown(c *gin.Context) {
	if s.shutdown == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "shutdown not available"})
		return
	}
	s.logger.Info("Shutdown requested via API", "remote", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
	go s.shutdown()
}

func (s *Server) resetBreaker(c *gin.Context) {
	s.loop.ResetCircuitBreaker()
	s.logger.Info("Circuit breaker reset via API", "remote", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) eventHistory(c *gin.Context) {
	filter := &events.HistoryFilter{
		Type:    agent.EventType(c.Query("type")),
		AgentID: c.Query("agent_id"),
		TaskID:  c.Query("task_id"),
	}
	c.JSON(http.StatusOK, gin.H{
		"events": s.loop.GetDispatcher().GetHistory(filter),
	})
}

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	ProjectID               string   `json:"project_id" binding:"required"`
	Priority                int      `json:"priority"`
	Complexity              string   `json:"complexity"`
	Tags                    []string `json:"tags"`
	EstimatedSessionsOpus   int      `json:"estimated_sessions_opus"`
	EstimatedSessionsSonnet int      `json:"estimated_sessions_sonnet"`
}

func (s *Server) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Complexity == "" {
		req.Complexity = "medium"
	}

	task := &agent.Task{
		ID:                      uuid.NewString(),
		ProjectID:               req.ProjectID,
		Priority:                req.Priority,
		Status:                  agent.TaskStatusQueued,
		Tags:                    req.Tags,
		Source:                  agent.SourceUser,
		Complexity:              req.Complexity,
		EstimatedSessionsOpus:   req.EstimatedSessionsOpus,
		EstimatedSessionsSonnet: req.EstimatedSessionsSonnet,
		CreatedAt:               time.Now(),
	}
	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": task.ID})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.store.ListTasks(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")
	err := s.store.UpdateTaskStatus(c.Request.Context(), id, agent.TaskStatusComplete)
	if errors.Is(err, store.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.store.ListActiveProjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) pauseProject(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.store.SetProjectPaused(c.Request.Context(), id, paused); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "paused": paused})
	}
}
