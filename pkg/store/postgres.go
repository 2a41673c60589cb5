package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/droverhq/drover/pkg/agent"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// DSN renders the pgx connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	return Config{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "drover"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "drover"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxConns:        10,
		MinConns:        2,
		ConnMaxLifetime: 30 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, applies pending migrations, and returns the
// store.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(cfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping performs one health probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return dbErr("ping", s.pool.Ping(ctx))
}

const taskColumns = `
	id, project_id, priority, status, blocked_by_task_id, parent_task_id,
	tags, source, complexity, assigned_agent_id,
	estimated_sessions_opus, estimated_sessions_sonnet,
	actual_tokens_opus, actual_tokens_sonnet,
	actual_sessions_opus, actual_sessions_sonnet,
	created_at, updated_at, started_at, completed_at`

func scanTask(row pgx.Row) (*agent.Task, error) {
	var t agent.Task
	var blockedBy, parent, assigned *string
	var startedAt, completedAt *time.Time

	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Priority, &t.Status, &blockedBy, &parent,
		&t.Tags, &t.Source, &t.Complexity, &assigned,
		&t.EstimatedSessionsOpus, &t.EstimatedSessionsSonnet,
		&t.ActualTokensOpus, &t.ActualTokensSonnet,
		&t.ActualSessionsOpus, &t.ActualSessionsSonnet,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if blockedBy != nil {
		t.BlockedByID = *blockedBy
	}
	if parent != nil {
		t.ParentID = *parent
	}
	if assigned != nil {
		t.AssignedAgent = *assigned
	}
	if startedAt != nil {
		t.StartedAt = *startedAt
	}
	if completedAt != nil {
		t.CompletedAt = *completedAt
	}
	return &t, nil
}

// GetQueuedTasks lists queued tasks in scheduling order.
func (s *PostgresStore) GetQueuedTasks(ctx context.Context) ([]*agent.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks WHERE status = 'queued'
		ORDER BY priority DESC, created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, dbErr("get_queued_tasks", err)
	}
	defer rows.Close()

	var tasks []*agent.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, dbErr("get_queued_tasks", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, dbErr("get_queued_tasks", rows.Err())
}

// CreateTask inserts a new task row.
func (s *PostgresStore) CreateTask(ctx context.Context, t *agent.Task) error {
	query := `
		INSERT INTO tasks (
			id, project_id, priority, status, blocked_by_task_id, parent_task_id,
			tags, source, complexity,
			estimated_sessions_opus, estimated_sessions_sonnet,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,$10,$11,NOW(),NOW())`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.ProjectID, t.Priority, t.Status, t.BlockedByID, t.ParentID,
		t.Tags, t.Source, t.Complexity,
		t.EstimatedSessionsOpus, t.EstimatedSessionsSonnet,
	)
	return dbErr("create_task", err)
}

// GetTask fetches one task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*agent.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, dbErr("get_task", err)
	}
	return t, nil
}

// ListTasks lists tasks, optionally scoped to a project.
func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]*agent.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE ($1 = '' OR project_id = $1)
		ORDER BY priority DESC, created_at ASC`

	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, dbErr("list_tasks", err)
	}
	defer rows.Close()

	var tasks []*agent.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, dbErr("list_tasks", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, dbErr("list_tasks", rows.Err())
}

// UpdateTaskStatus sets the status and the matching lifecycle timestamp.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status agent.TaskStatus) error {
	query := `
		UPDATE tasks SET
			status = $2,
			updated_at = NOW(),
			started_at = CASE WHEN $2 = 'in_progress' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2 = 'complete' THEN NOW() ELSE completed_at END
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, status)
	if err != nil {
		return dbErr("update_task_status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetTaskBlocked moves the task to blocked and records the blocker.
func (s *PostgresStore) SetTaskBlocked(ctx context.Context, id, blockedByID string) error {
	query := `
		UPDATE tasks SET status = 'blocked', blocked_by_task_id = NULLIF($2,''), updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, blockedByID)
	if err != nil {
		return dbErr("set_task_blocked", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RecordUsage adds the delta to the monotonic usage counters.
func (s *PostgresStore) RecordUsage(ctx context.Context, id string, usage Usage) error {
	query := `
		UPDATE tasks SET
			actual_tokens_opus = actual_tokens_opus + $2,
			actual_tokens_sonnet = actual_tokens_sonnet + $3,
			actual_sessions_opus = actual_sessions_opus + $4,
			actual_sessions_sonnet = actual_sessions_sonnet + $5,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id,
		usage.TokensOpus, usage.TokensSonnet, usage.SessionsOpus, usage.SessionsSonnet)
	if err != nil {
		return dbErr("record_usage", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// AssignAgent binds a session to the task.
func (s *PostgresStore) AssignAgent(ctx context.Context, id, sessionID string) error {
	query := `
		UPDATE tasks SET assigned_agent_id = $2, status = 'assigned', updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, sessionID)
	if err != nil {
		return dbErr("assign_agent", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UnassignAgent clears the task's agent binding.
func (s *PostgresStore) UnassignAgent(ctx context.Context, id string) error {
	query := `UPDATE tasks SET assigned_agent_id = NULL, updated_at = NOW() WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return dbErr("unassign_agent", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListActiveProjects lists projects that are not paused.
func (s *PostgresStore) ListActiveProjects(ctx context.Context) ([]Project, error) {
	query := `SELECT id, name, paused, created_at FROM projects WHERE NOT paused ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, dbErr("list_active_projects", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Paused, &p.CreatedAt); err != nil {
			return nil, dbErr("list_active_projects", err)
		}
		projects = append(projects, p)
	}
	return projects, dbErr("list_active_projects", rows.Err())
}

// SetProjectPaused pauses or resumes a project.
func (s *PostgresStore) SetProjectPaused(ctx context.Context, id string, paused bool) error {
	query := `UPDATE projects SET paused = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, paused)
	return dbErr("set_project_paused", err)
}
