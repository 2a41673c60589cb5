// Package runtime provides the HTTP adapter to the external agent runtime
// service. The orchestrator core only sees the agent.Runtime interface; this
// package handles the wire format and the event poll loop.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/agent"
)

// defaultPollInterval is how often the event poll loop asks for new events.
const defaultPollInterval = time.Second

// Client implements agent.Runtime over the runtime service's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client

	mu       sync.Mutex
	handlers []func(agent.Event)
	afterSeq uint64

	stopCh   chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

// NewClient creates a runtime client for the given base URL, e.g.
// "http://localhost:9090".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		stopCh:  make(chan struct{}),
		logger:  slog.Default().With("component", "runtime-client"),
	}
}

type spawnRequest struct {
	TaskID     string          `json:"task_id"`
	ProjectID  string          `json:"project_id"`
	Tier       agent.ModelTier `json:"tier"`
	Priority   int             `json:"priority"`
	Complexity string          `json:"complexity"`
	Tags       []string        `json:"tags,omitempty"`
}

type spawnResponse struct {
	SessionID string `json:"session_id"`
}

// SpawnAgent starts a session for the task on the given tier.
func (c *Client) SpawnAgent(ctx context.Context, task *agent.Task, tier agent.ModelTier) (string, error) {
	req := spawnRequest{
		TaskID:     task.ID,
		ProjectID:  task.ProjectID,
		Tier:       tier,
		Priority:   task.Priority,
		Complexity: task.Complexity,
		Tags:       task.Tags,
	}
	var resp spawnResponse
	if err := c.post(ctx, "/v1/sessions", req, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", agent.ErrSpawnRejected, err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("%w: runtime returned empty session id", agent.ErrSpawnRejected)
	}
	return resp.SessionID, nil
}

// TerminateSession force-stops a session. 404 counts as success.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("terminate session %s: status %d", sessionID, resp.StatusCode)
	}
	return nil
}

// InjectMessage delivers operator text into a running session.
func (c *Client) InjectMessage(ctx context.Context, sessionID, text string) error {
	return c.post(ctx, "/v1/sessions/"+sessionID+"/messages",
		map[string]string{"text": text}, nil)
}

// ActiveSessions lists sessions the runtime considers live.
func (c *Client) ActiveSessions(ctx context.Context) ([]agent.Session, error) {
	var out struct {
		Sessions []agent.Session `json:"sessions"`
	}
	if err := c.get(ctx, "/v1/sessions", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// OnEvent registers an event handler. The first registration starts the poll
// loop; events are delivered in the order the runtime reports them.
func (c *Client) OnEvent(handler func(agent.Event)) {
	c.mu.Lock()
	first := len(c.handlers) == 0
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()

	if first {
		go c.pollEvents()
	}
}

// Close stops the event poll loop.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// pollEvents pulls events sequentially so per-session emission order is
// preserved end to end.
func (c *Client) pollEvents() {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		events, nextSeq, err := c.fetchEvents(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("Event poll failed", "error", err)
			continue
		}

		c.mu.Lock()
		c.afterSeq = nextSeq
		handlers := make([]func(agent.Event), len(c.handlers))
		copy(handlers, c.handlers)
		c.mu.Unlock()

		for _, ev := range events {
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

func (c *Client) fetchEvents(ctx context.Context) ([]agent.Event, uint64, error) {
	c.mu.Lock()
	after := c.afterSeq
	c.mu.Unlock()

	var out struct {
		Events  []agent.Event `json:"events"`
		NextSeq uint64        `json:"next_seq"`
	}
	path := fmt.Sprintf("/v1/events?after=%d", after)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, after, err
	}
	return out.Events, out.NextSeq, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
