// Package notify delivers operator notifications to a Slack channel. Items
// are batched per tick into at most one send, and a configurable quiet-hours
// window holds back normal-priority items (high priority always goes out).
// The service is nil-safe and fail-open: delivery errors are logged, never
// returned.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/droverhq/drover/pkg/breaker"
)

// Type classifies a notification.
type Type string

// Notification types.
const (
	TypeQuestion   Type = "question"
	TypeCompletion Type = "completion"
	TypeBlocker    Type = "blocker"
	TypeAlert      Type = "alert"
)

// Priority controls quiet-hours handling.
type Priority string

// Priorities. Normal items wait out quiet hours; high items bypass them.
const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is one item destined for the channel.
type Notification struct {
	Type        Type
	AgentID     string
	TaskID      string
	ProjectName string
	Message     string
	Priority    Priority
}

// Config holds the parameters needed to construct a Service.
type Config struct {
	Token   string
	Channel string

	// QuietStart/QuietEnd bound the quiet-hours window as "HH:MM" local
	// time. Empty disables quiet hours. The window may wrap midnight.
	QuietStart string
	QuietEnd   string
}

// poster is the slice of the Slack API the service uses; tests stub it.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...goslack.MsgOption) (string, string, error)
}

// Service batches and delivers notifications.
type Service struct {
	mu      sync.Mutex
	pending []Notification

	api     poster
	channel string
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a notification service. Returns nil when Token or
// Channel is empty; all methods are no-ops on a nil service.
func NewService(cfg Config) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		api:     goslack.New(cfg.Token),
		channel: cfg.Channel,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default().With("component", "notify"),
	}
}

// newServiceWithPoster wires a stub API for tests.
func newServiceWithPoster(api poster, cfg Config) *Service {
	return &Service{
		api:     api,
		channel: cfg.Channel,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default().With("component", "notify"),
	}
}

// Enqueue adds a notification to the current batch.
func (s *Service) Enqueue(n Notification) {
	if s == nil {
		return
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, n)
}

// Pending returns the number of undelivered notifications.
func (s *Service) Pending() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush sends the eligible portion of the batch as one message. During quiet
// hours normal-priority items stay pending; high-priority items go out
// regardless. Called at most once per tick by the main loop.
func (s *Service) Flush(ctx context.Context) {
	if s == nil {
		return
	}

	quiet := s.inQuietHours(s.now())

	s.mu.Lock()
	var send, hold []Notification
	for _, n := range s.pending {
		if quiet && n.Priority != PriorityHigh {
			hold = append(hold, n)
			continue
		}
		send = append(send, n)
	}
	s.pending = hold
	s.mu.Unlock()

	if len(send) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		goslack.MsgOptionBlocks(buildBatchMessage(send)...))
	if err != nil {
		s.logger.Error("Failed to deliver notification batch",
			"count", len(send), "error", err)
		return
	}
	s.logger.Info("Notification batch delivered", "count", len(send), "held", len(hold))
}

// OnTrip implements the circuit breaker's Notifier capability: pausing
// commentary goes out immediately at high priority.
func (s *Service) OnTrip(reason breaker.TripReason, message, agentID string) {
	if s == nil {
		return
	}
	n := Notification{
		Type:     TypeAlert,
		AgentID:  agentID,
		Message:  fmt.Sprintf("circuit breaker tripped (%s): %s", reason, message),
		Priority: PriorityHigh,
	}
	s.Enqueue(n)
	s.Flush(context.Background())
}

// SendAlert implements the Notifier alert channel.
func (s *Service) SendAlert(message string) {
	if s == nil {
		return
	}
	s.Enqueue(Notification{Type: TypeAlert, Message: message, Priority: PriorityHigh})
	s.Flush(context.Background())
}

// inQuietHours reports whether t falls inside the configured window.
func (s *Service) inQuietHours(t time.Time) bool {
	if s.cfg.QuietStart == "" || s.cfg.QuietEnd == "" {
		return false
	}
	start, err1 := parseClock(s.cfg.QuietStart)
	end, err2 := parseClock(s.cfg.QuietEnd)
	if err1 != nil || err2 != nil {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Window wraps midnight, e.g. 22:00-07:00.
	return minutes >= start || minutes < end
}

func parseClock(v string) (int, error) {
	parsed, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// buildBatchMessage renders one batch as Slack blocks: a header plus one
// section per item.
func buildBatchMessage(items []Notification) []goslack.Block {
	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(
			goslack.PlainTextType,
			fmt.Sprintf("Drover: %d update(s)", len(items)), false, false)),
	}
	for _, n := range items {
		var b strings.Builder
		fmt.Fprintf(&b, "*%s*", n.Type)
		if n.ProjectName != "" {
			fmt.Fprintf(&b, " · %s", n.ProjectName)
		}
		if n.TaskID != "" {
			fmt.Fprintf(&b, " · task `%s`", n.TaskID)
		}
		if n.AgentID != "" {
			fmt.Fprintf(&b, " · agent `%s`", n.AgentID)
		}
		b.WriteString("\n")
		b.WriteString(n.Message)

		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, b.String(), false, false),
			nil, nil))
	}
	return blocks
}
