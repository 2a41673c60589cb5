package agent

import "context"

// Runtime is the external agent runtime boundary. It is the sole source of
// agent events and the only component that actually executes task work.
//
// SpawnAgent returns the session id the runtime assigned; the orchestrator
// rewrites its provisional capacity reservation to that id. Spawn I/O must
// happen outside any orchestrator lock.
type Runtime interface {
	// SpawnAgent starts a session for the task on the given tier.
	SpawnAgent(ctx context.Context, task *Task, tier ModelTier) (sessionID string, err error)

	// TerminateSession force-stops a session. Idempotent on unknown ids.
	TerminateSession(ctx context.Context, sessionID string) error

	// InjectMessage delivers operator text into a running session.
	InjectMessage(ctx context.Context, sessionID, text string) error

	// ActiveSessions lists sessions the runtime currently considers live.
	ActiveSessions(ctx context.Context) ([]Session, error)

	// OnEvent registers the handler invoked for every event the runtime
	// emits. Events for a given session arrive in emission order.
	OnEvent(handler func(Event))
}
