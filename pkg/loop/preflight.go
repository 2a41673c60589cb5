package loop

import (
	"context"
	"fmt"
	"time"
)

// preFlight runs the startup checks. Warnings are logged and tolerated;
// a critical failure aborts Start. The only critical check is runtime
// reachability: without it nothing can be scheduled.
func (l *MainLoop) preFlight(ctx context.Context) error {
	if err := stateFileWritable(l.cfg.StateFilePath); err != nil {
		l.logger.Warn("State file location is not writable; shutdown state will be lost",
			"path", l.cfg.StateFilePath, "error", err)
	}

	if l.notifier == nil {
		l.logger.Warn("Notifier not configured; operator notifications disabled")
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := l.runtime.ActiveSessions(probeCtx); err != nil {
		return fmt.Errorf("pre-flight: agent runtime unreachable: %w", err)
	}

	l.logger.Info("Pre-flight checks passed")
	return nil
}
