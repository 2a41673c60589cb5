package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/droverhq/drover/pkg/agent"
)

// stateFileVersion is the schema version this build reads and writes.
const stateFileVersion = 1

// ActiveAgent is one live session as tracked by the main loop and persisted
// across restarts.
type ActiveAgent struct {
	SessionID string          `json:"sessionId"`
	TaskID    string          `json:"taskId"`
	Model     agent.ModelTier `json:"model"`
	Status    string          `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
}

// persistedState is the on-disk snapshot. Unknown fields in older or newer
// files are ignored on read.
type persistedState struct {
	Version      int           `json:"version"`
	SavedAt      time.Time     `json:"savedAt"`
	ActiveAgents []ActiveAgent `json:"activeAgents"`
}

// saveStateFile writes the active-agents snapshot atomically (temp file plus
// rename). Empty path disables persistence.
func saveStateFile(path string, agents []ActiveAgent) error {
	if path == "" {
		return nil
	}
	if agents == nil {
		agents = []ActiveAgent{}
	}

	data, err := json.MarshalIndent(persistedState{
		Version:      stateFileVersion,
		SavedAt:      time.Now().UTC(),
		ActiveAgents: agents,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// loadStateFile reads the persisted snapshot. A missing file and a version
// mismatch both yield an empty set; state is best-effort.
func loadStateFile(path string, logger *slog.Logger) []ActiveAgent {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to read state file", "path", path, "error", err)
		}
		return nil
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("Failed to parse state file", "path", path, "error", err)
		return nil
	}
	if st.Version != stateFileVersion {
		logger.Warn("State file version mismatch, skipping load",
			"path", path, "version", st.Version, "expected", stateFileVersion)
		return nil
	}
	return st.ActiveAgents
}

// stateFileWritable probes whether the state file's directory accepts writes.
func stateFileWritable(path string) error {
	if path == "" {
		return nil
	}
	probe := filepath.Join(filepath.Dir(path), ".drover-preflight")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
