// Package artifacts owns the on-disk run layout: the atomically written
// run_state.json, per-run artifact directories, the latest pointer and the
// retention pass.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantrails/signalbench/internal/timeutil"
)

// RunState is the externally visible lifecycle record of the current run.
// Readers poll it; writes are atomic so a partial JSON is never observed.
type RunState struct {
	Status      string `json:"status"`
	Stage       string `json:"stage"`
	RunID       string `json:"run_id"`
	Mode        string `json:"mode"`
	StartedAt   string `json:"started_at"`
	UpdatedAt   string `json:"updated_at"`
	FinishedAt  string `json:"finished_at,omitempty"`
	LatestRunID string `json:"latest_run_id,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StateWriter serializes run-state transitions to one file.
type StateWriter struct {
	mu   sync.Mutex
	path string
}

// NewStateWriter writes run state to the given path; parent directories are
// created on first write.
func NewStateWriter(path string) *StateWriter {
	return &StateWriter{path: path}
}

// Write persists the state via tmpfile+rename. UpdatedAt is stamped here so
// callers only describe the transition.
func (w *StateWriter) Write(state *RunState) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	state.UpdatedAt = timeutil.FormatTimestamp(time.Now().UTC())

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".run_state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// ReadState loads a previously written state file.
func ReadState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &state, nil
}
