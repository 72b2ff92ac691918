package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is the checkpoint file format version. A checkpoint with a
// different version is treated as unusable rather than misread.
const SchemaVersion = 1

// Checkpoint is the durable record of an in-flight session. It is small
// and rewritten whole on every update.
type Checkpoint struct {
	SchemaVersion         int       `json:"schema_version"`
	SessionID             string    `json:"session_id"`
	UserID                string    `json:"user_id"`
	PatientID             string    `json:"patient_id"`
	PatientName           string    `json:"patient_name"`
	LastSequence          uint64    `json:"last_sequence"`
	LastConfirmedSequence uint64    `json:"last_confirmed_sequence"`
	StartedAt             time.Time `json:"started_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// NextSequence returns the sequence a resumed session should continue from.
func (c *Checkpoint) NextSequence() uint64 {
	return c.LastConfirmedSequence + 1
}

// CheckpointStore reads and writes the checkpoint file. Writes are atomic:
// a temp file is written and renamed over the old checkpoint so a crash
// mid-write never leaves a torn file.
type CheckpointStore struct {
	path   string
	logger *slog.Logger
}

// NewCheckpointStore creates a store for the checkpoint at path.
func NewCheckpointStore(path string, logger *slog.Logger) *CheckpointStore {
	return &CheckpointStore{path: path, logger: logger}
}

// Save writes the checkpoint durably. The schema version and update time
// are stamped by the store.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	cp.SchemaVersion = SchemaVersion
	cp.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	return nil
}

// Load reads the checkpoint. A missing, corrupt, or wrong-version file
// yields (nil, nil): there is nothing to recover from, which is safer
// than guessing.
func (s *CheckpointStore) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("Checkpoint file corrupt, ignoring", slog.String("error", err.Error()))
		return nil, nil
	}

	if cp.SchemaVersion != SchemaVersion {
		s.logger.Warn("Checkpoint schema version mismatch, ignoring",
			slog.Int("found", cp.SchemaVersion),
			slog.Int("expected", SchemaVersion))
		return nil, nil
	}

	if cp.SessionID == "" {
		s.logger.Warn("Checkpoint missing session id, ignoring")
		return nil, nil
	}

	return &cp, nil
}

// Delete removes the checkpoint file. Deleting an absent checkpoint is
// not an error.
func (s *CheckpointStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
