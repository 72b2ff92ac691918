package recovery

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/divij2510/medinote-stream/internal/queue"
)

// PendingRecovery describes an interrupted session found at startup.
type PendingRecovery struct {
	Checkpoint   *Checkpoint `json:"checkpoint"`
	QueuedChunks int         `json:"queued_chunks"`
}

// Manager pairs the checkpoint store with the durable queue to answer
// the startup question: is there an interrupted session, and does the
// user want it back?
type Manager struct {
	store  *CheckpointStore
	queue  *queue.Queue
	logger *slog.Logger

	mu       sync.Mutex
	resolved bool
}

// NewManager creates a recovery manager.
func NewManager(store *CheckpointStore, q *queue.Queue, logger *slog.Logger) *Manager {
	return &Manager{store: store, queue: q, logger: logger}
}

// Detect looks for an interrupted session. It returns nil when there is
// nothing to recover: no checkpoint, or a checkpoint too damaged to trust.
func (m *Manager) Detect() (*PendingRecovery, error) {
	cp, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, nil
	}

	depth, err := m.queue.Depth(cp.SessionID)
	if err != nil {
		return nil, fmt.Errorf("inspect queue: %w", err)
	}

	m.logger.Info("Interrupted session found",
		slog.String("session_id", cp.SessionID),
		slog.Uint64("last_confirmed", cp.LastConfirmedSequence),
		slog.Int("queued_chunks", depth))

	return &PendingRecovery{Checkpoint: cp, QueuedChunks: depth}, nil
}

// Resume accepts the pending recovery. The checkpoint stays in place so a
// second interruption before the resumed session checkpoints again still
// recovers; the caller continues capture at Checkpoint.NextSequence() and
// drains the leftover queue.
func (m *Manager) Resume(pending *PendingRecovery) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resolved {
		return nil, fmt.Errorf("recovery already resolved")
	}
	m.resolved = true

	m.logger.Info("Resuming interrupted session",
		slog.String("session_id", pending.Checkpoint.SessionID),
		slog.Uint64("next_sequence", pending.Checkpoint.NextSequence()))

	return pending.Checkpoint, nil
}

// Dismiss rejects the pending recovery: the checkpoint is deleted but the
// queued audio stays on disk so nothing already captured is destroyed.
func (m *Manager) Dismiss(pending *PendingRecovery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resolved {
		return fmt.Errorf("recovery already resolved")
	}
	m.resolved = true

	if err := m.store.Delete(); err != nil {
		return fmt.Errorf("dismiss recovery: %w", err)
	}

	m.logger.Info("Dismissed interrupted session",
		slog.String("session_id", pending.Checkpoint.SessionID),
		slog.Int("queued_chunks_kept", pending.QueuedChunks))

	return nil
}
