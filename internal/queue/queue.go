package queue

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/divij2510/medinote-stream/internal/audio"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	session_id    TEXT    NOT NULL,
	sequence      INTEGER NOT NULL,
	payload       BLOB    NOT NULL,
	byte_length   INTEGER NOT NULL,
	captured_at   INTEGER NOT NULL,
	enqueued_at   INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, sequence)
);
`

// Entry is one queued chunk as stored on disk.
type Entry struct {
	SessionID    string
	Sequence     uint64
	Payload      []byte
	ByteLength   int
	CapturedAt   time.Time
	EnqueuedAt   time.Time
	AttemptCount int
}

// Chunk converts the entry back to a capture chunk for replay.
func (e *Entry) Chunk() *audio.Chunk {
	return &audio.Chunk{
		SessionID:  e.SessionID,
		Sequence:   e.Sequence,
		Payload:    e.Payload,
		ByteLength: e.ByteLength,
		CapturedAt: e.CapturedAt,
	}
}

// Stats represents queue statistics
type Stats struct {
	Depth         int    `json:"depth"`
	TotalEnqueued uint64 `json:"total_enqueued"`
	TotalRemoved  uint64 `json:"total_removed"`
}

// Queue is a SQLite-backed durable chunk queue. All operations are
// synchronous: Enqueue returns only after the chunk is on disk.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger

	// Counters for the current process; Depth always comes from the table.
	mu            sync.Mutex
	totalEnqueued uint64
	totalRemoved  uint64
}

// Open opens (or creates) the queue database at path with WAL journaling.
func Open(path string, logger *slog.Logger) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}

	logger.Info("Durable queue opened", slog.String("path", path))

	return &Queue{db: db, logger: logger}, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably stores one chunk. It returns only after the write has
// committed; a chunk that was ever handed to Enqueue is never lost to a
// crash. Re-enqueueing the same sequence overwrites the previous row.
func (q *Queue) Enqueue(chunk *audio.Chunk) error {
	_, err := q.db.Exec(`
		INSERT OR REPLACE INTO chunks
			(session_id, sequence, payload, byte_length, captured_at, enqueued_at, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, chunk.SessionID, chunk.Sequence, chunk.Payload, chunk.ByteLength,
		chunk.CapturedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("enqueue chunk %d: %w", chunk.Sequence, err)
	}

	q.mu.Lock()
	q.totalEnqueued++
	q.mu.Unlock()

	return nil
}

// PeekOrdered returns every queued chunk for the session in ascending
// sequence order without removing anything.
func (q *Queue) PeekOrdered(sessionID string) ([]*Entry, error) {
	rows, err := q.db.Query(`
		SELECT session_id, sequence, payload, byte_length, captured_at, enqueued_at, attempt_count
		FROM chunks
		WHERE session_id = ?
		ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query queued chunks: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var capturedAt, enqueuedAt int64
		if err := rows.Scan(&e.SessionID, &e.Sequence, &e.Payload, &e.ByteLength,
			&capturedAt, &enqueuedAt, &e.AttemptCount); err != nil {
			return nil, fmt.Errorf("scan queued chunk: %w", err)
		}
		e.CapturedAt = time.Unix(0, capturedAt)
		e.EnqueuedAt = time.Unix(0, enqueuedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RemoveConfirmed deletes one chunk after the backend confirmed delivery.
// Removing an absent chunk is not an error.
func (q *Queue) RemoveConfirmed(sessionID string, sequence uint64) error {
	res, err := q.db.Exec(`
		DELETE FROM chunks WHERE session_id = ? AND sequence = ?
	`, sessionID, sequence)
	if err != nil {
		return fmt.Errorf("remove chunk %d: %w", sequence, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		q.mu.Lock()
		q.totalRemoved += uint64(n)
		q.mu.Unlock()
	}

	return nil
}

// IncrementAttempt records one failed delivery attempt for a chunk.
func (q *Queue) IncrementAttempt(sessionID string, sequence uint64) error {
	_, err := q.db.Exec(`
		UPDATE chunks SET attempt_count = attempt_count + 1
		WHERE session_id = ? AND sequence = ?
	`, sessionID, sequence)
	if err != nil {
		return fmt.Errorf("record attempt for chunk %d: %w", sequence, err)
	}
	return nil
}

// Depth returns the number of chunks queued for the session.
func (q *Queue) Depth(sessionID string) (int, error) {
	var depth int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM chunks WHERE session_id = ?
	`, sessionID).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("count queued chunks: %w", err)
	}
	return depth, nil
}

// Sessions returns the distinct session IDs that still have queued chunks,
// used at startup to discover interrupted sessions.
func (q *Queue) Sessions() ([]string, error) {
	rows, err := q.db.Query(`SELECT DISTINCT session_id FROM chunks ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query queued sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetStats returns current queue statistics for the session
func (q *Queue) GetStats(sessionID string) Stats {
	depth, err := q.Depth(sessionID)
	if err != nil {
		q.logger.Warn("Failed to read queue depth", slog.String("error", err.Error()))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Depth:         depth,
		TotalEnqueued: q.totalEnqueued,
		TotalRemoved:  q.totalRemoved,
	}
}
