package queue

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/divij2510/medinote-stream/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, path
}

func testChunk(sessionID string, seq uint64) *audio.Chunk {
	payload := make([]byte, 320)
	for i := range payload {
		payload[i] = byte(seq)
	}
	return &audio.Chunk{
		SessionID:  sessionID,
		Sequence:   seq,
		Payload:    payload,
		ByteLength: len(payload),
		CapturedAt: time.Now(),
	}
}

func TestEnqueueAndPeekOrdered(t *testing.T) {
	q, _ := openTestQueue(t)

	// Enqueue out of order; peek must come back sorted by sequence.
	for _, seq := range []uint64{3, 1, 2} {
		if err := q.Enqueue(testChunk("sess-1", seq)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", seq, err)
		}
	}

	entries, err := q.PeekOrdered("sess-1")
	if err != nil {
		t.Fatalf("PeekOrdered failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			t.Errorf("entry %d: expected sequence %d, got %d", i, i+1, e.Sequence)
		}
		if !bytes.Equal(e.Payload, testChunk("sess-1", e.Sequence).Payload) {
			t.Errorf("entry %d: payload mismatch", i)
		}
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q, _ := openTestQueue(t)
	q.Enqueue(testChunk("sess-1", 1))

	for i := 0; i < 2; i++ {
		entries, err := q.PeekOrdered("sess-1")
		if err != nil {
			t.Fatalf("PeekOrdered failed: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("peek %d: expected 1 entry, got %d", i, len(entries))
		}
	}
}

func TestRemoveConfirmed(t *testing.T) {
	q, _ := openTestQueue(t)
	q.Enqueue(testChunk("sess-1", 1))
	q.Enqueue(testChunk("sess-1", 2))

	if err := q.RemoveConfirmed("sess-1", 1); err != nil {
		t.Fatalf("RemoveConfirmed failed: %v", err)
	}

	entries, _ := q.PeekOrdered("sess-1")
	if len(entries) != 1 || entries[0].Sequence != 2 {
		t.Fatalf("expected only sequence 2 to remain, got %v", entries)
	}

	// Removing an absent chunk is not an error.
	if err := q.RemoveConfirmed("sess-1", 99); err != nil {
		t.Errorf("removing absent chunk should not error: %v", err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	q.Enqueue(testChunk("sess-1", 1))
	q.Enqueue(testChunk("sess-1", 2))
	q.Close()

	// Simulated restart: a fresh handle over the same file sees the chunks.
	q2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer q2.Close()

	entries, err := q2.PeekOrdered("sess-1")
	if err != nil {
		t.Fatalf("PeekOrdered after reopen failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", len(entries))
	}
}

func TestEnqueueSameSequenceOverwrites(t *testing.T) {
	q, _ := openTestQueue(t)

	first := testChunk("sess-1", 1)
	q.Enqueue(first)

	second := testChunk("sess-1", 1)
	second.Payload = []byte{0xAA, 0xBB}
	second.ByteLength = 2
	if err := q.Enqueue(second); err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}

	entries, _ := q.PeekOrdered("sess-1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !bytes.Equal(entries[0].Payload, second.Payload) {
		t.Error("re-enqueue should overwrite the payload")
	}
}

func TestIncrementAttempt(t *testing.T) {
	q, _ := openTestQueue(t)
	q.Enqueue(testChunk("sess-1", 1))

	q.IncrementAttempt("sess-1", 1)
	q.IncrementAttempt("sess-1", 1)

	entries, _ := q.PeekOrdered("sess-1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].AttemptCount != 2 {
		t.Errorf("expected attempt count 2, got %d", entries[0].AttemptCount)
	}
}

func TestDepthAndSessions(t *testing.T) {
	q, _ := openTestQueue(t)
	q.Enqueue(testChunk("sess-a", 1))
	q.Enqueue(testChunk("sess-a", 2))
	q.Enqueue(testChunk("sess-b", 1))

	depth, err := q.Depth("sess-a")
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 2 {
		t.Errorf("expected depth 2, got %d", depth)
	}

	sessions, err := q.Sessions()
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != "sess-a" || sessions[1] != "sess-b" {
		t.Errorf("unexpected sessions: %v", sessions)
	}
}

func TestSessionsIsolated(t *testing.T) {
	q, _ := openTestQueue(t)
	q.Enqueue(testChunk("sess-a", 1))
	q.Enqueue(testChunk("sess-b", 1))

	entries, _ := q.PeekOrdered("sess-a")
	if len(entries) != 1 || entries[0].SessionID != "sess-a" {
		t.Errorf("peek must be scoped to one session, got %v", entries)
	}
}

func TestEntryChunkRoundTrip(t *testing.T) {
	q, _ := openTestQueue(t)
	original := testChunk("sess-1", 5)
	q.Enqueue(original)

	entries, _ := q.PeekOrdered("sess-1")
	chunk := entries[0].Chunk()

	if chunk.SessionID != original.SessionID ||
		chunk.Sequence != original.Sequence ||
		chunk.ByteLength != original.ByteLength ||
		!bytes.Equal(chunk.Payload, original.Payload) {
		t.Error("replayed chunk does not match the enqueued chunk")
	}
}

func TestGetStats(t *testing.T) {
	q, _ := openTestQueue(t)
	q.Enqueue(testChunk("sess-1", 1))
	q.Enqueue(testChunk("sess-1", 2))
	q.RemoveConfirmed("sess-1", 1)

	stats := q.GetStats("sess-1")
	if stats.Depth != 1 {
		t.Errorf("expected depth 1, got %d", stats.Depth)
	}
	if stats.TotalEnqueued != 2 {
		t.Errorf("expected 2 enqueued, got %d", stats.TotalEnqueued)
	}
	if stats.TotalRemoved != 1 {
		t.Errorf("expected 1 removed, got %d", stats.TotalRemoved)
	}
}
