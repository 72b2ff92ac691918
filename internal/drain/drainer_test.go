package drain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divij2510/medinote-stream/internal/audio"
	"github.com/divij2510/medinote-stream/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueue(t *testing.T, q *queue.Queue, sessionID string, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		require.NoError(t, q.Enqueue(&audio.Chunk{
			SessionID:  sessionID,
			Sequence:   seq,
			Payload:    make([]byte, 320),
			ByteLength: 320,
			CapturedAt: time.Now(),
		}))
	}
}

// recorder collects delivered sequences and can fail selected ones.
type recorder struct {
	mu        sync.Mutex
	delivered []uint64
	failSeqs  map[uint64]bool
}

func (r *recorder) Deliver(_ context.Context, chunk *audio.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSeqs[chunk.Sequence] {
		return errors.New("delivery refused")
	}
	r.delivered = append(r.delivered, chunk.Sequence)
	return nil
}

func (r *recorder) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.delivered...)
}

func fastConfig() Config {
	return Config{BaseDelay: time.Millisecond, StepDelay: time.Millisecond}
}

func TestDrainDeliversInSequenceOrder(t *testing.T) {
	q := testQueue(t)
	// Enqueued out of order; replay must be ascending.
	enqueue(t, q, "sess-1", 3, 1, 2)

	rec := &recorder{}
	d := NewDrainer(fastConfig(), q, rec, testLogger())

	result, err := d.Drain(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 3, Delivered: 3}, result)
	assert.True(t, result.Complete())
	assert.Equal(t, []uint64{1, 2, 3}, rec.sequences())

	depth, err := q.Depth("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "delivered chunks must leave the queue")
}

func TestDrainSkipsFailedChunkAndContinues(t *testing.T) {
	q := testQueue(t)
	enqueue(t, q, "sess-1", 1, 2, 3)

	rec := &recorder{failSeqs: map[uint64]bool{2: true}}
	d := NewDrainer(fastConfig(), q, rec, testLogger())

	result, err := d.Drain(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 3, Delivered: 2, Skipped: 1}, result)
	assert.False(t, result.Complete())
	assert.Equal(t, []uint64{1, 3}, rec.sequences())

	// The failed chunk stays queued with its attempt recorded.
	entries, err := q.PeekOrdered("sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Sequence)
	assert.Equal(t, 1, entries[0].AttemptCount)
}

func TestDrainEmptyQueueIsNoOp(t *testing.T) {
	q := testQueue(t)
	rec := &recorder{}
	d := NewDrainer(fastConfig(), q, rec, testLogger())

	result, err := d.Drain(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
	assert.Empty(t, rec.sequences())
}

func TestDrainSingleFlight(t *testing.T) {
	q := testQueue(t)
	enqueue(t, q, "sess-1", 1, 2, 3, 4, 5)

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := DelivererFunc(func(_ context.Context, chunk *audio.Chunk) error {
		if chunk.Sequence == 1 {
			close(started)
			<-release
		}
		return nil
	})

	d := NewDrainer(fastConfig(), q, blocking, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := d.Drain(context.Background(), "sess-1")
		assert.NoError(t, err)
	}()

	<-started

	// A second pass while one is running is rejected, not queued.
	_, err := d.Drain(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrDrainInProgress)
	assert.True(t, d.GetStats().Running)

	close(release)
	<-done
	assert.False(t, d.GetStats().Running)
}

func TestDrainPacingRampsUp(t *testing.T) {
	q := testQueue(t)
	enqueue(t, q, "sess-1", 1, 2, 3)

	rec := &recorder{}
	d := NewDrainer(Config{BaseDelay: 10 * time.Millisecond, StepDelay: 5 * time.Millisecond}, q, rec, testLogger())

	start := time.Now()
	_, err := d.Drain(context.Background(), "sess-1")
	require.NoError(t, err)

	// Delays are 10, 15 and 20ms.
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestDrainContextCancellation(t *testing.T) {
	q := testQueue(t)
	enqueue(t, q, "sess-1", 1, 2, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := DelivererFunc(func(_ context.Context, chunk *audio.Chunk) error {
		if chunk.Sequence == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	})

	d := NewDrainer(fastConfig(), q, cancelling, testLogger())

	result, err := d.Drain(ctx, "sess-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Delivered)

	// Undelivered chunks are untouched.
	entries, qerr := q.PeekOrdered("sess-1")
	require.NoError(t, qerr)
	assert.Len(t, entries, 2)
}

func TestDrainRetriesAcrossPasses(t *testing.T) {
	q := testQueue(t)
	enqueue(t, q, "sess-1", 1, 2)

	rec := &recorder{failSeqs: map[uint64]bool{2: true}}
	d := NewDrainer(fastConfig(), q, rec, testLogger())

	_, err := d.Drain(context.Background(), "sess-1")
	require.NoError(t, err)

	// The backend recovers; a second pass delivers the leftover.
	rec.failSeqs = nil
	result, err := d.Drain(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Delivered: 1}, result)

	depth, err := q.Depth("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	stats := d.GetStats()
	assert.Equal(t, uint64(2), stats.Passes)
	assert.Equal(t, uint64(2), stats.TotalDelivered)
	assert.Equal(t, uint64(1), stats.TotalSkipped)
}
