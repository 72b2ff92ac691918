package audio

import (
	"fmt"
	"sync"
	"time"
)

// CaptureBuffer accumulates raw PCM bytes from the sample source between
// chunk cuts. The source appends at capture pace; the chunker drains whole
// chunk payloads at its own cadence.
type CaptureBuffer struct {
	sessionID string

	// Audio data storage
	pending []byte // Bytes not yet cut into a chunk

	// Totals across the session
	totalBytes   uint64
	totalAppends uint64
	lastUpdate   time.Time

	mu sync.RWMutex
}

// CaptureBufferStats represents buffer statistics for monitoring
type CaptureBufferStats struct {
	SessionID    string    `json:"session_id"`
	PendingBytes int       `json:"pending_bytes"`
	TotalBytes   uint64    `json:"total_bytes"`
	TotalAppends uint64    `json:"total_appends"`
	LastUpdate   time.Time `json:"last_update"`
}

// NewCaptureBuffer creates a capture buffer for one session.
func NewCaptureBuffer(sessionID string) *CaptureBuffer {
	return &CaptureBuffer{
		sessionID:  sessionID,
		pending:    make([]byte, 0, SampleRate*BytesPerSample), // one second headroom
		lastUpdate: time.Now(),
	}
}

// Append adds captured PCM bytes to the pending region. The data must hold
// whole 16-bit samples.
func (b *CaptureBuffer) Append(data []byte) error {
	if len(data)%BytesPerSample != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(data))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, data...)
	b.totalBytes += uint64(len(data))
	b.totalAppends++
	b.lastUpdate = time.Now()

	return nil
}

// CutChunk removes and returns up to max bytes of pending audio, aligned to
// a whole sample. It returns nil when nothing is pending.
func (b *CaptureBuffer) CutChunk(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}

	n := len(b.pending)
	if max > 0 && n > max {
		n = max
	}
	n -= n % BytesPerSample

	if n == 0 {
		return nil
	}

	cut := make([]byte, n)
	copy(cut, b.pending[:n])

	remaining := copy(b.pending, b.pending[n:])
	b.pending = b.pending[:remaining]

	return cut
}

// PendingBytes returns the number of bytes awaiting a chunk cut.
func (b *CaptureBuffer) PendingBytes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// TotalBytes returns the total bytes appended over the session.
func (b *CaptureBuffer) TotalBytes() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalBytes
}

// LastUpdate returns the time of the last append.
func (b *CaptureBuffer) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// GetStats returns current buffer statistics
func (b *CaptureBuffer) GetStats() CaptureBufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return CaptureBufferStats{
		SessionID:    b.sessionID,
		PendingBytes: len(b.pending),
		TotalBytes:   b.totalBytes,
		TotalAppends: b.totalAppends,
		LastUpdate:   b.lastUpdate,
	}
}
