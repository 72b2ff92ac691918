package audio

import (
	"sync"
	"time"
)

// ChunkerConfig contains configuration for the chunking process
type ChunkerConfig struct {
	SessionID     string
	ChunkInterval time.Duration // capture cadence, how much audio one chunk covers
	MaxChunkBytes int           // upper bound per chunk payload
	StartSequence uint64        // first sequence to assign minus one; zero for a fresh session
}

// Chunker cuts the capture buffer into sequence-numbered chunks on a fixed
// cadence. Sequence numbers are strictly increasing and gapless; the chunker
// is the only component that assigns them.
type Chunker struct {
	config ChunkerConfig
	buffer *CaptureBuffer

	// Sequence tracking
	lastSequence uint64

	// Statistics
	chunksCut  uint64
	totalBytes uint64

	mu sync.RWMutex
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	SessionID    string `json:"session_id"`
	LastSequence uint64 `json:"last_sequence"`
	ChunksCut    uint64 `json:"chunks_cut"`
	TotalBytes   uint64 `json:"total_bytes"`
	PendingBytes int    `json:"pending_bytes"`
}

// NewChunker creates a chunker over the given capture buffer. StartSequence
// lets a resumed session continue numbering where the interrupted run left off.
func NewChunker(config ChunkerConfig, buffer *CaptureBuffer) *Chunker {
	if config.MaxChunkBytes <= 0 {
		config.MaxChunkBytes = int(config.ChunkInterval.Seconds() * SampleRate * BytesPerSample)
	}

	return &Chunker{
		config:       config,
		buffer:       buffer,
		lastSequence: config.StartSequence,
	}
}

// Cut removes one chunk's worth of pending audio and stamps it with the next
// sequence number. Returns nil when the buffer has nothing pending.
func (c *Chunker) Cut() *Chunk {
	payload := c.buffer.CutChunk(c.config.MaxChunkBytes)
	if payload == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSequence++
	c.chunksCut++
	c.totalBytes += uint64(len(payload))

	return &Chunk{
		SessionID:  c.config.SessionID,
		Sequence:   c.lastSequence,
		Payload:    payload,
		ByteLength: len(payload),
		CapturedAt: time.Now(),
		Amplitude:  MeasureAmplitude(payload),
	}
}

// Flush drains everything still pending as a final, possibly short, chunk.
// Used on session stop so no captured audio is left behind.
func (c *Chunker) Flush() *Chunk {
	payload := c.buffer.CutChunk(0)
	if payload == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSequence++
	c.chunksCut++
	c.totalBytes += uint64(len(payload))

	return &Chunk{
		SessionID:  c.config.SessionID,
		Sequence:   c.lastSequence,
		Payload:    payload,
		ByteLength: len(payload),
		CapturedAt: time.Now(),
		Amplitude:  MeasureAmplitude(payload),
	}
}

// LastSequence returns the most recently assigned sequence number.
func (c *Chunker) LastSequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSequence
}

// HasPending reports whether uncut audio remains in the buffer.
func (c *Chunker) HasPending() bool {
	return c.buffer.PendingBytes() > 0
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ChunkerStats{
		SessionID:    c.config.SessionID,
		LastSequence: c.lastSequence,
		ChunksCut:    c.chunksCut,
		TotalBytes:   c.totalBytes,
		PendingBytes: c.buffer.PendingBytes(),
	}
}
