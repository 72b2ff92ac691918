package capture

import "context"

// Source produces a stream of raw PCM-16 bytes at the fixed capture format
// (16 kHz, mono, little-endian). Start returns a channel that is closed when
// capture ends, whether by Stop, context cancellation, or device failure.
type Source interface {
	// Start begins capture and returns the sample channel. Calling Start on
	// a running source stops the previous run first.
	Start(ctx context.Context) (<-chan []byte, error)

	// Stop ends capture. It is safe to call Stop on a source that was never
	// started.
	Stop()
}
