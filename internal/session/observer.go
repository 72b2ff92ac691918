package session

import "github.com/divij2510/medinote-stream/internal/audio"

// Observer receives session lifecycle notifications. Callbacks run on the
// coordinator's event loop and must return quickly.
type Observer interface {
	// OnStateChange fires on every state transition.
	OnStateChange(sessionID string, from, to State)

	// OnChunkRouted fires when a cut chunk is routed; queued is true when
	// it went to the durable queue instead of the live transport.
	OnChunkRouted(chunk *audio.Chunk, queued bool)

	// OnChunkDelivered fires when the backend confirms a chunk.
	OnChunkDelivered(sessionID string, sequence uint64)

	// OnQueueDepth fires when the durable queue depth changes.
	OnQueueDepth(sessionID string, depth int)

	// OnReconnected fires when a dropped transport is re-established.
	OnReconnected(sessionID string)

	// OnReconnectFailed fires when a reconnect loop exhausts its attempts.
	OnReconnectFailed(sessionID string, attempts int)

	// OnDrainPass fires when a replay drain pass finishes.
	OnDrainPass(sessionID string, delivered, skipped int)

	// OnError fires for recoverable and unrecoverable session errors.
	OnError(sessionID string, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

// OnStateChange implements Observer.
func (NopObserver) OnStateChange(string, State, State) {}

// OnChunkRouted implements Observer.
func (NopObserver) OnChunkRouted(*audio.Chunk, bool) {}

// OnChunkDelivered implements Observer.
func (NopObserver) OnChunkDelivered(string, uint64) {}

// OnQueueDepth implements Observer.
func (NopObserver) OnQueueDepth(string, int) {}

// OnReconnected implements Observer.
func (NopObserver) OnReconnected(string) {}

// OnReconnectFailed implements Observer.
func (NopObserver) OnReconnectFailed(string, int) {}

// OnDrainPass implements Observer.
func (NopObserver) OnDrainPass(string, int, int) {}

// OnError implements Observer.
func (NopObserver) OnError(string, error) {}
