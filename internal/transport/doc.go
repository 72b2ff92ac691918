// Package transport maintains the duplex WebSocket session to the backend.
// It handles the transport layer (dial, handshake, serialized writes, ping
// keepalive, read loop) while leaving delivery policy — reconnect, queueing,
// replay — to the session coordinator. A transport session never retries on
// its own: any failure is surfaced as a Disconnected event and the session
// is finished.
package transport
