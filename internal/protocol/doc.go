// Package protocol defines the JSON control-plane messages exchanged with the
// backend over the audio streaming WebSocket: session lifecycle announcements,
// sequence-numbered audio chunks, keepalive pings, and the backend's
// acknowledgment replies.
package protocol
