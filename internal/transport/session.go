package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/divij2510/medinote-stream/internal/audio"
	"github.com/divij2510/medinote-stream/internal/protocol"
)

// Default transport constants.
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPingInterval   = 15 * time.Second
	DefaultMaxMessageSize = 1024 * 1024 // 1MB, replies are small JSON
)

// EventKind identifies what a transport event reports.
type EventKind int

// Transport event kinds.
const (
	EventConfirmed EventKind = iota // backend confirmed the session
	EventChunkAcked                 // backend acknowledged an audio chunk
	EventPaused                     // backend acknowledged pause
	EventResumed                    // backend acknowledged resume
	EventStopped                    // backend acknowledged session end
	EventServerError                // backend sent an error message
	EventDisconnected               // connection failed or closed; session is finished
)

// Event is a transport-level notification delivered to the session
// coordinator. After EventDisconnected no further events are delivered.
type Event struct {
	Kind     EventKind
	Sequence uint64 // set for EventChunkAcked
	Message  string // set for EventServerError
	Err      error  // set for EventDisconnected
}

// StartInfo carries the handshake identity announced in session_start.
type StartInfo struct {
	SessionID   string
	UserID      string
	PatientID   string
	PatientName string
}

// Config configures a transport session.
type Config struct {
	// URL is the WebSocket streaming endpoint.
	URL string

	// Headers are sent during the WebSocket handshake. Optional.
	Headers http.Header

	// DialTimeout bounds the handshake. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteTimeout is the per-message write deadline. Defaults to
	// DefaultWriteTimeout.
	WriteTimeout time.Duration

	// PingInterval is the application-level keepalive cadence. Defaults to
	// DefaultPingInterval.
	PingInterval time.Duration
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// Stats represents transport session statistics
type Stats struct {
	SessionID       string    `json:"session_id"`
	Connected       bool      `json:"connected"`
	ConnectedSince  time.Time `json:"connected_since,omitempty"`
	ChunksSent      uint64    `json:"chunks_sent"`
	BytesSent       uint64    `json:"bytes_sent"`
	ChunksAcked     uint64    `json:"chunks_acked"`
	LastAckSequence uint64    `json:"last_ack_sequence"`
	PingsSent       uint64    `json:"pings_sent"`
}

// Session is one live WebSocket connection to the backend. A Session is
// single-use: once it disconnects the coordinator opens a fresh one.
type Session struct {
	config Config
	info   StartInfo
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex // serializes writes (gorilla/websocket requirement)

	events chan Event

	cancel    context.CancelFunc
	closeOnce sync.Once

	// Statistics
	mu              sync.RWMutex
	connectedSince  time.Time
	chunksSent      uint64
	bytesSent       uint64
	chunksAcked     uint64
	lastAckSequence uint64
	pingsSent       uint64
	disconnected    bool
}

// Open dials the backend, announces the session with session_start, and
// starts the read and keepalive loops. Events, including the backend's
// session_confirmed reply, arrive on Events().
func Open(ctx context.Context, config Config, info StartInfo, logger *slog.Logger) (*Session, error) {
	config.defaults()

	dialer := websocket.Dialer{
		HandshakeTimeout: config.DialTimeout,
	}

	logger.Debug("Dialing backend", slog.String("url", config.URL), slog.String("session_id", info.SessionID))

	conn, resp, err := dialer.DialContext(ctx, config.URL, config.Headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn.SetReadLimit(DefaultMaxMessageSize)

	loopCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		config:         config,
		info:           info,
		logger:         logger,
		conn:           conn,
		events:         make(chan Event, 64),
		cancel:         cancel,
		connectedSince: time.Now(),
	}

	start := protocol.SessionStart(info.SessionID, info.UserID, info.PatientID, info.PatientName, time.Now())
	if err := s.send(start); err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to announce session: %w", err)
	}

	go s.readLoop(loopCtx)
	go s.pingLoop(loopCtx)

	logger.Info("Transport session opened",
		slog.String("session_id", info.SessionID),
		slog.String("url", config.URL))

	return s, nil
}

// Events returns the channel of transport notifications. The channel is
// never closed; EventDisconnected is the terminal event.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendChunk delivers one audio chunk over the live connection. The chunk's
// sequence number travels with it so the backend acks are attributable.
func (s *Session) SendChunk(chunk *audio.Chunk) error {
	msg := protocol.AudioChunk(chunk.SessionID, chunk.Sequence, chunk.Payload, chunk.CapturedAt)
	if err := s.send(msg); err != nil {
		return fmt.Errorf("failed to send chunk %d: %w", chunk.Sequence, err)
	}

	s.mu.Lock()
	s.chunksSent++
	s.bytesSent += uint64(chunk.ByteLength)
	s.mu.Unlock()

	return nil
}

// SendPause tells the backend the session is pausing.
func (s *Session) SendPause() error {
	return s.send(protocol.SessionPause(s.info.SessionID, time.Now()))
}

// SendResume tells the backend the session is resuming.
func (s *Session) SendResume() error {
	return s.send(protocol.SessionResume(s.info.SessionID, time.Now()))
}

// SendEnd tells the backend the session is complete. The backend replies
// with streaming_stopped before closing its side.
func (s *Session) SendEnd() error {
	return s.send(protocol.SessionEnd(s.info.SessionID))
}

// send serializes one message onto the wire under the write mutex with a
// write deadline.
func (s *Session) send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// readLoop decodes backend replies into events until the connection fails.
func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(ctx, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("Discarding undecodable backend message", slog.String("error", err.Error()))
			continue
		}

		event, ok := s.translate(msg)
		if !ok {
			continue
		}

		select {
		case s.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// translate maps a backend reply to a transport event. Returns false for
// messages that need no coordinator attention.
func (s *Session) translate(msg *protocol.Message) (Event, bool) {
	switch msg.Type {
	case protocol.TypeSessionConfirmed:
		return Event{Kind: EventConfirmed}, true

	case protocol.TypeAudioReceived:
		s.mu.Lock()
		s.chunksAcked++
		if msg.Sequence > s.lastAckSequence {
			s.lastAckSequence = msg.Sequence
		}
		s.mu.Unlock()
		return Event{Kind: EventChunkAcked, Sequence: msg.Sequence}, true

	case protocol.TypeStreamingPaused:
		return Event{Kind: EventPaused}, true

	case protocol.TypeStreamingResumed:
		return Event{Kind: EventResumed}, true

	case protocol.TypeStreamingStopped:
		return Event{Kind: EventStopped}, true

	case protocol.TypeServerPing:
		// Keepalive echo, no coordinator action needed.
		return Event{}, false

	case protocol.TypeError:
		s.logger.Warn("Backend reported error",
			slog.String("session_id", s.info.SessionID),
			slog.String("message", msg.Message))
		return Event{Kind: EventServerError, Message: msg.Message}, true

	default:
		s.logger.Debug("Ignoring unknown backend message type", slog.String("type", msg.Type))
		return Event{}, false
	}
}

// pingLoop sends application-level pings so idle connections are not
// reaped by intermediaries.
func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(protocol.Ping(s.info.SessionID, time.Now())); err != nil {
				// A dead keepalive is a dead connection, even when no
				// chunk traffic is flowing to notice it.
				s.logger.Warn("Keepalive ping failed", slog.String("error", err.Error()))
				s.finish(ctx, err)
				return
			}
			s.mu.Lock()
			s.pingsSent++
			s.mu.Unlock()
		}
	}
}

// finish marks the session disconnected and delivers the terminal event.
func (s *Session) finish(ctx context.Context, err error) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}

	select {
	case s.events <- Event{Kind: EventDisconnected, Err: err}:
	case <-ctx.Done():
	}
}

// Close tears the connection down. A best-effort close frame is written
// before the socket is dropped.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()

		s.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		s.writeMu.Unlock()

		closeErr = s.conn.Close()
	})
	return closeErr
}

// IsConnected reports whether the session is still live.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.disconnected
}

// GetStats returns current transport statistics
func (s *Session) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		SessionID:       s.info.SessionID,
		Connected:       !s.disconnected,
		ConnectedSince:  s.connectedSince,
		ChunksSent:      s.chunksSent,
		BytesSent:       s.bytesSent,
		ChunksAcked:     s.chunksAcked,
		LastAckSequence: s.lastAckSequence,
		PingsSent:       s.pingsSent,
	}
}
