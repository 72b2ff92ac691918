package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divij2510/medinote-stream/internal/audio"
	"github.com/divij2510/medinote-stream/internal/protocol"
)

// wsUpgrader is the test WebSocket upgrader.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// backendServer emulates the streaming backend: it confirms session_start
// and acks every audio chunk with its sequence number.
func backendServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}

			var reply *protocol.Message
			switch msg.Type {
			case protocol.TypeSessionStart:
				reply = &protocol.Message{Type: protocol.TypeSessionConfirmed, SessionID: msg.SessionID, Status: "ready"}
			case protocol.TypeAudioChunk:
				reply = &protocol.Message{Type: protocol.TypeAudioReceived, SessionID: msg.SessionID, Sequence: msg.Sequence}
			case protocol.TypeSessionPause:
				reply = &protocol.Message{Type: protocol.TypeStreamingPaused, SessionID: msg.SessionID}
			case protocol.TypeSessionResume:
				reply = &protocol.Message{Type: protocol.TypeStreamingResumed, SessionID: msg.SessionID}
			case protocol.TypeSessionEnd:
				reply = &protocol.Message{Type: protocol.TypeStreamingStopped, SessionID: msg.SessionID}
			default:
				continue
			}

			out, err := reply.Encode()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
}

// wsURL converts an HTTP test server URL to a WebSocket URL.
func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInfo() StartInfo {
	return StartInfo{SessionID: "sess-1", UserID: "user-1", PatientID: "pat-1", PatientName: "Test Patient"}
}

func waitForEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event kind %d", kind)
		}
	}
}

func TestSession_OpenAndConfirm(t *testing.T) {
	srv := backendServer(t)
	defer srv.Close()

	s, err := Open(context.Background(), Config{URL: wsURL(srv)}, testInfo(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	waitForEvent(t, s, EventConfirmed)
	assert.True(t, s.IsConnected())
}

func TestSession_OpenFailsWhenNothingListening(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "ws://localhost:1", DialTimeout: time.Second}, testInfo(), testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestSession_ChunkAcked(t *testing.T) {
	srv := backendServer(t)
	defer srv.Close()

	s, err := Open(context.Background(), Config{URL: wsURL(srv)}, testInfo(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	waitForEvent(t, s, EventConfirmed)

	chunk := &audio.Chunk{
		SessionID:  "sess-1",
		Sequence:   7,
		Payload:    make([]byte, 3200),
		ByteLength: 3200,
		CapturedAt: time.Now(),
	}
	require.NoError(t, s.SendChunk(chunk))

	ev := waitForEvent(t, s, EventChunkAcked)
	assert.Equal(t, uint64(7), ev.Sequence)

	stats := s.GetStats()
	assert.Equal(t, uint64(1), stats.ChunksSent)
	assert.Equal(t, uint64(3200), stats.BytesSent)
	assert.Equal(t, uint64(7), stats.LastAckSequence)
}

func TestSession_PauseResumeEnd(t *testing.T) {
	srv := backendServer(t)
	defer srv.Close()

	s, err := Open(context.Background(), Config{URL: wsURL(srv)}, testInfo(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	waitForEvent(t, s, EventConfirmed)

	require.NoError(t, s.SendPause())
	waitForEvent(t, s, EventPaused)

	require.NoError(t, s.SendResume())
	waitForEvent(t, s, EventResumed)

	require.NoError(t, s.SendEnd())
	waitForEvent(t, s, EventStopped)
}

func TestSession_DisconnectOnServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the connection right after the handshake message.
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	s, err := Open(context.Background(), Config{URL: wsURL(srv)}, testInfo(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	ev := waitForEvent(t, s, EventDisconnected)
	assert.Error(t, ev.Err)
	assert.False(t, s.IsConnected())
}

func TestSession_ServerErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, _, _ = conn.ReadMessage() // session_start
		reply := &protocol.Message{Type: protocol.TypeError, Message: "session rejected"}
		out, _ := reply.Encode()
		_ = conn.WriteMessage(websocket.TextMessage, out)
		_, _, _ = conn.ReadMessage() // hold until client closes
	}))
	defer srv.Close()

	s, err := Open(context.Background(), Config{URL: wsURL(srv)}, testInfo(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	ev := waitForEvent(t, s, EventServerError)
	assert.Equal(t, "session rejected", ev.Message)
}

func TestSession_PingFailureReportsDisconnect(t *testing.T) {
	srv := backendServer(t)
	defer srv.Close()

	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	conn, resp, err := dialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &Session{
		config: Config{PingInterval: 20 * time.Millisecond, WriteTimeout: time.Second},
		info:   testInfo(),
		logger: testLogger(),
		conn:   conn,
		events: make(chan Event, 64),
		cancel: func() {},
	}

	// Kill the socket out from under the keepalive. Only the ping loop is
	// running, so it is the one that has to notice the connection is gone.
	require.NoError(t, conn.Close())
	go s.pingLoop(context.Background())

	ev := waitForEvent(t, s, EventDisconnected)
	assert.Error(t, ev.Err)
	assert.False(t, s.IsConnected())
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(attempt, base, max)
		if d < 0 {
			t.Errorf("attempt %d: negative delay %v", attempt, d)
		}
		// +25% jitter over the cap is the worst case.
		if d > max+max/4 {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
	}

	// Later attempts should be allowed to grow toward the cap.
	late := Backoff(10, base, max)
	if late < max/2 {
		t.Errorf("attempt 10 should be near the cap, got %v", late)
	}
}
