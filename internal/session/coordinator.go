package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/divij2510/medinote-stream/internal/audio"
	"github.com/divij2510/medinote-stream/internal/capture"
	"github.com/divij2510/medinote-stream/internal/drain"
	"github.com/divij2510/medinote-stream/internal/health"
	"github.com/divij2510/medinote-stream/internal/queue"
	"github.com/divij2510/medinote-stream/internal/recovery"
	"github.com/divij2510/medinote-stream/internal/transport"
)

// Default coordinator constants.
const (
	DefaultChunkInterval       = 100 * time.Millisecond
	DefaultReconnectAttempts   = 5
	DefaultReconnectBackoff    = time.Second
	DefaultReconnectBackoffMax = 30 * time.Second
	DefaultAckTimeout          = 10 * time.Second
)

// Coordinator errors.
var (
	ErrSessionActive   = fmt.Errorf("a session is already active")
	ErrNoActiveSession = fmt.Errorf("no active session")
	ErrNotConnected    = fmt.Errorf("transport not connected")
	ErrInvalidState    = fmt.Errorf("operation not valid in current state")
)

// Conn is the transport surface the coordinator drives. *transport.Session
// satisfies it; tests substitute fakes.
type Conn interface {
	SendChunk(chunk *audio.Chunk) error
	SendPause() error
	SendResume() error
	SendEnd() error
	Events() <-chan transport.Event
	Close() error
}

// Dialer opens a transport session for the given identity.
type Dialer func(ctx context.Context, info transport.StartInfo) (Conn, error)

// Config holds coordinator policy knobs.
type Config struct {
	// ChunkInterval is the capture cadence. Defaults to DefaultChunkInterval.
	ChunkInterval time.Duration

	// ReconnectAttempts bounds the reconnect loop. Defaults to
	// DefaultReconnectAttempts.
	ReconnectAttempts int

	// ReconnectBackoff is the initial reconnect delay, doubled per attempt.
	// Defaults to DefaultReconnectBackoff.
	ReconnectBackoff time.Duration

	// ReconnectBackoffMax caps the reconnect delay. Defaults to
	// DefaultReconnectBackoffMax.
	ReconnectBackoffMax time.Duration

	// AckTimeout bounds how long a replayed chunk waits for its backend
	// confirmation. Defaults to DefaultAckTimeout.
	AckTimeout time.Duration

	// Drain configures replay pacing.
	Drain drain.Config
}

func (c *Config) defaults() {
	if c.ChunkInterval == 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.ReconnectBackoffMax == 0 {
		c.ReconnectBackoffMax = DefaultReconnectBackoffMax
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
}

// Deps are the collaborators the coordinator drives. All are required
// except Observer, which defaults to NopObserver.
type Deps struct {
	Source      capture.Source
	Queue       *queue.Queue
	Health      *health.Monitor
	Checkpoints *recovery.CheckpointStore
	Dial        Dialer
	Observer    Observer
	Logger      *slog.Logger
}

// StartOptions carries the identity for a new session, or the checkpoint
// of an interrupted one to resume.
type StartOptions struct {
	UserID      string
	PatientID   string
	PatientName string

	// Resume continues an interrupted session: its id is reused and
	// sequence numbering continues after the last chunk ever cut, so
	// queued unconfirmed chunks keep their numbers for replay.
	Resume *recovery.Checkpoint
}

// Stats represents coordinator statistics
type Stats struct {
	SessionID       string        `json:"session_id"`
	State           string        `json:"state"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	Duration        time.Duration `json:"duration"`
	ChunksCaptured  uint64        `json:"chunks_captured"`
	ChunksSentLive  uint64        `json:"chunks_sent_live"`
	ChunksQueued    uint64        `json:"chunks_queued"`
	ChunksDelivered uint64        `json:"chunks_delivered"`
	LastSequence    uint64        `json:"last_sequence"`
	LastConfirmed   uint64        `json:"last_confirmed"`
	Reconnects      uint64        `json:"reconnects"`
	PauseCount      uint64        `json:"pause_count"`
	ResumeCount     uint64        `json:"resume_count"`
	LastActivity    time.Time     `json:"last_activity,omitempty"`
}

// Coordinator is the session state machine. One coordinator runs at most
// one session at a time; all session state is mutated only on its event
// loop goroutine.
type Coordinator struct {
	config   Config
	deps     Deps
	drainer  *drain.Drainer
	logger   *slog.Logger
	observer Observer

	// Event loop plumbing. events carries commands and async results; the
	// loop goroutine is the only writer of session state.
	events chan any

	// Live connection handle, shared with the replay deliverer.
	connMu sync.RWMutex
	conn   Conn

	// Ack waiters for replayed chunks.
	acks ackRegistry

	// Snapshot fields readable outside the loop.
	mu              sync.RWMutex
	running         bool
	sessionID       string
	state           State
	startedAt       time.Time
	chunksCaptured  uint64
	chunksSentLive  uint64
	chunksQueued    uint64
	chunksDelivered uint64
	lastConfirmed   uint64
	reconnects      uint64
	pauseCount      uint64
	resumeCount     uint64
	lastActivity    time.Time

	// Loop-owned fields, never touched outside run().
	info           transport.StartInfo
	buffer         *audio.CaptureBuffer
	chunker        *audio.Chunker
	srcCh          <-chan []byte
	outbox         chan *audio.Chunk
	sendDone       chan struct{}
	maxChunkBytes  int
	gen            int
	reachable      bool
	healthBusy     bool
	healthTried    bool
	sourceStopping bool
	stopDrained    bool
	finalized      bool
	stopReply      chan error
	loopCtx        context.Context
	loopStop       context.CancelFunc
}

// NewCoordinator creates a session coordinator.
func NewCoordinator(config Config, deps Deps) *Coordinator {
	config.defaults()

	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}

	c := &Coordinator{
		config:    config,
		deps:      deps,
		logger:    deps.Logger,
		observer:  deps.Observer,
		events:    make(chan any, 256),
		state:     StateIdle,
		reachable: true,
	}
	c.acks.waiters = make(map[uint64]chan struct{})
	c.drainer = drain.NewDrainer(config.Drain, deps.Queue, drain.DelivererFunc(c.deliver), deps.Logger)

	return c
}

// Start begins a capture session. It dials the backend, starts the sample
// source, and launches the event loop. A handshake or capture failure is
// fatal: the session lands in Error and is not retried.
func (c *Coordinator) Start(ctx context.Context, opts StartOptions) (string, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return "", ErrSessionActive
	}
	c.running = true
	c.mu.Unlock()

	sessionID := uuid.NewString()
	var startSequence uint64
	if opts.Resume != nil {
		sessionID = opts.Resume.SessionID
		// Capture restarts after the highest sequence ever cut, confirmed
		// or not: anything between last confirmed and last cut is still in
		// the durable queue and will be replayed, so reusing those numbers
		// would put two different chunks on the wire for one sequence.
		startSequence = opts.Resume.LastSequence
		if opts.Resume.LastConfirmedSequence > startSequence {
			startSequence = opts.Resume.LastConfirmedSequence
		}
		if opts.UserID == "" {
			opts.UserID = opts.Resume.UserID
		}
		if opts.PatientID == "" {
			opts.PatientID = opts.Resume.PatientID
		}
		if opts.PatientName == "" {
			opts.PatientName = opts.Resume.PatientName
		}
	}

	c.info = transport.StartInfo{
		SessionID:   sessionID,
		UserID:      opts.UserID,
		PatientID:   opts.PatientID,
		PatientName: opts.PatientName,
	}

	var lastConfirmed uint64
	if opts.Resume != nil {
		lastConfirmed = opts.Resume.LastConfirmedSequence
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.startedAt = time.Now()
	c.lastConfirmed = lastConfirmed
	c.chunksCaptured = 0
	c.chunksSentLive = 0
	c.chunksQueued = 0
	c.chunksDelivered = 0
	c.reconnects = 0
	c.pauseCount = 0
	c.resumeCount = 0
	c.lastActivity = time.Time{}
	c.mu.Unlock()

	c.finalized = false
	c.stopDrained = false
	c.sourceStopping = false
	c.healthBusy = false

	c.setState(StateConnecting)

	c.buffer = audio.NewCaptureBuffer(sessionID)
	c.chunker = audio.NewChunker(audio.ChunkerConfig{
		SessionID:     sessionID,
		ChunkInterval: c.config.ChunkInterval,
		StartSequence: startSequence,
	}, c.buffer)
	c.maxChunkBytes = int(c.config.ChunkInterval.Seconds() * audio.SampleRate * audio.BytesPerSample)

	loopCtx, loopStop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.loopCtx, c.loopStop = loopCtx, loopStop
	c.mu.Unlock()

	srcCh, err := c.deps.Source.Start(c.loopCtx)
	if err != nil {
		c.fail(fmt.Errorf("capture source failed: %w", err))
		return "", err
	}
	c.srcCh = srcCh

	conn, err := c.deps.Dial(ctx, c.info)
	if err != nil {
		c.deps.Source.Stop()
		c.fail(fmt.Errorf("handshake failed: %w", err))
		return "", err
	}

	c.adoptConn(conn)
	c.setState(StateStreaming)

	c.logger.Info("Session started",
		slog.String("session_id", sessionID),
		slog.Uint64("start_sequence", startSequence),
		slog.Bool("resumed", opts.Resume != nil))

	go c.run()

	// A resumed session may have leftover queued audio from before the
	// interruption; replay it right away.
	if depth, derr := c.deps.Queue.Depth(sessionID); derr == nil && depth > 0 {
		c.startDrain()
	}

	return sessionID, nil
}

// Pause suspends capture: the pending buffer is flushed while the
// transport is still live, session_pause is sent, and chunk production
// stops until Resume.
func (c *Coordinator) Pause() error {
	return c.command(cmdPause{})
}

// Resume continues a paused session with unbroken sequence numbering.
func (c *Coordinator) Resume() error {
	return c.command(cmdResume{})
}

// Stop ends the session. Pending audio is flushed, queued audio is
// drained if the backend is reachable, session_end is sent best-effort,
// and the session transitions to Completed. Stop blocks until then.
func (c *Coordinator) Stop() error {
	return c.command(cmdStop{})
}

// NotifyNetworkChange posts a device-level reachability change. Going
// offline tears the transport down; coming back online triggers the
// health-gated recovery path.
func (c *Coordinator) NotifyNetworkChange(online bool) {
	c.post(cmdNetwork{online: online})
}

// RetryConnectivity requests another health-gated recovery attempt from
// Offline, for explicit user action after health exhaustion.
func (c *Coordinator) RetryConnectivity() error {
	return c.command(cmdRetry{})
}

// State returns the current session state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the active session id, empty when idle.
func (c *Coordinator) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// GetStats returns current coordinator statistics
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var duration time.Duration
	if !c.startedAt.IsZero() {
		duration = time.Since(c.startedAt)
	}

	var lastSequence uint64
	if c.chunker != nil {
		lastSequence = c.chunker.LastSequence()
	}

	return Stats{
		SessionID:       c.sessionID,
		State:           c.state.String(),
		StartedAt:       c.startedAt,
		Duration:        duration,
		ChunksCaptured:  c.chunksCaptured,
		ChunksSentLive:  c.chunksSentLive,
		ChunksQueued:    c.chunksQueued,
		ChunksDelivered: c.chunksDelivered,
		LastSequence:    lastSequence,
		LastConfirmed:   c.lastConfirmed,
		Reconnects:      c.reconnects,
		PauseCount:      c.pauseCount,
		ResumeCount:     c.resumeCount,
		LastActivity:    c.lastActivity,
	}
}

// command posts a command and waits for the loop to act on it.
func (c *Coordinator) command(cmd any) error {
	reply := make(chan error, 1)

	switch v := cmd.(type) {
	case cmdPause:
		v.reply = reply
		cmd = v
	case cmdResume:
		v.reply = reply
		cmd = v
	case cmdStop:
		v.reply = reply
		cmd = v
	case cmdRetry:
		v.reply = reply
		cmd = v
	}

	c.mu.RLock()
	ctx := c.loopCtx
	c.mu.RUnlock()

	if !c.post(cmd) {
		return ErrNoActiveSession
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		// The loop may have replied just before shutting down.
		select {
		case err := <-reply:
			return err
		default:
			return ErrNoActiveSession
		}
	}
}

// post delivers an event to the loop; false means no loop is running.
func (c *Coordinator) post(ev any) bool {
	c.mu.RLock()
	running := c.running
	ctx := c.loopCtx
	c.mu.RUnlock()

	if !running || ctx == nil {
		return false
	}

	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// ackRegistry correlates replayed chunks with their backend acks.
type ackRegistry struct {
	mu      sync.Mutex
	waiters map[uint64]chan struct{}
}

func (r *ackRegistry) register(sequence uint64) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.waiters[sequence] = ch
	return ch
}

func (r *ackRegistry) cancel(sequence uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, sequence)
}

// signal completes the waiter for sequence and returns the sequence it
// confirmed. A zero sequence means the backend's audio_received carried
// no sequence number; replay is strictly ordered, so the oldest in-flight
// chunk is the one being acknowledged.
func (r *ackRegistry) signal(sequence uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sequence == 0 {
		for seq := range r.waiters {
			if sequence == 0 || seq < sequence {
				sequence = seq
			}
		}
		if sequence == 0 {
			return 0
		}
	}

	if ch, ok := r.waiters[sequence]; ok {
		close(ch)
		delete(r.waiters, sequence)
		return sequence
	}
	return 0
}

// deliver replays one queued chunk over the live transport and waits for
// the backend's confirmation. Used by the drainer.
func (c *Coordinator) deliver(ctx context.Context, chunk *audio.Chunk) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	waiter := c.acks.register(chunk.Sequence)
	defer c.acks.cancel(chunk.Sequence)

	if err := conn.SendChunk(chunk); err != nil {
		return err
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.config.AckTimeout):
		return fmt.Errorf("no confirmation for chunk %d within %v", chunk.Sequence, c.config.AckTimeout)
	}
}
