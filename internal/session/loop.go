package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/divij2510/medinote-stream/internal/audio"
	"github.com/divij2510/medinote-stream/internal/drain"
	"github.com/divij2510/medinote-stream/internal/recovery"
	"github.com/divij2510/medinote-stream/internal/transport"
)

// Commands posted by the public API.
type cmdPause struct{ reply chan error }
type cmdResume struct{ reply chan error }
type cmdStop struct{ reply chan error }
type cmdRetry struct{ reply chan error }
type cmdNetwork struct{ online bool }

// Async results posted by helper goroutines.
type evSendFailed struct {
	chunk *audio.Chunk
	err   error
}
type evTransport struct {
	gen   int
	event transport.Event
}
type evReconnected struct {
	gen  int
	conn Conn
}
type evReconnectFailed struct {
	gen      int
	attempts int
	err      error
}
type evHealth struct{ err error }
type evDrainDone struct {
	result drain.Result
	err    error
}

// run is the event loop. It is the only goroutine that mutates session
// state; everything else posts events.
func (c *Coordinator) run() {
	ticker := time.NewTicker(c.config.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return

		case data, ok := <-c.srcCh:
			if !ok {
				c.srcCh = nil
				c.handleSourceClosed()
				continue
			}
			if err := c.buffer.Append(data); err != nil {
				c.logger.Warn("Dropping malformed capture data", slog.String("error", err.Error()))
			}

		case <-ticker.C:
			c.handleTick()

		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev any) {
	switch e := ev.(type) {
	case cmdPause:
		e.reply <- c.handlePause()
	case cmdResume:
		e.reply <- c.handleResume()
	case cmdStop:
		c.handleStop(e.reply)
	case cmdRetry:
		e.reply <- c.handleRetry()
	case cmdNetwork:
		c.handleNetwork(e.online)
	case evSendFailed:
		c.handleSendFailed(e)
	case evTransport:
		c.handleTransport(e)
	case evReconnected:
		c.handleReconnected(e)
	case evReconnectFailed:
		c.handleReconnectFailed(e)
	case evHealth:
		c.handleHealth(e)
	case evDrainDone:
		c.handleDrainDone(e)
	}
}

// handleTick cuts chunks on the capture cadence and routes them. Paused
// sessions produce nothing.
func (c *Coordinator) handleTick() {
	for {
		state := c.State()
		if state != StateStreaming && state != StateReconnecting && state != StateOffline {
			return
		}

		chunk := c.chunker.Cut()
		if chunk == nil {
			return
		}
		c.routeChunk(chunk, state)

		if c.buffer.PendingBytes() < c.maxChunkBytes {
			return
		}
	}
}

// routeChunk applies the routing rule: Streaming sends live, every other
// capturing state goes to the durable queue. This is what keeps audio
// safe across connectivity changes.
func (c *Coordinator) routeChunk(chunk *audio.Chunk, state State) {
	c.mu.Lock()
	c.chunksCaptured++
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if state == StateStreaming && c.outbox != nil {
		select {
		case c.outbox <- chunk:
			c.mu.Lock()
			c.chunksSentLive++
			c.mu.Unlock()
			c.observer.OnChunkRouted(chunk, false)
			c.saveCheckpoint()
			return
		default:
			// Send backlog means the transport is effectively stalled.
			c.enqueueChunk(chunk)
			c.transportFailure(errors.New("send queue full"))
			return
		}
	}

	c.enqueueChunk(chunk)
	c.saveCheckpoint()
}

// enqueueChunk durably stores a chunk that could not be sent live.
func (c *Coordinator) enqueueChunk(chunk *audio.Chunk) {
	if err := c.deps.Queue.Enqueue(chunk); err != nil {
		c.logger.Error("Failed to enqueue chunk",
			slog.Uint64("sequence", chunk.Sequence),
			slog.String("error", err.Error()))
		c.observer.OnError(c.sessionIDLocked(), err)
		return
	}

	c.mu.Lock()
	c.chunksQueued++
	c.mu.Unlock()

	c.observer.OnChunkRouted(chunk, true)
	if depth, err := c.deps.Queue.Depth(chunk.SessionID); err == nil {
		c.observer.OnQueueDepth(chunk.SessionID, depth)
	}
}

func (c *Coordinator) handlePause() error {
	if c.State() != StateStreaming {
		return ErrInvalidState
	}

	// Flush pending audio while the transport is still live.
	if chunk := c.chunker.Flush(); chunk != nil {
		c.sendDirect(chunk)
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		if err := conn.SendPause(); err != nil {
			c.logger.Warn("Failed to send pause", slog.String("error", err.Error()))
		}
	}

	c.sourceStopping = true
	c.deps.Source.Stop()

	c.mu.Lock()
	c.pauseCount++
	c.mu.Unlock()
	c.setState(StatePaused)

	return nil
}

func (c *Coordinator) handleResume() error {
	if c.State() != StatePaused {
		return ErrInvalidState
	}

	srcCh, err := c.deps.Source.Start(c.loopCtx)
	if err != nil {
		c.fail(err)
		return err
	}
	c.srcCh = srcCh

	c.mu.Lock()
	c.resumeCount++
	c.mu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		// Transport was lost while paused; capture resumes into the queue
		// while the reconnect loop runs.
		c.setState(StateReconnecting)
		c.startReconnect()
		return nil
	}

	if err := conn.SendResume(); err != nil {
		c.logger.Warn("Failed to send resume", slog.String("error", err.Error()))
	}
	c.setState(StateStreaming)

	return nil
}

func (c *Coordinator) handleStop(reply chan error) {
	if c.State().Terminal() {
		reply <- ErrInvalidState
		return
	}

	c.sourceStopping = true
	c.deps.Source.Stop()
	c.stopReply = reply

	// Retire the async send path first so the tail flush and session_end
	// keep wire order behind anything still buffered.
	c.fenceOutbox()

	// Flush the tail so no captured audio is left behind. sendDirect
	// falls back to the queue when no connection is live.
	if chunk := c.chunker.Flush(); chunk != nil {
		c.sendDirect(chunk)
		c.saveCheckpoint()
	}

	c.finishStop()
}

// finishStop drains leftover queued audio if the transport is live, then
// ends the session. Called again from handleDrainDone until done.
func (c *Coordinator) finishStop() {
	depth, err := c.deps.Queue.Depth(c.sessionIDLocked())
	if err != nil {
		c.logger.Warn("Failed to read queue depth at stop", slog.String("error", err.Error()))
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn != nil && depth > 0 {
		if c.drainer.GetStats().Running {
			return // a running pass reports through handleDrainDone
		}
		if !c.stopDrained {
			c.stopDrained = true
			c.startDrain()
			return
		}
		// One completing drain was attempted; whatever is left stays
		// queued for recovery rather than holding stop open forever.
	}

	if conn != nil {
		if err := conn.SendEnd(); err != nil {
			c.logger.Warn("Failed to send session end", slog.String("error", err.Error()))
		}
	}

	c.finalize(depth)
}

// finalize completes the session: transport closed, checkpoint cleared
// when nothing is left to recover, loop stopped.
func (c *Coordinator) finalize(queueDepth int) {
	if c.finalized {
		return
	}
	c.finalized = true

	c.fenceOutbox()
	c.dropConn()

	// The fence may have reclaimed unsent chunks into the queue.
	if depth, err := c.deps.Queue.Depth(c.sessionIDLocked()); err == nil {
		queueDepth = depth
	}

	if queueDepth == 0 {
		if err := c.deps.Checkpoints.Delete(); err != nil {
			c.logger.Warn("Failed to delete checkpoint", slog.String("error", err.Error()))
		}
	}

	c.setState(StateCompleted)

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if c.stopReply != nil {
		c.stopReply <- nil
		c.stopReply = nil
	}

	c.logger.Info("Session completed",
		slog.String("session_id", c.sessionIDLocked()),
		slog.Int("queued_remaining", queueDepth))

	c.loopStop()
}

// fail ends the session on an unrecoverable local error.
func (c *Coordinator) fail(err error) {
	if c.finalized {
		return
	}
	c.finalized = true

	c.observer.OnError(c.sessionIDLocked(), err)
	c.fenceOutbox()
	c.dropConn()
	c.setState(StateError)

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if c.stopReply != nil {
		c.stopReply <- err
		c.stopReply = nil
	}

	c.logger.Error("Session failed",
		slog.String("session_id", c.sessionIDLocked()),
		slog.String("error", err.Error()))

	if c.loopStop != nil {
		c.loopStop()
	}
}

func (c *Coordinator) handleRetry() error {
	if c.State() != StateOffline {
		return ErrInvalidState
	}
	c.healthTried = false
	c.startHealthWait()
	return nil
}

func (c *Coordinator) handleNetwork(online bool) {
	c.reachable = online

	if online {
		c.healthTried = false
		if c.State() == StateOffline {
			c.startHealthWait()
		}
		return
	}

	switch c.State() {
	case StateStreaming, StatePaused:
		c.transportFailure(errors.New("network unreachable"))
	case StateReconnecting:
		c.gen++ // abandon in-flight reconnect attempts
		c.setState(StateOffline)
	}
}

func (c *Coordinator) handleSendFailed(e evSendFailed) {
	// The chunk was never delivered; keep it no matter what state we
	// have moved to since.
	c.enqueueChunk(e.chunk)
	c.saveCheckpoint()

	if e.err != nil {
		c.transportFailure(e.err)
	}
}

func (c *Coordinator) handleTransport(e evTransport) {
	if e.gen != c.gen {
		return // event from a torn-down connection
	}

	switch e.event.Kind {
	case transport.EventConfirmed:
		c.logger.Info("Backend confirmed session", slog.String("session_id", c.sessionIDLocked()))

	case transport.EventChunkAcked:
		// Some backends ack without echoing the sequence; the registry
		// resolves those against the oldest in-flight replay.
		seq := c.acks.signal(e.event.Sequence)
		if e.event.Sequence > seq {
			seq = e.event.Sequence
		}

		c.mu.Lock()
		c.chunksDelivered++
		if seq > c.lastConfirmed {
			c.lastConfirmed = seq
		}
		c.mu.Unlock()

		c.saveCheckpoint()
		c.observer.OnChunkDelivered(c.sessionIDLocked(), seq)

	case transport.EventServerError:
		c.observer.OnError(c.sessionIDLocked(), errors.New(e.event.Message))

	case transport.EventDisconnected:
		err := e.event.Err
		if err == nil {
			err = errors.New("connection closed")
		}
		c.transportFailure(err)

	default:
		// Pause/resume/stop acks need no action; our state already moved.
	}
}

// transportFailure tears down the connection and enters the recovery
// path. The failure itself never costs a chunk: anything undelivered is
// already queued by the send path.
func (c *Coordinator) transportFailure(err error) {
	state := c.State()

	if c.stopReply != nil {
		// Stop in progress: give up on the live path, leave the rest queued.
		c.logger.Warn("Transport lost during stop", slog.String("error", err.Error()))
		depth, _ := c.deps.Queue.Depth(c.sessionIDLocked())
		c.finalize(depth)
		return
	}

	if state != StateStreaming && state != StatePaused {
		return
	}

	c.logger.Warn("Transport failure",
		slog.String("session_id", c.sessionIDLocked()),
		slog.String("error", err.Error()))

	c.dropConn()
	c.observer.OnError(c.sessionIDLocked(), err)
	c.setState(StateReconnecting)

	if !c.reachable {
		// Connectivity is confirmed absent; skip the doomed dial loop.
		c.setState(StateOffline)
		return
	}

	c.startReconnect()
}

func (c *Coordinator) startReconnect() {
	gen := c.gen

	go func() {
		var lastErr error
		for attempt := 1; attempt <= c.config.ReconnectAttempts; attempt++ {
			delay := transport.Backoff(attempt, c.config.ReconnectBackoff, c.config.ReconnectBackoffMax)
			select {
			case <-c.loopCtx.Done():
				return
			case <-time.After(delay):
			}

			conn, err := c.deps.Dial(c.loopCtx, c.info)
			if err == nil {
				c.post(evReconnected{gen: gen, conn: conn})
				return
			}
			lastErr = err

			c.logger.Warn("Reconnect attempt failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.config.ReconnectAttempts),
				slog.String("error", err.Error()))
		}
		c.post(evReconnectFailed{gen: gen, attempts: c.config.ReconnectAttempts, err: lastErr})
	}()
}

func (c *Coordinator) handleReconnected(e evReconnected) {
	if e.gen != c.gen || c.State() != StateReconnecting {
		_ = e.conn.Close() // stale attempt
		return
	}

	c.adoptConn(e.conn)
	c.healthTried = false

	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
	c.observer.OnReconnected(c.sessionIDLocked())

	c.setState(StateStreaming)

	if depth, err := c.deps.Queue.Depth(c.sessionIDLocked()); err == nil && depth > 0 {
		c.startDrain()
	}
}

func (c *Coordinator) handleReconnectFailed(e evReconnectFailed) {
	if e.gen != c.gen || c.State() != StateReconnecting {
		return
	}

	c.setState(StateOffline)
	c.observer.OnReconnectFailed(c.sessionIDLocked(), e.attempts)
	if e.err != nil {
		c.observer.OnError(c.sessionIDLocked(), e.err)
	}

	// One automatic health-gated recovery per offline episode; after that,
	// wait for a connectivity event or an explicit retry.
	if c.reachable && !c.healthTried {
		c.startHealthWait()
	}
}

func (c *Coordinator) startHealthWait() {
	if c.healthBusy {
		return
	}
	c.healthBusy = true

	go func() {
		err := c.deps.Health.WaitHealthy(c.loopCtx)
		c.post(evHealth{err: err})
	}()
}

func (c *Coordinator) handleHealth(e evHealth) {
	c.healthBusy = false
	c.healthTried = true

	if c.State() != StateOffline {
		return
	}

	if e.err != nil {
		// Exhausted: stay offline with the queue intact until the next
		// connectivity event or explicit retry.
		c.observer.OnError(c.sessionIDLocked(), e.err)
		return
	}

	c.setState(StateReconnecting)
	c.startReconnect()
}

func (c *Coordinator) startDrain() {
	go func() {
		result, err := c.drainer.Drain(c.loopCtx, c.sessionIDLocked())
		if errors.Is(err, drain.ErrDrainInProgress) {
			return // the running pass reports for both
		}
		c.post(evDrainDone{result: result, err: err})
	}()
}

func (c *Coordinator) handleDrainDone(e evDrainDone) {
	c.observer.OnDrainPass(c.sessionIDLocked(), e.result.Delivered, e.result.Skipped)
	if depth, err := c.deps.Queue.Depth(c.sessionIDLocked()); err == nil {
		c.observer.OnQueueDepth(c.sessionIDLocked(), depth)
	}

	if e.err != nil {
		c.logger.Warn("Drain pass ended with error", slog.String("error", e.err.Error()))
	}

	if c.stopReply != nil {
		c.finishStop()
	}
}

// handleSourceClosed reacts to the capture channel closing. Intentional
// stops (pause, stop) are expected; anything else is a dead capture
// device, which is fatal.
func (c *Coordinator) handleSourceClosed() {
	if c.sourceStopping {
		c.sourceStopping = false
		return
	}
	if c.State().Terminal() {
		return
	}
	c.fail(errors.New("capture source closed unexpectedly"))
}

// sendDirect writes a chunk synchronously on the live connection, used
// for flush-before-pause and flush-before-stop where ordering against a
// following control message matters.
func (c *Coordinator) sendDirect(chunk *audio.Chunk) {
	c.mu.Lock()
	c.chunksCaptured++
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		c.enqueueChunk(chunk)
		return
	}

	if err := conn.SendChunk(chunk); err != nil {
		c.enqueueChunk(chunk)
		c.transportFailure(err)
		return
	}

	c.mu.Lock()
	c.chunksSentLive++
	c.mu.Unlock()
	c.observer.OnChunkRouted(chunk, false)
}

// adoptConn installs a live connection and starts its send and event
// pump goroutines, tagged with a generation so stale events are ignored.
func (c *Coordinator) adoptConn(conn Conn) {
	c.gen++

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.outbox = make(chan *audio.Chunk, 256)
	c.sendDone = make(chan struct{})

	go func(outbox <-chan *audio.Chunk, done chan struct{}) {
		defer close(done)
		c.sendLoop(conn, outbox)
	}(c.outbox, c.sendDone)
	go c.pumpEvents(c.gen, conn)
}

// fenceOutbox retires the live send path: the outbox is closed, the send
// loop is waited out, and its unsent reports are applied immediately, so
// a control message written afterwards cannot overtake a buffered chunk
// and no chunk is stranded when the loop stops.
func (c *Coordinator) fenceOutbox() {
	if c.outbox == nil {
		return
	}
	close(c.outbox)
	c.outbox = nil

	var leftover []any
	done := c.sendDone
	c.sendDone = nil
	for done != nil {
		select {
		case <-done:
			done = nil
		case ev := <-c.events:
			if sf, ok := ev.(evSendFailed); ok {
				c.enqueueChunk(sf.chunk)
			} else {
				leftover = append(leftover, ev)
			}
		}
	}

	// The send loop has exited; anything it posted is in the events
	// channel by now.
	for {
		select {
		case ev := <-c.events:
			if sf, ok := ev.(evSendFailed); ok {
				c.enqueueChunk(sf.chunk)
			} else {
				leftover = append(leftover, ev)
			}
			continue
		default:
		}
		break
	}

	for _, ev := range leftover {
		c.post(ev)
	}
}

// dropConn closes and forgets the live connection.
func (c *Coordinator) dropConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if c.outbox != nil {
		close(c.outbox)
		c.outbox = nil
	}
	c.gen++
}

// sendLoop serializes live chunk sends for one connection. After the
// first failure every remaining chunk is reported back unsent so it can
// be queued; nothing is ever silently dropped.
func (c *Coordinator) sendLoop(conn Conn, outbox <-chan *audio.Chunk) {
	failed := false
	for chunk := range outbox {
		if failed {
			c.post(evSendFailed{chunk: chunk})
			continue
		}
		if err := conn.SendChunk(chunk); err != nil {
			failed = true
			c.post(evSendFailed{chunk: chunk, err: err})
		}
	}
}

// pumpEvents forwards transport events into the loop until the
// connection disconnects.
func (c *Coordinator) pumpEvents(gen int, conn Conn) {
	for {
		select {
		case <-c.loopCtx.Done():
			return
		case ev := <-conn.Events():
			c.post(evTransport{gen: gen, event: ev})
			if ev.Kind == transport.EventDisconnected {
				return
			}
		}
	}
}

// saveCheckpoint persists the recovery checkpoint opportunistically. A
// failed save is logged, never fatal.
func (c *Coordinator) saveCheckpoint() {
	cp := &recovery.Checkpoint{
		SessionID:             c.info.SessionID,
		UserID:                c.info.UserID,
		PatientID:             c.info.PatientID,
		PatientName:           c.info.PatientName,
		LastSequence:          c.chunker.LastSequence(),
		LastConfirmedSequence: c.lastConfirmedLocked(),
		StartedAt:             c.startedAtLocked(),
	}

	if err := c.deps.Checkpoints.Save(cp); err != nil {
		c.logger.Warn("Failed to save checkpoint", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	sessionID := c.sessionID
	c.mu.Unlock()

	c.logger.Info("Session state changed",
		slog.String("session_id", sessionID),
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	c.observer.OnStateChange(sessionID, from, to)
}

func (c *Coordinator) sessionIDLocked() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Coordinator) lastConfirmedLocked() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastConfirmed
}

func (c *Coordinator) startedAtLocked() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}
