package drain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/divij2510/medinote-stream/internal/audio"
	"github.com/divij2510/medinote-stream/internal/queue"
)

// Default pacing constants. Each replayed chunk waits base + step*index
// before it is sent so a long backlog ramps up gently.
const (
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultStepDelay = 5 * time.Millisecond
)

// ErrDrainInProgress is returned when a drain is requested while another
// one is still running for the same drainer.
var ErrDrainInProgress = fmt.Errorf("drain already in progress")

// Deliverer sends one replayed chunk and blocks until the backend confirms
// delivery or the attempt fails.
type Deliverer interface {
	Deliver(ctx context.Context, chunk *audio.Chunk) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, chunk *audio.Chunk) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, chunk *audio.Chunk) error {
	return f(ctx, chunk)
}

// Config configures drain pacing.
type Config struct {
	// BaseDelay is the wait before every replayed chunk. Defaults to
	// DefaultBaseDelay.
	BaseDelay time.Duration

	// StepDelay is the additional wait per chunk index within one drain
	// pass. Defaults to DefaultStepDelay.
	StepDelay time.Duration
}

func (c *Config) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.StepDelay == 0 {
		c.StepDelay = DefaultStepDelay
	}
}

// Result summarizes one drain pass.
type Result struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
}

// Complete reports whether every queued chunk in the pass was delivered.
func (r Result) Complete() bool {
	return r.Skipped == 0
}

// Stats represents drainer statistics
type Stats struct {
	Passes         uint64 `json:"passes"`
	TotalDelivered uint64 `json:"total_delivered"`
	TotalSkipped   uint64 `json:"total_skipped"`
	Running        bool   `json:"running"`
}

// Drainer replays the durable queue through a Deliverer. Only one drain
// pass runs at a time; concurrent requests are rejected with
// ErrDrainInProgress rather than queued.
type Drainer struct {
	config    Config
	queue     *queue.Queue
	deliverer Deliverer
	logger    *slog.Logger

	running sync.Mutex // held for the duration of a pass

	// Statistics
	mu             sync.RWMutex
	passes         uint64
	totalDelivered uint64
	totalSkipped   uint64
	active         bool
}

// NewDrainer creates a drainer over the durable queue.
func NewDrainer(config Config, q *queue.Queue, deliverer Deliverer, logger *slog.Logger) *Drainer {
	config.defaults()

	return &Drainer{
		config:    config,
		queue:     q,
		deliverer: deliverer,
		logger:    logger,
	}
}

// Drain replays every chunk queued for the session in sequence order.
// A failed chunk is skipped, its attempt count recorded, and the pass
// continues with the next chunk; skipped chunks stay queued for the next
// pass. Draining an empty queue is a no-op.
func (d *Drainer) Drain(ctx context.Context, sessionID string) (Result, error) {
	if !d.running.TryLock() {
		return Result{}, ErrDrainInProgress
	}
	defer d.running.Unlock()

	d.setActive(true)
	defer d.setActive(false)

	entries, err := d.queue.PeekOrdered(sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot queue: %w", err)
	}

	if len(entries) == 0 {
		return Result{}, nil
	}

	d.logger.Info("Draining queued chunks",
		slog.String("session_id", sessionID),
		slog.Int("depth", len(entries)))

	var result Result
	for i, entry := range entries {
		delay := d.config.BaseDelay + time.Duration(i)*d.config.StepDelay
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}

		result.Attempted++

		if err := d.deliverer.Deliver(ctx, entry.Chunk()); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}

			result.Skipped++
			if aerr := d.queue.IncrementAttempt(sessionID, entry.Sequence); aerr != nil {
				d.logger.Warn("Failed to record delivery attempt",
					slog.Uint64("sequence", entry.Sequence),
					slog.String("error", aerr.Error()))
			}

			d.logger.Warn("Chunk replay failed, keeping queued",
				slog.Uint64("sequence", entry.Sequence),
				slog.String("error", err.Error()))
			continue
		}

		if err := d.queue.RemoveConfirmed(sessionID, entry.Sequence); err != nil {
			d.logger.Warn("Failed to remove delivered chunk",
				slog.Uint64("sequence", entry.Sequence),
				slog.String("error", err.Error()))
		}
		result.Delivered++
	}

	d.mu.Lock()
	d.passes++
	d.totalDelivered += uint64(result.Delivered)
	d.totalSkipped += uint64(result.Skipped)
	d.mu.Unlock()

	d.logger.Info("Drain pass finished",
		slog.String("session_id", sessionID),
		slog.Int("delivered", result.Delivered),
		slog.Int("skipped", result.Skipped))

	return result, nil
}

func (d *Drainer) setActive(v bool) {
	d.mu.Lock()
	d.active = v
	d.mu.Unlock()
}

// GetStats returns current drainer statistics
func (d *Drainer) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Stats{
		Passes:         d.passes,
		TotalDelivered: d.totalDelivered,
		TotalSkipped:   d.totalSkipped,
		Running:        d.active,
	}
}
