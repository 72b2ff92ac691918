package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

// MicSource captures microphone audio by piping arecord's raw PCM output.
// It implements Source.
type MicSource struct {
	sampleRate int
	channels   int
	device     string
	logger     *slog.Logger

	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// NewMicSource creates a microphone source. device selects the ALSA capture
// device; empty means the system default.
func NewMicSource(sampleRate, channels int, device string, logger *slog.Logger) *MicSource {
	return &MicSource{
		sampleRate: sampleRate,
		channels:   channels,
		device:     device,
		logger:     logger,
	}
}

// Start launches arecord and returns a channel of raw PCM reads. The channel
// is closed when the process exits or the context is cancelled.
func (m *MicSource) Start(ctx context.Context) (<-chan []byte, error) {
	// Stop any previous run so its arecord process and reader goroutine are
	// not orphaned.
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	args := []string{
		"-r", strconv.Itoa(m.sampleRate),
		"-f", "S16_LE",
		"-c", strconv.Itoa(m.channels),
		"-t", "raw",
		"-q",
	}
	if m.device != "" {
		args = append(args, "-D", m.device)
	}

	m.cmd = exec.CommandContext(ctx, "arecord", args...)

	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating arecord pipe: %w", err)
	}

	if err := m.cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting arecord: %w", err)
	}

	m.logger.Info("Microphone capture started",
		slog.Int("sample_rate", m.sampleRate),
		slog.Int("channels", m.channels),
		slog.Int("pid", m.cmd.Process.Pid))

	cmd := m.cmd // capture before m.cmd may be overwritten by a restart
	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		defer cmd.Wait() //nolint:errcheck // reap the process to avoid zombies

		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- data:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("Microphone capture ended", slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	return ch, nil
}

// Stop terminates the arecord process.
func (m *MicSource) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}
