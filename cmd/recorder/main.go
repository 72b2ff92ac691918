package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/divij2510/medinote-stream/internal/capture"
	"github.com/divij2510/medinote-stream/internal/config"
	"github.com/divij2510/medinote-stream/internal/drain"
	"github.com/divij2510/medinote-stream/internal/health"
	"github.com/divij2510/medinote-stream/internal/metrics"
	"github.com/divij2510/medinote-stream/internal/playback"
	"github.com/divij2510/medinote-stream/internal/queue"
	"github.com/divij2510/medinote-stream/internal/recovery"
	"github.com/divij2510/medinote-stream/internal/server"
	"github.com/divij2510/medinote-stream/internal/session"
	"github.com/divij2510/medinote-stream/internal/transport"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "medinote-stream"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	userID := flag.String("user", "", "Clinician user id for the session")
	patientID := flag.String("patient-id", "", "Patient id for the session")
	patientName := flag.String("patient-name", "", "Patient display name")
	device := flag.String("device", "", "ALSA capture device (empty for default)")
	tone := flag.Bool("tone", false, "Use a synthetic tone source instead of the microphone")
	resumePending := flag.Bool("resume", false, "Resume an interrupted session if one is found")
	discardPending := flag.Bool("discard", false, "Discard an interrupted session if one is found")
	export := flag.String("export", "", "Session id to reconstruct as a WAV file, then exit")
	exportOut := flag.String("out", "session.wav", "Output path for -export")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Recorder starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("stream_url", cfg.Backend.StreamURL),
		slog.String("health_url", cfg.Backend.HealthURL),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("chunk_interval", cfg.Audio.ChunkInterval),
		slog.String("queue_path", cfg.Queue.Path),
		slog.String("checkpoint_path", cfg.Recovery.CheckpointPath),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Export mode needs no session machinery.
	if *export != "" {
		if err := exportSession(cfg, logger, *export, *exportOut); err != nil {
			logger.Error("Export failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Open the durable chunk queue
	q, err := queue.Open(cfg.Queue.Path, logger)
	if err != nil {
		logger.Error("Failed to open chunk queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer q.Close()
	logger.Info("Chunk queue opened", slog.String("path", cfg.Queue.Path))

	// Checkpoint store and recovery manager
	checkpoints := recovery.NewCheckpointStore(cfg.Recovery.CheckpointPath, logger)
	recoveryMgr := recovery.NewManager(checkpoints, q, logger)

	// Backend health monitor
	monitor := health.NewMonitor(health.Config{
		URL:           cfg.Backend.HealthURL,
		CheckInterval: cfg.Health.GetCheckInterval(),
		MaxAttempts:   cfg.Health.MaxAttempts,
		Timeout:       cfg.Health.GetTimeout(),
		OnProbe:       appMetrics.RecordHealthCheck,
	}, logger)

	// Audio source
	var source capture.Source
	if *tone {
		source = capture.NewToneSource(cfg.Audio.SampleRate, 440, cfg.Audio.GetChunkInterval())
		logger.Info("Using synthetic tone source")
	} else {
		source = capture.NewMicSource(cfg.Audio.SampleRate, cfg.Audio.Channels, *device, logger)
		logger.Info("Using microphone source", slog.String("device", *device))
	}

	// Transport dialer
	transportCfg := transport.Config{
		URL:          cfg.Backend.StreamURL,
		DialTimeout:  cfg.Backend.GetDialTimeout(),
		WriteTimeout: cfg.Backend.GetWriteTimeout(),
		PingInterval: cfg.Backend.GetPingInterval(),
	}
	dial := func(ctx context.Context, info transport.StartInfo) (session.Conn, error) {
		return transport.Open(ctx, transportCfg, info, logger)
	}

	// Session coordinator
	coordinator := session.NewCoordinator(session.Config{
		ChunkInterval:       cfg.Audio.GetChunkInterval(),
		ReconnectAttempts:   cfg.Backend.ReconnectAttempts,
		ReconnectBackoff:    cfg.Backend.GetReconnectBackoff(),
		ReconnectBackoffMax: cfg.Backend.GetReconnectBackoffMax(),
		Drain: drain.Config{
			BaseDelay: cfg.Drain.GetBaseDelay(),
			StepDelay: cfg.Drain.GetStepDelay(),
		},
	}, session.Deps{
		Source:      source,
		Queue:       q,
		Health:      monitor,
		Checkpoints: checkpoints,
		Dial:        dial,
		Observer:    metrics.NewSessionObserver(appMetrics),
		Logger:      logger,
	})

	// Monitoring HTTP server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.Ops.Enabled {
		httpServer = server.NewHTTPServer(cfg.Ops, logger, cfg, coordinator, q, monitor)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start monitoring server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Resolve any interrupted session before starting a new one.
	opts := session.StartOptions{
		UserID:      *userID,
		PatientID:   *patientID,
		PatientName: *patientName,
	}

	pending, err := recoveryMgr.Detect()
	if err != nil {
		logger.Error("Recovery detection failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if pending != nil {
		logger.Warn("Interrupted session found",
			slog.String("session_id", pending.Checkpoint.SessionID),
			slog.Uint64("last_confirmed", pending.Checkpoint.LastConfirmedSequence),
			slog.Int("queued_chunks", pending.QueuedChunks),
		)

		switch {
		case *resumePending:
			cp, err := recoveryMgr.Resume(pending)
			if err != nil {
				logger.Error("Failed to resume session", slog.String("error", err.Error()))
				os.Exit(1)
			}
			opts.Resume = cp
		case *discardPending:
			if err := recoveryMgr.Dismiss(pending); err != nil {
				logger.Error("Failed to discard session", slog.String("error", err.Error()))
				os.Exit(1)
			}
			logger.Info("Interrupted session discarded; queued audio kept",
				slog.String("session_id", pending.Checkpoint.SessionID))
		default:
			fmt.Fprintln(os.Stderr, "An interrupted session was found; rerun with -resume or -discard")
			os.Exit(1)
		}
	}

	sessionID, err := coordinator.Start(ctx, opts)
	if err != nil {
		logger.Error("Failed to start session", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session started", slog.String("session_id", sessionID))

	// Signal handling: SIGUSR1 toggles pause, SIGINT/SIGTERM stop.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGUSR1 {
				togglePause(coordinator, logger)
				continue
			}
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
			break loop
		case <-ticker.C:
			if coordinator.State().Terminal() {
				logger.Info("Session ended", slog.String("state", coordinator.State().String()))
				break loop
			}
		}
	}

	logger.Info("Starting graceful shutdown...")

	if !coordinator.State().Terminal() {
		if err := coordinator.Stop(); err != nil {
			logger.Error("Error stopping session", slog.String("error", err.Error()))
		}
	}

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping monitoring server", slog.String("error", err.Error()))
		}
	}

	stats := coordinator.GetStats()
	logger.Info("Final session statistics",
		slog.String("session_id", stats.SessionID),
		slog.String("state", stats.State),
		slog.Uint64("chunks_captured", stats.ChunksCaptured),
		slog.Uint64("chunks_sent_live", stats.ChunksSentLive),
		slog.Uint64("chunks_queued", stats.ChunksQueued),
		slog.Uint64("chunks_delivered", stats.ChunksDelivered),
		slog.Uint64("reconnects", stats.Reconnects),
	)

	logger.Info("Recorder stopped")
}

// togglePause flips the session between streaming and paused
func togglePause(c *session.Coordinator, logger *slog.Logger) {
	var err error
	switch c.State() {
	case session.StateStreaming:
		err = c.Pause()
	case session.StatePaused:
		err = c.Resume()
	default:
		logger.Warn("Pause toggle ignored", slog.String("state", c.State().String()))
		return
	}
	if err != nil {
		logger.Error("Pause toggle failed", slog.String("error", err.Error()))
	}
}

// exportSession reconstructs a finished session's audio into a WAV file
func exportSession(cfg *config.Config, logger *slog.Logger, sessionID, outPath string) error {
	rec := playback.NewReconstructor(playback.Config{AudioURL: cfg.Backend.AudioURL}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	wav, report, err := rec.Reconstruct(ctx, sessionID)
	if err != nil {
		return err
	}
	if !report.Complete() {
		logger.Warn("Reconstruction has gaps",
			slog.String("session_id", sessionID),
			slog.Int("missing_chunks", len(report.MissingChunks)),
		)
	}

	if err := os.WriteFile(outPath, wav, 0644); err != nil {
		return fmt.Errorf("write WAV file: %w", err)
	}

	logger.Info("Session exported",
		slog.String("session_id", sessionID),
		slog.String("path", outPath),
		slog.Float64("duration_seconds", report.Duration),
	)
	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
