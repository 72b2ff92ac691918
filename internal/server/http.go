package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/divij2510/medinote-stream/internal/config"
	"github.com/divij2510/medinote-stream/internal/health"
	"github.com/divij2510/medinote-stream/internal/queue"
	"github.com/divij2510/medinote-stream/internal/session"
)

// HTTPServer provides local HTTP endpoints for monitoring the recorder
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	coordinator *session.Coordinator
	queue       *queue.Queue
	monitor     *health.Monitor

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new monitoring HTTP server
func NewHTTPServer(cfg config.OpsConfig, logger *slog.Logger,
	appConfig *config.Config, coordinator *session.Coordinator, q *queue.Queue, monitor *health.Monitor) *HTTPServer {

	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		coordinator: coordinator,
		queue:       q,
		monitor:     monitor,
		startTime:   time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Process liveness
	mux.HandleFunc("/health", h.handleHealth)

	// Session state and counters
	mux.HandleFunc("/session", h.handleSession)

	// Durable queue status
	mux.HandleFunc("/queue", h.handleQueue)

	// Sanitized configuration
	mux.HandleFunc("/config", h.handleConfig)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.handleRoot)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting monitoring HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping monitoring HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	sessionStats := h.coordinator.GetStats()
	healthStats := h.monitor.GetStats()

	payload := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "medinote-stream",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"session": map[string]interface{}{
				"state":      sessionStats.State,
				"session_id": sessionStats.SessionID,
			},
			"backend": map[string]interface{}{
				"checks_total":   healthStats.ChecksTotal,
				"checks_healthy": healthStats.ChecksHealthy,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// handleSession implements the /session endpoint
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.coordinator.GetStats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleQueue implements the /queue endpoint
func (h *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions, err := h.queue.Sessions()
	if err != nil {
		http.Error(w, "Failed to read queue", http.StatusInternalServerError)
		return
	}

	perSession := make(map[string]queue.Stats, len(sessions))
	total := 0
	for _, id := range sessions {
		stats := h.queue.GetStats(id)
		perSession[id] = stats
		total += stats.Depth
	}

	response := map[string]interface{}{
		"total_depth": total,
		"sessions":    perSession,
		"timestamp":   time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitizedConfig := map[string]interface{}{
		"backend": map[string]interface{}{
			"stream_url":         h.config.Backend.StreamURL,
			"health_url":         h.config.Backend.HealthURL,
			"audio_url":          h.config.Backend.AudioURL,
			"reconnect_attempts": h.config.Backend.ReconnectAttempts,
			"reconnect_backoff":  h.config.Backend.ReconnectBackoff,
		},
		"audio": map[string]interface{}{
			"sample_rate":    h.config.Audio.SampleRate,
			"channels":       h.config.Audio.Channels,
			"bit_depth":      h.config.Audio.BitDepth,
			"chunk_interval": h.config.Audio.ChunkInterval,
		},
		"health": map[string]interface{}{
			"check_interval": h.config.Health.CheckInterval,
			"max_attempts":   h.config.Health.MaxAttempts,
			"timeout":        h.config.Health.Timeout,
		},
		"queue": map[string]interface{}{
			"path": h.config.Queue.Path,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "MediNote Recording Client",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /health":  "Process health check",
			"GET /session": "Active session state and counters",
			"GET /queue":   "Durable queue depth per session",
			"GET /config":  "Client configuration",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
