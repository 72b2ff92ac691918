package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Default probe constants.
const (
	DefaultCheckInterval = 2 * time.Second
	DefaultMaxAttempts   = 10
	DefaultTimeout       = 5 * time.Second
)

// ErrUnhealthy is returned by WaitHealthy when the backend did not report
// healthy within the attempt budget.
var ErrUnhealthy = fmt.Errorf("backend did not become healthy")

// Config configures the health monitor.
type Config struct {
	// URL is the backend health endpoint.
	URL string

	// CheckInterval is the delay between WaitHealthy probes. Defaults to
	// DefaultCheckInterval.
	CheckInterval time.Duration

	// MaxAttempts caps the number of WaitHealthy probes. Defaults to
	// DefaultMaxAttempts.
	MaxAttempts int

	// Timeout bounds a single probe request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// OnProbe, when set, is called with every probe's outcome. Used to
	// feed external instrumentation.
	OnProbe func(healthy bool)
}

func (c *Config) defaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// Stats represents health monitor statistics
type Stats struct {
	ChecksTotal   uint64    `json:"checks_total"`
	ChecksHealthy uint64    `json:"checks_healthy"`
	LastCheck     time.Time `json:"last_check,omitempty"`
	LastHealthy   time.Time `json:"last_healthy,omitempty"`
}

// healthResponse is the health endpoint's reply body.
type healthResponse struct {
	Status string `json:"status"`
}

// Monitor probes the backend health endpoint.
type Monitor struct {
	config Config
	client *http.Client
	logger *slog.Logger

	// Statistics
	mu            sync.RWMutex
	checksTotal   uint64
	checksHealthy uint64
	lastCheck     time.Time
	lastHealthy   time.Time
}

// NewMonitor creates a health monitor for the given endpoint.
func NewMonitor(config Config, logger *slog.Logger) *Monitor {
	config.defaults()

	return &Monitor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Check performs a single probe. The backend is healthy only when the
// endpoint answers 200 with a body reporting status "healthy".
func (m *Monitor) Check(ctx context.Context) bool {
	healthy := m.probe(ctx)

	m.mu.Lock()
	m.checksTotal++
	m.lastCheck = time.Now()
	if healthy {
		m.checksHealthy++
		m.lastHealthy = m.lastCheck
	}
	m.mu.Unlock()

	if m.config.OnProbe != nil {
		m.config.OnProbe(healthy)
	}

	return healthy
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.URL, nil)
	if err != nil {
		m.logger.Warn("Failed to build health request", slog.String("error", err.Error()))
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("Health probe failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.logger.Debug("Health probe rejected", slog.Int("status", resp.StatusCode))
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false
	}

	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		m.logger.Debug("Health probe body undecodable", slog.String("error", err.Error()))
		return false
	}

	return hr.Status == "healthy"
}

// WaitHealthy polls the health endpoint until it reports healthy, the
// attempt budget runs out, or the context is cancelled. The first probe
// runs immediately.
func (m *Monitor) WaitHealthy(ctx context.Context) error {
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		if m.Check(ctx) {
			m.logger.Info("Backend healthy", slog.Int("attempt", attempt))
			return nil
		}

		if attempt < m.config.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.config.CheckInterval):
			}
		}
	}

	m.logger.Warn("Backend health wait exhausted", slog.Int("attempts", m.config.MaxAttempts))
	return fmt.Errorf("%w after %d attempts", ErrUnhealthy, m.config.MaxAttempts)
}

// GetStats returns current health monitor statistics
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		ChecksTotal:   m.checksTotal,
		ChecksHealthy: m.checksHealthy,
		LastCheck:     m.lastCheck,
		LastHealthy:   m.lastHealthy,
	}
}
