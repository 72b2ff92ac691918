package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Audio    AudioConfig    `yaml:"audio"`
	Health   HealthConfig   `yaml:"health"`
	Queue    QueueConfig    `yaml:"queue"`
	Drain    DrainConfig    `yaml:"drain"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Ops      OpsConfig      `yaml:"ops"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BackendConfig contains transport session configuration
type BackendConfig struct {
	StreamURL           string  `yaml:"stream_url"`            // WebSocket endpoint (wss://.../ws/audio-stream)
	HealthURL           string  `yaml:"health_url"`            // Health check endpoint (https://.../ws/health)
	AudioURL            string  `yaml:"audio_url"`             // Per-session chunk listing endpoint base
	DialTimeout         int     `yaml:"dial_timeout"`          // seconds
	WriteTimeout        int     `yaml:"write_timeout"`         // seconds
	PingInterval        int     `yaml:"ping_interval"`         // seconds
	ReconnectAttempts   int     `yaml:"reconnect_attempts"`    // before giving up and going offline
	ReconnectBackoff    float64 `yaml:"reconnect_backoff"`     // seconds, initial
	ReconnectBackoffMax float64 `yaml:"reconnect_backoff_max"` // seconds, cap
}

// AudioConfig contains the fixed capture format and chunking cadence
type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	BitDepth      int     `yaml:"bit_depth"`
	ChunkInterval float64 `yaml:"chunk_interval"` // seconds between chunk cuts
}

// HealthConfig contains backend liveness probe policy
type HealthConfig struct {
	CheckInterval float64 `yaml:"check_interval"` // seconds between attempts
	MaxAttempts   int     `yaml:"max_attempts"`   // attempt cap per recovery try
	Timeout       int     `yaml:"timeout"`        // seconds, per request
}

// QueueConfig contains durable offline queue configuration
type QueueConfig struct {
	Path string `yaml:"path"` // SQLite database file
}

// DrainConfig contains replay drainer pacing policy
type DrainConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"` // pacing delay before each send
	StepDelayMs int `yaml:"step_delay_ms"` // additional delay per queue position
}

// RecoveryConfig contains crash checkpoint configuration
type RecoveryConfig struct {
	CheckpointPath string `yaml:"checkpoint_path"` // JSON checkpoint file
}

// OpsConfig contains the local monitoring HTTP server configuration
type OpsConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Drain.Validate(); err != nil {
		return fmt.Errorf("drain config: %w", err)
	}

	if err := c.Recovery.Validate(); err != nil {
		return fmt.Errorf("recovery config: %w", err)
	}

	if err := c.Ops.Validate(); err != nil {
		return fmt.Errorf("ops config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates backend transport configuration
func (b *BackendConfig) Validate() error {
	if b.StreamURL == "" {
		return fmt.Errorf("stream_url cannot be empty")
	}

	if b.HealthURL == "" {
		return fmt.Errorf("health_url cannot be empty")
	}

	if b.AudioURL == "" {
		return fmt.Errorf("audio_url cannot be empty")
	}

	if b.DialTimeout < 1 {
		return fmt.Errorf("dial_timeout must be at least 1 second, got %d", b.DialTimeout)
	}

	if b.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", b.WriteTimeout)
	}

	if b.PingInterval < 5 || b.PingInterval > 30 {
		return fmt.Errorf("ping_interval must be between 5 and 30 seconds, got %d", b.PingInterval)
	}

	if b.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect_attempts must be at least 1, got %d", b.ReconnectAttempts)
	}

	if b.ReconnectBackoff <= 0 {
		return fmt.Errorf("reconnect_backoff must be positive, got %f", b.ReconnectBackoff)
	}

	if b.ReconnectBackoffMax < b.ReconnectBackoff {
		return fmt.Errorf("reconnect_backoff_max (%f) must be at least reconnect_backoff (%f)",
			b.ReconnectBackoffMax, b.ReconnectBackoff)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for the capture format, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono) for the capture format, got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16 for the capture format, got %d", a.BitDepth)
	}

	if a.ChunkInterval <= 0 || a.ChunkInterval > 1 {
		return fmt.Errorf("chunk_interval must be within (0, 1] seconds, got %f", a.ChunkInterval)
	}

	return nil
}

// Validate validates health probe configuration
func (h *HealthConfig) Validate() error {
	if h.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive, got %f", h.CheckInterval)
	}

	if h.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", h.MaxAttempts)
	}

	if h.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", h.Timeout)
	}

	return nil
}

// Validate validates queue configuration
func (q *QueueConfig) Validate() error {
	if q.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	return nil
}

// Validate validates drain pacing configuration
func (d *DrainConfig) Validate() error {
	if d.BaseDelayMs < 0 {
		return fmt.Errorf("base_delay_ms cannot be negative, got %d", d.BaseDelayMs)
	}

	if d.StepDelayMs < 0 {
		return fmt.Errorf("step_delay_ms cannot be negative, got %d", d.StepDelayMs)
	}

	return nil
}

// Validate validates recovery configuration
func (r *RecoveryConfig) Validate() error {
	if r.CheckpointPath == "" {
		return fmt.Errorf("checkpoint_path cannot be empty")
	}

	return nil
}

// Validate validates ops server configuration
func (o *OpsConfig) Validate() error {
	if o.Enabled {
		if o.Port < 1 || o.Port > 65535 {
			return fmt.Errorf("ops port must be between 1 and 65535, got %d", o.Port)
		}

		if o.Address == "" {
			return fmt.Errorf("ops address cannot be empty when ops server is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output accepts stdout, stderr, or a file path.
	return nil
}

// GetDialTimeout returns the WebSocket dial timeout as a time.Duration
func (b *BackendConfig) GetDialTimeout() time.Duration {
	return time.Duration(b.DialTimeout) * time.Second
}

// GetWriteTimeout returns the per-message write deadline as a time.Duration
func (b *BackendConfig) GetWriteTimeout() time.Duration {
	return time.Duration(b.WriteTimeout) * time.Second
}

// GetPingInterval returns the keepalive interval as a time.Duration
func (b *BackendConfig) GetPingInterval() time.Duration {
	return time.Duration(b.PingInterval) * time.Second
}

// GetReconnectBackoff returns the initial reconnect backoff as a time.Duration
func (b *BackendConfig) GetReconnectBackoff() time.Duration {
	return time.Duration(b.ReconnectBackoff * float64(time.Second))
}

// GetReconnectBackoffMax returns the reconnect backoff cap as a time.Duration
func (b *BackendConfig) GetReconnectBackoffMax() time.Duration {
	return time.Duration(b.ReconnectBackoffMax * float64(time.Second))
}

// GetChunkInterval returns the chunk cadence as a time.Duration
func (a *AudioConfig) GetChunkInterval() time.Duration {
	return time.Duration(a.ChunkInterval * float64(time.Second))
}

// BytesPerChunk returns the payload size of one full-cadence chunk
func (a *AudioConfig) BytesPerChunk() int {
	return int(float64(a.SampleRate*a.Channels*a.BitDepth/8) * a.ChunkInterval)
}

// GetCheckInterval returns the delay between health check attempts as a time.Duration
func (h *HealthConfig) GetCheckInterval() time.Duration {
	return time.Duration(h.CheckInterval * float64(time.Second))
}

// GetTimeout returns the per-request health check timeout as a time.Duration
func (h *HealthConfig) GetTimeout() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// GetBaseDelay returns the drain base pacing delay as a time.Duration
func (d *DrainConfig) GetBaseDelay() time.Duration {
	return time.Duration(d.BaseDelayMs) * time.Millisecond
}

// GetStepDelay returns the drain per-position pacing delay as a time.Duration
func (d *DrainConfig) GetStepDelay() time.Duration {
	return time.Duration(d.StepDelayMs) * time.Millisecond
}
