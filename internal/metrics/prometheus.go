package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/divij2510/medinote-stream/internal/audio"
	"github.com/divij2510/medinote-stream/internal/session"
)

// Metrics contains all Prometheus metrics for the recording client
type Metrics struct {
	// Capture metrics
	ChunksCaptured prometheus.Counter
	ChunkSize      prometheus.Histogram
	ChunkAmplitude prometheus.Histogram

	// Routing metrics
	ChunksSentLive  prometheus.Counter
	ChunksQueued    prometheus.Counter
	ChunksDelivered prometheus.Counter
	QueueDepth      prometheus.Gauge

	// Session metrics
	StateTransitions *prometheus.CounterVec
	SessionErrors    prometheus.Counter

	// Transport metrics
	Reconnects        prometheus.Counter
	ReconnectFailures prometheus.Counter

	// Health check metrics
	HealthChecks   prometheus.Counter
	HealthFailures prometheus.Counter

	// Drain metrics
	DrainPasses    prometheus.Counter
	DrainDelivered prometheus.Counter
	DrainSkipped   prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Capture metrics
		ChunksCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_captured_total",
			Help: "Total number of audio chunks cut from the capture stream",
		}),
		ChunkSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_chunk_size_bytes",
			Help:    "Size of captured audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 8), // 256B to ~32KB
		}),
		ChunkAmplitude: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_chunk_amplitude",
			Help:    "Normalized peak amplitude of captured chunks",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// Routing metrics
		ChunksSentLive: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_sent_live_total",
			Help: "Total number of chunks sent over the live transport",
		}),
		ChunksQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_queued_total",
			Help: "Total number of chunks routed to the durable queue",
		}),
		ChunksDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_delivered_total",
			Help: "Total number of chunks confirmed by the backend",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_queue_depth",
			Help: "Current number of chunks in the durable queue",
		}),

		// Session metrics
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_state_transitions_total",
			Help: "Total number of session state transitions",
		}, []string{"from", "to"}),
		SessionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_session_errors_total",
			Help: "Total number of session errors",
		}),

		// Transport metrics
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_reconnects_total",
			Help: "Total number of successful reconnections",
		}),
		ReconnectFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_reconnect_failures_total",
			Help: "Total number of failed reconnection attempts",
		}),

		// Health check metrics
		HealthChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_health_checks_total",
			Help: "Total number of backend health probes",
		}),
		HealthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_health_failures_total",
			Help: "Total number of failed backend health probes",
		}),

		// Drain metrics
		DrainPasses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_drain_passes_total",
			Help: "Total number of queue drain passes",
		}),
		DrainDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_drain_delivered_total",
			Help: "Total number of chunks delivered by drain passes",
		}),
		DrainSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recorder_drain_skipped_total",
			Help: "Total number of chunks skipped during drain passes",
		}),
	}
}

// RecordReconnect increments the successful reconnections counter
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordReconnectFailure records the failed dial attempts of one reconnect loop
func (m *Metrics) RecordReconnectFailure(attempts int) {
	m.ReconnectFailures.Add(float64(attempts))
}

// RecordHealthCheck records a backend health probe result
func (m *Metrics) RecordHealthCheck(healthy bool) {
	m.HealthChecks.Inc()
	if !healthy {
		m.HealthFailures.Inc()
	}
}

// RecordDrainPass records the outcome of one queue drain pass
func (m *Metrics) RecordDrainPass(delivered, skipped int) {
	m.DrainPasses.Inc()
	m.DrainDelivered.Add(float64(delivered))
	m.DrainSkipped.Add(float64(skipped))
}

// SessionObserver adapts Metrics to the session.Observer interface so the
// coordinator's notifications update the Prometheus registry.
type SessionObserver struct {
	metrics *Metrics
}

// NewSessionObserver creates an observer backed by the given metrics
func NewSessionObserver(m *Metrics) *SessionObserver {
	return &SessionObserver{metrics: m}
}

// OnStateChange implements session.Observer.
func (o *SessionObserver) OnStateChange(sessionID string, from, to session.State) {
	o.metrics.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// OnChunkRouted implements session.Observer.
func (o *SessionObserver) OnChunkRouted(chunk *audio.Chunk, queued bool) {
	o.metrics.ChunksCaptured.Inc()
	o.metrics.ChunkSize.Observe(float64(chunk.ByteLength))
	o.metrics.ChunkAmplitude.Observe(chunk.Amplitude.Peak)
	if queued {
		o.metrics.ChunksQueued.Inc()
	} else {
		o.metrics.ChunksSentLive.Inc()
	}
}

// OnChunkDelivered implements session.Observer.
func (o *SessionObserver) OnChunkDelivered(sessionID string, sequence uint64) {
	o.metrics.ChunksDelivered.Inc()
}

// OnQueueDepth implements session.Observer.
func (o *SessionObserver) OnQueueDepth(sessionID string, depth int) {
	o.metrics.QueueDepth.Set(float64(depth))
}

// OnReconnected implements session.Observer.
func (o *SessionObserver) OnReconnected(sessionID string) {
	o.metrics.RecordReconnect()
}

// OnReconnectFailed implements session.Observer.
func (o *SessionObserver) OnReconnectFailed(sessionID string, attempts int) {
	o.metrics.RecordReconnectFailure(attempts)
}

// OnDrainPass implements session.Observer.
func (o *SessionObserver) OnDrainPass(sessionID string, delivered, skipped int) {
	o.metrics.RecordDrainPass(delivered, skipped)
}

// OnError implements session.Observer.
func (o *SessionObserver) OnError(sessionID string, err error) {
	o.metrics.SessionErrors.Inc()
}
