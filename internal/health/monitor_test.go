package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	m := NewMonitor(Config{URL: srv.URL}, testLogger())
	if !m.Check(context.Background()) {
		t.Error("expected healthy")
	}

	stats := m.GetStats()
	if stats.ChecksTotal != 1 || stats.ChecksHealthy != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCheckUnhealthyVariants(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		},
		{
			name: "wrong status value",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"status":"degraded"}`))
			},
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not json`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			m := NewMonitor(Config{URL: srv.URL}, testLogger())
			if m.Check(context.Background()) {
				t.Error("expected unhealthy")
			}
		})
	}
}

func TestCheckUnreachable(t *testing.T) {
	m := NewMonitor(Config{URL: "http://localhost:1/health", Timeout: time.Second}, testLogger())
	if m.Check(context.Background()) {
		t.Error("expected unhealthy for unreachable backend")
	}
}

func TestWaitHealthyRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unhealthy for the first two probes, then healthy.
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	m := NewMonitor(Config{
		URL:           srv.URL,
		CheckInterval: 10 * time.Millisecond,
		MaxAttempts:   5,
	}, testLogger())

	if err := m.WaitHealthy(context.Background()); err != nil {
		t.Fatalf("WaitHealthy failed: %v", err)
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 probes, got %d", got)
	}
}

func TestWaitHealthyExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(Config{
		URL:           srv.URL,
		CheckInterval: 5 * time.Millisecond,
		MaxAttempts:   4,
	}, testLogger())

	err := m.WaitHealthy(context.Background())
	if !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}

	if got := calls.Load(); got != 4 {
		t.Errorf("expected exactly 4 probes, got %d", got)
	}
}

func TestOnProbeSeesEveryOutcome(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// One failure, then healthy.
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	var outcomes []bool
	m := NewMonitor(Config{
		URL:           srv.URL,
		CheckInterval: 5 * time.Millisecond,
		MaxAttempts:   5,
		OnProbe:       func(healthy bool) { outcomes = append(outcomes, healthy) },
	}, testLogger())

	if err := m.WaitHealthy(context.Background()); err != nil {
		t.Fatalf("WaitHealthy failed: %v", err)
	}

	if len(outcomes) != 2 || outcomes[0] || !outcomes[1] {
		t.Errorf("expected outcomes [false true], got %v", outcomes)
	}
}

func TestWaitHealthyContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	m := NewMonitor(Config{
		URL:           srv.URL,
		CheckInterval: time.Second,
		MaxAttempts:   10,
	}, testLogger())

	err := m.WaitHealthy(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
