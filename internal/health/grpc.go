// Package health exposes the orchestrator's liveness over the standard gRPC
// health protocol, driven by periodic database pings.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported alongside the overall "" status.
const ServiceName = "prescreen.voip.Orchestrator"

const (
	defaultInterval = 15 * time.Second
	pingTimeout     = 3 * time.Second
)

// Pinger is anything whose reachability decides serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor owns a gRPC health server and keeps its status in sync with the
// database.
type Monitor struct {
	srv      *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	serving bool
}

// NewMonitor creates a monitor. The status starts as NOT_SERVING until the
// first check.
func NewMonitor(pinger Pinger, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{srv: health.NewServer(), pinger: pinger, interval: interval, logger: logger}
	m.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Register attaches the health service to s.
func (m *Monitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.srv)
}

// Check pings once and updates the status. It reports whether the service
// is serving.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err := m.pinger.Ping(ctx)
	ok := err == nil

	m.mu.Lock()
	changed := ok != m.serving
	m.serving = ok
	m.mu.Unlock()

	if ok {
		m.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		m.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if changed {
		if ok {
			m.logger.Info("health status changed", "serving", true)
		} else {
			m.logger.Warn("health status changed", "serving", false, "error", err)
		}
	}
	return ok
}

// Start checks immediately and then every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown marks every service NOT_SERVING so clients drain before stop.
func (m *Monitor) Shutdown() {
	m.srv.Shutdown()
}

func (m *Monitor) set(status healthpb.HealthCheckResponse_ServingStatus) {
	m.srv.SetServingStatus("", status)
	m.srv.SetServingStatus(ServiceName, status)
}
