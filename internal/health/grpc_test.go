package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakePinger struct {
	down atomic.Bool
}

func (p *fakePinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.New("database is locked")
	}
	return nil
}

func dialHealth(t *testing.T, m *Monitor) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	m.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func status(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error = %v", service, err)
	}
	return resp.GetStatus()
}

func TestMonitorFollowsDatabase(t *testing.T) {
	t.Parallel()
	p := &fakePinger{}
	m := NewMonitor(p, time.Hour, nil)
	client := dialHealth(t, m)

	if got := status(t, client, ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v", got)
	}

	if !m.Check(context.Background()) {
		t.Fatal("Check() = false with healthy database")
	}
	for _, svc := range []string{"", ServiceName} {
		if got := status(t, client, svc); got != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("status(%q) = %v, want SERVING", svc, got)
		}
	}

	p.down.Store(true)
	if m.Check(context.Background()) {
		t.Fatal("Check() = true with failing database")
	}
	if got := status(t, client, ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}
}

func TestMonitorShutdown(t *testing.T) {
	t.Parallel()
	m := NewMonitor(&fakePinger{}, time.Hour, nil)
	client := dialHealth(t, m)
	m.Check(context.Background())
	m.Shutdown()

	if got := status(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after Shutdown = %v", got)
	}
}
