package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, hs *HealthServer) healthpb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	hs.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return healthpb.NewHealthClient(conn)
}

type failingReadiness struct{}

func (f failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestHealthServerServingAfterProbe(t *testing.T) {
	hs := NewHealthServer(ReadyProbe{})
	client := startBufGRPC(t, hs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before first probe, got %s", resp.GetStatus())
	}

	if err := hs.Probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestHealthServerReportsFailure(t *testing.T) {
	hs := NewHealthServer(failingReadiness{})
	client := startBufGRPC(t, hs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := hs.Probe(ctx); err == nil {
		t.Fatal("expected probe error")
	}
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestHealthServerMonitorStopsWithContext(t *testing.T) {
	hs := NewHealthServer(ReadyProbe{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hs.Monitor(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
