package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rentflow.io/internal/obs"
)

// HealthServer reports readiness through the standard grpc.health.v1 service, both for
// the whole server ("") and under serviceName.
type HealthServer struct {
	*health.Server

	readiness readinessChecker
}

// NewHealthServer starts in NOT_SERVING until the first Probe succeeds.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	s := &HealthServer{Server: health.NewServer(), readiness: r}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.Server)
}

// Probe runs the readiness check once and publishes the result.
func (s *HealthServer) Probe(ctx context.Context) error {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Monitor probes every interval until ctx ends, then marks the service as shutting down.
func (s *HealthServer) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		if err := s.Probe(probeCtx); err != nil && ctx.Err() == nil {
			obs.Logger().Warn("readiness probe failed", zap.Error(err))
		}
		cancel()
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (s *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus("", status)
	s.SetServingStatus(serviceName, status)
}
