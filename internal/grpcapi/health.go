// Package grpcapi exposes grpc.health.v1.Health for orchestrators. Serving
// status follows the same readiness probe as /readyz.
package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"wastelink.org/internal/obs"
)

// ServiceName is the health service name reported next to the overall status.
const ServiceName = "wastelink.api"

// Readiness reports whether dependencies are reachable.
type Readiness interface {
	Check(ctx context.Context) error
}

// HealthServer wraps the standard health implementation with a probe loop.
type HealthServer struct {
	probe    Readiness
	interval time.Duration
	srv      *health.Server
}

// NewHealthServer starts out NOT_SERVING until the first probe succeeds.
func NewHealthServer(probe Readiness, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &HealthServer{probe: probe, interval: interval, srv: health.NewServer()}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the probe once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	if err := h.probe.Check(ctx); err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes on every tick until ctx ends, then marks the service as
// shutting down so clients stop routing to it.
func (h *HealthServer) Run(ctx context.Context) error {
	if err := h.Refresh(ctx); err != nil {
		obs.Warn("readiness probe failed", map[string]any{"error": err.Error()})
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-ticker.C:
			if err := h.Refresh(ctx); err != nil {
				obs.Warn("readiness probe failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}
