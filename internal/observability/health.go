package observability

import (
	"errors"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the gRPC health service reflecting the control-system session.
const HealthServiceName = "its.AppBridge"

// HealthServer exposes the standard gRPC health protocol. The bridge
// service reports SERVING only while a control-system session is active.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
}

// NewHealthServer constructs a gRPC server with the health service registered
// and OpenTelemetry instrumentation attached.
func NewHealthServer() *HealthServer {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{server: srv, health: hs}
}

// SetSessionActive updates the bridge service status.
func (h *HealthServer) SetSessionActive(active bool) {
	if h == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if active {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(HealthServiceName, status)
}

// Serve blocks serving health checks on lis. It returns nil once Stop has
// been called, including when Stop wins the race with Serve.
func (h *HealthServer) Serve(lis net.Listener) error {
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server.
func (h *HealthServer) Stop() {
	if h == nil {
		return
	}
	h.health.Shutdown()
	h.server.GracefulStop()
}
