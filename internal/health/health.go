// Package health publishes the bridge's readiness over the standard gRPC
// health checking protocol.
package health

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name clients check for the bridge
const ServiceName = "sessionbridge.SessionBridge"

// Checker tracks a readiness probe and mirrors it into a gRPC health server
type Checker struct {
	server *health.Server
	ready  func() bool
	logger *slog.Logger
}

// NewChecker creates a checker. ready is polled by Watch.
func NewChecker(ready func() bool, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		server: health.NewServer(),
		ready:  ready,
		logger: logger,
	}
	c.update()
	return c
}

// Register attaches the health service to a gRPC server
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.server)
}

// Server returns the underlying health server
func (c *Checker) Server() healthpb.HealthServer {
	return c.server
}

// Watch re-evaluates readiness every interval until ctx is canceled, then
// reports NOT_SERVING.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.update()
		case <-ctx.Done():
			c.Shutdown()
			return
		}
	}
}

// Shutdown marks every service NOT_SERVING permanently
func (c *Checker) Shutdown() {
	c.server.Shutdown()
	c.logger.Debug("Health status set to NOT_SERVING")
}

func (c *Checker) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if c.ready == nil || c.ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	c.server.SetServingStatus("", status)
	c.server.SetServingStatus(ServiceName, status)
}
