package server

import (
	"errors"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ChuLiYu/digest-scheduler/internal/logging"
)

// ServiceName is the health service name reported for the scheduler loop.
const ServiceName = "digest.Scheduler"

// Health serves grpc.health.v1. The overall status ("") and ServiceName are
// SERVING while the scheduler loop runs and NOT_SERVING otherwise.
type Health struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

func NewHealth(log zerolog.Logger) *Health {
	h := &Health{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    logging.Component(log, "grpc"),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	reflection.Register(h.grpc)
	h.SetServing(false)
	return h
}

// SetServing matches scheduler.Config.OnStateChange.
func (h *Health) SetServing(running bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	h.log.Debug().Str("status", status.String()).Msg("health status changed")
}

// Serve blocks until Stop.
func (h *Health) Serve(lis net.Listener) error {
	h.log.Info().Str("addr", lis.Addr().String()).Msg("grpc health listening")
	err := h.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks everything NOT_SERVING and stops the server gracefully.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
