// Package health publishes connection and capture state over the standard
// gRPC health protocol.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/screenwatch/internal/connection"
	"github.com/GriffinCanCode/screenwatch/internal/coordinator"
	"github.com/GriffinCanCode/screenwatch/internal/trace"
)

// Service names reported by the health server
const (
	ServiceDetection = "screenwatch.Detection"
	ServiceCapture   = "screenwatch.Capture"
)

// Reporter mirrors coordinator transitions into health statuses. Detection
// serves while connected; capture serves while capturing.
type Reporter struct {
	srv *health.Server
}

// NewReporter starts with both services NOT_SERVING and the process SERVING.
func NewReporter() *Reporter {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(ServiceDetection, healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(ServiceCapture, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Reporter{srv: srv}
}

func (r *Reporter) ConnectionChanged(state connection.State) {
	r.srv.SetServingStatus(ServiceDetection, status(state == connection.Connected))
}

func (r *Reporter) CaptureChanged(state coordinator.State) {
	r.srv.SetServingStatus(ServiceCapture, status(state == coordinator.Capturing))
}

// Shutdown reports every service NOT_SERVING and ends watches.
func (r *Reporter) Shutdown() { r.srv.Shutdown() }

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// NewServer builds a gRPC server exposing only the health service.
func NewServer(r *Reporter) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(trace.UnaryServerInterceptor()))
	healthpb.RegisterHealthServer(s, r.srv)
	return s
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, s *grpc.Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	slog.Info("health server listening", "addr", lis.Addr().String())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
