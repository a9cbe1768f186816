// Package healthsrv serves the standard grpc.health.v1 service so
// orchestrators can probe the process without a bearer token.
package healthsrv

import (
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name reported for the access API.
const Service = "portero.v1.Access"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	logger log.FieldLogger
}

// Listen binds addr.  The server reports NOT_SERVING until SetServing.
func Listen(addr string, logger log.FieldLogger) (*Server, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, lis: lis, logger: logger}, nil
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// Serve blocks until Stop.
func (s *Server) Serve() error {
	s.logger.WithField("addr", s.lis.Addr().String()).Info("gRPC health server listening")
	if err := s.grpc.Serve(s.lis); err != nil && err != grpc.ErrServerStopped {
		return errors.Wrap(err, "grpc serve")
	}
	return nil
}

// SetServing flips both the overall and the access service status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(Service, st)
}

// Stop marks everything NOT_SERVING, closes watch streams and stops the
// server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
