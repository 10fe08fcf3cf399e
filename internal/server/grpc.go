package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"SolvencyLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves the solvency service over gRPC and HTTP/JSON.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// ServerDeps holds everything the servers need.
type ServerDeps struct {
	Query         Querier
	Ingest        Injector
	Admin         Admin
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Logger        zerolog.Logger
}

// NewGRPCServer registers the service, health and reflection, and builds
// the HTTP gateway with /healthz, /readyz and /metrics.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	svc := NewSolvencyService(deps.Query, deps.Ingest, deps.Admin)
	cd := callDeps{metrics: deps.Metrics, logger: deps.Logger}

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(serviceDesc(cd), svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	gw, err := newGatewayMux(svc, cd)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	if deps.Gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", gw)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           httpMux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		logger:   deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status once recovery is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(serviceName, st)
	s.health.SetServingStatus("", st)
}

// StartGRPC serves until ctx is cancelled, then stops gracefully.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves HTTP/JSON until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the HTTP handler for in-process tests.
func (s *GRPCServer) Handler() http.Handler {
	return s.httpServer.Handler
}
