package grpcserver

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultRefreshInterval = 5 * time.Second

// CircuitReader is satisfied by *resilience.CircuitBreaker.
type CircuitReader interface {
	State(ctx context.Context, serviceName string) (resilience.CircuitState, error)
}

// HealthReporter publishes breaker state through the standard gRPC health service.
// Each protected service is reported under its own name; an open circuit is
// NOT_SERVING, a closed or half-open one SERVING. The empty name reports the process.
type HealthReporter struct {
	health   *health.Server
	breaker  CircuitReader
	services []string
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthReporter wires a reporter for services. A non-positive interval selects the default.
func NewHealthReporter(breaker CircuitReader, services []string, interval time.Duration, logger *zap.Logger) *HealthReporter {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthReporter{
		health:   health.NewServer(),
		breaker:  breaker,
		services: append([]string(nil), services...),
		interval: interval,
		logger:   logger,
	}
}

// Register attaches the health service to server.
func (reporter *HealthReporter) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, reporter.health)
}

// Refresh reads every breaker once and updates the serving status.
func (reporter *HealthReporter) Refresh(ctx context.Context) {
	reporter.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, serviceName := range reporter.services {
		state, err := reporter.breaker.State(ctx, serviceName)
		if err != nil {
			reporter.logger.Warn("circuit state unavailable", zap.String("service", serviceName), zap.Error(err))
			reporter.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_UNKNOWN)
			continue
		}
		reporter.health.SetServingStatus(serviceName, servingStatus(state))
	}
}

// Run refreshes on every interval until ctx ends, then marks everything NOT_SERVING.
func (reporter *HealthReporter) Run(ctx context.Context) {
	reporter.Refresh(ctx)
	ticker := time.NewTicker(reporter.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			reporter.health.Shutdown()
			return
		case <-ticker.C:
			reporter.Refresh(ctx)
		}
	}
}

func servingStatus(state resilience.CircuitState) healthpb.HealthCheckResponse_ServingStatus {
	if state.State == resilience.StatusOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
