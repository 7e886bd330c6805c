package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// grpcExecutor dials the server and probes it via the standard gRPC health
// service. Operation execution awaits a vendor service definition; until
// one exists the executor reports operations as unsupported.
type grpcExecutor struct {
	server *models.ServerConfig
	logger *zap.Logger
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

func newGRPCExecutor(server *models.ServerConfig, logger *zap.Logger) (*grpcExecutor, error) {
	conn, err := grpc.NewClient(server.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", server.Endpoint, err)
	}
	return &grpcExecutor{
		server: server,
		logger: logger,
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
	}, nil
}

func (e *grpcExecutor) Execute(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	return nil, &models.OperationError{
		ServerID:  e.server.ID,
		Operation: operation,
		Attempts:  1,
		Err:       fmt.Errorf("grpc operation execution requires a vendor service definition"),
	}
}

func (e *grpcExecutor) HealthCheck(ctx context.Context) error {
	resp, err := e.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("grpc health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

func (e *grpcExecutor) Close() error {
	return e.conn.Close()
}
