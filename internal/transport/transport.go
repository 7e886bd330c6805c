// Package transport holds the wire-protocol boundary between the pool
// manager and the integration servers. The protocol is pluggable; each
// executor speaks one protocol against one server.
package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// Executor executes operations against one integration server.
type Executor interface {
	// Execute sends one operation and returns the raw result payload.
	Execute(ctx context.Context, operation string, payload []byte) ([]byte, error)
	// HealthCheck probes server liveness.
	HealthCheck(ctx context.Context) error
	Close() error
}

// NewExecutor builds the executor matching the server's declared protocol.
func NewExecutor(server *models.ServerConfig, logger *zap.Logger) (Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch server.Protocol {
	case models.ProtocolWebSocket:
		return newWebSocketExecutor(server, logger), nil
	case models.ProtocolHTTP:
		return newHTTPExecutor(server, logger), nil
	case models.ProtocolGRPC:
		return newGRPCExecutor(server, logger)
	default:
		return nil, &models.ConfigError{
			Field:  "protocol",
			Reason: fmt.Sprintf("unsupported protocol %q", server.Protocol),
		}
	}
}
