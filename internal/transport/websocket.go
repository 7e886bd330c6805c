package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// wsRequest is the frame sent for one operation.
type wsRequest struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// wsResponse is the frame received back.
type wsResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// webSocketExecutor speaks a JSON request/response protocol over one
// websocket connection. The connection is dialed lazily and requests are
// serialized; the integration servers answer frames in order.
type webSocketExecutor struct {
	server *models.ServerConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWebSocketExecutor(server *models.ServerConfig, logger *zap.Logger) *webSocketExecutor {
	return &webSocketExecutor{server: server, logger: logger}
}

// connectLocked dials the server if no connection is live. Callers hold mu.
func (e *webSocketExecutor) connectLocked(ctx context.Context) error {
	if e.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, e.server.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", e.server.Endpoint, err)
	}
	e.conn = conn
	e.logger.Debug("websocket connected",
		zap.String("server_id", e.server.ID),
		zap.String("endpoint", e.server.Endpoint))
	return nil
}

func (e *webSocketExecutor) Execute(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.connectLocked(ctx); err != nil {
		return nil, err
	}

	req := wsRequest{ID: uuid.New().String(), Operation: operation, Payload: payload}

	if deadline, ok := ctx.Deadline(); ok {
		_ = e.conn.SetWriteDeadline(deadline)
		_ = e.conn.SetReadDeadline(deadline)
	}

	if err := e.conn.WriteJSON(req); err != nil {
		e.drop()
		return nil, fmt.Errorf("failed to send operation %q: %w", operation, err)
	}

	var resp wsResponse
	if err := e.conn.ReadJSON(&resp); err != nil {
		e.drop()
		return nil, fmt.Errorf("failed to read response for %q: %w", operation, err)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("server error for %q: %s", operation, resp.Error)
	}
	return resp.Data, nil
}

func (e *webSocketExecutor) HealthCheck(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.connectLocked(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := e.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		e.drop()
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// drop discards a broken connection so the next call redials.
func (e *webSocketExecutor) drop() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

func (e *webSocketExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	_ = e.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := e.conn.Close()
	e.conn = nil
	return err
}
