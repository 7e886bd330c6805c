package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

// httpExecutor posts operations to <endpoint>/operations/<name> and probes
// liveness at <endpoint>/health.
type httpExecutor struct {
	server *models.ServerConfig
	logger *zap.Logger
	client *http.Client
}

func newHTTPExecutor(server *models.ServerConfig, logger *zap.Logger) *httpExecutor {
	return &httpExecutor{
		server: server,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *httpExecutor) Execute(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/operations/%s", e.server.Endpoint, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %q: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("operation %q request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response for %q: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("operation %q returned status %d: %s", operation, resp.StatusCode, string(body))
	}
	return body, nil
}

func (e *httpExecutor) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *httpExecutor) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
