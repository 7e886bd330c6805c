// Package api exposes the dispatcher's admin and execution surface over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/integration-fleet-dispatcher/ifd/internal/balancer"
	"github.com/integration-fleet-dispatcher/ifd/internal/breaker"
	"github.com/integration-fleet-dispatcher/ifd/internal/config"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
	"github.com/integration-fleet-dispatcher/ifd/internal/pool"
	"github.com/integration-fleet-dispatcher/ifd/internal/telemetry"
)

// Dispatcher is the pool-manager surface the gateway needs.
type Dispatcher interface {
	ExecuteOperation(ctx context.Context, req *models.OperationRequest) (*models.OperationResponse, error)
	RegisterServer(ctx context.Context, server *models.ServerConfig) error
	SetServerStatus(serverID string, status models.ServerStatus) error
	Servers() []*models.ServerConfig
	ServerHealth(serverID string) (pool.Snapshot, error)
	CreatePool(id, name string, strategy balancer.Strategy, serverIDs []string) (*pool.Pool, error)
	GetPoolStatistics(poolID string) (*models.PoolStatistics, error)
	Rebalance(ctx context.Context, poolID string) error
}

// Monitor is the monitoring surface the gateway needs.
type Monitor interface {
	GetHealthScore(serverID string) (*models.HealthScore, bool)
	FleetOverview() []*models.HealthScore
	LatestMetrics(serverID string) (models.ServerMetrics, bool)
	Aggregates(serverID string, window models.AggregationWindow) []models.AggregatedMetrics
	GetActiveAlerts() []*models.Alert
	AlertHistory() []*models.Alert
	ResolveAlert(alertID string) error
	Rules() []*models.AlertRule
	CreateAlertRule(rule *models.AlertRule) error
	DeleteAlertRule(ruleID string)
}

// Breakers is the circuit-breaker surface the gateway needs.
type Breakers interface {
	State(ctx context.Context, key breaker.Key) models.BreakerState
	Reset(ctx context.Context, key breaker.Key) error
}

// RateLimiter applies per-IP token buckets.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a rate limiter with the given refill rate and
// burst.
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = limiter
	}
	return limiter.Allow()
}

// Gateway is the HTTP admin and execution API.
type Gateway struct {
	dispatcher Dispatcher
	monitor    Monitor
	breakers   Breakers
	logger     *zap.Logger
	limiter    *RateLimiter
	router     *mux.Router
	server     *http.Server
}

// NewGateway builds the gateway and its routes. The per-IP rate limiter
// takes its refill rate and burst from cfg.
func NewGateway(dispatcher Dispatcher, monitor Monitor, breakers Breakers, cfg config.ServerConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	g := &Gateway{
		dispatcher: dispatcher,
		monitor:    monitor,
		breakers:   breakers,
		logger:     logger,
		limiter:    NewRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		router:     mux.NewRouter(),
	}
	g.setupRoutes()
	return g
}

// Router exposes the handler for tests and embedding.
func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupRoutes() {
	g.router.HandleFunc("/health", g.healthHandler).Methods(http.MethodGet)
	g.router.HandleFunc("/ready", g.healthHandler).Methods(http.MethodGet)

	api := g.router.PathPrefix("/api/v1").Subrouter()
	api.Use(g.rateLimitMiddleware, g.observeMiddleware)

	api.HandleFunc("/operations", g.executeHandler).Methods(http.MethodPost)

	api.HandleFunc("/servers", g.listServersHandler).Methods(http.MethodGet)
	api.HandleFunc("/servers", g.registerServerHandler).Methods(http.MethodPost)
	api.HandleFunc("/servers/{id}/status", g.serverStatusHandler).Methods(http.MethodPut)
	api.HandleFunc("/servers/{id}/health", g.serverHealthHandler).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}/score", g.serverScoreHandler).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}/metrics", g.serverMetricsHandler).Methods(http.MethodGet)

	api.HandleFunc("/pools", g.createPoolHandler).Methods(http.MethodPost)
	api.HandleFunc("/pools/{id}/statistics", g.poolStatisticsHandler).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}/rebalance", g.rebalanceHandler).Methods(http.MethodPost)

	api.HandleFunc("/fleet/overview", g.fleetOverviewHandler).Methods(http.MethodGet)

	api.HandleFunc("/alerts", g.activeAlertsHandler).Methods(http.MethodGet)
	api.HandleFunc("/alerts/history", g.alertHistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/resolve", g.resolveAlertHandler).Methods(http.MethodPost)

	api.HandleFunc("/alert-rules", g.listRulesHandler).Methods(http.MethodGet)
	api.HandleFunc("/alert-rules", g.createRuleHandler).Methods(http.MethodPost)
	api.HandleFunc("/alert-rules/{id}", g.deleteRuleHandler).Methods(http.MethodDelete)

	api.HandleFunc("/breakers/state", g.breakerStateHandler).Methods(http.MethodGet)
	api.HandleFunc("/breakers/reset", g.breakerResetHandler).Methods(http.MethodPost)
}

// Start launches the HTTP server.
func (g *Gateway) Start(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g.logger.Info("starting api gateway", zap.String("addr", addr))
	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("api gateway server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("stopping api gateway")
	return g.server.Shutdown(ctx)
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.Allow(clientIP(r)) {
			g.writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		telemetry.RecordDuration(r.Context(), "ifd_http_request", start)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "integration-fleet-dispatcher",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) executeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	resp, err := g.dispatcher.ExecuteOperation(r.Context(), &req)
	if err != nil {
		g.writeOperationError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// writeOperationError maps the dispatch error taxonomy onto HTTP status
// codes.
func (g *Gateway) writeOperationError(w http.ResponseWriter, err error) {
	var (
		open      *models.CircuitOpenError
		noServer  *models.NoEligibleServerError
		timeout   *models.TimeoutError
		badConfig *models.ConfigError
	)
	switch {
	case errors.As(err, &open):
		g.writeError(w, http.StatusServiceUnavailable, "CIRCUIT_OPEN", err.Error())
	case errors.As(err, &noServer):
		g.writeError(w, http.StatusServiceUnavailable, "NO_ELIGIBLE_SERVER", err.Error())
	case errors.As(err, &timeout):
		g.writeError(w, http.StatusGatewayTimeout, "OPERATION_TIMEOUT", err.Error())
	case errors.As(err, &badConfig):
		g.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		g.writeError(w, http.StatusBadGateway, "OPERATION_FAILED", err.Error())
	}
}

func (g *Gateway) listServersHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.dispatcher.Servers())
}

func (g *Gateway) registerServerHandler(w http.ResponseWriter, r *http.Request) {
	var server models.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&server); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	if err := g.dispatcher.RegisterServer(r.Context(), &server); err != nil {
		var badConfig *models.ConfigError
		if errors.As(err, &badConfig) {
			g.writeError(w, http.StatusBadRequest, "INVALID_SERVER", err.Error())
			return
		}
		g.writeError(w, http.StatusInternalServerError, "REGISTRATION_FAILED", err.Error())
		return
	}
	g.writeJSON(w, http.StatusCreated, server)
}

func (g *Gateway) serverStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status models.ServerStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	switch body.Status {
	case models.ServerStatusActive, models.ServerStatusInactive, models.ServerStatusMaintenance:
	default:
		g.writeError(w, http.StatusBadRequest, "INVALID_STATUS", "unknown status")
		return
	}
	if err := g.dispatcher.SetServerStatus(id, body.Status); err != nil {
		g.writeError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"server_id": id, "status": string(body.Status)})
}

func (g *Gateway) serverHealthHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := g.dispatcher.ServerHealth(id)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) serverScoreHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	score, ok := g.monitor.GetHealthScore(id)
	if !ok {
		g.writeError(w, http.StatusNotFound, "SCORE_NOT_FOUND", "no health score recorded for "+id)
		return
	}
	g.writeJSON(w, http.StatusOK, score)
}

func (g *Gateway) serverMetricsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if windowParam := r.URL.Query().Get("window"); windowParam != "" {
		window := models.AggregationWindow(windowParam)
		switch window {
		case models.WindowMinute, models.WindowHour, models.WindowDay:
		default:
			g.writeError(w, http.StatusBadRequest, "INVALID_WINDOW", "window must be minute, hour or day")
			return
		}
		g.writeJSON(w, http.StatusOK, g.monitor.Aggregates(id, window))
		return
	}

	latest, ok := g.monitor.LatestMetrics(id)
	if !ok {
		g.writeError(w, http.StatusNotFound, "METRICS_NOT_FOUND", "no metrics recorded for "+id)
		return
	}
	g.writeJSON(w, http.StatusOK, latest)
}

func (g *Gateway) createPoolHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string            `json:"id"`
		Name     string            `json:"name"`
		Strategy balancer.Strategy `json:"strategy"`
		Servers  []string          `json:"servers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	p, err := g.dispatcher.CreatePool(body.ID, body.Name, body.Strategy, body.Servers)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_POOL", err.Error())
		return
	}
	primary, secondary, emergency := p.Tiers()
	g.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        p.ID,
		"name":      p.Name,
		"strategy":  p.Strategy,
		"primary":   primary,
		"secondary": secondary,
		"emergency": emergency,
	})
}

func (g *Gateway) poolStatisticsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, err := g.dispatcher.GetPoolStatistics(id)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "POOL_NOT_FOUND", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) rebalanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := g.dispatcher.Rebalance(r.Context(), id); err != nil {
		g.writeError(w, http.StatusNotFound, "POOL_NOT_FOUND", err.Error())
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]string{"pool_id": id, "status": "rebalanced"})
}

func (g *Gateway) fleetOverviewHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.monitor.FleetOverview())
}

func (g *Gateway) activeAlertsHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.monitor.GetActiveAlerts())
}

func (g *Gateway) alertHistoryHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.monitor.AlertHistory())
}

func (g *Gateway) resolveAlertHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := g.monitor.ResolveAlert(id); err != nil {
		g.writeError(w, http.StatusNotFound, "ALERT_NOT_FOUND", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"alert_id": id, "status": "resolved"})
}

func (g *Gateway) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.monitor.Rules())
}

func (g *Gateway) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	if err := g.monitor.CreateAlertRule(&rule); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_RULE", err.Error())
		return
	}
	g.writeJSON(w, http.StatusCreated, rule)
}

func (g *Gateway) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	g.monitor.DeleteAlertRule(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) breakerStateHandler(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server_id")
	operation := r.URL.Query().Get("operation")
	if serverID == "" || operation == "" {
		g.writeError(w, http.StatusBadRequest, "INVALID_QUERY", "server_id and operation are required")
		return
	}
	state := g.breakers.State(r.Context(), breaker.Key{ServerID: serverID, Operation: operation})
	g.writeJSON(w, http.StatusOK, map[string]string{
		"server_id": serverID,
		"operation": operation,
		"state":     string(state),
	})
}

func (g *Gateway) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ServerID  string `json:"server_id"`
		Operation string `json:"operation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	if body.ServerID == "" || body.Operation == "" {
		g.writeError(w, http.StatusBadRequest, "INVALID_BODY", "server_id and operation are required")
		return
	}
	if err := g.breakers.Reset(r.Context(), breaker.Key{ServerID: body.ServerID, Operation: body.Operation}); err != nil {
		g.writeError(w, http.StatusInternalServerError, "RESET_FAILED", err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ErrorResponse is the gateway's error envelope.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message}); err != nil {
		g.logger.Error("failed to encode error response", zap.Error(err))
	}
}
