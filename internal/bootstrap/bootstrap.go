// Package bootstrap assembles the dispatcher's components in dependency
// order and owns their start/stop lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/api"
	"github.com/integration-fleet-dispatcher/ifd/internal/balancer"
	"github.com/integration-fleet-dispatcher/ifd/internal/breaker"
	"github.com/integration-fleet-dispatcher/ifd/internal/config"
	"github.com/integration-fleet-dispatcher/ifd/internal/eventbus"
	"github.com/integration-fleet-dispatcher/ifd/internal/logging"
	"github.com/integration-fleet-dispatcher/ifd/internal/models"
	"github.com/integration-fleet-dispatcher/ifd/internal/monitoring"
	"github.com/integration-fleet-dispatcher/ifd/internal/notify"
	"github.com/integration-fleet-dispatcher/ifd/internal/pool"
	"github.com/integration-fleet-dispatcher/ifd/internal/scheduler"
	"github.com/integration-fleet-dispatcher/ifd/internal/telemetry"
)

// Bootstrap holds the assembled system.
type Bootstrap struct {
	Config    *config.Config
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
	Events    *eventbus.Dispatcher
	NATS      *eventbus.NATSBus
	Breaker   *breaker.CircuitBreaker
	Balancer  *balancer.LoadBalancer
	Monitor   *monitoring.Service
	Scheduler *scheduler.Scheduler
	Manager   *pool.Manager
	Gateway   *api.Gateway
}

// New creates an empty bootstrap instance.
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize builds every component. Nothing runs until Start.
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	cfg, err := b.loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	b.Config = cfg

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	logger.Info("configuration loaded",
		zap.String("config_file", configFile),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("log_format", cfg.Logging.Format))

	tel, err := telemetry.New(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel
	telemetry.SetGlobal(tel)

	// Event bus. The in-process dispatcher always runs; NATS is an
	// optional durable forward.
	var forward eventbus.Bus
	if cfg.EventBus.Enabled {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = cfg.EventBus.URL
		if cfg.EventBus.StreamName != "" {
			natsCfg.StreamName = cfg.EventBus.StreamName
		}
		natsBus, err := eventbus.NewNATSBus(natsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		b.NATS = natsBus
		forward = natsBus
		logger.Info("nats event bus connected", zap.String("url", cfg.EventBus.URL))
	}
	b.Events = eventbus.NewDispatcher(logger, forward)

	// Breaker state store: Redis when configured, in-memory otherwise.
	var store breaker.Store
	if cfg.Redis.Enabled {
		redisStore, err := breaker.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		store = redisStore
		logger.Info("redis breaker store connected", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = breaker.NewMemoryStore()
	}
	b.Breaker = breaker.New(cfg.Breaker, store, logger, breaker.WithEvents(b.Events))

	b.Balancer = balancer.New(cfg.Balancer, logger)

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Monitoring.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Monitoring.NotifyWebhookURL, logger)
	}
	b.Monitor = monitoring.NewService(cfg.Monitoring, notifier, logger)
	b.Events.SubscribeAll(b.Monitor)

	b.Scheduler = scheduler.New(logger)
	b.Manager = pool.NewManager(cfg.Pool, b.Breaker, b.Balancer, b.Events, b.Scheduler, logger,
		pool.WithMetricsSink(b.Monitor))

	b.Gateway = api.NewGateway(b.Manager, b.Monitor, b.Breaker, b.Config.Server, logger)

	return nil
}

// Start launches every component in dependency order.
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	if err := b.Telemetry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	if err := b.Manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to register pool tasks: %w", err)
	}
	if err := b.registerMonitoringTasks(); err != nil {
		return fmt.Errorf("failed to register monitoring tasks: %w", err)
	}
	b.Scheduler.Start(ctx)

	addr := fmt.Sprintf("%s:%d", b.Config.Server.Host, b.Config.Server.Port)
	if err := b.Gateway.Start(ctx, addr, b.Config.Server.ReadTimeout, b.Config.Server.WriteTimeout); err != nil {
		return fmt.Errorf("failed to start api gateway: %w", err)
	}

	b.Logger.Info("all components started")
	return nil
}

func (b *Bootstrap) registerMonitoringTasks() error {
	// The finest aggregation window runs on the configured interval; the
	// coarser windows roll up on their own period.
	minuteInterval := b.Config.Monitoring.AggregationInterval
	if minuteInterval <= 0 {
		minuteInterval = time.Minute
	}
	windows := []struct {
		name     string
		window   models.AggregationWindow
		interval time.Duration
	}{
		{"aggregate-minute", models.WindowMinute, minuteInterval},
		{"aggregate-hour", models.WindowHour, time.Hour},
		{"aggregate-day", models.WindowDay, 24 * time.Hour},
	}
	for _, w := range windows {
		w := w
		if err := b.Scheduler.Register(w.name, w.interval, func(ctx context.Context) error {
			return b.Monitor.Aggregate(ctx, w.window)
		}); err != nil {
			return err
		}
	}
	return b.Scheduler.Register("monitoring-cleanup", b.Config.Monitoring.CleanupInterval, b.Monitor.Cleanup)
}

// Stop tears the system down in reverse order: API first, then
// background tasks, then in-flight drain, then the event bus and
// telemetry.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}
	b.Logger.Info("stopping components")

	if b.Gateway != nil {
		if err := b.Gateway.Stop(ctx); err != nil {
			b.Logger.Error("failed to stop api gateway", zap.Error(err))
		}
	}
	if b.Scheduler != nil {
		b.Scheduler.Stop()
	}
	if b.Manager != nil {
		drainCtx, cancel := context.WithTimeout(ctx, b.Config.Pool.DrainTimeout)
		defer cancel()
		if err := b.Manager.Shutdown(drainCtx); err != nil {
			b.Logger.Error("failed to drain pool manager", zap.Error(err))
		}
	}
	// Closing the dispatcher also closes the NATS forward when present.
	if b.Events != nil {
		if err := b.Events.Close(); err != nil {
			b.Logger.Error("failed to close event bus", zap.Error(err))
		}
	}
	if b.Telemetry != nil {
		if err := b.Telemetry.Stop(ctx); err != nil {
			b.Logger.Error("failed to stop telemetry", zap.Error(err))
		}
	}

	b.Logger.Info("all components stopped")
	_ = b.Logger.Sync()
	return nil
}

func (b *Bootstrap) loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}
