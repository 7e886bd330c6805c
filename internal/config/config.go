package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/integration-fleet-dispatcher/ifd/internal/logging"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    logging.Config   `mapstructure:"logging"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Balancer   BalancerConfig   `mapstructure:"balancer"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig holds the admin API server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// RedisConfig holds the circuit-breaker state store configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventBusConfig holds NATS configuration.
type EventBusConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	StreamName string `mapstructure:"stream_name"`
}

// TelemetryConfig holds telemetry configuration.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
}

// BreakerProfile is a per-provider circuit breaker tuning profile.
type BreakerProfile struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	VolumeThreshold  int           `mapstructure:"volume_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	WindowSize       time.Duration `mapstructure:"window_size"`
}

// BreakerConfig holds the default breaker profile plus provider overrides.
type BreakerConfig struct {
	Default   BreakerProfile            `mapstructure:"default"`
	Providers map[string]BreakerProfile `mapstructure:"providers"`
	StateTTL  time.Duration             `mapstructure:"state_ttl"`
}

// BalancerConfig holds the load balancer defaults.
type BalancerConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy"`
	VirtualNodes    int           `mapstructure:"virtual_nodes"`
	ProfileRefresh  time.Duration `mapstructure:"profile_refresh"`
	HistorySize     int           `mapstructure:"history_size"`

	// Intelligent-strategy penalty caps. Empirically chosen defaults,
	// kept configurable rather than hard-coded.
	LoadPenaltyMax      float64 `mapstructure:"load_penalty_max"`
	LatencyPenaltyMax   float64 `mapstructure:"latency_penalty_max"`
	ErrorPenaltyMax     float64 `mapstructure:"error_penalty_max"`
	OperationPenaltyMax float64 `mapstructure:"operation_penalty_max"`
	MinWeight           float64 `mapstructure:"min_weight"`
	MaxWeight           float64 `mapstructure:"max_weight"`
}

// PoolConfig holds pool manager defaults.
type PoolConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	RebalanceInterval   time.Duration `mapstructure:"rebalance_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	OperationTimeout    time.Duration `mapstructure:"operation_timeout"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout"`
}

// MonitoringConfig holds monitoring service configuration.
type MonitoringConfig struct {
	RawRetention        time.Duration `mapstructure:"raw_retention"`
	AggregateRetention  time.Duration `mapstructure:"aggregate_retention"`
	AlertRetention      time.Duration `mapstructure:"alert_retention"`
	RingCapacity        int           `mapstructure:"ring_capacity"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	AggregationInterval time.Duration `mapstructure:"aggregation_interval"`
	NotifyWebhookURL    string        `mapstructure:"notify_webhook_url"`
	NotifyMinSeverity   string        `mapstructure:"notify_min_severity"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/ifd")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("IFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults plus env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("eventbus.enabled", false)
	v.SetDefault("eventbus.url", "nats://localhost:4222")
	v.SetDefault("eventbus.stream_name", "IFD_EVENTS")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "ifd")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.prometheus_port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("breaker.default.failure_threshold", 5)
	v.SetDefault("breaker.default.success_threshold", 2)
	v.SetDefault("breaker.default.volume_threshold", 5)
	v.SetDefault("breaker.default.timeout", 30*time.Second)
	v.SetDefault("breaker.default.window_size", 60*time.Second)
	v.SetDefault("breaker.state_ttl", 10*time.Minute)

	v.SetDefault("balancer.default_strategy", "intelligent")
	v.SetDefault("balancer.virtual_nodes", 150)
	v.SetDefault("balancer.profile_refresh", 5*time.Minute)
	v.SetDefault("balancer.history_size", 1000)
	v.SetDefault("balancer.load_penalty_max", 30.0)
	v.SetDefault("balancer.latency_penalty_max", 25.0)
	v.SetDefault("balancer.error_penalty_max", 25.0)
	v.SetDefault("balancer.operation_penalty_max", 20.0)
	v.SetDefault("balancer.min_weight", 0.1)
	v.SetDefault("balancer.max_weight", 2.0)

	v.SetDefault("pool.health_check_interval", 30*time.Second)
	v.SetDefault("pool.rebalance_interval", 60*time.Second)
	v.SetDefault("pool.max_retries", 3)
	v.SetDefault("pool.retry_base_delay", 200*time.Millisecond)
	v.SetDefault("pool.retry_max_delay", 5*time.Second)
	v.SetDefault("pool.operation_timeout", 30*time.Second)
	v.SetDefault("pool.drain_timeout", 30*time.Second)

	v.SetDefault("monitoring.raw_retention", time.Hour)
	v.SetDefault("monitoring.aggregate_retention", 7*24*time.Hour)
	v.SetDefault("monitoring.alert_retention", 30*24*time.Hour)
	v.SetDefault("monitoring.ring_capacity", 1000)
	v.SetDefault("monitoring.cleanup_interval", time.Hour)
	v.SetDefault("monitoring.aggregation_interval", time.Minute)
	v.SetDefault("monitoring.notify_min_severity", "warning")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", c.Telemetry.PrometheusPort)
	}
	if err := c.Breaker.Default.Validate(); err != nil {
		return fmt.Errorf("breaker default profile: %w", err)
	}
	for provider, profile := range c.Breaker.Providers {
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("breaker profile %q: %w", provider, err)
		}
	}
	if c.Balancer.VirtualNodes <= 0 {
		return fmt.Errorf("balancer virtual_nodes must be positive, got %d", c.Balancer.VirtualNodes)
	}
	if c.Balancer.MinWeight <= 0 || c.Balancer.MaxWeight < c.Balancer.MinWeight {
		return fmt.Errorf("invalid balancer weight bounds [%v, %v]", c.Balancer.MinWeight, c.Balancer.MaxWeight)
	}
	if c.Pool.MaxRetries < 0 {
		return fmt.Errorf("pool max_retries must not be negative, got %d", c.Pool.MaxRetries)
	}
	if c.Monitoring.RingCapacity <= 0 {
		return fmt.Errorf("monitoring ring_capacity must be positive, got %d", c.Monitoring.RingCapacity)
	}
	return nil
}

// Validate checks a breaker profile for consistency.
func (p BreakerProfile) Validate() error {
	if p.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive, got %d", p.FailureThreshold)
	}
	if p.SuccessThreshold <= 0 {
		return fmt.Errorf("success_threshold must be positive, got %d", p.SuccessThreshold)
	}
	if p.VolumeThreshold < 0 {
		return fmt.Errorf("volume_threshold must not be negative, got %d", p.VolumeThreshold)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", p.Timeout)
	}
	if p.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %s", p.WindowSize)
	}
	return nil
}
