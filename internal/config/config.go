package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pumpwatch/pumpwatch/internal/activity"
	"github.com/pumpwatch/pumpwatch/internal/archive"
	"github.com/pumpwatch/pumpwatch/internal/breaker"
	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/signalbus"
	"github.com/pumpwatch/pumpwatch/internal/sources"
)

// Archive backend selectors.
const (
	ArchiveBackendRedis    = "redis"
	ArchiveBackendPostgres = "postgres"
	ArchiveBackendNone     = "none"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig         `mapstructure:"app"`
	Pipeline   PipelineConfig    `mapstructure:"pipeline"`
	Sources    sources.Specs     `mapstructure:"sources"`
	Activity   activity.Config   `mapstructure:"activity"`
	Correlator correlator.Config `mapstructure:"correlator"`
	Breaker    breaker.Config    `mapstructure:"breaker"`
	Archive    ArchiveConfig     `mapstructure:"archive"`
	SignalBus  signalbus.Config  `mapstructure:"signal_bus"`
	API        APIConfig         `mapstructure:"api"`
	Monitoring MonitoringConfig  `mapstructure:"monitoring"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      RedisConfig       `mapstructure:"redis"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// PipelineConfig contains orchestrator-level settings that do not
// belong to any single source.
type PipelineConfig struct {
	// RegistryPath optionally points at a YAML symbol registry. Empty
	// uses the compiled-in registry.
	RegistryPath string `mapstructure:"registry_path"`
	// RequiredSources lists platforms that must start successfully.
	RequiredSources []string      `mapstructure:"required_sources"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
}

// ArchiveConfig selects and tunes the archive storage backend.
type ArchiveConfig struct {
	// Backend is one of redis, postgres or none.
	Backend string `mapstructure:"backend"`
	// Interval between scheduled archiver runs; 0 leaves runs to the
	// cron endpoint only.
	Interval time.Duration `mapstructure:"interval"`
	// OpTimeout bounds individual store operations.
	OpTimeout time.Duration       `mapstructure:"op_timeout"`
	Archiver  archive.Config      `mapstructure:"archiver"`
	Guard     archive.GuardConfig `mapstructure:"guard"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// CronSecret protects the archive cron endpoint; empty leaves the
	// endpoint open.
	CronSecret string `mapstructure:"cron_secret"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// DatabaseConfig contains PostgreSQL settings for the archive backend
type DatabaseConfig struct {
	// URL is a complete DSN and wins over the component fields when
	// set. Populated from DATABASE_URL by ResolveSecrets.
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("PUMPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration using comprehensive validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "pumpwatch")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Pipeline defaults
	v.SetDefault("pipeline.required_sources", []string{})
	v.SetDefault("pipeline.stop_timeout", "10s")

	// Source defaults: RSS news feeds
	v.SetDefault("sources.rss.enabled", true)
	v.SetDefault("sources.rss.poll_interval", "2m")
	v.SetDefault("sources.rss.max_results", 25)
	v.SetDefault("sources.rss.rate_limit_per_minute", 10)
	v.SetDefault("sources.rss.request_timeout", "30s")
	v.SetDefault("sources.rss.feeds", []map[string]interface{}{
		{"name": "coindesk", "url": "https://www.coindesk.com/feed.json"},
		{"name": "cointelegraph", "url": "https://cointelegraph.com/feed.json"},
	})

	// Source defaults: CryptoPanic
	v.SetDefault("sources.cryptopanic.enabled", true)
	v.SetDefault("sources.cryptopanic.poll_interval", "90s")
	v.SetDefault("sources.cryptopanic.max_results", 50)
	v.SetDefault("sources.cryptopanic.rate_limit_per_minute", 5)
	v.SetDefault("sources.cryptopanic.request_timeout", "30s")
	v.SetDefault("sources.cryptopanic.base_url", "https://cryptopanic.com")
	v.SetDefault("sources.cryptopanic.filter", "hot")

	// Source defaults: LunarCrush
	v.SetDefault("sources.lunarcrush.enabled", true)
	v.SetDefault("sources.lunarcrush.poll_interval", "2m")
	v.SetDefault("sources.lunarcrush.max_results", 50)
	v.SetDefault("sources.lunarcrush.rate_limit_per_minute", 10)
	v.SetDefault("sources.lunarcrush.request_timeout", "30s")
	v.SetDefault("sources.lunarcrush.base_url", "https://lunarcrush.com")
	v.SetDefault("sources.lunarcrush.topics", []string{"cryptocurrency"})
	v.SetDefault("sources.lunarcrush.limit", 50)

	// Source defaults: Pushshift (Reddit archive, best effort)
	v.SetDefault("sources.pushshift.enabled", true)
	v.SetDefault("sources.pushshift.poll_interval", "3m")
	v.SetDefault("sources.pushshift.max_results", 100)
	v.SetDefault("sources.pushshift.rate_limit_per_minute", 10)
	v.SetDefault("sources.pushshift.request_timeout", "30s")
	v.SetDefault("sources.pushshift.base_url", "https://api.pushshift.io")
	v.SetDefault("sources.pushshift.subreddits", []string{
		"CryptoMoonShots",
		"SatoshiStreetBets",
		"CryptoCurrency",
	})

	// Source defaults: Twitter filtered stream
	v.SetDefault("sources.twitter.enabled", true)
	v.SetDefault("sources.twitter.rate_limit_per_minute", 60)
	v.SetDefault("sources.twitter.request_timeout", "30s")
	v.SetDefault("sources.twitter.api_url", "https://api.twitter.com")
	v.SetDefault("sources.twitter.idle_timeout", "90s")
	v.SetDefault("sources.twitter.reconnect_base", "30s")
	v.SetDefault("sources.twitter.rules", []map[string]interface{}{
		{"value": `(crypto OR bitcoin OR $BTC OR $ETH) lang:en -is:retweet`, "tag": "crypto-chatter"},
		{"value": `("100x" OR "to the moon" OR "pump at") lang:en -is:retweet`, "tag": "pump-chatter"},
	})

	// Activity log defaults
	v.SetDefault("activity.max_entries", 50000)
	v.SetDefault("activity.max_age", "24h")
	v.SetDefault("activity.ingress_size", 4096)
	v.SetDefault("activity.subscriber_queue_size", 1024)
	v.SetDefault("activity.publish_timeout", "500ms")

	// Correlator defaults
	v.SetDefault("correlator.window", "5m")
	v.SetDefault("correlator.mention_threshold", 5)
	v.SetDefault("correlator.cooldown", "60s")
	v.SetDefault("correlator.momentum_period", 5)
	v.SetDefault("correlator.max_detections", 500)

	// Circuit breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.monitoring_period", "60s")
	v.SetDefault("breaker.reset_timeout", "5m")
	v.SetDefault("breaker.max_daily_loss", 1000.0)
	v.SetDefault("breaker.max_drawdown", 0.20)
	v.SetDefault("breaker.max_consecutive_losses", 5)
	v.SetDefault("breaker.enable_auto_halt", true)

	// Archive defaults
	v.SetDefault("archive.backend", ArchiveBackendRedis)
	v.SetDefault("archive.interval", "6h")
	v.SetDefault("archive.op_timeout", "500ms")
	v.SetDefault("archive.archiver.window", "6h")
	v.SetDefault("archive.archiver.top_n", 10)
	v.SetDefault("archive.archiver.max_alerts", 50)
	v.SetDefault("archive.guard.consecutive_failures", 5)
	v.SetDefault("archive.guard.open_timeout", "30s")

	// Signal bus defaults; empty URL leaves the bus disabled
	v.SetDefault("signal_bus.url", "")
	v.SetDefault("signal_bus.prefix", "pumpwatch.")
	v.SetDefault("signal_bus.name", "pumpwatch-bus")
	v.SetDefault("signal_bus.reconnect_wait", "2s")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", APIServerPort)
	v.SetDefault("api.cors_origins", []string{"*"})

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", MetricsPort)
	v.SetDefault("monitoring.enable_metrics", true)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", PostgresPort)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "pumpwatch")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", RedisPort)
	v.SetDefault("redis.db", 0)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetMetricsAddr returns the Prometheus listen address
func (c *MonitoringConfig) GetMetricsAddr() string {
	return fmt.Sprintf(":%d", c.PrometheusPort)
}

// ArchiveRedisConfig assembles the Redis store settings from the shared
// connection section and the archive tuning.
func (c *Config) ArchiveRedisConfig() archive.RedisConfig {
	return archive.RedisConfig{
		Addr:      c.Redis.GetRedisAddr(),
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		OpTimeout: c.Archive.OpTimeout,
	}
}
