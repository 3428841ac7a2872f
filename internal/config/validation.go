package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pumpwatch/pumpwatch/internal/sources"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	// Validate App configuration
	errors = append(errors, c.validateApp()...)

	// Validate source adapter configuration
	errors = append(errors, c.validateSources()...)

	// Validate Activity Log configuration
	errors = append(errors, c.validateActivity()...)

	// Validate Correlator configuration
	errors = append(errors, c.validateCorrelator()...)

	// Validate Circuit Breaker configuration
	errors = append(errors, c.validateBreaker()...)

	// Validate Archive configuration
	errors = append(errors, c.validateArchive()...)

	// Validate Signal Bus configuration
	errors = append(errors, c.validateSignalBus()...)

	// Validate API configuration
	errors = append(errors, c.validateAPI()...)

	// Validate Monitoring configuration
	errors = append(errors, c.validateMonitoring()...)

	// Validate Database configuration
	errors = append(errors, c.validateDatabase()...)

	// Validate Redis configuration
	errors = append(errors, c.validateRedis()...)

	// Validate environment-specific requirements
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	if c.App.LogFormat != "" && c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be 'json' or 'console'", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validateSources() ValidationErrors {
	var errors ValidationErrors

	polling := []struct {
		name   string
		common sources.Common
	}{
		{"rss", c.Sources.RSS.Common},
		{"cryptopanic", c.Sources.CryptoPanic.Common},
		{"lunarcrush", c.Sources.LunarCrush.Common},
		{"pushshift", c.Sources.Pushshift.Common},
	}

	for _, src := range polling {
		if !src.common.Enabled {
			continue
		}

		if src.common.PollInterval < time.Second {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("sources.%s.poll_interval", src.name),
				Message: "Poll interval must be at least 1s",
			})
		}

		if src.common.MaxResults < 1 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("sources.%s.max_results", src.name),
				Message: "Max results must be at least 1",
			})
		}

		if src.common.RateLimitPerMinute < 1 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("sources.%s.rate_limit_per_minute", src.name),
				Message: "Rate limit must be at least 1 request per minute",
			})
		}

		if src.common.RequestTimeout < time.Second {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("sources.%s.request_timeout", src.name),
				Message: "Request timeout must be at least 1s",
			})
		}
	}

	if c.Sources.Twitter.Enabled {
		if c.Sources.Twitter.RateLimitPerMinute < 1 {
			errors = append(errors, ValidationError{
				Field:   "sources.twitter.rate_limit_per_minute",
				Message: "Rate limit must be at least 1 request per minute",
			})
		}

		if c.Sources.Twitter.IdleTimeout < time.Second {
			errors = append(errors, ValidationError{
				Field:   "sources.twitter.idle_timeout",
				Message: "Stream idle timeout must be at least 1s",
			})
		}

		if c.Sources.Twitter.ReconnectBase < time.Second {
			errors = append(errors, ValidationError{
				Field:   "sources.twitter.reconnect_base",
				Message: "Stream reconnect base delay must be at least 1s",
			})
		}
	}

	return errors
}

func (c *Config) validateActivity() ValidationErrors {
	var errors ValidationErrors

	if c.Activity.MaxEntries < 1 {
		errors = append(errors, ValidationError{
			Field:   "activity.max_entries",
			Message: "Activity log capacity must be at least 1",
		})
	}

	if c.Activity.MaxAge < time.Second {
		errors = append(errors, ValidationError{
			Field:   "activity.max_age",
			Message: "Activity log retention must be at least 1s",
		})
	}

	if c.Activity.IngressSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "activity.ingress_size",
			Message: "Ingress queue size must be at least 1",
		})
	}

	if c.Activity.SubscriberQueueSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "activity.subscriber_queue_size",
			Message: "Subscriber queue size must be at least 1",
		})
	}

	if c.Activity.PublishTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "activity.publish_timeout",
			Message: "Publish timeout must be greater than 0",
		})
	}

	return errors
}

func (c *Config) validateCorrelator() ValidationErrors {
	var errors ValidationErrors

	if c.Correlator.Window < time.Second {
		errors = append(errors, ValidationError{
			Field:   "correlator.window",
			Message: "Correlation window must be at least 1s",
		})
	}

	if c.Correlator.MentionThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "correlator.mention_threshold",
			Message: "Mention threshold must be at least 1",
		})
	}

	if c.Correlator.Cooldown < time.Second {
		errors = append(errors, ValidationError{
			Field:   "correlator.cooldown",
			Message: "Signal cooldown must be at least 1s",
		})
	}

	if c.Correlator.MomentumPeriod < 1 {
		errors = append(errors, ValidationError{
			Field:   "correlator.momentum_period",
			Message: "Momentum period must be at least 1",
		})
	}

	if c.Correlator.MaxDetections < 1 {
		errors = append(errors, ValidationError{
			Field:   "correlator.max_detections",
			Message: "Detection history capacity must be at least 1",
		})
	}

	if c.Correlator.QueueSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "correlator.queue_size",
			Message: "Queue size must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateBreaker() ValidationErrors {
	var errors ValidationErrors

	if c.Breaker.FailureThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.failure_threshold",
			Message: "Failure threshold must be at least 1",
		})
	}

	if c.Breaker.MonitoringPeriod < time.Second {
		errors = append(errors, ValidationError{
			Field:   "breaker.monitoring_period",
			Message: "Monitoring period must be at least 1s",
		})
	}

	if c.Breaker.ResetTimeout < time.Second {
		errors = append(errors, ValidationError{
			Field:   "breaker.reset_timeout",
			Message: "Reset timeout must be at least 1s",
		})
	}

	if c.Breaker.MaxDailyLoss <= 0 {
		errors = append(errors, ValidationError{
			Field:   "breaker.max_daily_loss",
			Message: "Max daily loss must be greater than 0",
		})
	}

	if c.Breaker.MaxDrawdown <= 0 || c.Breaker.MaxDrawdown > 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.max_drawdown",
			Message: fmt.Sprintf("Invalid max_drawdown %.2f. Must be between 0-1 (representing percentage)", c.Breaker.MaxDrawdown),
		})
	}

	if c.Breaker.MaxConsecutiveLosses < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.max_consecutive_losses",
			Message: "Max consecutive losses must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateArchive() ValidationErrors {
	var errors ValidationErrors

	switch c.Archive.Backend {
	case ArchiveBackendRedis, ArchiveBackendPostgres, ArchiveBackendNone:
	default:
		errors = append(errors, ValidationError{
			Field:   "archive.backend",
			Message: fmt.Sprintf("Invalid backend '%s'. Must be 'redis', 'postgres' or 'none'", c.Archive.Backend),
		})
	}

	// Zero disables the scheduler; runs then happen through the cron
	// endpoint only.
	if c.Archive.Interval != 0 && c.Archive.Interval < time.Second {
		errors = append(errors, ValidationError{
			Field:   "archive.interval",
			Message: "Archive interval must be at least 1s (or 0 to disable scheduled runs)",
		})
	}

	if c.Archive.OpTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "archive.op_timeout",
			Message: "Store operation timeout must be greater than 0",
		})
	}

	if c.Archive.Archiver.Window < time.Second {
		errors = append(errors, ValidationError{
			Field:   "archive.archiver.window",
			Message: "Archiver window must be at least 1s",
		})
	}

	if c.Archive.Archiver.TopN < 1 {
		errors = append(errors, ValidationError{
			Field:   "archive.archiver.top_n",
			Message: "Top symbol count must be at least 1",
		})
	}

	if c.Archive.Archiver.MaxAlerts < 1 {
		errors = append(errors, ValidationError{
			Field:   "archive.archiver.max_alerts",
			Message: "Alert capacity must be at least 1",
		})
	}

	if c.Archive.Guard.ConsecutiveFailures < 1 {
		errors = append(errors, ValidationError{
			Field:   "archive.guard.consecutive_failures",
			Message: "Guard failure threshold must be at least 1",
		})
	}

	if c.Archive.Guard.OpenTimeout < time.Second {
		errors = append(errors, ValidationError{
			Field:   "archive.guard.open_timeout",
			Message: "Guard open timeout must be at least 1s",
		})
	}

	return errors
}

func (c *Config) validateSignalBus() ValidationErrors {
	var errors ValidationErrors

	// An empty URL leaves the bus disabled.
	if c.SignalBus.URL != "" && !strings.HasPrefix(c.SignalBus.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "signal_bus.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}

	if c.SignalBus.ReconnectWait < 0 {
		errors = append(errors, ValidationError{
			Field:   "signal_bus.reconnect_wait",
			Message: "Reconnect wait must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: "API port is required",
		})
	} else if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.API.Port),
		})
	}

	if len(c.API.CORSOrigins) == 0 {
		errors = append(errors, ValidationError{
			Field:   "api.cors_origins",
			Message: "At least one CORS origin is required ('*' allows all)",
		})
	}

	return errors
}

func (c *Config) validateMonitoring() ValidationErrors {
	var errors ValidationErrors

	if !c.Monitoring.EnableMetrics {
		return errors
	}

	if c.Monitoring.PrometheusPort < 1 || c.Monitoring.PrometheusPort > 65535 {
		errors = append(errors, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Monitoring.PrometheusPort),
		})
	} else if c.Monitoring.PrometheusPort == c.API.Port {
		errors = append(errors, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: "Metrics port must differ from the API port",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	// Only the Postgres archive backend reaches the database.
	if c.Archive.Backend != ArchiveBackendPostgres {
		return errors
	}

	// A full DSN overrides the component fields.
	if c.Database.URL != "" {
		return errors
	}

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: "Database port is required",
		})
	} else if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	// Warn about missing password in non-development environments
	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in non-development environments",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	// Only the Redis archive backend reaches Redis.
	if c.Archive.Backend != ArchiveBackendRedis {
		return errors
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	if c.Redis.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: "Redis port is required",
		})
	} else if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	// Production-specific validations
	if c.App.Environment == "production" {
		// Validate production secrets strength
		secretErrors := ValidateProductionSecrets(c)
		errors = append(errors, secretErrors...)

		// Ensure SSL for database in production
		if c.Archive.Backend == ArchiveBackendPostgres {
			if c.Database.URL != "" && strings.Contains(c.Database.URL, "sslmode=disable") {
				errors = append(errors, ValidationError{
					Field:   "database.url",
					Message: "SSL must be enabled for database in production",
				})
			}
			if c.Database.URL == "" && c.Database.SSLMode == "disable" {
				errors = append(errors, ValidationError{
					Field:   "database.ssl_mode",
					Message: "SSL must be enabled for database in production",
				})
			}
		}
	}

	return errors
}
