package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "HEADSHAKERS"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DatabaseDriverSQLite
	defaultDatabasePath       = "headshakers.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "app_session"
	defaultSessionIssuer      = "headshakers-auth"
	defaultDedupWindowSeconds = 600
	defaultTrendingSchedule   = "@every 15m"
	defaultTrendingMinViews   = 1
	defaultRetryAttempts      = 3
	defaultAMQPQueue          = "content-views"
	defaultBreakerFailures    = 10
	defaultBreakerOpenSeconds = 15
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite store.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a Postgres store reached through DatabaseDSN.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and background jobs.
type AppConfig struct {
	HTTPAddress       string
	TrustedProxies    []string
	LogLevel          string
	LogFormat         string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	RedisURL          string
	BreakerFailures   int
	BreakerOpen       time.Duration
	DedupWindow       time.Duration
	TrendingSchedule  string
	TrendingMinViews  int
	TrendingEngage    bool
	RetryAttempts     int
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AMQPURL           string
	AMQPQueue         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("redis.breaker_failures", defaultBreakerFailures)
	configViper.SetDefault("redis.breaker_open_seconds", defaultBreakerOpenSeconds)
	configViper.SetDefault("views.dedup_window_seconds", defaultDedupWindowSeconds)
	configViper.SetDefault("trending.schedule", defaultTrendingSchedule)
	configViper.SetDefault("trending.min_views", defaultTrendingMinViews)
	configViper.SetDefault("trending.include_engagement", true)
	configViper.SetDefault("trending.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("amqp.url", "")
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		TrustedProxies:    configViper.GetStringSlice("http.trusted_proxies"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		RedisURL:          configViper.GetString("redis.url"),
		BreakerFailures:   configViper.GetInt("redis.breaker_failures"),
		BreakerOpen:       time.Duration(configViper.GetInt("redis.breaker_open_seconds")) * time.Second,
		DedupWindow:       time.Duration(configViper.GetInt("views.dedup_window_seconds")) * time.Second,
		TrendingSchedule:  configViper.GetString("trending.schedule"),
		TrendingMinViews:  configViper.GetInt("trending.min_views"),
		TrendingEngage:    configViper.GetBool("trending.include_engagement"),
		RetryAttempts:     configViper.GetInt("trending.retry_attempts"),
		SessionSigningKey: configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		AMQPURL:           configViper.GetString("amqp.url"),
		AMQPQueue:         configViper.GetString("amqp.queue"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("views.dedup_window_seconds must be positive")
	}
	if c.BreakerFailures < 1 {
		return fmt.Errorf("redis.breaker_failures must be at least 1")
	}
	if c.BreakerOpen <= 0 {
		return fmt.Errorf("redis.breaker_open_seconds must be positive")
	}
	if c.TrendingMinViews < 1 {
		return fmt.Errorf("trending.min_views must be at least 1")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("trending.retry_attempts must be at least 1")
	}
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AMQPURL) != "" && strings.TrimSpace(c.AMQPQueue) == "" {
		return fmt.Errorf("amqp.queue is required when amqp.url is set")
	}
	return nil
}
