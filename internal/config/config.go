// Package config loads service configuration from an optional config file
// and EXPENSE_POLICY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Rule sources
const (
	SourcePostgres = "postgres"
	SourceMemory   = "memory"
	SourceFile     = "file"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all configuration for the service
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Rules    RulesConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// AppConfig holds HTTP server settings
type AppConfig struct {
	Name            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
}

// RulesConfig selects where rules are read from
type RulesConfig struct {
	Source        string // postgres, memory, file
	FilePath      string
	Watch         bool
	WatchDebounce time.Duration
}

// CacheConfig configures the active-rule snapshot cache
type CacheConfig struct {
	Backend   string // memory, redis
	TTL       time.Duration
	KeyPrefix string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LogConfig holds logging settings
type LogConfig struct {
	Level       string // trace, debug, info, warn, error
	Format      string // json, text
	SampleRate  int
	OTELEnabled bool
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration. Environment variables override file values,
// e.g. EXPENSE_POLICY_DATABASE_URL overrides database.url.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/expense-policy")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("EXPENSE_POLICY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:            v.GetString("app.name"),
			Port:            v.GetString("app.port"),
			ReadTimeout:     v.GetDuration("app.read_timeout"),
			WriteTimeout:    v.GetDuration("app.write_timeout"),
			ShutdownTimeout: v.GetDuration("app.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			MigrationsPath:  v.GetString("database.migrations_path"),
		},
		Rules: RulesConfig{
			Source:        strings.ToLower(v.GetString("rules.source")),
			FilePath:      v.GetString("rules.file_path"),
			Watch:         v.GetBool("rules.watch"),
			WatchDebounce: v.GetDuration("rules.watch_debounce"),
		},
		Cache: CacheConfig{
			Backend:   strings.ToLower(v.GetString("cache.backend")),
			TTL:       v.GetDuration("cache.ttl"),
			KeyPrefix: v.GetString("cache.key_prefix"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Format:      strings.ToLower(v.GetString("log.format")),
			SampleRate:  v.GetInt("log.sample_rate"),
			OTELEnabled: v.GetBool("log.otel_enabled"),
		},
		Metrics: MetricsConfig{
			Enabled: !v.IsSet("metrics.enabled") || v.GetBool("metrics.enabled"),
			Path:    v.GetString("metrics.path"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "expense-policy"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.App.ReadTimeout == 0 {
		cfg.App.ReadTimeout = 15 * time.Second
	}
	if cfg.App.WriteTimeout == 0 {
		cfg.App.WriteTimeout = 15 * time.Second
	}
	if cfg.App.ShutdownTimeout == 0 {
		cfg.App.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = time.Hour
	}
	if cfg.Database.MigrationsPath == "" {
		cfg.Database.MigrationsPath = "migrations"
	}
	if cfg.Rules.Source == "" {
		if cfg.Database.URL != "" {
			cfg.Rules.Source = SourcePostgres
		} else {
			cfg.Rules.Source = SourceMemory
		}
	}
	if cfg.Rules.WatchDebounce == 0 {
		cfg.Rules.WatchDebounce = 250 * time.Millisecond
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "expense-policy:rules:"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.SampleRate == 0 {
		cfg.Log.SampleRate = 1
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	switch c.Rules.Source {
	case SourcePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required when rules.source is %q", SourcePostgres)
		}
	case SourceFile:
		if c.Rules.FilePath == "" {
			return fmt.Errorf("rules.file_path is required when rules.source is %q", SourceFile)
		}
	case SourceMemory:
	default:
		return fmt.Errorf("rules.source must be one of %s, %s, %s; got %q", SourcePostgres, SourceMemory, SourceFile, c.Rules.Source)
	}

	if c.Cache.Backend != CacheMemory && c.Cache.Backend != CacheRedis {
		return fmt.Errorf("cache.backend must be %s or %s; got %q", CacheMemory, CacheRedis, c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text; got %q", c.Log.Format)
	}
	if c.Log.SampleRate < 1 {
		return fmt.Errorf("log.sample_rate must be at least 1")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}
	return nil
}

// Addr returns the listen address for the HTTP server
func (c *AppConfig) Addr() string {
	return ":" + c.Port
}
