// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source drivers.
const (
	SourceHTTP     = "http"
	SourcePostgres = "postgres"
	SourceMemory   = "memory"
)

// Cache drivers.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Source        SourceConfig        `yaml:"source"`
	Cache         CacheConfig         `yaml:"cache"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
//
// With Disabled set, requests are not authenticated and run as DevSubject
// in DevTenant. It exists for local development against fixtures.
type IdentityConfig struct {
	Disabled     bool              `yaml:"disabled"`
	DevSubject   string            `yaml:"dev_subject"`
	DevTenant    string            `yaml:"dev_tenant"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// SourceConfig selects where workflow, job and version records are read from.
type SourceConfig struct {
	Driver   string         `yaml:"driver"`
	HTTP     HTTPConfig     `yaml:"http"`
	Postgres PostgresConfig `yaml:"postgres"`
	Memory   MemoryConfig   `yaml:"memory"`
}

// HTTPConfig describes the lead-magnet REST API.
type HTTPConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ForwardToken   bool                 `yaml:"forward_token"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings for the backend.
// A zero ErrorRateThreshold or ErrorRateWindow disables rate-based tripping.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for backend reads.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// PostgresConfig describes direct database access. The DSN itself is read
// from the environment variable named by DSNEnv.
type PostgresConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// MemoryConfig describes the fixture-backed source.
type MemoryConfig struct {
	FixturesFile string `yaml:"fixtures_file"`
}

// CacheConfig describes the snapshot cache in front of the source.
type CacheConfig struct {
	Driver     string        `yaml:"driver"`
	TTL        time.Duration `yaml:"ttl"`
	JobTTL     time.Duration `yaml:"job_ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig describes the Redis cache backend. The address is read from
// the environment variable named by AddrEnv.
type RedisConfig struct {
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DashboardConfig bounds the dashboard queries.
type DashboardConfig struct {
	DefaultJobLimit int `yaml:"default_job_limit"`
	MaxJobLimit     int `yaml:"max_job_limit"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogFormat is json or console.
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			DevSubject:   "local-operator",
			DevTenant:    "local",
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Source: SourceConfig{
			Driver: SourceHTTP,
			HTTP: HTTPConfig{
				Timeout:      10 * time.Second,
				ForwardToken: true,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold:   5,
					SuccessThreshold:   2,
					Timeout:            30 * time.Second,
					ErrorRateThreshold: 0.5,
					ErrorRateWindow:    time.Minute,
				},
				Retry: RetryConfig{
					MaxAttempts:       3,
					BackoffInitial:    100 * time.Millisecond,
					BackoffMultiplier: 2,
					BackoffMax:        2 * time.Second,
				},
			},
			Postgres: PostgresConfig{
				DSNEnv:          "LEADBOARD_DATABASE_URL",
				MaxConns:        10,
				MinConns:        1,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:     CacheMemory,
			TTL:        30 * time.Second,
			JobTTL:     10 * time.Minute,
			MaxEntries: 5000,
			Redis: RedisConfig{
				AddrEnv:   "LEADBOARD_REDIS_ADDR",
				KeyPrefix: "leadboard:",
			},
		},
		Dashboard: DashboardConfig{
			DefaultJobLimit: 50,
			MaxJobLimit:     500,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file and starts from
// Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if !c.Identity.Disabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
	}

	switch c.Source.Driver {
	case SourceHTTP:
		if c.Source.HTTP.BaseURL == "" {
			errs = append(errs, "source.http.base_url is required for the http driver")
		}
	case SourcePostgres:
		if c.Source.Postgres.DSNEnv == "" {
			errs = append(errs, "source.postgres.dsn_env is required for the postgres driver")
		}
	case SourceMemory:
	default:
		errs = append(errs, fmt.Sprintf("source.driver %q is not one of http, postgres, memory", c.Source.Driver))
	}

	switch c.Cache.Driver {
	case CacheRedis:
		if c.Cache.Redis.AddrEnv == "" {
			errs = append(errs, "cache.redis.addr_env is required for the redis driver")
		}
	case CacheMemory, CacheNone:
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q is not one of memory, redis, none", c.Cache.Driver))
	}

	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not one of json, console", c.Observability.LogFormat))
	}

	if c.Dashboard.DefaultJobLimit < 1 || c.Dashboard.MaxJobLimit < c.Dashboard.DefaultJobLimit {
		errs = append(errs, "dashboard.default_job_limit must be positive and not exceed dashboard.max_job_limit")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads LEADBOARD_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEADBOARD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LEADBOARD_IDENTITY_DISABLED"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil {
			cfg.Identity.Disabled = disabled
		}
	}
	if v := os.Getenv("LEADBOARD_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("LEADBOARD_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("LEADBOARD_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("LEADBOARD_SOURCE_DRIVER"); v != "" {
		cfg.Source.Driver = v
	}
	if v := os.Getenv("LEADBOARD_SOURCE_BASE_URL"); v != "" {
		cfg.Source.HTTP.BaseURL = v
	}
	if v := os.Getenv("LEADBOARD_SOURCE_FIXTURES"); v != "" {
		cfg.Source.Memory.FixturesFile = v
	}
	if v := os.Getenv("LEADBOARD_CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}
	if v := os.Getenv("LEADBOARD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LEADBOARD_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
