package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the entity resolver.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, tokens, salts) must only come from environment variables.
type Config struct {
	// Server configuration (health and queue trigger endpoints)
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis front for the mapping cache (optional)
	Redis RedisConfig `yaml:"redis"`

	// External entity lookup service
	Lookup LookupConfig `yaml:"lookup"`

	// Resolution cascade settings
	Resolver ResolverConfig `yaml:"resolver"`

	// Enrichment queue worker settings
	Worker WorkerConfig `yaml:"worker"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"resolver"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"entity_resolver"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration. An empty host disables the Redis front.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_MAPPING_TTL" env-default:"24h"`
}

// LookupConfig holds settings for the external entity lookup client.
type LookupConfig struct {
	BaseURL  string        `yaml:"base_url" env:"LOOKUP_BASE_URL" env-default:""`
	APIToken string        `yaml:"-" env:"LOOKUP_API_TOKEN"` // Secret - not in YAML
	Timeout  time.Duration `yaml:"timeout" env:"LOOKUP_TIMEOUT" env-default:"10s"`

	// RateLimit is the sustained request rate in requests per second.
	RateLimit float64 `yaml:"rate_limit" env:"LOOKUP_RATE_LIMIT" env-default:"5"`
	Burst     int     `yaml:"burst" env:"LOOKUP_BURST" env-default:"5"`

	// CircuitThreshold consecutive transient failures open the circuit for CircuitResetAfter.
	CircuitThreshold  int           `yaml:"circuit_threshold" env:"LOOKUP_CIRCUIT_THRESHOLD" env-default:"5"`
	CircuitResetAfter time.Duration `yaml:"circuit_reset_after" env:"LOOKUP_CIRCUIT_RESET_AFTER" env-default:"30s"`
}

// IsConfigured returns true if an external lookup service is configured.
func (c *LookupConfig) IsConfigured() bool {
	return c.BaseURL != ""
}

// ResolverConfig holds settings for the resolution cascade.
type ResolverConfig struct {
	// DefaultCanonicalID is returned for rows without a customer name.
	DefaultCanonicalID string `yaml:"default_canonical_id" env:"RESOLVER_DEFAULT_CANONICAL_ID" env-default:"100000"`
	// SessionBudget caps external lookups per resolution session.
	SessionBudget int `yaml:"session_budget" env:"RESOLVER_SESSION_BUDGET" env-default:"100"`
	// OverridesPath points to the override table file. Empty disables overrides.
	OverridesPath string `yaml:"overrides_path" env:"RESOLVER_OVERRIDES_PATH" env-default:"overrides.yaml"`
	// TempIDSalt keys the temporary identity hash.
	TempIDSalt string `yaml:"-" env:"TEMP_ID_SALT"` // Secret - not in YAML
}

// WorkerConfig holds settings for the enrichment queue worker.
type WorkerConfig struct {
	// Disabled turns off the background scheduler; runs can still be started over HTTP.
	Disabled             bool          `yaml:"disabled" env:"WORKER_DISABLED"`
	Interval             time.Duration `yaml:"interval" env:"WORKER_INTERVAL" env-default:"15m"`
	BatchSize            int           `yaml:"batch_size" env:"WORKER_BATCH_SIZE" env-default:"50"`
	Concurrency          int           `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"4"`
	LookupBudget         int           `yaml:"lookup_budget" env:"WORKER_LOOKUP_BUDGET" env-default:"50"`
	StaleThreshold       time.Duration `yaml:"stale_threshold" env:"WORKER_STALE_THRESHOLD" env-default:"30m"`
	MaxRunDuration       time.Duration `yaml:"max_run_duration" env:"WORKER_MAX_RUN_DURATION" env-default:"10m"`
	BacklogWarnThreshold int           `yaml:"backlog_warn_threshold" env:"WORKER_BACKLOG_WARN_THRESHOLD" env-default:"500"`
	BacklogCheckInterval time.Duration `yaml:"backlog_check_interval" env:"WORKER_BACKLOG_CHECK_INTERVAL" env-default:"1m"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Environment variables override YAML values. Secrets (PGPASSWORD, REDIS_PASSWORD,
// LOOKUP_API_TOKEN, TEMP_ID_SALT) must come from environment variables (yaml:"-" fields).
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	// Load config from YAML file with environment variable overrides
	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.resolveDockerHosts(IsRunningInDocker())

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validate checks ranged and required fields after loading.
func (c *Config) validate() error {
	if strings.TrimSpace(c.Resolver.DefaultCanonicalID) == "" {
		return fmt.Errorf("resolver.default_canonical_id must not be empty")
	}
	if c.Resolver.SessionBudget < 0 {
		return fmt.Errorf("resolver.session_budget must be >= 0, got %d", c.Resolver.SessionBudget)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0, got %d", c.Worker.BatchSize)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0, got %d", c.Worker.Concurrency)
	}
	if c.Worker.LookupBudget < 0 {
		return fmt.Errorf("worker.lookup_budget must be >= 0, got %d", c.Worker.LookupBudget)
	}
	if !c.Worker.Disabled && c.Worker.Interval <= 0 {
		return fmt.Errorf("worker.interval must be > 0 when the worker is enabled")
	}
	if c.Worker.MaxRunDuration <= 0 {
		return fmt.Errorf("worker.max_run_duration must be > 0, got %s", c.Worker.MaxRunDuration)
	}
	if c.Lookup.Timeout <= 0 {
		return fmt.Errorf("lookup.timeout must be > 0, got %s", c.Lookup.Timeout)
	}
	// An overlapping run resets rows older than the stale threshold, so it must
	// outlast the longest run including its final lookup.
	if minStale := c.Worker.MaxRunDuration + c.Lookup.Timeout; c.Worker.StaleThreshold <= minStale {
		return fmt.Errorf("worker.stale_threshold must be > worker.max_run_duration + lookup.timeout (%s), got %s",
			minStale, c.Worker.StaleThreshold)
	}
	if c.Lookup.IsConfigured() {
		if _, err := url.ParseRequestURI(c.Lookup.BaseURL); err != nil {
			return fmt.Errorf("lookup.base_url is not a valid URL: %w", err)
		}
	}
	return nil
}

// URL returns the connection string in URL form, as required by golang-migrate.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
