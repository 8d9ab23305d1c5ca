package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "BRAZEN_"

// Config represents the application configuration
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Quota    QuotaConfig    `yaml:"quota"`
	Rotation RotationConfig `yaml:"rotation"`
	Database DatabaseConfig `yaml:"database"`
	Mailer   MailerConfig   `yaml:"mailer"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EngineConfig controls the execution cycle
type EngineConfig struct {
	BatchSize       int           `yaml:"batch_size"`        // Contacts claimed per cycle (default: 200)
	Interval        time.Duration `yaml:"interval"`          // Trigger interval (default: 2m)
	Schedule        string        `yaml:"schedule"`          // Cron spec, overrides interval
	Concurrency     int           `yaml:"concurrency"`       // Contacts processed in parallel (default: 5)
	MinWaitDelay    time.Duration `yaml:"min_wait_delay"`    // Fallback for zero wait steps (default: 60s)
	QuotaResetHour  int           `yaml:"quota_reset_hour"`  // UTC hour quota reschedules land on (default: 8)
	StaleClaimAfter time.Duration `yaml:"stale_claim_after"` // Reclaim processing rows older than this (default: 30m, 0 = off)
	SendTimeout     time.Duration `yaml:"send_timeout"`      // Per message send timeout (default: 2m)

	quotaResetHourSet  bool `yaml:"-"`
	staleClaimAfterSet bool `yaml:"-"`
}

// UnmarshalYAML records which keys were given where 0 is a meaningful value
func (e *EngineConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain EngineConfig
	if err := value.Decode((*plain)(e)); err != nil {
		return err
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		switch value.Content[i].Value {
		case "quota_reset_hour":
			e.quotaResetHourSet = true
		case "stale_claim_after":
			e.staleClaimAfterSet = true
		}
	}
	return nil
}

// CronSpec returns the trigger schedule in robfig/cron syntax
func (e *EngineConfig) CronSpec() string {
	if e.Schedule != "" {
		return e.Schedule
	}
	return "@every " + e.Interval.String()
}

// QuotaConfig contains daily quota settings
type QuotaConfig struct {
	DefaultDailyLimit int `yaml:"default_daily_limit"` // Limit for accounts without one (default: 10000)
}

// Rotation cursor backends
const (
	RotationMemory = "memory"
	RotationRedis  = "redis"
)

// RotationConfig selects where round-robin cursors live
type RotationConfig struct {
	Backend  string `yaml:"backend"`   // memory, redis
	RedisURL string `yaml:"redis_url"` // redis://host:6379/0
}

// DatabaseConfig contains data store settings
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite3, postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// MailerConfig contains transport settings
type MailerConfig struct {
	Hostname       string        `yaml:"hostname"`         // EHLO name
	RatePerSecond  float64       `yaml:"rate_per_second"`  // Per account pacing (0 = unlimited)
	DialTimeout    time.Duration `yaml:"dial_timeout"`     // SMTP connect timeout (default: 30s)
	SecretKey      string        `yaml:"secret_key"`       // Key for sealed account secrets
	SendGridAPIKey string        `yaml:"sendgrid_api_key"` // Fallback key for sendgrid accounts
	SandboxPath    string        `yaml:"sandbox_path"`     // bbolt file for captured messages
	DKIM           []DKIMConfig  `yaml:"dkim"`
	OAuth          OAuthConfig   `yaml:"oauth"`
}

// DKIMConfig configures signing for one sender domain
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// OAuthConfig holds OAuth clients per provider
type OAuthConfig struct {
	Google    OAuthClient `yaml:"google"`
	Microsoft OAuthClient `yaml:"microsoft"`
}

// OAuthClient is a registered OAuth application
type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"` // Overrides the provider default
	SMTPHost     string `yaml:"smtp_host"` // Overrides the provider default
}

// APIConfig contains admin HTTP API settings
type APIConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	APIKey     string   `yaml:"api_key"`
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 30s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// envOverrides are secrets and endpoints commonly injected by the environment
type envOverrides struct {
	DatabaseDriver string `env:"DATABASE_DRIVER"`
	DatabaseDSN    string `env:"DATABASE_DSN"`
	APIKey         string `env:"API_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	SendGridAPIKey string `env:"SENDGRID_API_KEY"`
	RedisURL       string `env:"REDIS_URL"`
	LogLevel       string `env:"LOG_LEVEL"`
}

// Load loads configuration from a YAML file and BRAZEN_* environment variables
func Load(path string) (*Config, error) {
	return load(path, envconfig.OsLookuper())
}

func load(path string, lookuper envconfig.Lookuper) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(context.Background(), cfg, lookuper); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	var env envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &env,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.Driver, env.DatabaseDriver)
	set(&cfg.Database.DSN, env.DatabaseDSN)
	set(&cfg.API.APIKey, env.APIKey)
	set(&cfg.Mailer.SecretKey, env.SecretKey)
	set(&cfg.Mailer.SendGridAPIKey, env.SendGridAPIKey)
	set(&cfg.Rotation.RedisURL, env.RedisURL)
	set(&cfg.Logging.Level, env.LogLevel)
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Engine.BatchSize == 0 {
		cfg.Engine.BatchSize = 200
	}
	if cfg.Engine.Interval == 0 {
		cfg.Engine.Interval = 2 * time.Minute
	}
	if cfg.Engine.Concurrency == 0 {
		cfg.Engine.Concurrency = 5
	}
	if cfg.Engine.MinWaitDelay == 0 {
		cfg.Engine.MinWaitDelay = 60 * time.Second
	}
	if !cfg.Engine.quotaResetHourSet && cfg.Engine.QuotaResetHour == 0 {
		cfg.Engine.QuotaResetHour = 8
	}
	if !cfg.Engine.staleClaimAfterSet && cfg.Engine.StaleClaimAfter == 0 {
		cfg.Engine.StaleClaimAfter = 30 * time.Minute
	}
	if cfg.Engine.SendTimeout == 0 {
		cfg.Engine.SendTimeout = 2 * time.Minute
	}

	if cfg.Quota.DefaultDailyLimit == 0 {
		cfg.Quota.DefaultDailyLimit = 10000
	}

	if cfg.Rotation.Backend == "" {
		cfg.Rotation.Backend = RotationMemory
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = "/var/lib/brazen/brazen.db"
	}

	if cfg.Mailer.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Mailer.Hostname = h
		} else {
			cfg.Mailer.Hostname = "localhost"
		}
	}
	if cfg.Mailer.DialTimeout == 0 {
		cfg.Mailer.DialTimeout = 30 * time.Second
	}

	if cfg.API.ListenAddr == "" {
		cfg.API.ListenAddr = ":8080"
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.FlushInterval == 0 {
		cfg.Metrics.FlushInterval = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.BatchSize < 0 {
		return fmt.Errorf("engine.batch_size must not be negative")
	}
	if cfg.Engine.Concurrency < 0 {
		return fmt.Errorf("engine.concurrency must not be negative")
	}
	if cfg.Engine.QuotaResetHour < 0 || cfg.Engine.QuotaResetHour > 23 {
		return fmt.Errorf("engine.quota_reset_hour must be between 0 and 23")
	}
	if cfg.Engine.StaleClaimAfter < 0 {
		return fmt.Errorf("engine.stale_claim_after must not be negative")
	}
	// A claim is refreshed when work on its contact starts, so the longest a
	// live claim goes without a refresh is one send.
	if cfg.Engine.StaleClaimAfter > 0 && cfg.Engine.StaleClaimAfter <= 2*cfg.Engine.SendTimeout {
		return fmt.Errorf("engine.stale_claim_after must exceed twice engine.send_timeout (%s)", cfg.Engine.SendTimeout)
	}
	if _, err := cron.ParseStandard(cfg.Engine.CronSpec()); err != nil {
		return fmt.Errorf("engine.schedule is invalid: %w", err)
	}

	switch cfg.Rotation.Backend {
	case RotationMemory:
	case RotationRedis:
		if cfg.Rotation.RedisURL == "" {
			return fmt.Errorf("rotation.redis_url is required when rotation.backend is redis")
		}
	default:
		return fmt.Errorf("rotation.backend must be memory or redis")
	}

	switch cfg.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if cfg.Mailer.RatePerSecond < 0 {
		return fmt.Errorf("mailer.rate_per_second must not be negative")
	}
	for i, d := range cfg.Mailer.DKIM {
		if d.Domain == "" || d.Selector == "" || d.KeyFile == "" {
			return fmt.Errorf("mailer.dkim[%d]: domain, selector and key_file are required", i)
		}
	}

	if cfg.API.Enabled && cfg.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when api is enabled")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}

	return nil
}
