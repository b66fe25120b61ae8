// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Prefix is prepended to every variable name, e.g. ECOSHARE_HTTP_PORT.
const Prefix = "ECOSHARE"

// Config holds the configuration for the agreement service.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"production"`

	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Storage: postgres, sqlite or memory
	DBDriver    string `envconfig:"DB_DRIVER" default:"postgres"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/ecoshare.db"`

	JWTSecret string `envconfig:"JWT_SECRET" default:""`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`

	// Expiry sweep
	SweepSchedule    string `envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`
	SweepBatch       int    `envconfig:"SWEEP_BATCH" default:"100"`
	SweepConcurrency int    `envconfig:"SWEEP_CONCURRENCY" default:"4"`

	MaxUpdateAttempts int           `envconfig:"MAX_UPDATE_ATTEMPTS" default:"5"`
	DefaultExpiry     time.Duration `envconfig:"DEFAULT_EXPIRY" default:"168h"`

	// Notifications: log or plunk
	MailProvider string `envconfig:"MAIL_PROVIDER" default:"log"`
	PlunkAPIKey  string `envconfig:"PLUNK_API_KEY" default:""`
	PlunkAPIURL  string `envconfig:"PLUNK_API_URL" default:"https://api.useplunk.com/v1/send"`
	MailFrom     string `envconfig:"MAIL_FROM" default:""`
	MailReplyTo  string `envconfig:"MAIL_REPLY_TO" default:""`

	// Upstream services
	UsersURL     string        `envconfig:"USERS_URL" default:""`
	ListingsURL  string        `envconfig:"LISTINGS_URL" default:""`
	ServiceToken string        `envconfig:"SERVICE_TOKEN" default:""`
	HTTPTimeout  time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`

	DocumentFormat string `envconfig:"DOCUMENT_FORMAT" default:"text"`
}

// New loads an optional .env file, then parses ECOSHARE_* variables.
func New() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Int("port", cfg.HTTPPort).
		Bool("postgres_dsn_present", cfg.PostgresDSN != "").
		Str("sweep_schedule", cfg.SweepSchedule).
		Str("mail_provider", cfg.MailProvider).
		Bool("catalog_enabled", cfg.ListingsURL != "").
		Dur("default_expiry", cfg.DefaultExpiry).
		Msg("Configuration loaded")

	return &cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for DB_DRIVER=postgres"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for DB_DRIVER=sqlite"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver))
	}

	if c.JWTSecret == "" && c.Environment != EnvDevelopment {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}

	switch c.MailProvider {
	case "log":
	case "plunk":
		if c.PlunkAPIKey == "" {
			errs = append(errs, errors.New("PLUNK_API_KEY is required for MAIL_PROVIDER=plunk"))
		}
		if c.UsersURL == "" {
			errs = append(errs, errors.New("USERS_URL is required for MAIL_PROVIDER=plunk"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported MAIL_PROVIDER: %s", c.MailProvider))
	}

	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err))
		}
	}
	if c.MaxUpdateAttempts <= 0 {
		errs = append(errs, errors.New("MAX_UPDATE_ATTEMPTS must be positive"))
	}
	if c.DefaultExpiry < 0 {
		errs = append(errs, errors.New("DEFAULT_EXPIRY must not be negative"))
	}
	if c.DocumentFormat != "text" && c.DocumentFormat != "html" {
		errs = append(errs, fmt.Errorf("unsupported DOCUMENT_FORMAT: %s", c.DocumentFormat))
	}

	return errors.Join(errs...)
}

// NewForTesting returns a development config backed by the memory store.
func NewForTesting() *Config {
	return &Config{
		Environment:       EnvTesting,
		HTTPPort:          8080,
		DBDriver:          "memory",
		JWTSecret:         "test-secret",
		LogLevel:          "debug",
		SweepSchedule:     "@every 1m",
		SweepBatch:        100,
		SweepConcurrency:  4,
		MaxUpdateAttempts: 5,
		DefaultExpiry:     168 * time.Hour,
		MailProvider:      "log",
		PlunkAPIURL:       "https://api.useplunk.com/v1/send",
		HTTPTimeout:       10 * time.Second,
		DocumentFormat:    "text",
	}
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
