package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/example/escrow-resolution/internal/notify"
	"github.com/example/escrow-resolution/internal/rules"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	Environment    string `env:"APP_ENV" envDefault:"development"`
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseConns  int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	APIAddr           string   `env:"API_ADDR" envDefault:":8080"`
	MaxBodyBytes      int64    `env:"API_MAX_BODY_BYTES" envDefault:"1048576"`
	AdminAllowlist    []string `env:"API_ADMIN_ALLOWLIST" envSeparator:","`
	TrustProxyHeaders bool     `env:"API_TRUST_PROXY_HEADERS"`

	RedisAddr           string  `env:"REDIS_ADDR"`
	RateLimitCapacity   int     `env:"API_RATE_LIMIT_CAPACITY" envDefault:"60"`
	RateLimitRefillRate float64 `env:"API_RATE_LIMIT_REFILL_PER_SEC" envDefault:"1"`

	TxTimeout        time.Duration `env:"TX_TIMEOUT" envDefault:"10s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SweepConcurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"4"`
	SweepBatchSize   int           `env:"SWEEP_BATCH_SIZE" envDefault:"200"`
	SettlementWindow time.Duration `env:"SETTLEMENT_WINDOW" envDefault:"168h"`

	SLAHours         float64 `env:"POLICY_SLA_HOURS" envDefault:"72"`
	PODHours         float64 `env:"POLICY_POD_HOURS" envDefault:"48"`
	ReturnWindowDays int     `env:"POLICY_RETURN_WINDOW_DAYS" envDefault:"14"`

	SMTPHost     string   `env:"SMTP_HOST"`
	SMTPPort     int      `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string   `env:"SMTP_USERNAME"`
	SMTPPassword string   `env:"SMTP_PASSWORD"`
	NotifyFrom   string   `env:"NOTIFY_FROM"`
	NotifyTo     []string `env:"NOTIFY_TO" envSeparator:","`
}

// Load reads an optional .env file, then the environment, and validates the
// result. Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}
	return LoadFromEnv()
}

// LoadFromEnv parses the process environment only.
func LoadFromEnv() (*Config, error) {
	return Parse(nil)
}

// Parse reads configuration from environ, or from the process environment
// when environ is nil.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var problems []string

	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres driver")
		}
	case DriverSQLite:
		if c.DatabaseURL == "" {
			c.DatabaseURL = "escrow.db"
		}
	default:
		problems = append(problems, fmt.Sprintf("DATABASE_DRIVER must be %q or %q", DriverPostgres, DriverSQLite))
	}

	if c.MaxBodyBytes <= 0 {
		problems = append(problems, "API_MAX_BODY_BYTES must be positive")
	}
	if c.RedisAddr != "" && (c.RateLimitCapacity <= 0 || c.RateLimitRefillRate <= 0) {
		problems = append(problems, "rate limit capacity and refill rate must be positive")
	}
	if c.TxTimeout <= 0 {
		problems = append(problems, "TX_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepConcurrency <= 0 || c.SweepBatchSize <= 0 {
		problems = append(problems, "SWEEP_INTERVAL, SWEEP_CONCURRENCY and SWEEP_BATCH_SIZE must be positive")
	}
	if c.SettlementWindow <= 0 {
		problems = append(problems, "SETTLEMENT_WINDOW must be positive")
	}
	if c.SLAHours <= 0 || c.PODHours <= 0 || c.ReturnWindowDays <= 0 {
		problems = append(problems, "policy thresholds must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.SMTPHost != "" && (c.NotifyFrom == "" || len(c.NotifyTo) == 0) {
		problems = append(problems, "NOTIFY_FROM and NOTIFY_TO are required when SMTP_HOST is set")
	}

	if c.Production() {
		if c.DatabaseDriver != DriverPostgres {
			problems = append(problems, c.Environment+" requires DATABASE_DRIVER=postgres")
		}
		if c.RedisAddr == "" {
			problems = append(problems, c.Environment+" requires REDIS_ADDR")
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel)
	}
	return lvl, nil
}

func (c *Config) Policy() rules.Policy {
	return rules.Policy{
		SLAHours:     c.SLAHours,
		PODHours:     c.PODHours,
		ReturnWindow: time.Duration(c.ReturnWindowDays) * 24 * time.Hour,
	}
}

// Mail returns the SMTP settings, or false when mail is not configured.
func (c *Config) Mail() (notify.MailConfig, bool) {
	if c.SMTPHost == "" {
		return notify.MailConfig{}, false
	}
	return notify.MailConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		From:     c.NotifyFrom,
		To:       c.NotifyTo,
		Timeout:  10 * time.Second,
	}, true
}
