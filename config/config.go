/*
Package config loads the server configuration.

Values come from environment variables, optionally from a .env file in the
working directory (loaded with godotenv for local development) and from an
optional config.yaml. Environment variables win over the file.

The ledger limits are plain values in Config; Limits() turns them into a
ledger.Limits and fails on malformed quantities, so a typo in
MAX_WALLET_KWH stops the server at startup instead of silently disabling
the cap.
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/warp/kwh-ledger/ledger"
)

// Config holds all configuration for the ledger server.
type Config struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	DBPath      string `mapstructure:"DB_PATH"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`
	RedisAddr    string `mapstructure:"REDIS_ADDR"`

	AllowNegative     bool   `mapstructure:"ALLOW_NEGATIVE"`
	MaxCreditPerOp    string `mapstructure:"MAX_CREDIT_PER_OP"`
	MaxWalletKWh      string `mapstructure:"MAX_WALLET_KWH"`
	MaxPendingPerUser int    `mapstructure:"MAX_PENDING_PER_USER"`
	MaxNoteLength     int    `mapstructure:"MAX_NOTE_LENGTH"`
	KWhPerEUR         string `mapstructure:"KWH_PER_EUR"`

	IntakeRateLimit  int           `mapstructure:"INTAKE_RATE_LIMIT"`
	IntakeRateWindow time.Duration `mapstructure:"INTAKE_RATE_WINDOW"`

	AuditSchedule     string        `mapstructure:"AUDIT_SCHEDULE"`
	OutboxInterval    time.Duration `mapstructure:"OUTBOX_INTERVAL"`
	OutboxMaxAttempts int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
}

var defaults = map[string]any{
	"HTTP_PORT":            "8080",
	"DB_PATH":              "kwh_ledger.db",
	"JWT_SECRET":           "",
	"CORS_ORIGINS":         "*",
	"LOG_LEVEL":            "info",
	"AMQP_URL":             "",
	"AMQP_EXCHANGE":        "kwh_events",
	"REDIS_ADDR":           "",
	"ALLOW_NEGATIVE":       false,
	"MAX_CREDIT_PER_OP":    "50000",
	"MAX_WALLET_KWH":       "100000",
	"MAX_PENDING_PER_USER": 5,
	"MAX_NOTE_LENGTH":      280,
	"KWH_PER_EUR":          "1.0",
	"INTAKE_RATE_LIMIT":    10,
	"INTAKE_RATE_WINDOW":   "1m",
	"AUDIT_SCHEDULE":       "@every 1h",
	"OUTBOX_INTERVAL":      "2s",
	"OUTBOX_MAX_ATTEMPTS":  5,
}

// Load reads .env (if present), config.yaml in dir (if present) and the
// environment. dir may be empty.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind explicitly so AutomaticEnv values appear in Unmarshal.
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	if dir != "" {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DBPath) == "" {
		problems = append(problems, "DB_PATH is required")
	}
	if c.MaxPendingPerUser < 0 {
		problems = append(problems, "MAX_PENDING_PER_USER must not be negative")
	}
	if c.MaxNoteLength < 0 {
		problems = append(problems, "MAX_NOTE_LENGTH must not be negative")
	}
	if c.OutboxInterval <= 0 {
		problems = append(problems, "OUTBOX_INTERVAL must be positive")
	}
	if c.IntakeRateLimit > 0 && c.IntakeRateWindow <= 0 {
		problems = append(problems, "INTAKE_RATE_WINDOW must be positive when INTAKE_RATE_LIMIT is set")
	}
	if _, err := c.Limits(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.Rate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Limits converts the configured caps into ledger.Limits.
func (c *Config) Limits() (ledger.Limits, error) {
	perOp, err := parseCap("MAX_CREDIT_PER_OP", c.MaxCreditPerOp)
	if err != nil {
		return ledger.Limits{}, err
	}
	wallet, err := parseCap("MAX_WALLET_KWH", c.MaxWalletKWh)
	if err != nil {
		return ledger.Limits{}, err
	}
	return ledger.Limits{
		AllowOverdraft:    c.AllowNegative,
		MaxPerOperation:   perOp,
		MaxBalance:        wallet,
		MaxPendingPerUser: c.MaxPendingPerUser,
		MaxNoteLength:     c.MaxNoteLength,
	}, nil
}

// Rate returns KWH_PER_EUR as a Quantity. Zero disables top-ups.
func (c *Config) Rate() (ledger.Quantity, error) {
	if strings.TrimSpace(c.KWhPerEUR) == "" {
		return ledger.Zero, nil
	}
	rate, err := ledger.ParseQuantity(c.KWhPerEUR)
	if err != nil {
		return ledger.Zero, fmt.Errorf("KWH_PER_EUR: %w", err)
	}
	if rate.IsNegative() {
		return ledger.Zero, fmt.Errorf("KWH_PER_EUR must not be negative")
	}
	return rate, nil
}

func parseCap(name, value string) (ledger.Quantity, error) {
	if strings.TrimSpace(value) == "" {
		return ledger.Zero, nil
	}
	q, err := ledger.ParseQuantity(value)
	if err != nil {
		return ledger.Zero, fmt.Errorf("%s: %w", name, err)
	}
	if q.IsNegative() {
		return ledger.Zero, fmt.Errorf("%s must not be negative", name)
	}
	return q, nil
}

// SlogLevel maps LOG_LEVEL to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Origins splits CORS_ORIGINS on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
