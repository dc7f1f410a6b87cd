// Package config defines the stakeswap service configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by STAKESWAP_* environment variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds the protocol parameters.
type ExchangeConfig struct {
	MatchWindow  duration `toml:"match_window"`
	RatingWindow duration `toml:"rating_window"`
	LockTTL      duration `toml:"lock_ttl"`
	LockWait     duration `toml:"lock_wait"`
	// FaucetAmount is a decimal string in the ledger's smallest unit; "0"
	// disables the faucet.
	FaucetAmount      string `toml:"faucet_amount"`
	MaxRequirementLen int    `toml:"max_requirement_len"`
	MaxDescriptionLen int    `toml:"max_description_len"`
	MaxContentBytes   int    `toml:"max_content_bytes"`
}

// Faucet parses FaucetAmount.
func (e ExchangeConfig) Faucet() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(e.FaucetAmount))
	if err != nil {
		return nil, fmt.Errorf("exchange: faucet_amount %q: %w", e.FaucetAmount, err)
	}
	return v, nil
}

// StorageConfig selects the state store.
type StorageConfig struct {
	Backend string `toml:"backend"` // postgres | memory
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Without Redis, locks, the
// bus, the rate limiter and the summary cache are in-process.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	SummaryTTL duration `toml:"summary_ttl"`
}

// S3Config holds object storage parameters for the content vault.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SweeperConfig controls automatic deadline claims.
type SweeperConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	SkewTolerance duration `toml:"skew_tolerance"`
	BatchSize     int      `toml:"batch_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	SignatureWindow duration `toml:"signature_window"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials. Events lists the
// exchange event types forwarded; empty forwards all.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings such as "72h" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a single in-memory node.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			MatchWindow:       duration{7 * 24 * time.Hour},
			RatingWindow:      duration{3 * 24 * time.Hour},
			LockTTL:           duration{10 * time.Second},
			LockWait:          duration{2 * time.Second},
			FaucetAmount:      "1000000000000000000000",
			MaxRequirementLen: 1024,
			MaxDescriptionLen: 4096,
			MaxContentBytes:   64 * 1024,
		},
		Storage: StorageConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stakeswap",
			User:          "stakeswap",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "stakeswap:",
			SummaryTTL: duration{5 * time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "stakeswap",
			ForcePathStyle: true,
		},
		Sweeper: SweeperConfig{
			Enabled:       true,
			Interval:      duration{time.Minute},
			SkewTolerance: duration{15 * time.Second},
			BatchSize:     100,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			CORSOrigins:     []string{"*"},
			SignatureWindow: duration{5 * time.Minute},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var (
	validModes     = []string{"api", "sweeper", "full"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validBackends  = []string{"postgres", "memory"}
)

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Validate reports every invalid or missing value at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !oneOf(c.Mode, validModes) {
		add("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", "))
	}
	if !oneOf(c.LogLevel, validLogLevels) {
		add("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	e := c.Exchange
	if e.MatchWindow.Duration <= 0 {
		add("exchange: match_window must be positive")
	}
	if e.RatingWindow.Duration <= 0 {
		add("exchange: rating_window must be positive")
	}
	if e.LockTTL.Duration <= 0 {
		add("exchange: lock_ttl must be positive")
	}
	if e.LockWait.Duration < 0 {
		add("exchange: lock_wait must not be negative")
	}
	if _, err := e.Faucet(); err != nil {
		add("%v", err)
	}
	if e.MaxContentBytes <= 0 {
		add("exchange: max_content_bytes must be positive")
	}

	switch c.Storage.Backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "memory":
		if c.Mode != "full" {
			add("storage: the memory backend keeps state in one process and needs mode \"full\"")
		}
	default:
		add("storage: unknown backend %q (valid: %s)", c.Storage.Backend, strings.Join(validBackends, ", "))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	} else if c.Storage.Backend == "postgres" && c.Mode != "full" {
		add("redis: required when api and sweeper run as separate processes")
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	if c.Sweeper.Enabled || c.Mode == "sweeper" {
		if c.Sweeper.Interval.Duration <= 0 {
			add("sweeper: interval must be positive")
		}
		if c.Sweeper.SkewTolerance.Duration < 0 {
			add("sweeper: skew_tolerance must not be negative")
		}
	}

	if c.Server.Enabled || c.Mode == "api" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.SignatureWindow.Duration <= 0 {
			add("server: signature_window must be positive")
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must not be negative")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be positive when rate_limit is set")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
