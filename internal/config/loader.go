package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, then applies STAKESWAP_*
// environment overrides. An empty path skips the file. The result is not
// validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// exchange
	setDuration(&cfg.Exchange.MatchWindow, "STAKESWAP_EXCHANGE_MATCH_WINDOW")
	setDuration(&cfg.Exchange.RatingWindow, "STAKESWAP_EXCHANGE_RATING_WINDOW")
	setDuration(&cfg.Exchange.LockTTL, "STAKESWAP_EXCHANGE_LOCK_TTL")
	setDuration(&cfg.Exchange.LockWait, "STAKESWAP_EXCHANGE_LOCK_WAIT")
	setStr(&cfg.Exchange.FaucetAmount, "STAKESWAP_EXCHANGE_FAUCET_AMOUNT")
	setInt(&cfg.Exchange.MaxRequirementLen, "STAKESWAP_EXCHANGE_MAX_REQUIREMENT_LEN")
	setInt(&cfg.Exchange.MaxDescriptionLen, "STAKESWAP_EXCHANGE_MAX_DESCRIPTION_LEN")
	setInt(&cfg.Exchange.MaxContentBytes, "STAKESWAP_EXCHANGE_MAX_CONTENT_BYTES")

	setStr(&cfg.Storage.Backend, "STAKESWAP_STORAGE_BACKEND")

	// postgres
	setStr(&cfg.Postgres.DSN, "STAKESWAP_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "STAKESWAP_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STAKESWAP_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STAKESWAP_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STAKESWAP_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STAKESWAP_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STAKESWAP_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STAKESWAP_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STAKESWAP_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STAKESWAP_POSTGRES_RUN_MIGRATIONS")

	// redis
	setBool(&cfg.Redis.Enabled, "STAKESWAP_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "STAKESWAP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STAKESWAP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STAKESWAP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STAKESWAP_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STAKESWAP_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STAKESWAP_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "STAKESWAP_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.SummaryTTL, "STAKESWAP_REDIS_SUMMARY_TTL")

	// s3
	setBool(&cfg.S3.Enabled, "STAKESWAP_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "STAKESWAP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STAKESWAP_S3_REGION")
	setStr(&cfg.S3.Bucket, "STAKESWAP_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "STAKESWAP_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "STAKESWAP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STAKESWAP_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STAKESWAP_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STAKESWAP_S3_FORCE_PATH_STYLE")

	// sweeper
	setBool(&cfg.Sweeper.Enabled, "STAKESWAP_SWEEPER_ENABLED")
	setDuration(&cfg.Sweeper.Interval, "STAKESWAP_SWEEPER_INTERVAL")
	setDuration(&cfg.Sweeper.SkewTolerance, "STAKESWAP_SWEEPER_SKEW_TOLERANCE")
	setInt(&cfg.Sweeper.BatchSize, "STAKESWAP_SWEEPER_BATCH_SIZE")

	// server
	setBool(&cfg.Server.Enabled, "STAKESWAP_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STAKESWAP_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STAKESWAP_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.SignatureWindow, "STAKESWAP_SERVER_SIGNATURE_WINDOW")
	setInt(&cfg.Server.RateLimit, "STAKESWAP_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "STAKESWAP_SERVER_RATE_WINDOW")

	// notify
	setStr(&cfg.Notify.TelegramToken, "STAKESWAP_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STAKESWAP_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STAKESWAP_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STAKESWAP_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "STAKESWAP_MODE")
	setStr(&cfg.LogLevel, "STAKESWAP_LOG_LEVEL")
}

// Each helper mutates dst only when the variable is set, non-empty and
// parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
