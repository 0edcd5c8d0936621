package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LOBBYD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LOBBYD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "LOBBYD_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "LOBBYD_CHAIN_ID")
	setStr(&cfg.Chain.EscrowAddress, "LOBBYD_CHAIN_ESCROW_ADDRESS")
	setInt32(&cfg.Chain.Decimals, "LOBBYD_CHAIN_DECIMALS")
	setInt(&cfg.Chain.MaxRetries, "LOBBYD_CHAIN_MAX_RETRIES")
	setDuration(&cfg.Chain.RetryDelay, "LOBBYD_CHAIN_RETRY_DELAY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LOBBYD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LOBBYD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LOBBYD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LOBBYD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LOBBYD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LOBBYD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LOBBYD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LOBBYD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LOBBYD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LOBBYD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LOBBYD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LOBBYD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LOBBYD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LOBBYD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LOBBYD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LOBBYD_REDIS_TLS_ENABLED")

	// ── Audit ──
	setBool(&cfg.Audit.Enabled, "LOBBYD_AUDIT_ENABLED")
	setDuration(&cfg.Audit.Interval, "LOBBYD_AUDIT_INTERVAL")
	setStr(&cfg.Audit.Endpoint, "LOBBYD_AUDIT_ENDPOINT")
	setStr(&cfg.Audit.Region, "LOBBYD_AUDIT_REGION")
	setStr(&cfg.Audit.Bucket, "LOBBYD_AUDIT_BUCKET")
	setStr(&cfg.Audit.AccessKey, "LOBBYD_AUDIT_ACCESS_KEY")
	setStr(&cfg.Audit.SecretKey, "LOBBYD_AUDIT_SECRET_KEY")
	setBool(&cfg.Audit.ForcePathStyle, "LOBBYD_AUDIT_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "LOBBYD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LOBBYD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKeyHash, "LOBBYD_SERVER_API_KEY_HASH")

	// ── Escrow ──
	setStr(&cfg.Escrow.Token, "LOBBYD_ESCROW_TOKEN")
	setFloat64(&cfg.Escrow.MinStake, "LOBBYD_ESCROW_MIN_STAKE")
	setDuration(&cfg.Escrow.LockTTL, "LOBBYD_ESCROW_LOCK_TTL")

	// ── Top-level ──
	setStr(&cfg.Storage, "LOBBYD_STORAGE")
	setStr(&cfg.LogLevel, "LOBBYD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
