// Package config defines the top-level configuration for the stake-escrow
// lobby service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LOBBYD_* environment variables. It is
// constructed once at process start and treated as immutable afterwards.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Audit    AuditConfig    `toml:"audit"`
	Server   ServerConfig   `toml:"server"`
	Escrow   EscrowConfig   `toml:"escrow"`
	Storage  string         `toml:"storage"` // "postgres" or "memory"
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds the external ledger endpoint and verification parameters.
type ChainConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	ChainID       int64    `toml:"chain_id"`
	EscrowAddress string   `toml:"escrow_address"`
	Decimals      int32    `toml:"decimals"` // display-unit to minor-unit shift
	MaxRetries    int      `toml:"max_retries"`
	RetryDelay    duration `toml:"retry_delay"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// AuditConfig holds parameters for the processed-transaction audit archiver.
type AuditConfig struct {
	Enabled        bool     `toml:"enabled"`
	Interval       duration `toml:"interval"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters. APIKeyHash is a bcrypt hash of
// the service API key; if empty, authentication is disabled.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKeyHash  string   `toml:"api_key_hash"`
}

// EscrowConfig holds wagering parameters.
type EscrowConfig struct {
	Token    string   `toml:"token"`     // token kind of all stakes
	MinStake float64  `toml:"min_stake"` // display units
	LockTTL  duration `toml:"lock_ttl"`  // per-player lock lease
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:     "http://localhost:8545",
			ChainID:    1,
			Decimals:   18,
			MaxRetries: 5,
			RetryDelay: duration{2 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stakelobby",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Audit: AuditConfig{
			Enabled:        false,
			Interval:       duration{15 * time.Minute},
			Region:         "us-east-1",
			Bucket:         "stakelobby-audit",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Escrow: EscrowConfig{
			Token:    "ETH",
			MinStake: 0,
			// The lock lease must outlive the verifier's worst case
			// (max_retries * retry_delay) so a held lock always covers a
			// full verification cycle.
			LockTTL: duration{30 * time.Second},
		},
		Storage:  "postgres",
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Storage {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	// Memory storage runs with a stubbed verifier and needs no ledger access.
	if c.Storage != "memory" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must be set")
		}
		if c.Chain.EscrowAddress == "" {
			errs = append(errs, "chain: escrow_address must be set")
		}
	}
	if c.Chain.Decimals < 0 {
		errs = append(errs, "chain: decimals must be non-negative")
	}
	if c.Chain.MaxRetries < 1 {
		errs = append(errs, "chain: max_retries must be at least 1")
	}
	if c.Chain.RetryDelay.Duration < 0 {
		errs = append(errs, "chain: retry_delay must be non-negative")
	}

	if c.Storage == "postgres" {
		if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "") {
			errs = append(errs, "postgres: either dsn or host/database/user must be set")
		}
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must be set")
	}

	if c.Audit.Enabled {
		if c.Audit.Bucket == "" {
			errs = append(errs, "audit: bucket must be set when the archiver is enabled")
		}
		if c.Audit.Interval.Duration <= 0 {
			errs = append(errs, "audit: interval must be positive")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}

	if c.Escrow.Token == "" {
		errs = append(errs, "escrow: token must be set")
	}
	if c.Escrow.MinStake < 0 {
		errs = append(errs, "escrow: min_stake must be non-negative")
	}
	verifyBudget := time.Duration(c.Chain.MaxRetries) * c.Chain.RetryDelay.Duration
	if c.Escrow.LockTTL.Duration <= verifyBudget {
		errs = append(errs, fmt.Sprintf(
			"escrow: lock_ttl %s must exceed the verification budget %s (max_retries * retry_delay)",
			c.Escrow.LockTTL.Duration, verifyBudget))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
