package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/wagerarena/stakelobby/internal/blob/s3"
	"github.com/wagerarena/stakelobby/internal/cache/redis"
	"github.com/wagerarena/stakelobby/internal/chain"
	"github.com/wagerarena/stakelobby/internal/config"
	"github.com/wagerarena/stakelobby/internal/domain"
	"github.com/wagerarena/stakelobby/internal/server/handler"
	"github.com/wagerarena/stakelobby/internal/store/memory"
	"github.com/wagerarena/stakelobby/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application needs.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Players   domain.PlayerStore
	Lobbies   domain.LobbyStore
	Processed domain.ProcessedTxStore

	// Coordination
	Locks  domain.LockManager
	Events domain.EventPublisher
	Bus    *redis.EventBus

	// Chain
	Verifier domain.DepositVerifier

	// Audit (nil unless enabled)
	Archiver *s3blob.Archiver

	// Health probes by dependency name.
	Pingers map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that must
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Pingers: make(map[string]handler.Pinger),
	}

	// --- Storage ---
	switch cfg.Storage {
	case "memory":
		store := memory.New()
		deps.Players = store
		deps.Lobbies = store.Lobbies()
		deps.Processed = store
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Players = postgres.NewPlayerStore(pool)
		deps.Lobbies = postgres.NewLobbyStore(pool)
		deps.Processed = postgres.NewProcessedTxStore(pool)
		deps.Pingers["postgres"] = pgClient
	}

	// --- Redis (lock manager + event bus) ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewEventBus(redisClient)
	deps.Events = deps.Bus
	deps.Pingers["redis"] = redisClient

	// --- Chain verifier ---
	// Memory storage is the local-development mode; it runs without a ledger
	// and accepts any well-formed proof.
	if cfg.Storage == "memory" {
		deps.Verifier = chain.StaticVerifier{}
	} else {
		verifier, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Options{
			EscrowAddress: cfg.Chain.EscrowAddress,
			ChainID:       cfg.Chain.ChainID,
			Decimals:      cfg.Chain.Decimals,
			MaxRetries:    cfg.Chain.MaxRetries,
			RetryDelay:    cfg.Chain.RetryDelay.Duration,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		deps.Verifier = verifier
		deps.Pingers["chain"] = verifier
	}

	// --- Audit archiver (optional) ---
	if cfg.Audit.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Audit.Endpoint,
			Region:         cfg.Audit.Region,
			Bucket:         cfg.Audit.Bucket,
			AccessKey:      cfg.Audit.AccessKey,
			SecretKey:      cfg.Audit.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.Audit.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Processed,
			cfg.Audit.Interval.Duration,
			logger,
		)
		deps.Pingers["s3"] = s3Client
	}

	return deps, cleanup, nil
}
