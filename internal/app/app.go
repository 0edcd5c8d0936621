// Package app provides top-level lifecycle management for the lobby service.
// It wires together stores, the lock manager, the chain verifier, the event
// bus, and the HTTP/WebSocket server, and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wagerarena/stakelobby/internal/config"
	"github.com/wagerarena/stakelobby/internal/domain"
	"github.com/wagerarena/stakelobby/internal/escrow"
	"github.com/wagerarena/stakelobby/internal/server"
	"github.com/wagerarena/stakelobby/internal/server/handler"
	"github.com/wagerarena/stakelobby/internal/server/ws"
)

// shutdownGrace is how long in-flight requests get to finish on shutdown.
const shutdownGrace = 10 * time.Second

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the server and background workers, and
// blocks until the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting lobby service",
		slog.String("storage", a.cfg.Storage),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	svc := escrow.NewService(
		deps.Players,
		deps.Lobbies,
		deps.Locks,
		escrow.NewReconciler(deps.Verifier, deps.Processed, a.logger),
		deps.Events,
		escrow.Options{
			Token:    domain.Token(a.cfg.Escrow.Token),
			MinStake: decimal.NewFromFloat(a.cfg.Escrow.MinStake),
			LockTTL:  a.cfg.Escrow.LockTTL.Duration,
		},
		a.logger,
	)

	hub := ws.NewHub(deps.Bus, a.logger)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKeyHash:  a.cfg.Server.APIKeyHash,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Pingers),
		Lobbies: handler.NewLobbyHandler(svc, a.logger),
	}, hub, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: ws hub: %w", err)
		}
		return nil
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			if err := deps.Archiver.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: audit archiver: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down lobby service")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
