// Package server assembles the HTTP and WebSocket surface of the lobby
// service: route registration, the middleware chain, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wagerarena/stakelobby/internal/server/handler"
	"github.com/wagerarena/stakelobby/internal/server/middleware"
	"github.com/wagerarena/stakelobby/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKeyHash  string // bcrypt hash; if empty, API key validation is disabled
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Lobbies *handler.LobbyHandler
}

// Server is the HTTP + WebSocket API server for the lobby service.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (CORS, auth, request logging) applied.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Lobby endpoints.
	mux.HandleFunc("POST /api/lobbies", handlers.Lobbies.CreateLobby)
	mux.HandleFunc("GET /api/lobbies", handlers.Lobbies.ListLobbies)
	mux.HandleFunc("GET /api/lobbies/{id}", handlers.Lobbies.GetLobby)
	mux.HandleFunc("POST /api/lobbies/{id}/join", handlers.Lobbies.JoinLobby)
	mux.HandleFunc("POST /api/lobbies/{id}/cancel", handlers.Lobbies.CancelLobby)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Innermost to outermost: logging (sees the resolved player identity),
	// auth, CORS.
	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.Auth(cfg.APIKeyHash)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully assembled handler, middleware included. It is
// what the tests mount on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
