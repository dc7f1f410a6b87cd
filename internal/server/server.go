// Package server exposes the exchange protocol over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/metrics"
	"github.com/alanyoungcy/stakeswap/internal/server/handler"
	"github.com/alanyoungcy/stakeswap/internal/server/middleware"
	"github.com/alanyoungcy/stakeswap/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Signature   middleware.SignatureConfig
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Exchanges  *handler.ExchangeHandler
	Users      *handler.UserHandler
	Ledger     *handler.LedgerHandler
	Identities *handler.IdentityHandler
	Blobs      *handler.BlobHandler
}

// Deps are the cross-cutting collaborators of the middleware chain. Any of
// them may be nil.
type Deps struct {
	Replay     middleware.ReplayGuard
	Identities middleware.IdentityObserver
	Limiter    domain.RateLimiter
	Metrics    *metrics.Metrics
	Hub        *ws.Hub
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain:
// CORS, logging, signature auth, rate limiting.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /api/exchanges", handlers.Exchanges.Create)
	mux.HandleFunc("GET /api/exchanges/open", handlers.Exchanges.ListOpen)
	mux.HandleFunc("GET /api/exchanges/{id}", handlers.Exchanges.Get)
	mux.HandleFunc("GET /api/exchanges/{id}/detail", handlers.Exchanges.GetDetail)
	mux.HandleFunc("GET /api/exchanges/{id}/content", handlers.Exchanges.GetContent)
	mux.HandleFunc("GET /api/exchanges/{id}/events", handlers.Exchanges.ListEvents)
	mux.HandleFunc("POST /api/exchanges/{id}/commit", handlers.Exchanges.Commit)
	mux.HandleFunc("POST /api/exchanges/{id}/match", handlers.Exchanges.Match)
	mux.HandleFunc("POST /api/exchanges/{id}/accept", handlers.Exchanges.Accept)
	mux.HandleFunc("POST /api/exchanges/{id}/decline", handlers.Exchanges.Decline)
	mux.HandleFunc("POST /api/exchanges/{id}/rate", handlers.Exchanges.Rate)
	mux.HandleFunc("POST /api/exchanges/{id}/claim-expired", handlers.Exchanges.ClaimExpired)
	mux.HandleFunc("POST /api/exchanges/{id}/claim-rating", handlers.Exchanges.ClaimRating)
	mux.HandleFunc("POST /api/exchanges/{id}/keys", handlers.Exchanges.GrantKey)

	mux.HandleFunc("GET /api/users/{address}/exchanges", handlers.Users.ListExchanges)
	mux.HandleFunc("GET /api/users/{address}/reputation", handlers.Users.GetReputation)
	mux.HandleFunc("GET /api/users/{address}/balance", handlers.Users.GetBalance)

	mux.HandleFunc("POST /api/ledger/faucet", handlers.Ledger.ClaimFaucet)
	mux.HandleFunc("GET /api/identities/{address}", handlers.Identities.GetIdentity)

	if handlers.Blobs != nil {
		mux.HandleFunc("POST /api/blobs", handlers.Blobs.Upload)
		mux.HandleFunc("GET /api/blobs/{ref}", handlers.Blobs.Download)
	}
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	var h http.Handler = mux
	h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.SignatureAuth(cfg.Signature, deps.Replay, deps.Identities, logger)(h)
	h = middleware.Logging(logger, deps.Metrics)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, handler: h, logger: logger}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
