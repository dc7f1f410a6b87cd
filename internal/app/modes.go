package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stakeswap/internal/server"
	"github.com/alanyoungcy/stakeswap/internal/server/handler"
	"github.com/alanyoungcy/stakeswap/internal/server/middleware"
	"github.com/alanyoungcy/stakeswap/internal/server/ws"
	"github.com/alanyoungcy/stakeswap/internal/service"
)

const shutdownTimeout = 5 * time.Second

// services are the protocol services shared by every mode.
type services struct {
	exchanges  *service.ExchangeService
	identities *service.IdentityService
	vault      *service.ContentVault
}

func (a *App) buildServices(deps *Dependencies) (*services, error) {
	faucet, err := a.cfg.Exchange.Faucet()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	ex := a.cfg.Exchange
	return &services{
		exchanges: service.NewExchangeService(deps.Repo, deps.Locks, deps.Bus, deps.Cache, deps.Clock, deps.Metrics,
			service.ExchangeConfig{
				MatchWindow:       ex.MatchWindow.Duration,
				RatingWindow:      ex.RatingWindow.Duration,
				LockTTL:           ex.LockTTL.Duration,
				LockWait:          ex.LockWait.Duration,
				MaxRequirementLen: ex.MaxRequirementLen,
				MaxDescriptionLen: ex.MaxDescriptionLen,
				MaxContentLen:     ex.MaxContentBytes,
				FaucetAmount:      faucet,
			}, a.logger),
		identities: service.NewIdentityService(deps.Repo, deps.Clock, a.logger),
		vault:      service.NewContentVault(deps.Blobs, ex.MaxContentBytes, a.logger),
	}, nil
}

// APIMode serves HTTP and WebSocket clients and relays notifications.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting api mode")
	svcs, err := a.buildServices(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svcs)
	a.startNotifier(ctx, g, deps)
	return g.Wait()
}

// SweeperMode only resolves expired deadlines.
func (a *App) SweeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting sweeper mode")
	svcs, err := a.buildServices(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startSweeper(ctx, g, deps, svcs)
	return g.Wait()
}

// FullMode runs the API, the sweeper and notifications in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting full mode")
	svcs, err := a.buildServices(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}
	if a.cfg.Sweeper.Enabled {
		a.startSweeper(ctx, g, deps, svcs)
	}
	a.startNotifier(ctx, g, deps)
	return g.Wait()
}

func (a *App) startSweeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	sw := service.NewSweeper(svcs.exchanges, deps.Repo, deps.Clock, deps.Metrics, service.SweeperConfig{
		Interval:      a.cfg.Sweeper.Interval.Duration,
		SkewTolerance: a.cfg.Sweeper.SkewTolerance.Duration,
		BatchSize:     a.cfg.Sweeper.BatchSize,
	}, a.logger)
	g.Go(func() error {
		return sw.Run(ctx)
	})
}

func (a *App) startNotifier(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !deps.Notifier.Enabled() {
		return
	}
	g.Go(func() error {
		return deps.Notifier.Run(ctx, deps.Bus)
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	sc := a.cfg.Server

	hub := ws.NewHub(deps.Bus, deps.Metrics, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: deps.Clock.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	// Signatures are remembered for the whole window on both sides of now.
	guard := service.NewReplayGuard(2*sc.SignatureWindow.Duration, deps.Clock)
	g.Go(func() error {
		every := sc.SignatureWindow.Duration
		if every <= 0 {
			every = time.Minute
		}
		ticker := deps.Clock.Ticker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				guard.Cleanup()
			}
		}
	})

	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		Signature: middleware.SignatureConfig{
			Window:  sc.SignatureWindow.Duration,
			MaxBody: int64(a.cfg.Exchange.MaxContentBytes) + 64*1024,
			Clock:   deps.Clock,
		},
		RateLimit:  sc.RateLimit,
		RateWindow: sc.RateWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(deps.Health, a.logger),
		Exchanges:  handler.NewExchangeHandler(svcs.exchanges, a.logger),
		Users:      handler.NewUserHandler(svcs.exchanges, a.logger),
		Ledger:     handler.NewLedgerHandler(svcs.exchanges, a.logger),
		Identities: handler.NewIdentityHandler(svcs.identities, a.logger),
		Blobs:      handler.NewBlobHandler(svcs.vault, int64(a.cfg.Exchange.MaxContentBytes), a.logger),
	}, server.Deps{
		Replay:     guard,
		Identities: svcs.identities,
		Limiter:    deps.Limiter,
		Metrics:    deps.Metrics,
		Hub:        hub,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.logger.Warn("app: http shutdown", slog.String("error", err.Error()))
		}
		return nil
	})
}
