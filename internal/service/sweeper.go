package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"

	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/metrics"
)

// SweeperConfig controls the deadline sweeper.
type SweeperConfig struct {
	Interval      time.Duration
	SkewTolerance time.Duration
	BatchSize     int
}

// Sweeper resolves exchanges whose deadlines have passed by issuing the
// permissionless claims on nobody's behalf.
type Sweeper struct {
	exchanges *ExchangeService
	repo      domain.Repository
	clock     clock.Clock
	metrics   *metrics.Metrics
	cfg       SweeperConfig
	logger    *slog.Logger
}

func NewSweeper(
	exchanges *ExchangeService,
	repo domain.Repository,
	clk clock.Clock,
	m *metrics.Metrics,
	cfg SweeperConfig,
	logger *slog.Logger,
) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		exchanges: exchanges,
		repo:      repo,
		clock:     clk,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("skew_tolerance", s.cfg.SkewTolerance),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweeper pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce claims every due exchange, up to BatchSize per kind, and returns
// how many claims succeeded. Claims that lose a race with a participant are
// counted as skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.SkewTolerance)
	claimed := 0

	passes := []struct {
		kind   string
		status domain.ExchangeStatus
		claim  func(context.Context, common.Address, int64) (domain.Exchange, error)
	}{
		{"expired", domain.ExchangeStatusPending, s.exchanges.ClaimExpired},
		{"rating_deadline", domain.ExchangeStatusAccepted, s.exchanges.ClaimAfterRatingDeadline},
	}
	for _, p := range passes {
		due, err := s.repo.Stores().Exchanges.ListDue(ctx, p.status, cutoff, s.cfg.BatchSize)
		if err != nil {
			return claimed, fmt.Errorf("sweeper: list due %s: %w", p.status, err)
		}
		for _, ex := range due {
			if ctx.Err() != nil {
				return claimed, ctx.Err()
			}
			_, err := p.claim(ctx, common.Address{}, ex.ID)
			switch {
			case err == nil:
				claimed++
				s.metrics.SweeperClaim(p.kind, "ok")
			case domain.IsRejection(err):
				s.metrics.SweeperClaim(p.kind, "skipped")
				s.logger.DebugContext(ctx, "sweeper claim skipped",
					slog.Int64("exchange_id", ex.ID),
					slog.String("reason", err.Error()),
				)
			default:
				s.metrics.SweeperClaim(p.kind, "error")
				s.logger.WarnContext(ctx, "sweeper claim failed",
					slog.Int64("exchange_id", ex.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if claimed > 0 {
		s.logger.InfoContext(ctx, "sweeper pass complete", slog.Int("claimed", claimed))
	}
	return claimed, nil
}
