package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// ClaimInitialTokens credits the configured faucet amount once per identity.
func (s *ExchangeService) ClaimInitialTokens(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	start := time.Now()
	if caller == (common.Address{}) {
		err := domain.Reject(OpClaimFaucet, 0, domain.ErrPreconditionViolation, "caller identity required")
		s.metrics.ObserveOperation(OpClaimFaucet, domain.RejectionKind(err), time.Since(start))
		return nil, err
	}
	if s.cfg.FaucetAmount == nil || s.cfg.FaucetAmount.IsZero() {
		err := domain.Reject(OpClaimFaucet, 0, domain.ErrPreconditionViolation, "faucet is disabled")
		s.metrics.ObserveOperation(OpClaimFaucet, domain.RejectionKind(err), time.Since(start))
		return nil, err
	}

	var (
		balance *uint256.Int
		events  []domain.Event
	)
	err := s.repo.Atomic(ctx, func(ctx context.Context, tx domain.Stores) error {
		t := newTxn(ctx, tx, s.clock.Now())
		err := tx.Ledger.MarkFaucetClaimed(ctx, caller, t.now)
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Reject(OpClaimFaucet, 0, domain.ErrPreconditionViolation, "%s already claimed initial tokens", caller.Hex())
		}
		if err != nil {
			return fmt.Errorf("mark faucet claim: %w", err)
		}
		if err := tx.Ledger.Credit(ctx, caller, s.cfg.FaucetAmount); err != nil {
			return fmt.Errorf("credit faucet: %w", err)
		}
		if balance, err = tx.Ledger.Balance(ctx, caller); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		t.emit(0, domain.EventFaucetClaimed, caller, map[string]any{
			"amount": s.cfg.FaucetAmount.Dec(),
		})
		if err := t.flush(); err != nil {
			return err
		}
		events = t.events
		return nil
	})
	if err != nil {
		s.metrics.ObserveOperation(OpClaimFaucet, domain.RejectionKind(err), time.Since(start))
		return nil, s.wrap(OpClaimFaucet, 0, err)
	}
	s.metrics.ObserveOperation(OpClaimFaucet, "ok", time.Since(start))
	s.publish(ctx, events)
	s.logger.InfoContext(ctx, "exchange_service: faucet claimed",
		slog.String("identity", caller.Hex()),
		slog.String("amount", s.cfg.FaucetAmount.Dec()),
	)
	return balance, nil
}
