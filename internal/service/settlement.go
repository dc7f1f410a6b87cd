package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// Settlement outcomes reported to metrics.
const (
	OutcomeMutual   = "mutual"
	OutcomeForfeit  = "forfeit"
	OutcomeUnrated  = "unrated"
	OutcomeExpired  = "expired"
	OutcomeDeclined = "declined"
)

// txn collects the events of one operation so they are appended inside the
// transaction and published only after it commits.
type txn struct {
	ctx     context.Context
	stores  domain.Stores
	now     time.Time
	events  []domain.Event
	outcome string
}

func newTxn(ctx context.Context, stores domain.Stores, now time.Time) *txn {
	return &txn{ctx: ctx, stores: stores, now: now}
}

func (t *txn) emit(exchangeID int64, typ domain.EventType, actor common.Address, data map[string]any) {
	t.events = append(t.events, domain.Event{
		ExchangeID: exchangeID,
		Type:       typ,
		Actor:      actor,
		Data:       data,
		CreatedAt:  t.now,
	})
}

// flush appends the recorded events to the event log, filling in their ids.
func (t *txn) flush() error {
	for i := range t.events {
		if err := t.stores.Events.Append(t.ctx, &t.events[i]); err != nil {
			return fmt.Errorf("append event %s: %w", t.events[i].Type, err)
		}
	}
	return nil
}

// lockStake moves the exchange stake from who into escrow.
func lockStake(t *txn, op string, ex *domain.Exchange, who common.Address) error {
	err := t.stores.Ledger.Lock(t.ctx, ex.ID, who, ex.Stake)
	if errors.Is(err, domain.ErrInsufficientFunds) {
		return domain.Reject(op, ex.ID, domain.ErrInsufficientFunds, "balance of %s below stake %s", who.Hex(), ex.Stake.Dec())
	}
	if err != nil {
		return fmt.Errorf("lock stake: %w", err)
	}
	return nil
}

// release pays amount out of the exchange escrow to who.
func release(t *txn, ex *domain.Exchange, to common.Address, amount *uint256.Int, reason string) error {
	if err := t.stores.Ledger.Release(t.ctx, ex.ID, to, amount); err != nil {
		return fmt.Errorf("release stake to %s: %w", to.Hex(), err)
	}
	t.emit(ex.ID, domain.EventStakeReleased, common.Address{}, map[string]any{
		"to":     to.Hex(),
		"amount": amount.Dec(),
		"reason": reason,
	})
	return nil
}

func adjustReputation(t *txn, ex *domain.Exchange, who common.Address, delta int64) error {
	rep, err := t.stores.Reputations.Apply(t.ctx, who, delta, t.now)
	if err != nil {
		return fmt.Errorf("apply reputation to %s: %w", who.Hex(), err)
	}
	t.emit(ex.ID, domain.EventReputationChanged, common.Address{}, map[string]any{
		"identity": who.Hex(),
		"delta":    delta,
		"score":    rep.Score,
	})
	return nil
}

// settleRated completes an exchange whose two rating slots are filled: both
// stakes go back and each party's reputation moves by the rating it received.
func (s *ExchangeService) settleRated(t *txn, ex *domain.Exchange) error {
	for _, p := range []domain.Party{domain.PartyInitiator, domain.PartyCounterparty} {
		who := ex.Participant(p)
		if err := release(t, ex, who, ex.Stake, "completed"); err != nil {
			return err
		}
		if err := adjustReputation(t, ex, who, ex.RatingReceived(p).ReputationDelta()); err != nil {
			return err
		}
	}
	return s.complete(t, ex, common.Address{}, OutcomeMutual)
}

// settleAfterDeadline completes an exchange whose rating window closed. With
// one slot filled the rater takes both stakes and the silent party's
// reputation moves by the rating it received. With none filled both stakes
// are returned.
func (s *ExchangeService) settleAfterDeadline(t *txn, ex *domain.Exchange, caller common.Address) error {
	if ex.Rated() == 0 {
		for _, p := range []domain.Party{domain.PartyInitiator, domain.PartyCounterparty} {
			if err := release(t, ex, ex.Participant(p), ex.Stake, "unrated"); err != nil {
				return err
			}
		}
		return s.complete(t, ex, caller, OutcomeUnrated)
	}

	rater := domain.PartyInitiator
	if ex.Ratings[domain.PartyInitiator] == domain.RatingNone {
		rater = domain.PartyCounterparty
	}
	silent := rater.Other()
	raterAddr, silentAddr := ex.Participant(rater), ex.Participant(silent)

	if err := release(t, ex, raterAddr, ex.Stake, "completed"); err != nil {
		return err
	}
	if err := t.stores.Ledger.Release(t.ctx, ex.ID, raterAddr, ex.Stake); err != nil {
		return fmt.Errorf("transfer forfeited stake: %w", err)
	}
	t.emit(ex.ID, domain.EventStakeForfeited, caller, map[string]any{
		"from":   silentAddr.Hex(),
		"to":     raterAddr.Hex(),
		"amount": ex.Stake.Dec(),
	})
	if err := adjustReputation(t, ex, silentAddr, ex.RatingReceived(silent).ReputationDelta()); err != nil {
		return err
	}
	return s.complete(t, ex, caller, OutcomeForfeit)
}

// settleExpired refunds the initiator of an unmatched exchange.
func (s *ExchangeService) settleExpired(t *txn, ex *domain.Exchange, caller common.Address) error {
	if _, err := t.stores.Commitments.Delete(t.ctx, ex.ID); err != nil {
		return fmt.Errorf("drop stale commitment: %w", err)
	}
	if err := release(t, ex, ex.Initiator, ex.Stake, "expired"); err != nil {
		return err
	}
	ex.Status = domain.ExchangeStatusExpired
	t.emit(ex.ID, domain.EventExchangeExpired, caller, nil)
	if err := s.checkEscrowEmpty(t, ex); err != nil {
		return err
	}
	t.outcome = OutcomeExpired
	return nil
}

func (s *ExchangeService) complete(t *txn, ex *domain.Exchange, caller common.Address, outcome string) error {
	ex.Status = domain.ExchangeStatusCompleted
	t.emit(ex.ID, domain.EventExchangeCompleted, caller, map[string]any{
		"outcome":             outcome,
		"initiator_rating":    int(ex.Ratings[domain.PartyInitiator]),
		"counterparty_rating": int(ex.Ratings[domain.PartyCounterparty]),
	})
	if err := s.checkEscrowEmpty(t, ex); err != nil {
		return err
	}
	t.outcome = outcome
	return nil
}

// checkEscrowEmpty asserts a terminal exchange holds no funds.
func (s *ExchangeService) checkEscrowEmpty(t *txn, ex *domain.Exchange) error {
	left, err := t.stores.Ledger.Escrowed(t.ctx, ex.ID)
	if err != nil {
		return fmt.Errorf("read escrow: %w", err)
	}
	if !left.IsZero() {
		return fmt.Errorf("exchange %d settled with %s still escrowed", ex.ID, left.Dec())
	}
	return nil
}
