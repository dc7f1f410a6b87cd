package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/metrics"
)

// Operation names used in errors, events and metrics.
const (
	OpCreate        = "create_exchange"
	OpCommit        = "commit_to_match"
	OpMatch         = "match_exchange"
	OpAccept        = "accept_exchange"
	OpDecline       = "decline_exchange"
	OpRate          = "rate_exchange"
	OpClaimExpired  = "claim_expired"
	OpClaimRating   = "claim_after_rating_deadline"
	OpGrantKey      = "grant_content_key"
	OpClaimFaucet   = "claim_initial_tokens"
	maxKeyGrantSize = 1024
)

// ExchangeConfig holds the protocol parameters.
type ExchangeConfig struct {
	MatchWindow       time.Duration
	RatingWindow      time.Duration
	LockTTL           time.Duration
	LockWait          time.Duration
	MaxRequirementLen int
	MaxDescriptionLen int
	MaxContentLen     int
	FaucetAmount      *uint256.Int
}

// ExchangeService is the exchange state machine. Every mutating operation
// holds the exchange's lock and runs in one repository transaction, so a
// rejected call changes nothing.
type ExchangeService struct {
	repo    domain.Repository
	locks   domain.LockManager
	bus     domain.SignalBus
	cache   domain.SummaryCache
	clock   clock.Clock
	metrics *metrics.Metrics
	cfg     ExchangeConfig
	logger  *slog.Logger
}

// NewExchangeService wires the state machine. bus, cache and m may be nil.
func NewExchangeService(
	repo domain.Repository,
	locks domain.LockManager,
	bus domain.SignalBus,
	cache domain.SummaryCache,
	clk clock.Clock,
	m *metrics.Metrics,
	cfg ExchangeConfig,
	logger *slog.Logger,
) *ExchangeService {
	return &ExchangeService{
		repo:    repo,
		locks:   locks,
		bus:     bus,
		cache:   cache,
		clock:   clk,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "exchange_service")),
	}
}

// CreateExchangeRequest carries the initiator's side of a new exchange.
type CreateExchangeRequest struct {
	Content     string
	Description string
	Requirement string
	Stake       *uint256.Int
}

// MatchRequest is the reveal step of commit-reveal matching.
type MatchRequest struct {
	Content     string
	Description string
	Secret      crypto.Secret
}

// CreateExchange opens a Pending exchange and locks the initiator's stake.
func (s *ExchangeService) CreateExchange(ctx context.Context, caller common.Address, req CreateExchangeRequest) (domain.Exchange, error) {
	start := time.Now()
	if err := s.checkCreate(caller, req); err != nil {
		s.finish(ctx, OpCreate, 0, "", domain.Exchange{}, nil, start, err)
		return domain.Exchange{}, err
	}

	var out domain.Exchange
	var events []domain.Event
	err := s.repo.Atomic(ctx, func(ctx context.Context, tx domain.Stores) error {
		t := newTxn(ctx, tx, s.clock.Now())
		ex := domain.Exchange{
			Initiator:            caller,
			Requirement:          req.Requirement,
			Stake:                new(uint256.Int).Set(req.Stake),
			InitiatorContent:     req.Content,
			InitiatorDescription: req.Description,
			Status:               domain.ExchangeStatusPending,
			CreatedAt:            t.now,
			MatchDeadline:        t.now.Add(s.cfg.MatchWindow),
			UpdatedAt:            t.now,
		}
		if err := ex.Validate(); err != nil {
			return domain.Reject(OpCreate, 0, domain.ErrPreconditionViolation, "%v", err)
		}
		if err := tx.Exchanges.Create(ctx, &ex); err != nil {
			return fmt.Errorf("create exchange: %w", err)
		}
		if err := lockStake(t, OpCreate, &ex, caller); err != nil {
			return err
		}
		t.emit(ex.ID, domain.EventExchangeCreated, caller, map[string]any{
			"initiator":      caller.Hex(),
			"stake":          ex.Stake.Dec(),
			"requirement":    ex.Requirement,
			"match_deadline": ex.MatchDeadline,
		})
		if err := t.flush(); err != nil {
			return err
		}
		out, events = ex, t.events
		return nil
	})
	s.finish(ctx, OpCreate, out.ID, "", out, events, start, err)
	if err != nil {
		return domain.Exchange{}, s.wrap(OpCreate, 0, err)
	}
	return out, nil
}

func (s *ExchangeService) checkCreate(caller common.Address, req CreateExchangeRequest) error {
	switch {
	case caller == (common.Address{}):
		return domain.Reject(OpCreate, 0, domain.ErrPreconditionViolation, "caller identity required")
	case req.Stake == nil || req.Stake.IsZero():
		return domain.Reject(OpCreate, 0, domain.ErrPreconditionViolation, "stake must be positive")
	case req.Content == "":
		return domain.Reject(OpCreate, 0, domain.ErrPreconditionViolation, "content must not be empty")
	case s.cfg.MaxContentLen > 0 && len(req.Content) > s.cfg.MaxContentLen:
		return domain.Reject(OpCreate, 0, domain.ErrPreconditionViolation, "content exceeds %d bytes", s.cfg.MaxContentLen)
	case s.cfg.MaxDescriptionLen > 0 && len(req.Description) > s.cfg.MaxDescriptionLen:
		return domain.Reject(OpCreate, 0, domain.ErrPreconditionViolation, "description exceeds %d bytes", s.cfg.MaxDescriptionLen)
	case s.cfg.MaxRequirementLen > 0 && len(req.Requirement) > s.cfg.MaxRequirementLen:
		return domain.Reject(OpCreate, 0, domain.ErrPreconditionViolation, "requirement exceeds %d bytes", s.cfg.MaxRequirementLen)
	}
	return nil
}

// CommitToMatch records the caller's commitment hash. The first commitment
// for an exchange wins; later ones are rejected.
func (s *ExchangeService) CommitToMatch(ctx context.Context, caller common.Address, id int64, hash common.Hash) (domain.Exchange, error) {
	return s.mutate(ctx, OpCommit, id, func(t *txn, ex *domain.Exchange) error {
		if ex.Status != domain.ExchangeStatusPending {
			return domain.Reject(OpCommit, id, domain.ErrPreconditionViolation, "exchange is %s, not pending", ex.Status)
		}
		if caller == (common.Address{}) || caller == ex.Initiator {
			return domain.Reject(OpCommit, id, domain.ErrPreconditionViolation, "initiator cannot commit to its own exchange")
		}
		if hash == (common.Hash{}) {
			return domain.Reject(OpCommit, id, domain.ErrPreconditionViolation, "commitment hash is empty")
		}
		err := t.stores.Commitments.Put(t.ctx, domain.Commitment{
			ExchangeID: id,
			Hash:       hash,
			Committer:  caller,
			CreatedAt:  t.now,
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Reject(OpCommit, id, domain.ErrPreconditionViolation, "commitment already exists")
		}
		if err != nil {
			return fmt.Errorf("put commitment: %w", err)
		}
		t.emit(id, domain.EventCommitmentRecorded, caller, map[string]any{
			"committer": caller.Hex(),
		})
		return nil
	})
}

// MatchExchange reveals a commitment, attaching the caller as counterparty
// and locking its stake.
func (s *ExchangeService) MatchExchange(ctx context.Context, caller common.Address, id int64, req MatchRequest) (domain.Exchange, error) {
	return s.mutate(ctx, OpMatch, id, func(t *txn, ex *domain.Exchange) error {
		if ex.Status != domain.ExchangeStatusPending {
			return domain.Reject(OpMatch, id, domain.ErrPreconditionViolation, "exchange is %s, not pending", ex.Status)
		}
		if caller == (common.Address{}) || caller == ex.Initiator {
			return domain.Reject(OpMatch, id, domain.ErrPreconditionViolation, "initiator cannot match its own exchange")
		}
		if req.Content == "" {
			return domain.Reject(OpMatch, id, domain.ErrPreconditionViolation, "content must not be empty")
		}
		if s.cfg.MaxContentLen > 0 && len(req.Content) > s.cfg.MaxContentLen {
			return domain.Reject(OpMatch, id, domain.ErrPreconditionViolation, "content exceeds %d bytes", s.cfg.MaxContentLen)
		}
		if s.cfg.MaxDescriptionLen > 0 && len(req.Description) > s.cfg.MaxDescriptionLen {
			return domain.Reject(OpMatch, id, domain.ErrPreconditionViolation, "description exceeds %d bytes", s.cfg.MaxDescriptionLen)
		}
		if !t.now.Before(ex.MatchDeadline) {
			return domain.Reject(OpMatch, id, domain.ErrDeadlineViolation, "match deadline passed at %s", ex.MatchDeadline.UTC().Format(time.RFC3339))
		}

		c, err := t.stores.Commitments.Get(t.ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Reject(OpMatch, id, domain.ErrCommitmentMismatch, "no commitment recorded")
		}
		if err != nil {
			return fmt.Errorf("get commitment: %w", err)
		}
		if crypto.CommitmentHash(id, caller, req.Secret) != c.Hash {
			return domain.Reject(OpMatch, id, domain.ErrCommitmentMismatch, "revealed secret does not match commitment")
		}

		if err := lockStake(t, OpMatch, ex, caller); err != nil {
			return err
		}
		if _, err := t.stores.Commitments.Delete(t.ctx, id); err != nil {
			return fmt.Errorf("delete commitment: %w", err)
		}

		ex.Counterparty = caller
		ex.CounterpartyContent = req.Content
		ex.CounterpartyDescription = req.Description
		ex.Status = domain.ExchangeStatusMatched
		t.emit(id, domain.EventExchangeMatched, caller, map[string]any{
			"counterparty": caller.Hex(),
		})
		return nil
	})
}

// AcceptExchange lets the initiator approve a match and opens the rating
// window.
func (s *ExchangeService) AcceptExchange(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error) {
	return s.mutate(ctx, OpAccept, id, func(t *txn, ex *domain.Exchange) error {
		if ex.Status != domain.ExchangeStatusMatched {
			return domain.Reject(OpAccept, id, domain.ErrPreconditionViolation, "exchange is %s, not matched", ex.Status)
		}
		if caller != ex.Initiator {
			return domain.Reject(OpAccept, id, domain.ErrPreconditionViolation, "only the initiator may accept")
		}
		rd := t.now.Add(s.cfg.RatingWindow)
		ex.RatingDeadline = &rd
		ex.Status = domain.ExchangeStatusAccepted
		t.emit(id, domain.EventExchangeAccepted, caller, map[string]any{
			"rating_deadline": rd,
		})
		return nil
	})
}

// DeclineExchange rejects the current match: the counterparty is refunded
// and detached and the exchange reopens with its original match deadline.
func (s *ExchangeService) DeclineExchange(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error) {
	return s.mutate(ctx, OpDecline, id, func(t *txn, ex *domain.Exchange) error {
		if ex.Status != domain.ExchangeStatusMatched {
			return domain.Reject(OpDecline, id, domain.ErrPreconditionViolation, "exchange is %s, not matched", ex.Status)
		}
		if caller != ex.Initiator {
			return domain.Reject(OpDecline, id, domain.ErrPreconditionViolation, "only the initiator may decline")
		}
		declined := ex.Counterparty
		if err := release(t, ex, declined, ex.Stake, "declined"); err != nil {
			return err
		}
		ex.Counterparty = common.Address{}
		ex.CounterpartyContent = ""
		ex.CounterpartyDescription = ""
		ex.KeyGrants = [2][]byte{}
		ex.Status = domain.ExchangeStatusPending
		t.outcome = OutcomeDeclined
		t.emit(id, domain.EventExchangeDeclined, caller, map[string]any{
			"counterparty": declined.Hex(),
		})
		return nil
	})
}

// RateExchange fills the caller's rating slot and settles the exchange once
// both slots are filled.
func (s *ExchangeService) RateExchange(ctx context.Context, caller common.Address, id int64, rating domain.Rating) (domain.Exchange, error) {
	return s.mutate(ctx, OpRate, id, func(t *txn, ex *domain.Exchange) error {
		if ex.Status != domain.ExchangeStatusAccepted {
			return domain.Reject(OpRate, id, domain.ErrPreconditionViolation, "exchange is %s, not accepted", ex.Status)
		}
		party, ok := ex.PartyOf(caller)
		if !ok {
			return domain.Reject(OpRate, id, domain.ErrPreconditionViolation, "caller is not a participant")
		}
		if !rating.Valid() {
			return domain.Reject(OpRate, id, domain.ErrPreconditionViolation, "rating %d outside [%d,%d]", rating, domain.RatingMin, domain.RatingMax)
		}
		if ex.Ratings[party] != domain.RatingNone {
			return domain.Reject(OpRate, id, domain.ErrPreconditionViolation, "%s already rated", party)
		}
		ex.Ratings[party] = rating
		t.emit(id, domain.EventExchangeRated, caller, map[string]any{
			"rater":  caller.Hex(),
			"party":  party.String(),
			"rating": int(rating),
		})
		if ex.Rated() < 2 {
			return nil
		}
		return s.settleRated(t, ex)
	})
}

// ClaimExpired expires a Pending exchange whose match deadline has passed
// and refunds the initiator. Anyone may call it.
func (s *ExchangeService) ClaimExpired(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error) {
	return s.mutate(ctx, OpClaimExpired, id, func(t *txn, ex *domain.Exchange) error {
		if ex.Status != domain.ExchangeStatusPending {
			return domain.Reject(OpClaimExpired, id, domain.ErrPreconditionViolation, "exchange is %s, not pending", ex.Status)
		}
		if t.now.Before(ex.MatchDeadline) {
			return domain.Reject(OpClaimExpired, id, domain.ErrDeadlineViolation, "match deadline is %s", ex.MatchDeadline.UTC().Format(time.RFC3339))
		}
		return s.settleExpired(t, ex, caller)
	})
}

// ClaimAfterRatingDeadline force-completes an Accepted exchange whose rating
// window closed with at least one slot empty. Anyone may call it.
func (s *ExchangeService) ClaimAfterRatingDeadline(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error) {
	return s.mutate(ctx, OpClaimRating, id, func(t *txn, ex *domain.Exchange) error {
		if ex.Status != domain.ExchangeStatusAccepted {
			return domain.Reject(OpClaimRating, id, domain.ErrPreconditionViolation, "exchange is %s, not accepted", ex.Status)
		}
		if ex.Rated() == 2 {
			return domain.Reject(OpClaimRating, id, domain.ErrPreconditionViolation, "both parties already rated")
		}
		if ex.RatingDeadline == nil || t.now.Before(*ex.RatingDeadline) {
			return domain.Reject(OpClaimRating, id, domain.ErrDeadlineViolation, "rating deadline not reached")
		}
		return s.settleAfterDeadline(t, ex, caller)
	})
}

// GrantContentKey stores the caller's content key wrapped to the other
// participant. Each participant grants once, while Matched or Accepted.
func (s *ExchangeService) GrantContentKey(ctx context.Context, caller common.Address, id int64, wrapped []byte) (domain.Exchange, error) {
	return s.mutate(ctx, OpGrantKey, id, func(t *txn, ex *domain.Exchange) error {
		if ex.Status != domain.ExchangeStatusMatched && ex.Status != domain.ExchangeStatusAccepted {
			return domain.Reject(OpGrantKey, id, domain.ErrPreconditionViolation, "exchange is %s, keys are granted while matched or accepted", ex.Status)
		}
		party, ok := ex.PartyOf(caller)
		if !ok {
			return domain.Reject(OpGrantKey, id, domain.ErrPreconditionViolation, "caller is not a participant")
		}
		if len(wrapped) == 0 || len(wrapped) > maxKeyGrantSize {
			return domain.Reject(OpGrantKey, id, domain.ErrPreconditionViolation, "wrapped key must be 1..%d bytes", maxKeyGrantSize)
		}
		if ex.KeyGrants[party] != nil {
			return domain.Reject(OpGrantKey, id, domain.ErrPreconditionViolation, "%s already granted a key", party)
		}
		ex.KeyGrants[party] = append([]byte(nil), wrapped...)
		t.emit(id, domain.EventContentKeyGranted, caller, map[string]any{
			"party":     party.String(),
			"recipient": ex.Participant(party.Other()).Hex(),
		})
		return nil
	})
}

// mutate runs fn against exchange id under its lock and inside one
// transaction, persists the result with a version check, then publishes the
// recorded events.
func (s *ExchangeService) mutate(ctx context.Context, op string, id int64, fn func(t *txn, ex *domain.Exchange) error) (domain.Exchange, error) {
	start := time.Now()

	unlock, err := s.acquire(ctx, id)
	if err != nil {
		s.finish(ctx, op, id, "", domain.Exchange{}, nil, start, err)
		return domain.Exchange{}, s.wrap(op, id, err)
	}
	defer unlock()

	var (
		out     domain.Exchange
		from    domain.ExchangeStatus
		events  []domain.Event
		outcome string
	)
	err = s.repo.Atomic(ctx, func(ctx context.Context, tx domain.Stores) error {
		ex, err := tx.Exchanges.GetForUpdate(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Reject(op, id, domain.ErrNotFound, "exchange does not exist")
		}
		if err != nil {
			return fmt.Errorf("load exchange: %w", err)
		}
		from = ex.Status

		t := newTxn(ctx, tx, s.clock.Now())
		if err := fn(t, &ex); err != nil {
			return err
		}
		if err := ex.Validate(); err != nil {
			return fmt.Errorf("invariant broken after %s: %w", op, err)
		}
		ex.UpdatedAt = t.now
		if err := tx.Exchanges.Update(ctx, &ex); err != nil {
			return fmt.Errorf("store exchange: %w", err)
		}
		if err := t.flush(); err != nil {
			return err
		}
		out, events, outcome = ex, t.events, t.outcome
		return nil
	})
	if err == nil && outcome != "" {
		s.metrics.Settlement(outcome)
	}
	s.finish(ctx, op, id, from, out, events, start, err)
	if err != nil {
		return domain.Exchange{}, s.wrap(op, id, err)
	}
	return out, nil
}

// acquire takes the per-exchange lock, retrying with backoff while another
// operation holds it, for at most LockWait.
func (s *ExchangeService) acquire(ctx context.Context, id int64) (func(), error) {
	key := "exchange:" + strconv.FormatInt(id, 10)
	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    250 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	giveUp := time.Now().Add(s.cfg.LockWait)

	for {
		unlock, err := s.locks.Acquire(ctx, key, s.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		s.metrics.LockContended()

		wait := b.Duration()
		if time.Now().Add(wait).After(giveUp) {
			return nil, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// wrap leaves rejections untouched and annotates infrastructure failures.
func (s *ExchangeService) wrap(op string, id int64, err error) error {
	if domain.IsRejection(err) {
		return err
	}
	return fmt.Errorf("exchange_service: %s exchange %d: %w", op, id, err)
}

// finish records metrics, logs, publishes events and refreshes the cache
// after a transaction has committed or failed.
func (s *ExchangeService) finish(ctx context.Context, op string, id int64, from domain.ExchangeStatus, ex domain.Exchange, events []domain.Event, start time.Time, err error) {
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.ObserveOperation(op, domain.RejectionKind(err), elapsed)
		level := slog.LevelInfo
		if !domain.IsRejection(err) {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "exchange_service: operation rejected",
			slog.String("op", op),
			slog.Int64("exchange_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	s.metrics.ObserveOperation(op, "ok", elapsed)
	s.metrics.Transition(string(from), string(ex.Status))
	s.invalidate(ctx, ex)
	s.publish(ctx, events)

	s.logger.InfoContext(ctx, "exchange_service: "+op,
		slog.Int64("exchange_id", ex.ID),
		slog.String("from", string(from)),
		slog.String("status", string(ex.Status)),
		slog.Int64("version", ex.Version),
	)
}

func (s *ExchangeService) invalidate(ctx context.Context, ex domain.Exchange) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, ex.Summary()); err != nil {
		s.logger.WarnContext(ctx, "exchange_service: cache refresh failed",
			slog.Int64("exchange_id", ex.ID),
			slog.String("error", err.Error()),
		)
		_ = s.cache.Invalidate(ctx, ex.ID)
	}
}
