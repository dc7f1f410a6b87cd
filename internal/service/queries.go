package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

const maxListLimit = 500

// ListOpen returns Pending exchanges, oldest first.
func (s *ExchangeService) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.ExchangeSummary, error) {
	exs, err := s.repo.Stores().Exchanges.ListByStatus(ctx, domain.ExchangeStatusPending, clampOpts(opts))
	if err != nil {
		return nil, fmt.Errorf("exchange_service: list open: %w", err)
	}
	out := make([]domain.ExchangeSummary, len(exs))
	for i := range exs {
		out[i] = exs[i].Summary()
	}
	return out, nil
}

// Summary returns the public view of an exchange, served from the cache
// when it holds one. A miss is filled only if the entry is still absent: a
// transition committed after the load has already stored a newer summary.
func (s *ExchangeService) Summary(ctx context.Context, id int64) (domain.ExchangeSummary, error) {
	if s.cache != nil {
		if sum, err := s.cache.Get(ctx, id); err == nil {
			return sum, nil
		}
	}
	ex, err := s.load(ctx, "get_summary", id)
	if err != nil {
		return domain.ExchangeSummary{}, err
	}
	sum := ex.Summary()
	if s.cache != nil {
		if _, err := s.cache.SetIfAbsent(ctx, sum); err != nil {
			s.logger.DebugContext(ctx, "exchange_service: cache fill failed",
				slog.Int64("exchange_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return sum, nil
}

// Detail returns descriptions and rating progress.
func (s *ExchangeService) Detail(ctx context.Context, id int64) (domain.ExchangeDetail, error) {
	ex, err := s.load(ctx, "get_detail", id)
	if err != nil {
		return domain.ExchangeDetail{}, err
	}
	return ex.Detail(), nil
}

// Content returns the content blobs and key grants. Only participants may
// read them, and only once a counterparty is attached.
func (s *ExchangeService) Content(ctx context.Context, caller common.Address, id int64) (domain.ExchangeContent, error) {
	const op = "get_content"
	ex, err := s.load(ctx, op, id)
	if err != nil {
		return domain.ExchangeContent{}, err
	}
	if _, ok := ex.PartyOf(caller); !ok {
		return domain.ExchangeContent{}, domain.Reject(op, id, domain.ErrUnauthorized, "content is visible to participants only")
	}
	if !ex.Status.HasCounterparty() {
		return domain.ExchangeContent{}, domain.Reject(op, id, domain.ErrPreconditionViolation, "exchange is %s, content is released once matched", ex.Status)
	}
	return ex.Content(), nil
}

// UserExchanges lists every exchange the identity participates in.
func (s *ExchangeService) UserExchanges(ctx context.Context, who common.Address, opts domain.ListOpts) ([]domain.ExchangeSummary, error) {
	exs, err := s.repo.Stores().Exchanges.ListByParticipant(ctx, who, clampOpts(opts))
	if err != nil {
		return nil, fmt.Errorf("exchange_service: list exchanges of %s: %w", who.Hex(), err)
	}
	out := make([]domain.ExchangeSummary, len(exs))
	for i := range exs {
		out[i] = exs[i].Summary()
	}
	return out, nil
}

// Reputation returns the identity's score; unseen identities score zero.
func (s *ExchangeService) Reputation(ctx context.Context, who common.Address) (domain.Reputation, error) {
	rep, err := s.repo.Stores().Reputations.Get(ctx, who)
	if err != nil {
		return domain.Reputation{}, fmt.Errorf("exchange_service: reputation of %s: %w", who.Hex(), err)
	}
	return rep, nil
}

// Balance returns the identity's free ledger balance.
func (s *ExchangeService) Balance(ctx context.Context, who common.Address) (*uint256.Int, error) {
	bal, err := s.repo.Stores().Ledger.Balance(ctx, who)
	if err != nil {
		return nil, fmt.Errorf("exchange_service: balance of %s: %w", who.Hex(), err)
	}
	return bal, nil
}

// Events returns the event history of one exchange.
func (s *ExchangeService) Events(ctx context.Context, id int64, opts domain.ListOpts) ([]domain.Event, error) {
	if _, err := s.load(ctx, "list_events", id); err != nil {
		return nil, err
	}
	evs, err := s.repo.Stores().Events.ListByExchange(ctx, id, clampOpts(opts))
	if err != nil {
		return nil, fmt.Errorf("exchange_service: events of %d: %w", id, err)
	}
	return evs, nil
}

func (s *ExchangeService) load(ctx context.Context, op string, id int64) (domain.Exchange, error) {
	ex, err := s.repo.Stores().Exchanges.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Exchange{}, domain.Reject(op, id, domain.ErrNotFound, "exchange does not exist")
	}
	if err != nil {
		return domain.Exchange{}, fmt.Errorf("exchange_service: %s exchange %d: %w", op, id, err)
	}
	return ex, nil
}

// publish fans committed events out to the bus. Failures are logged; the
// event log already holds them.
func (s *ExchangeService) publish(ctx context.Context, events []domain.Event) {
	if s.bus == nil {
		return
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.WarnContext(ctx, "exchange_service: marshal event failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.bus.Publish(ctx, domain.ChannelExchangeEvents, payload); err != nil {
			s.logger.WarnContext(ctx, "exchange_service: publish event failed",
				slog.Int64("exchange_id", ev.ExchangeID),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
		if err := s.bus.StreamAppend(ctx, domain.StreamExchangeEvents, payload); err != nil {
			s.logger.WarnContext(ctx, "exchange_service: stream append failed",
				slog.Int64("exchange_id", ev.ExchangeID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func clampOpts(opts domain.ListOpts) domain.ListOpts {
	if opts.Limit <= 0 || opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}
