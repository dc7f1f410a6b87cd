package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

type exchangeStore struct{ v *view }

func (s *exchangeStore) Create(_ context.Context, ex *domain.Exchange) error {
	return s.v.write(func(st *state) error {
		st.lastExchangeID++
		ex.ID = st.lastExchangeID
		ex.Version = 1
		if ex.UpdatedAt.IsZero() {
			ex.UpdatedAt = ex.CreatedAt
		}
		st.exchanges[ex.ID] = ex.Clone()
		return nil
	})
}

func (s *exchangeStore) Get(_ context.Context, id int64) (domain.Exchange, error) {
	var out domain.Exchange
	err := s.v.read(func(st *state) error {
		ex, ok := st.exchanges[id]
		if !ok {
			return fmt.Errorf("memory: exchange %d: %w", id, domain.ErrNotFound)
		}
		out = ex.Clone()
		return nil
	})
	return out, err
}

// GetForUpdate is Get: the repository already serializes transactions.
func (s *exchangeStore) GetForUpdate(ctx context.Context, id int64) (domain.Exchange, error) {
	return s.Get(ctx, id)
}

func (s *exchangeStore) Update(_ context.Context, ex *domain.Exchange) error {
	return s.v.write(func(st *state) error {
		stored, ok := st.exchanges[ex.ID]
		if !ok {
			return fmt.Errorf("memory: update exchange %d: %w", ex.ID, domain.ErrNotFound)
		}
		if stored.Version != ex.Version {
			return fmt.Errorf("memory: update exchange %d at version %d (stored %d): %w",
				ex.ID, ex.Version, stored.Version, domain.ErrConflict)
		}
		ex.Version++
		st.exchanges[ex.ID] = ex.Clone()
		return nil
	})
}

func (s *exchangeStore) ListByStatus(_ context.Context, status domain.ExchangeStatus, opts domain.ListOpts) ([]domain.Exchange, error) {
	return s.list(opts, func(ex *domain.Exchange) bool { return ex.Status == status })
}

func (s *exchangeStore) ListByParticipant(_ context.Context, who common.Address, opts domain.ListOpts) ([]domain.Exchange, error) {
	return s.list(opts, func(ex *domain.Exchange) bool {
		_, ok := ex.PartyOf(who)
		return ok
	})
}

func (s *exchangeStore) ListDue(_ context.Context, status domain.ExchangeStatus, cutoff time.Time, limit int) ([]domain.Exchange, error) {
	deadline := func(ex *domain.Exchange) (time.Time, bool) {
		switch status {
		case domain.ExchangeStatusPending:
			return ex.MatchDeadline, true
		case domain.ExchangeStatusAccepted:
			if ex.RatingDeadline != nil {
				return *ex.RatingDeadline, true
			}
		}
		return time.Time{}, false
	}

	var out []domain.Exchange
	err := s.v.read(func(st *state) error {
		for _, ex := range st.exchanges {
			if ex.Status != status {
				continue
			}
			if d, ok := deadline(&ex); ok && !d.After(cutoff) {
				out = append(out, ex.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		di, _ := deadline(&out[i])
		dj, _ := deadline(&out[j])
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *exchangeStore) list(opts domain.ListOpts, keep func(ex *domain.Exchange) bool) ([]domain.Exchange, error) {
	var out []domain.Exchange
	err := s.v.read(func(st *state) error {
		for _, ex := range st.exchanges {
			if !keep(&ex) || !inWindow(ex.CreatedAt, opts) {
				continue
			}
			out = append(out, ex.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, opts), nil
}

type commitmentStore struct{ v *view }

func (s *commitmentStore) Put(_ context.Context, c domain.Commitment) error {
	return s.v.write(func(st *state) error {
		if _, ok := st.commitments[c.ExchangeID]; ok {
			return fmt.Errorf("memory: commitment for exchange %d: %w", c.ExchangeID, domain.ErrAlreadyExists)
		}
		st.commitments[c.ExchangeID] = c
		return nil
	})
}

func (s *commitmentStore) Get(_ context.Context, exchangeID int64) (domain.Commitment, error) {
	var out domain.Commitment
	err := s.v.read(func(st *state) error {
		c, ok := st.commitments[exchangeID]
		if !ok {
			return fmt.Errorf("memory: commitment for exchange %d: %w", exchangeID, domain.ErrNotFound)
		}
		out = c
		return nil
	})
	return out, err
}

func (s *commitmentStore) Delete(_ context.Context, exchangeID int64) (bool, error) {
	var existed bool
	err := s.v.write(func(st *state) error {
		_, existed = st.commitments[exchangeID]
		delete(st.commitments, exchangeID)
		return nil
	})
	return existed, err
}

type reputationStore struct{ v *view }

func (s *reputationStore) Get(_ context.Context, who common.Address) (domain.Reputation, error) {
	out := domain.Reputation{Identity: who}
	err := s.v.read(func(st *state) error {
		if r, ok := st.reputations[who]; ok {
			out = r
		}
		return nil
	})
	return out, err
}

func (s *reputationStore) Apply(_ context.Context, who common.Address, delta int64, at time.Time) (domain.Reputation, error) {
	var out domain.Reputation
	err := s.v.write(func(st *state) error {
		r := st.reputations[who]
		r.Identity = who
		r.Score += delta
		r.LastUpdated = at
		st.reputations[who] = r
		out = r
		return nil
	})
	return out, err
}

type ledger struct{ v *view }

func (l *ledger) Balance(_ context.Context, who common.Address) (*uint256.Int, error) {
	out := new(uint256.Int)
	err := l.v.read(func(st *state) error {
		if b, ok := st.balances[who]; ok {
			out.Set(b)
		}
		return nil
	})
	return out, err
}

func (l *ledger) Credit(_ context.Context, who common.Address, amount *uint256.Int) error {
	return l.v.write(func(st *state) error {
		sum, overflow := new(uint256.Int).AddOverflow(balanceOf(st, who), amount)
		if overflow {
			return fmt.Errorf("memory: credit %s: balance overflow", who.Hex())
		}
		st.balances[who] = sum
		return nil
	})
}

func (l *ledger) Lock(_ context.Context, exchangeID int64, who common.Address, amount *uint256.Int) error {
	return l.v.write(func(st *state) error {
		bal := balanceOf(st, who)
		if bal.Lt(amount) {
			return fmt.Errorf("memory: lock %s for exchange %d: balance %s < %s: %w",
				who.Hex(), exchangeID, bal.Dec(), amount.Dec(), domain.ErrInsufficientFunds)
		}
		st.balances[who] = new(uint256.Int).Sub(bal, amount)
		st.escrow[exchangeID] = new(uint256.Int).Add(escrowOf(st, exchangeID), amount)
		return nil
	})
}

func (l *ledger) Release(_ context.Context, exchangeID int64, to common.Address, amount *uint256.Int) error {
	return l.v.write(func(st *state) error {
		held := escrowOf(st, exchangeID)
		if held.Lt(amount) {
			return fmt.Errorf("memory: release %s from exchange %d: escrow holds only %s",
				amount.Dec(), exchangeID, held.Dec())
		}
		st.escrow[exchangeID] = new(uint256.Int).Sub(held, amount)
		st.balances[to] = new(uint256.Int).Add(balanceOf(st, to), amount)
		return nil
	})
}

func (l *ledger) Escrowed(_ context.Context, exchangeID int64) (*uint256.Int, error) {
	out := new(uint256.Int)
	err := l.v.read(func(st *state) error {
		out.Set(escrowOf(st, exchangeID))
		return nil
	})
	return out, err
}

func (l *ledger) MarkFaucetClaimed(_ context.Context, who common.Address, at time.Time) error {
	return l.v.write(func(st *state) error {
		if _, ok := st.faucet[who]; ok {
			return fmt.Errorf("memory: faucet claim for %s: %w", who.Hex(), domain.ErrAlreadyExists)
		}
		st.faucet[who] = at
		return nil
	})
}

func balanceOf(st *state, who common.Address) *uint256.Int {
	if b, ok := st.balances[who]; ok {
		return b
	}
	return new(uint256.Int)
}

func escrowOf(st *state, id int64) *uint256.Int {
	if e, ok := st.escrow[id]; ok {
		return e
	}
	return new(uint256.Int)
}

type eventStore struct{ v *view }

func (s *eventStore) Append(_ context.Context, ev *domain.Event) error {
	return s.v.write(func(st *state) error {
		st.lastEventID++
		ev.ID = st.lastEventID
		st.events = append(st.events, *ev)
		return nil
	})
}

func (s *eventStore) ListByExchange(_ context.Context, exchangeID int64, opts domain.ListOpts) ([]domain.Event, error) {
	return s.list(opts, func(ev *domain.Event) bool { return ev.ExchangeID == exchangeID })
}

func (s *eventStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	return s.list(opts, func(*domain.Event) bool { return true })
}

func (s *eventStore) list(opts domain.ListOpts, keep func(ev *domain.Event) bool) ([]domain.Event, error) {
	var out []domain.Event
	err := s.v.read(func(st *state) error {
		for i := range st.events {
			if keep(&st.events[i]) && inWindow(st.events[i].CreatedAt, opts) {
				out = append(out, st.events[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page(out, opts), nil
}

type identityStore struct{ v *view }

func (s *identityStore) Remember(_ context.Context, id domain.Identity) error {
	return s.v.write(func(st *state) error {
		if prev, ok := st.identities[id.Address]; ok && !prev.FirstSeen.IsZero() {
			id.FirstSeen = prev.FirstSeen
		}
		st.identities[id.Address] = id
		return nil
	})
}

func (s *identityStore) Get(_ context.Context, who common.Address) (domain.Identity, error) {
	var out domain.Identity
	err := s.v.read(func(st *state) error {
		id, ok := st.identities[who]
		if !ok {
			return fmt.Errorf("memory: identity %s: %w", who.Hex(), domain.ErrNotFound)
		}
		out = id
		return nil
	})
	return out, err
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
