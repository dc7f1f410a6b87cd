// Package memory implements the stakeswap state store in process memory.
// It backs the service in development mode and in tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

type state struct {
	lastExchangeID int64
	lastEventID    int64
	exchanges      map[int64]domain.Exchange
	commitments    map[int64]domain.Commitment
	reputations    map[common.Address]domain.Reputation
	balances       map[common.Address]*uint256.Int
	escrow         map[int64]*uint256.Int
	faucet         map[common.Address]time.Time
	events         []domain.Event
	identities     map[common.Address]domain.Identity
}

func newState() *state {
	return &state{
		exchanges:   make(map[int64]domain.Exchange),
		commitments: make(map[int64]domain.Commitment),
		reputations: make(map[common.Address]domain.Reputation),
		balances:    make(map[common.Address]*uint256.Int),
		escrow:      make(map[int64]*uint256.Int),
		faucet:      make(map[common.Address]time.Time),
		identities:  make(map[common.Address]domain.Identity),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.lastExchangeID = s.lastExchangeID
	c.lastEventID = s.lastEventID
	for k, v := range s.exchanges {
		c.exchanges[k] = v.Clone()
	}
	for k, v := range s.commitments {
		c.commitments[k] = v
	}
	for k, v := range s.reputations {
		c.reputations[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v.Clone()
	}
	for k, v := range s.escrow {
		c.escrow[k] = v.Clone()
	}
	for k, v := range s.faucet {
		c.faucet[k] = v
	}
	c.events = append(make([]domain.Event, 0, len(s.events)), s.events...)
	for k, v := range s.identities {
		c.identities[k] = v
	}
	return c
}

// Repository serializes every transaction behind one mutex and undoes a
// failed transaction by restoring a snapshot taken when it began.
type Repository struct {
	mu sync.RWMutex
	st *state
}

var _ domain.Repository = (*Repository)(nil)

// New creates an empty repository.
func New() *Repository {
	return &Repository{st: newState()}
}

// Stores returns stores that lock per call.
func (r *Repository) Stores() domain.Stores {
	return bind(&view{repo: r})
}

// Atomic runs fn with exclusive access. On error every write fn made is
// discarded.
func (r *Repository) Atomic(ctx context.Context, fn func(ctx context.Context, tx domain.Stores) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := r.st.clone()
	if err := fn(ctx, bind(&view{repo: r, tx: r.st})); err != nil {
		r.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		r.st = snapshot
		return err
	}
	return nil
}

// view routes store calls either to the state held by an open transaction
// or through the repository mutex.
type view struct {
	repo *Repository
	tx   *state
}

func (v *view) read(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.repo.mu.RLock()
	defer v.repo.mu.RUnlock()
	return fn(v.repo.st)
}

func (v *view) write(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	// Store methods check before they mutate, so a single call outside a
	// transaction never leaves partial state behind.
	v.repo.mu.Lock()
	defer v.repo.mu.Unlock()
	return fn(v.repo.st)
}

func bind(v *view) domain.Stores {
	return domain.Stores{
		Exchanges:   &exchangeStore{v},
		Commitments: &commitmentStore{v},
		Reputations: &reputationStore{v},
		Ledger:      &ledger{v},
		Events:      &eventStore{v},
		Identities:  &identityStore{v},
	}
}
