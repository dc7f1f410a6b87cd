package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ExchangeStore persists exchange records.
type ExchangeStore interface {
	// Create assigns the next id and stores ex with Version 1.
	Create(ctx context.Context, ex *Exchange) error
	Get(ctx context.Context, id int64) (Exchange, error)
	// GetForUpdate reads ex and holds it against concurrent writers for the
	// rest of the enclosing transaction.
	GetForUpdate(ctx context.Context, id int64) (Exchange, error)
	// Update writes ex if the stored version still equals ex.Version, then
	// bumps ex.Version. A stale version yields ErrConflict.
	Update(ctx context.Context, ex *Exchange) error
	ListByStatus(ctx context.Context, status ExchangeStatus, opts ListOpts) ([]Exchange, error)
	ListByParticipant(ctx context.Context, who common.Address, opts ListOpts) ([]Exchange, error)
	// ListDue returns exchanges whose deadline for the given status
	// (match deadline for Pending, rating deadline for Accepted) is at or
	// before the cutoff, oldest first.
	ListDue(ctx context.Context, status ExchangeStatus, cutoff time.Time, limit int) ([]Exchange, error)
}

// CommitmentStore is the commitment registry.
type CommitmentStore interface {
	// Put records c unless a commitment already exists for the exchange, in
	// which case ErrAlreadyExists is returned and the stored one is kept.
	Put(ctx context.Context, c Commitment) error
	Get(ctx context.Context, exchangeID int64) (Commitment, error)
	// Delete removes the commitment, reporting whether one existed.
	Delete(ctx context.Context, exchangeID int64) (bool, error)
}

// ReputationStore persists per-identity scores.
type ReputationStore interface {
	// Get returns the stored record, or a zero record for an unseen identity.
	Get(ctx context.Context, who common.Address) (Reputation, error)
	// Apply adds delta to the score, creating the record on first use.
	Apply(ctx context.Context, who common.Address, delta int64, at time.Time) (Reputation, error)
}

// StakeLedger is the fungible balance boundary the exchange core locks
// stakes from and releases them to. Escrow is tracked per exchange.
type StakeLedger interface {
	Balance(ctx context.Context, who common.Address) (*uint256.Int, error)
	Credit(ctx context.Context, who common.Address, amount *uint256.Int) error
	// Lock moves amount from who's balance into the exchange escrow, failing
	// with ErrInsufficientFunds when the balance is short.
	Lock(ctx context.Context, exchangeID int64, who common.Address, amount *uint256.Int) error
	// Release moves amount out of the exchange escrow into to's balance.
	Release(ctx context.Context, exchangeID int64, to common.Address, amount *uint256.Int) error
	Escrowed(ctx context.Context, exchangeID int64) (*uint256.Int, error)
	// MarkFaucetClaimed records a one-time faucet grant; ErrAlreadyExists on
	// a second claim.
	MarkFaucetClaimed(ctx context.Context, who common.Address, at time.Time) error
}

// EventStore is the append-only event log.
type EventStore interface {
	Append(ctx context.Context, ev *Event) error
	ListByExchange(ctx context.Context, exchangeID int64, opts ListOpts) ([]Event, error)
	List(ctx context.Context, opts ListOpts) ([]Event, error)
}

// IdentityStore remembers public keys of request signers.
type IdentityStore interface {
	Remember(ctx context.Context, id Identity) error
	Get(ctx context.Context, who common.Address) (Identity, error)
}

// Stores groups the stores bound to one transaction.
type Stores struct {
	Exchanges   ExchangeStore
	Commitments CommitmentStore
	Reputations ReputationStore
	Ledger      StakeLedger
	Events      EventStore
	Identities  IdentityStore
}

// Repository is the state store handle passed to every operation.
type Repository interface {
	// Stores returns non-transactional stores for reads.
	Stores() Stores
	// Atomic runs fn in one transaction. Any error from fn rolls back every
	// write fn made.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Stores) error) error
}
