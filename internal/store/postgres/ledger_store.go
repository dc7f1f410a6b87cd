package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// Ledger implements domain.StakeLedger with NUMERIC(78,0) columns, wide
// enough for any uint256.
type Ledger struct {
	db dbtx
}

func (l *Ledger) Balance(ctx context.Context, who common.Address) (*uint256.Int, error) {
	var amount string
	err := l.db.QueryRow(ctx, `SELECT amount::text FROM balances WHERE identity = $1`, who.Bytes()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: balance %s: %w", who.Hex(), err)
	}
	return parseAmount(amount)
}

func (l *Ledger) Credit(ctx context.Context, who common.Address, amount *uint256.Int) error {
	const query = `
		INSERT INTO balances (identity, amount) VALUES ($1, $2::numeric)
		ON CONFLICT (identity) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`
	if _, err := l.db.Exec(ctx, query, who.Bytes(), amount.Dec()); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", who.Hex(), err)
	}
	return nil
}

// Lock debits who and credits the exchange escrow. The conditional update
// makes an overdraft affect no rows.
func (l *Ledger) Lock(ctx context.Context, exchangeID int64, who common.Address, amount *uint256.Int) error {
	tag, err := l.db.Exec(ctx,
		`UPDATE balances SET amount = amount - $2::numeric WHERE identity = $1 AND amount >= $2::numeric`,
		who.Bytes(), amount.Dec())
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", who.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: lock %s from %s: %w", amount.Dec(), who.Hex(), domain.ErrInsufficientFunds)
	}
	const escrow = `
		INSERT INTO escrows (exchange_id, amount) VALUES ($1, $2::numeric)
		ON CONFLICT (exchange_id) DO UPDATE SET amount = escrows.amount + EXCLUDED.amount`
	if _, err := l.db.Exec(ctx, escrow, exchangeID, amount.Dec()); err != nil {
		return fmt.Errorf("postgres: escrow %d: %w", exchangeID, err)
	}
	return nil
}

// Release debits the exchange escrow and credits to.
func (l *Ledger) Release(ctx context.Context, exchangeID int64, to common.Address, amount *uint256.Int) error {
	tag, err := l.db.Exec(ctx,
		`UPDATE escrows SET amount = amount - $2::numeric WHERE exchange_id = $1 AND amount >= $2::numeric`,
		exchangeID, amount.Dec())
	if err != nil {
		return fmt.Errorf("postgres: release escrow %d: %w", exchangeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: escrow %d holds less than %s", exchangeID, amount.Dec())
	}
	return l.Credit(ctx, to, amount)
}

func (l *Ledger) Escrowed(ctx context.Context, exchangeID int64) (*uint256.Int, error) {
	var amount string
	err := l.db.QueryRow(ctx, `SELECT amount::text FROM escrows WHERE exchange_id = $1`, exchangeID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: escrow %d: %w", exchangeID, err)
	}
	return parseAmount(amount)
}

func (l *Ledger) MarkFaucetClaimed(ctx context.Context, who common.Address, at time.Time) error {
	tag, err := l.db.Exec(ctx,
		`INSERT INTO faucet_claims (identity, claimed_at) VALUES ($1, $2) ON CONFLICT (identity) DO NOTHING`,
		who.Bytes(), at)
	if err != nil {
		return fmt.Errorf("postgres: faucet claim %s: %w", who.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: faucet claim %s: %w", who.Hex(), domain.ErrAlreadyExists)
	}
	return nil
}

var _ domain.StakeLedger = (*Ledger)(nil)
