package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, so every store works
// inside and outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements domain.Repository on a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Stores() domain.Stores {
	return bind(r.pool)
}

// Atomic runs fn in a READ COMMITTED transaction. Exchange rows are locked
// with SELECT ... FOR UPDATE and written with a version check, so that level
// is enough.
func (r *Repository) Atomic(ctx context.Context, fn func(ctx context.Context, tx domain.Stores) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, bind(tx))
	})
}

func bind(db dbtx) domain.Stores {
	return domain.Stores{
		Exchanges:   &ExchangeStore{db: db},
		Commitments: &CommitmentStore{db: db},
		Reputations: &ReputationStore{db: db},
		Ledger:      &Ledger{db: db},
		Events:      &EventStore{db: db},
		Identities:  &IdentityStore{db: db},
	}
}

// notFound maps pgx.ErrNoRows to domain.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: %s: %w", what, err)
}

// addrBytes stores the zero address as NULL.
func addrBytes(a common.Address) []byte {
	if a == (common.Address{}) {
		return nil
	}
	return a.Bytes()
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("postgres: amount %q: %w", s, err)
	}
	return v, nil
}

// queryBuilder appends numbered placeholders as filters are added.
type queryBuilder struct {
	sb   strings.Builder
	args []any
}

func newQuery(base string, args ...any) *queryBuilder {
	q := &queryBuilder{args: args}
	q.sb.WriteString(base)
	return q
}

// arg records v and returns its placeholder.
func (q *queryBuilder) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *queryBuilder) where(cond string) {
	q.sb.WriteString(" AND ")
	q.sb.WriteString(cond)
}

// window adds the ListOpts time filters on col, the ordering and paging.
func (q *queryBuilder) window(col, order string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(col + " >= " + q.arg(*opts.Since))
	}
	if opts.Until != nil {
		q.where(col + " <= " + q.arg(*opts.Until))
	}
	q.sb.WriteString(" ORDER BY " + order)
	if opts.Limit > 0 {
		q.sb.WriteString(" LIMIT " + q.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		q.sb.WriteString(" OFFSET " + q.arg(opts.Offset))
	}
}

func (q *queryBuilder) String() string { return q.sb.String() }

var _ domain.Repository = (*Repository)(nil)
