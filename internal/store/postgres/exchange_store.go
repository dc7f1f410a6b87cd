package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// ExchangeStore implements domain.ExchangeStore.
type ExchangeStore struct {
	db dbtx
}

const exchangeSelectCols = `id, initiator, counterparty, requirement, stake::text,
	initiator_content, counterparty_content,
	initiator_description, counterparty_description,
	status, created_at, match_deadline, rating_deadline,
	initiator_rating, counterparty_rating,
	initiator_key_grant, counterparty_key_grant,
	version, updated_at`

func scanExchangeRow(row pgx.Row) (domain.Exchange, error) {
	var (
		ex                   domain.Exchange
		initiator, cp        []byte
		stake, status        string
		initRating, cpRating int16
	)
	err := row.Scan(
		&ex.ID, &initiator, &cp, &ex.Requirement, &stake,
		&ex.InitiatorContent, &ex.CounterpartyContent,
		&ex.InitiatorDescription, &ex.CounterpartyDescription,
		&status, &ex.CreatedAt, &ex.MatchDeadline, &ex.RatingDeadline,
		&initRating, &cpRating,
		&ex.KeyGrants[domain.PartyInitiator], &ex.KeyGrants[domain.PartyCounterparty],
		&ex.Version, &ex.UpdatedAt,
	)
	if err != nil {
		return domain.Exchange{}, err
	}
	ex.Initiator = common.BytesToAddress(initiator)
	if cp != nil {
		ex.Counterparty = common.BytesToAddress(cp)
	}
	if ex.Stake, err = parseAmount(stake); err != nil {
		return domain.Exchange{}, err
	}
	if ex.Status, err = domain.ParseExchangeStatus(status); err != nil {
		return domain.Exchange{}, err
	}
	ex.Ratings = [2]domain.Rating{domain.Rating(initRating), domain.Rating(cpRating)}
	return ex, nil
}

func scanExchangeRows(rows pgx.Rows) ([]domain.Exchange, error) {
	defer rows.Close()
	var out []domain.Exchange
	for rows.Next() {
		ex, err := scanExchangeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Create inserts ex and fills in its id and version.
func (s *ExchangeStore) Create(ctx context.Context, ex *domain.Exchange) error {
	const query = `
		INSERT INTO exchanges (
			initiator, counterparty, requirement, stake,
			initiator_content, counterparty_content,
			initiator_description, counterparty_description,
			status, created_at, match_deadline, rating_deadline,
			initiator_rating, counterparty_rating,
			initiator_key_grant, counterparty_key_grant,
			version, updated_at
		) VALUES (
			$1, $2, $3, $4::numeric,
			$5, $6,
			$7, $8,
			$9, $10, $11, $12,
			$13, $14,
			$15, $16,
			1, $17
		) RETURNING id`
	err := s.db.QueryRow(ctx, query,
		ex.Initiator.Bytes(), addrBytes(ex.Counterparty), ex.Requirement, ex.Stake.Dec(),
		ex.InitiatorContent, ex.CounterpartyContent,
		ex.InitiatorDescription, ex.CounterpartyDescription,
		string(ex.Status), ex.CreatedAt, ex.MatchDeadline, ex.RatingDeadline,
		int16(ex.Ratings[0]), int16(ex.Ratings[1]),
		ex.KeyGrants[0], ex.KeyGrants[1],
		ex.UpdatedAt,
	).Scan(&ex.ID)
	if err != nil {
		return fmt.Errorf("postgres: create exchange: %w", err)
	}
	ex.Version = 1
	return nil
}

func (s *ExchangeStore) Get(ctx context.Context, id int64) (domain.Exchange, error) {
	query := `SELECT ` + exchangeSelectCols + ` FROM exchanges WHERE id = $1`
	ex, err := scanExchangeRow(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Exchange{}, notFound(err, fmt.Sprintf("get exchange %d", id))
	}
	return ex, nil
}

// GetForUpdate locks the row until the surrounding transaction ends.
func (s *ExchangeStore) GetForUpdate(ctx context.Context, id int64) (domain.Exchange, error) {
	query := `SELECT ` + exchangeSelectCols + ` FROM exchanges WHERE id = $1 FOR UPDATE`
	ex, err := scanExchangeRow(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Exchange{}, notFound(err, fmt.Sprintf("lock exchange %d", id))
	}
	return ex, nil
}

// Update writes every mutable column if the row still has ex.Version.
func (s *ExchangeStore) Update(ctx context.Context, ex *domain.Exchange) error {
	const query = `
		UPDATE exchanges SET
			counterparty = $2,
			counterparty_content = $3,
			counterparty_description = $4,
			status = $5,
			rating_deadline = $6,
			initiator_rating = $7,
			counterparty_rating = $8,
			initiator_key_grant = $9,
			counterparty_key_grant = $10,
			updated_at = $11,
			version = version + 1
		WHERE id = $1 AND version = $12`
	tag, err := s.db.Exec(ctx, query,
		ex.ID,
		addrBytes(ex.Counterparty),
		ex.CounterpartyContent,
		ex.CounterpartyDescription,
		string(ex.Status),
		ex.RatingDeadline,
		int16(ex.Ratings[0]), int16(ex.Ratings[1]),
		ex.KeyGrants[0], ex.KeyGrants[1],
		ex.UpdatedAt,
		ex.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: update exchange %d: %w", ex.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update exchange %d at version %d: %w", ex.ID, ex.Version, domain.ErrConflict)
	}
	ex.Version++
	return nil
}

func (s *ExchangeStore) ListByStatus(ctx context.Context, status domain.ExchangeStatus, opts domain.ListOpts) ([]domain.Exchange, error) {
	q := newQuery(`SELECT `+exchangeSelectCols+` FROM exchanges WHERE status = $1`, string(status))
	q.window("created_at", "id ASC", opts)
	rows, err := s.db.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s exchanges: %w", status, err)
	}
	out, err := scanExchangeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s exchanges: %w", status, err)
	}
	return out, nil
}

func (s *ExchangeStore) ListByParticipant(ctx context.Context, who common.Address, opts domain.ListOpts) ([]domain.Exchange, error) {
	q := newQuery(`SELECT `+exchangeSelectCols+` FROM exchanges WHERE (initiator = $1 OR counterparty = $1)`, who.Bytes())
	q.window("created_at", "id ASC", opts)
	rows, err := s.db.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exchanges of %s: %w", who.Hex(), err)
	}
	out, err := scanExchangeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan exchanges of %s: %w", who.Hex(), err)
	}
	return out, nil
}

// ListDue orders by the deadline that applies to status.
func (s *ExchangeStore) ListDue(ctx context.Context, status domain.ExchangeStatus, cutoff time.Time, limit int) ([]domain.Exchange, error) {
	var col string
	switch status {
	case domain.ExchangeStatusPending:
		col = "match_deadline"
	case domain.ExchangeStatusAccepted:
		col = "rating_deadline"
	default:
		return nil, nil
	}
	query := `SELECT ` + exchangeSelectCols + ` FROM exchanges
		WHERE status = $1 AND ` + col + ` <= $2
		ORDER BY ` + col + ` ASC, id ASC`
	args := []any{string(status), cutoff}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due %s exchanges: %w", status, err)
	}
	out, err := scanExchangeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due %s exchanges: %w", status, err)
	}
	return out, nil
}

var _ domain.ExchangeStore = (*ExchangeStore)(nil)
