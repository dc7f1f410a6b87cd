package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// EventStore implements the append-only exchange event log. Data is stored
// as JSONB.
type EventStore struct {
	db dbtx
}

func (s *EventStore) Append(ctx context.Context, ev *domain.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("postgres: marshal event data: %w", err)
	}
	var exchangeID *int64
	if ev.ExchangeID != 0 {
		exchangeID = &ev.ExchangeID
	}
	const query = `
		INSERT INTO events (exchange_id, type, actor, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	if err := s.db.QueryRow(ctx, query,
		exchangeID, string(ev.Type), ev.Actor.Bytes(), data, ev.CreatedAt,
	).Scan(&ev.ID); err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.Type, err)
	}
	return nil
}

func (s *EventStore) ListByExchange(ctx context.Context, exchangeID int64, opts domain.ListOpts) ([]domain.Event, error) {
	q := newQuery(`SELECT id, exchange_id, type, actor, data, created_at FROM events WHERE exchange_id = $1`, exchangeID)
	q.window("created_at", "id ASC", opts)
	return s.list(ctx, q)
}

func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	q := newQuery(`SELECT id, exchange_id, type, actor, data, created_at FROM events WHERE 1=1`)
	q.window("created_at", "id ASC", opts)
	return s.list(ctx, q)
}

func (s *EventStore) list(ctx context.Context, q *queryBuilder) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		var (
			ev         domain.Event
			exchangeID *int64
			typ        string
			actor      []byte
			data       []byte
		)
		if err := row.Scan(&ev.ID, &exchangeID, &typ, &actor, &data, &ev.CreatedAt); err != nil {
			return domain.Event{}, err
		}
		if exchangeID != nil {
			ev.ExchangeID = *exchangeID
		}
		ev.Type = domain.EventType(typ)
		ev.Actor = common.BytesToAddress(actor)
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return domain.Event{}, fmt.Errorf("unmarshal event %d data: %w", ev.ID, err)
			}
		}
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return out, nil
}

var _ domain.EventStore = (*EventStore)(nil)
