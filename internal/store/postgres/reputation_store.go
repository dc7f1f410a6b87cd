package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// ReputationStore implements domain.ReputationStore.
type ReputationStore struct {
	db dbtx
}

func (s *ReputationStore) Get(ctx context.Context, who common.Address) (domain.Reputation, error) {
	rep := domain.Reputation{Identity: who}
	err := s.db.QueryRow(ctx,
		`SELECT score, last_updated FROM reputations WHERE identity = $1`, who.Bytes(),
	).Scan(&rep.Score, &rep.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return rep, nil
	}
	if err != nil {
		return domain.Reputation{}, fmt.Errorf("postgres: get reputation %s: %w", who.Hex(), err)
	}
	return rep, nil
}

// Apply adds delta with a single upsert.
func (s *ReputationStore) Apply(ctx context.Context, who common.Address, delta int64, at time.Time) (domain.Reputation, error) {
	const query = `
		INSERT INTO reputations (identity, score, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE SET
			score = reputations.score + EXCLUDED.score,
			last_updated = EXCLUDED.last_updated
		RETURNING score, last_updated`
	rep := domain.Reputation{Identity: who}
	if err := s.db.QueryRow(ctx, query, who.Bytes(), delta, at).Scan(&rep.Score, &rep.LastUpdated); err != nil {
		return domain.Reputation{}, fmt.Errorf("postgres: apply reputation %s: %w", who.Hex(), err)
	}
	return rep, nil
}

var _ domain.ReputationStore = (*ReputationStore)(nil)
