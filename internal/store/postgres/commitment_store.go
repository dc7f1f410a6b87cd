package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// CommitmentStore implements the commitment registry. The primary key on
// exchange_id enforces first-writer-wins.
type CommitmentStore struct {
	db dbtx
}

func (s *CommitmentStore) Put(ctx context.Context, c domain.Commitment) error {
	const query = `
		INSERT INTO commitments (exchange_id, hash, committer, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (exchange_id) DO NOTHING`
	tag, err := s.db.Exec(ctx, query, c.ExchangeID, c.Hash.Bytes(), c.Committer.Bytes(), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put commitment %d: %w", c.ExchangeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: commitment %d: %w", c.ExchangeID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *CommitmentStore) Get(ctx context.Context, exchangeID int64) (domain.Commitment, error) {
	const query = `SELECT exchange_id, hash, committer, created_at FROM commitments WHERE exchange_id = $1`
	var (
		c               domain.Commitment
		hash, committer []byte
	)
	err := s.db.QueryRow(ctx, query, exchangeID).Scan(&c.ExchangeID, &hash, &committer, &c.CreatedAt)
	if err != nil {
		return domain.Commitment{}, notFound(err, fmt.Sprintf("get commitment %d", exchangeID))
	}
	c.Hash = common.BytesToHash(hash)
	c.Committer = common.BytesToAddress(committer)
	return c, nil
}

func (s *CommitmentStore) Delete(ctx context.Context, exchangeID int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM commitments WHERE exchange_id = $1`, exchangeID)
	if err != nil {
		return false, fmt.Errorf("postgres: delete commitment %d: %w", exchangeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

var _ domain.CommitmentStore = (*CommitmentStore)(nil)
