package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// IdentityStore implements domain.IdentityStore.
type IdentityStore struct {
	db dbtx
}

// Remember upserts id, keeping the original first_seen.
func (s *IdentityStore) Remember(ctx context.Context, id domain.Identity) error {
	const query = `
		INSERT INTO identities (address, public_key, first_seen, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			last_seen = EXCLUDED.last_seen`
	if _, err := s.db.Exec(ctx, query, id.Address.Bytes(), id.PublicKey, id.FirstSeen, id.LastSeen); err != nil {
		return fmt.Errorf("postgres: remember identity %s: %w", id.Address.Hex(), err)
	}
	return nil
}

func (s *IdentityStore) Get(ctx context.Context, who common.Address) (domain.Identity, error) {
	id := domain.Identity{Address: who}
	err := s.db.QueryRow(ctx,
		`SELECT public_key, first_seen, last_seen FROM identities WHERE address = $1`, who.Bytes(),
	).Scan(&id.PublicKey, &id.FirstSeen, &id.LastSeen)
	if err != nil {
		return domain.Identity{}, notFound(err, "get identity "+who.Hex())
	}
	return id, nil
}

var _ domain.IdentityStore = (*IdentityStore)(nil)
