package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// touchInterval bounds how often LastSeen is written for an active signer.
const touchInterval = time.Minute

// IdentityService remembers the public keys recovered from signed requests
// so clients can wrap content keys to a counterparty.
type IdentityService struct {
	repo   domain.Repository
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	touched map[common.Address]time.Time
}

func NewIdentityService(repo domain.Repository, clk clock.Clock, logger *slog.Logger) *IdentityService {
	return &IdentityService{
		repo:    repo,
		clock:   clk,
		logger:  logger.With(slog.String("component", "identity_service")),
		touched: make(map[common.Address]time.Time),
	}
}

// Observe records that who signed a request with pubkey.
func (s *IdentityService) Observe(ctx context.Context, who common.Address, pubkey []byte) error {
	now := s.clock.Now()

	s.mu.Lock()
	last, ok := s.touched[who]
	if ok && now.Sub(last) < touchInterval {
		s.mu.Unlock()
		return nil
	}
	s.touched[who] = now
	s.mu.Unlock()

	ids := s.repo.Stores().Identities
	prev, err := ids.Get(ctx, who)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.InfoContext(ctx, "identity_service: new identity", slog.String("identity", who.Hex()))
	case err != nil:
		return fmt.Errorf("identity_service: get %s: %w", who.Hex(), err)
	case !bytes.Equal(prev.PublicKey, pubkey):
		return fmt.Errorf("identity_service: public key of %s changed", who.Hex())
	}

	if err := ids.Remember(ctx, domain.Identity{
		Address:   who,
		PublicKey: append([]byte(nil), pubkey...),
		FirstSeen: now,
		LastSeen:  now,
	}); err != nil {
		return fmt.Errorf("identity_service: remember %s: %w", who.Hex(), err)
	}
	return nil
}

// Get returns a known identity.
func (s *IdentityService) Get(ctx context.Context, who common.Address) (domain.Identity, error) {
	id, err := s.repo.Stores().Identities.Get(ctx, who)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Identity{}, domain.Reject("get_identity", 0, domain.ErrNotFound, "%s has never signed a request", who.Hex())
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity_service: get %s: %w", who.Hex(), err)
	}
	return id, nil
}
