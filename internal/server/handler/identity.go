package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// IdentityService looks up public keys of identities that signed requests.
type IdentityService interface {
	Get(ctx context.Context, who common.Address) (domain.Identity, error)
}

// IdentityHandler serves public key lookups so clients can wrap content keys.
type IdentityHandler struct {
	identities IdentityService
	logger     *slog.Logger
}

func NewIdentityHandler(identities IdentityService, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{identities: identities, logger: logHandler(logger, "identity")}
}

type identityResponse struct {
	Address   common.Address `json:"address"`
	PublicKey hexutil.Bytes  `json:"public_key"`
	FirstSeen string         `json:"first_seen"`
	LastSeen  string         `json:"last_seen"`
}

// GetIdentity returns the public key of an identity.
// GET /api/identities/{address}
func (h *IdentityHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	who, err := pathAddress(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.identities.Get(r.Context(), who)
	if err != nil {
		writeServiceError(w, r, h.logger, "get identity", err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{
		Address:   id.Address,
		PublicKey: id.PublicKey,
		FirstSeen: id.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:  id.LastSeen.UTC().Format(time.RFC3339),
	})
}
