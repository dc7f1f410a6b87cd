package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// UserService defines the per-identity queries.
type UserService interface {
	UserExchanges(ctx context.Context, who common.Address, opts domain.ListOpts) ([]domain.ExchangeSummary, error)
	Reputation(ctx context.Context, who common.Address) (domain.Reputation, error)
	Balance(ctx context.Context, who common.Address) (*uint256.Int, error)
}

// UserHandler serves per-identity read endpoints.
type UserHandler struct {
	users  UserService
	logger *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users UserService, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logHandler(logger, "user")}
}

// ListExchanges returns every exchange the identity takes part in.
// GET /api/users/{address}/exchanges
func (h *UserHandler) ListExchanges(w http.ResponseWriter, r *http.Request) {
	who, err := pathAddress(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.users.UserExchanges(r.Context(), who, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list user exchanges", err)
		return
	}
	if list == nil {
		list = []domain.ExchangeSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": list})
}

// GetReputation returns the identity's score.
// GET /api/users/{address}/reputation
func (h *UserHandler) GetReputation(w http.ResponseWriter, r *http.Request) {
	who, err := pathAddress(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := h.users.Reputation(r.Context(), who)
	if err != nil {
		writeServiceError(w, r, h.logger, "get reputation", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetBalance returns the identity's free balance.
// GET /api/users/{address}/balance
func (h *UserHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	who, err := pathAddress(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.users.Balance(r.Context(), who)
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": who, "balance": bal.Dec()})
}
