package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FaucetService credits initial tokens.
type FaucetService interface {
	ClaimInitialTokens(ctx context.Context, caller common.Address) (*uint256.Int, error)
}

// LedgerHandler serves the faucet.
type LedgerHandler struct {
	faucet FaucetService
	logger *slog.Logger
}

func NewLedgerHandler(faucet FaucetService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{faucet: faucet, logger: logHandler(logger, "ledger")}
}

// ClaimFaucet credits the caller once.
// POST /api/ledger/faucet
func (h *LedgerHandler) ClaimFaucet(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	bal, err := h.faucet.ClaimInitialTokens(r.Context(), caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim faucet", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": caller, "balance": bal.Dec()})
}
