package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/service"
)

// ExchangeService defines the methods that the exchange handler requires
// from the service layer.
type ExchangeService interface {
	CreateExchange(ctx context.Context, caller common.Address, req service.CreateExchangeRequest) (domain.Exchange, error)
	CommitToMatch(ctx context.Context, caller common.Address, id int64, hash common.Hash) (domain.Exchange, error)
	MatchExchange(ctx context.Context, caller common.Address, id int64, req service.MatchRequest) (domain.Exchange, error)
	AcceptExchange(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error)
	DeclineExchange(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error)
	RateExchange(ctx context.Context, caller common.Address, id int64, rating domain.Rating) (domain.Exchange, error)
	ClaimExpired(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error)
	ClaimAfterRatingDeadline(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error)
	GrantContentKey(ctx context.Context, caller common.Address, id int64, wrapped []byte) (domain.Exchange, error)

	ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.ExchangeSummary, error)
	Summary(ctx context.Context, id int64) (domain.ExchangeSummary, error)
	Detail(ctx context.Context, id int64) (domain.ExchangeDetail, error)
	Content(ctx context.Context, caller common.Address, id int64) (domain.ExchangeContent, error)
	Events(ctx context.Context, id int64, opts domain.ListOpts) ([]domain.Event, error)
}

// ExchangeHandler serves the exchange lifecycle endpoints.
type ExchangeHandler struct {
	exchanges ExchangeService
	logger    *slog.Logger
}

// NewExchangeHandler creates an ExchangeHandler.
func NewExchangeHandler(exchanges ExchangeService, logger *slog.Logger) *ExchangeHandler {
	return &ExchangeHandler{exchanges: exchanges, logger: logHandler(logger, "exchange")}
}

// exchangeResponse is returned by every state-changing endpoint.
type exchangeResponse struct {
	Exchange domain.ExchangeSummary `json:"exchange"`
	Detail   domain.ExchangeDetail  `json:"detail"`
}

func respond(ex domain.Exchange) exchangeResponse {
	return exchangeResponse{Exchange: ex.Summary(), Detail: ex.Detail()}
}

type createRequest struct {
	Content     string `json:"content"`
	Description string `json:"description"`
	Requirement string `json:"requirement"`
	Stake       string `json:"stake"` // decimal, smallest unit
}

type commitRequest struct {
	Hash common.Hash `json:"hash"`
}

type matchRequest struct {
	Content     string `json:"content"`
	Description string `json:"description"`
	Secret      string `json:"secret"`
}

type rateRequest struct {
	Rating int `json:"rating"`
}

type grantRequest struct {
	WrappedKey hexutil.Bytes `json:"wrapped_key"`
}

// Create opens a new exchange for the caller.
// POST /api/exchanges
func (h *ExchangeHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	stake, err := uint256.FromDecimal(strings.TrimSpace(req.Stake))
	if err != nil {
		writeError(w, http.StatusBadRequest, "stake must be a decimal integer")
		return
	}
	ex, err := h.exchanges.CreateExchange(r.Context(), caller, service.CreateExchangeRequest{
		Content:     req.Content,
		Description: req.Description,
		Requirement: req.Requirement,
		Stake:       stake,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create exchange", err)
		return
	}
	writeJSON(w, http.StatusCreated, respond(ex))
}

// ListOpen returns Pending exchanges.
// GET /api/exchanges/open?limit=50&offset=0
func (h *ExchangeHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	list, err := h.exchanges.ListOpen(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list exchanges", err)
		return
	}
	if list == nil {
		list = []domain.ExchangeSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": list})
}

// Get returns the public summary.
// GET /api/exchanges/{id}
func (h *ExchangeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := h.exchanges.Summary(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get exchange", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetDetail returns descriptions and ratings.
// GET /api/exchanges/{id}/detail
func (h *ExchangeHandler) GetDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.exchanges.Detail(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get exchange detail", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetContent returns content references and key grants to participants.
// GET /api/exchanges/{id}/content
func (h *ExchangeHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.exchanges.Content(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get exchange content", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListEvents returns the exchange's event history.
// GET /api/exchanges/{id}/events
func (h *ExchangeHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := h.exchanges.Events(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// Commit records the caller's commitment hash.
// POST /api/exchanges/{id}/commit
func (h *ExchangeHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	h.act(w, r, &req, "commit", func(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error) {
		if req.Hash == (common.Hash{}) {
			return domain.Exchange{}, domain.Reject(service.OpCommit, id, domain.ErrInvalidArgument, "hash is required")
		}
		return h.exchanges.CommitToMatch(ctx, caller, id, req.Hash)
	})
}

// Match reveals the secret and attaches the caller as counterparty.
// POST /api/exchanges/{id}/match
func (h *ExchangeHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	h.act(w, r, &req, "match", func(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error) {
		secret, err := crypto.ParseSecret(req.Secret)
		if err != nil {
			return domain.Exchange{}, domain.Reject(service.OpMatch, id, domain.ErrInvalidArgument, "%v", err)
		}
		return h.exchanges.MatchExchange(ctx, caller, id, service.MatchRequest{
			Content:     req.Content,
			Description: req.Description,
			Secret:      secret,
		})
	})
}

// Accept opens the rating window.
// POST /api/exchanges/{id}/accept
func (h *ExchangeHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, nil, "accept", h.exchanges.AcceptExchange)
}

// Decline returns the exchange to Pending.
// POST /api/exchanges/{id}/decline
func (h *ExchangeHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, nil, "decline", h.exchanges.DeclineExchange)
}

// Rate fills the caller's rating slot.
// POST /api/exchanges/{id}/rate
func (h *ExchangeHandler) Rate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	h.act(w, r, &req, "rate", func(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error) {
		if req.Rating < 0 || req.Rating > 255 {
			return domain.Exchange{}, domain.Reject(service.OpRate, id, domain.ErrInvalidArgument, "rating %d out of range", req.Rating)
		}
		return h.exchanges.RateExchange(ctx, caller, id, domain.Rating(req.Rating))
	})
}

// ClaimExpired expires an unmatched exchange past its deadline.
// POST /api/exchanges/{id}/claim-expired
func (h *ExchangeHandler) ClaimExpired(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, nil, "claim expired", h.exchanges.ClaimExpired)
}

// ClaimRating settles an accepted exchange past its rating deadline.
// POST /api/exchanges/{id}/claim-rating
func (h *ExchangeHandler) ClaimRating(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, nil, "claim after rating deadline", h.exchanges.ClaimAfterRatingDeadline)
}

// GrantKey stores the caller's content key wrapped to the other party.
// POST /api/exchanges/{id}/keys
func (h *ExchangeHandler) GrantKey(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	h.act(w, r, &req, "grant content key", func(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error) {
		return h.exchanges.GrantContentKey(ctx, caller, id, req.WrappedKey)
	})
}

// act runs a state-changing operation on the {id} exchange. When body is
// non-nil the request JSON is decoded into it first.
func (h *ExchangeHandler) act(w http.ResponseWriter, r *http.Request, body any, action string,
	fn func(ctx context.Context, caller common.Address, id int64) (domain.Exchange, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body != nil {
		if err := decodeBody(r, body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	ex, err := fn(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, r, h.logger, action, err)
		return
	}
	writeJSON(w, http.StatusOK, respond(ex))
}
