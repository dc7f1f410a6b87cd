package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/metrics"
	"github.com/alanyoungcy/stakeswap/internal/server"
	"github.com/alanyoungcy/stakeswap/internal/server/handler"
	"github.com/alanyoungcy/stakeswap/internal/server/middleware"
	"github.com/alanyoungcy/stakeswap/internal/service"
	"github.com/alanyoungcy/stakeswap/internal/store/memory"
)

type testEnv struct {
	url   string
	clock *clock.Mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))

	repo := memory.New()
	m := metrics.New()
	svc := service.NewExchangeService(repo, memory.NewLockManager(clk), memory.NewSignalBus(), memory.NewSummaryCache(), clk, m,
		service.ExchangeConfig{
			MatchWindow:       7 * 24 * time.Hour,
			RatingWindow:      3 * 24 * time.Hour,
			LockTTL:           10 * time.Second,
			LockWait:          100 * time.Millisecond,
			MaxDescriptionLen: 256,
			MaxContentLen:     1024,
			FaucetAmount:      uint256.NewInt(500),
		}, logger)
	ids := service.NewIdentityService(repo, clk, logger)
	vault := service.NewContentVault(memory.NewBlobStore(), 4096, logger)

	srv := server.NewServer(server.Config{
		Signature: middleware.SignatureConfig{Window: time.Minute, Clock: clk},
	}, server.Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Exchanges:  handler.NewExchangeHandler(svc, logger),
		Users:      handler.NewUserHandler(svc, logger),
		Ledger:     handler.NewLedgerHandler(svc, logger),
		Identities: handler.NewIdentityHandler(ids, logger),
		Blobs:      handler.NewBlobHandler(vault, 4096, logger),
	}, server.Deps{
		Replay:     service.NewReplayGuard(2*time.Minute, clk),
		Identities: ids,
		Metrics:    m,
	}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{url: ts.URL, clock: clk}
}

// client returns a client for a fresh identity. Every signed request moves
// the shared clock forward a second so repeated calls are not replays.
func (e *testEnv) client(t *testing.T) *Client {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := New(e.url, crypto.NewSigner(pk), nil)
	c.now = func() time.Time {
		e.clock.Add(time.Second)
		return e.clock.Now()
	}
	return c
}

func TestClientExchangeLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	alice, bob := e.client(t), e.client(t)

	for _, c := range []*Client{alice, bob} {
		bal, err := c.ClaimFaucet(ctx)
		require.NoError(t, err)
		assert.Equal(t, "500", bal.Dec())
	}

	created, err := alice.CreateExchange(ctx, "blob:aa", "dataset", "a model checkpoint", uint256.NewInt(200))
	require.NoError(t, err)
	id := created.Exchange.ID
	assert.Equal(t, domain.ExchangeStatusPending, created.Exchange.Status)
	assert.Equal(t, alice.Address(), created.Exchange.Initiator)

	open, err := New(e.url, nil, nil).ListOpen(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].ID)

	secret, err := crypto.NewSecret()
	require.NoError(t, err)
	_, err = bob.Commit(ctx, id, crypto.CommitmentHash(id, bob.Address(), secret))
	require.NoError(t, err)

	matched, err := bob.Match(ctx, id, "blob:bb", "checkpoint", secret)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusMatched, matched.Exchange.Status)
	assert.Equal(t, "checkpoint", matched.Detail.CounterpartyDescription)

	content, err := alice.Content(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "blob:bb", content.CounterpartyContent)

	_, err = alice.Accept(ctx, id)
	require.NoError(t, err)
	_, err = alice.Rate(ctx, id, 5)
	require.NoError(t, err)
	done, err := bob.Rate(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusCompleted, done.Exchange.Status)

	bal, err := alice.Balance(ctx, alice.Address())
	require.NoError(t, err)
	assert.Equal(t, "500", bal.Dec())

	rep, err := alice.Reputation(ctx, bob.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Score)

	evs, err := alice.Events(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	assert.NotEmpty(t, evs)

	ident, err := bob.Identity(ctx, alice.Address())
	require.NoError(t, err)
	assert.Equal(t, alice.Address(), ident.Address)
	assert.Len(t, ident.PublicKey, 65)
}

func TestClientRejectionsUnwrapToDomainErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	alice := e.client(t)

	_, err := alice.Accept(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = alice.CreateExchange(ctx, "blob:aa", "d", "r", uint256.NewInt(10))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = New(e.url, nil, nil).ClaimFaucet(ctx)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = alice.ClaimFaucet(ctx)
	require.NoError(t, err)
	_, err = alice.ClaimFaucet(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.False(t, IsRetryable(err))
}

func TestClientBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	alice := e.client(t)

	envelope, _, err := crypto.SealContent([]byte("weights"))
	require.NoError(t, err)
	ref, err := alice.UploadBlob(ctx, envelope)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := alice.DownloadBlob(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, envelope, got)
}

func TestCheckHTTPStatusPlainBody(t *testing.T) {
	err := checkHTTPStatus(http.StatusBadGateway, []byte("upstream down\n"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Nil(t, apiErr.Unwrap())
	assert.NoError(t, checkHTTPStatus(http.StatusNoContent, nil))
}
