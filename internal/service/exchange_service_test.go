package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeswap/internal/crypto"
	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/metrics"
	"github.com/alanyoungcy/stakeswap/internal/store/memory"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca401")
)

const (
	matchWindow  = 7 * 24 * time.Hour
	ratingWindow = 3 * 24 * time.Hour
)

type harness struct {
	svc     *ExchangeService
	repo    *memory.Repository
	bus     *memory.SignalBus
	clock   *clock.Mock
	metrics *metrics.Metrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := memory.New()
	bus := memory.NewSignalBus()
	m := metrics.New()
	svc := NewExchangeService(repo, memory.NewLockManager(clk), bus, nil, clk, m, ExchangeConfig{
		MatchWindow:       matchWindow,
		RatingWindow:      ratingWindow,
		LockTTL:           10 * time.Second,
		LockWait:          100 * time.Millisecond,
		MaxDescriptionLen: 256,
		MaxContentLen:     1024,
		FaucetAmount:      uint256.NewInt(1000),
	}, testLogger())
	return &harness{svc: svc, repo: repo, bus: bus, clock: clk, metrics: m}
}

func (h *harness) fund(t *testing.T, who ...common.Address) {
	t.Helper()
	for _, w := range who {
		_, err := h.svc.ClaimInitialTokens(context.Background(), w)
		require.NoError(t, err)
	}
}

func (h *harness) balance(t *testing.T, who common.Address) uint64 {
	t.Helper()
	b, err := h.svc.Balance(context.Background(), who)
	require.NoError(t, err)
	return b.Uint64()
}

func (h *harness) score(t *testing.T, who common.Address) int64 {
	t.Helper()
	r, err := h.svc.Reputation(context.Background(), who)
	require.NoError(t, err)
	return r.Score
}

func (h *harness) listedOpen(t *testing.T, id int64) bool {
	t.Helper()
	open, err := h.svc.ListOpen(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	for _, sum := range open {
		if sum.ID == id {
			return true
		}
	}
	return false
}

func (h *harness) create(t *testing.T, who common.Address, stake uint64) domain.Exchange {
	t.Helper()
	ex, err := h.svc.CreateExchange(context.Background(), who, CreateExchangeRequest{
		Content:     "ipfs://initiator",
		Description: "a dataset",
		Requirement: "a matching dataset",
		Stake:       uint256.NewInt(stake),
	})
	require.NoError(t, err)
	return ex
}

func (h *harness) commitAndMatch(t *testing.T, id int64, who common.Address) domain.Exchange {
	t.Helper()
	ctx := context.Background()
	secret, err := crypto.NewSecret()
	require.NoError(t, err)
	_, err = h.svc.CommitToMatch(ctx, who, id, crypto.CommitmentHash(id, who, secret))
	require.NoError(t, err)
	ex, err := h.svc.MatchExchange(ctx, who, id, MatchRequest{
		Content:     "ipfs://counterparty",
		Description: "the other dataset",
		Secret:      secret,
	})
	require.NoError(t, err)
	return ex
}

func (h *harness) escrow(t *testing.T, id int64) uint64 {
	t.Helper()
	e, err := h.repo.Stores().Ledger.Escrowed(context.Background(), id)
	require.NoError(t, err)
	return e.Uint64()
}

func TestExchange_MutualRating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob)

	ex := h.create(t, alice, 100)
	assert.Equal(t, domain.ExchangeStatusPending, ex.Status)
	assert.Equal(t, h.clock.Now().Add(matchWindow), ex.MatchDeadline)
	assert.EqualValues(t, 900, h.balance(t, alice))
	assert.EqualValues(t, 100, h.escrow(t, ex.ID))

	ex = h.commitAndMatch(t, ex.ID, bob)
	assert.Equal(t, domain.ExchangeStatusMatched, ex.Status)
	assert.Equal(t, bob, ex.Counterparty)
	assert.EqualValues(t, 900, h.balance(t, bob))
	assert.EqualValues(t, 200, h.escrow(t, ex.ID))

	ex, err := h.svc.AcceptExchange(ctx, alice, ex.ID)
	require.NoError(t, err)
	require.NotNil(t, ex.RatingDeadline)
	assert.Equal(t, h.clock.Now().Add(ratingWindow), *ex.RatingDeadline)

	ex, err = h.svc.RateExchange(ctx, alice, ex.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusAccepted, ex.Status)

	ex, err = h.svc.RateExchange(ctx, bob, ex.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusCompleted, ex.Status)

	assert.EqualValues(t, 1000, h.balance(t, alice))
	assert.EqualValues(t, 1000, h.balance(t, bob))
	assert.Zero(t, h.escrow(t, ex.ID))
	assert.EqualValues(t, 1, h.score(t, alice), "alice received a 4")
	assert.EqualValues(t, 2, h.score(t, bob), "bob received a 5")

	evs, err := h.svc.Events(ctx, ex.ID, domain.ListOpts{})
	require.NoError(t, err)
	types := make([]domain.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, domain.EventExchangeCreated)
	assert.Contains(t, types, domain.EventExchangeMatched)
	assert.Contains(t, types, domain.EventExchangeCompleted)
	assert.Equal(t, domain.EventExchangeCompleted, types[len(types)-1])
}

func TestExchange_ExpiryRefundsInitiator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice)
	ex := h.create(t, alice, 250)

	_, err := h.svc.ClaimExpired(ctx, carol, ex.ID)
	require.ErrorIs(t, err, domain.ErrDeadlineViolation)

	h.clock.Add(matchWindow)
	ex, err = h.svc.ClaimExpired(ctx, carol, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusExpired, ex.Status)
	assert.EqualValues(t, 1000, h.balance(t, alice))
	assert.Zero(t, h.escrow(t, ex.ID))
	assert.Zero(t, h.score(t, alice))

	_, err = h.svc.ClaimExpired(ctx, carol, ex.ID)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation)
}

func TestExchange_ExpiryDropsStaleCommitment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice)
	ex := h.create(t, alice, 10)

	_, err := h.svc.CommitToMatch(ctx, bob, ex.ID, common.HexToHash("0x01"))
	require.NoError(t, err)

	h.clock.Add(matchWindow + time.Second)
	_, err = h.svc.ClaimExpired(ctx, alice, ex.ID)
	require.NoError(t, err)

	_, err = h.repo.Stores().Commitments.Get(ctx, ex.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExchange_CommitReveal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob, carol)
	ex := h.create(t, alice, 100)

	secret, err := crypto.NewSecret()
	require.NoError(t, err)

	t.Run("no commitment", func(t *testing.T) {
		_, err := h.svc.MatchExchange(ctx, bob, ex.ID, MatchRequest{Content: "x", Secret: secret})
		require.ErrorIs(t, err, domain.ErrCommitmentMismatch)
	})

	_, err = h.svc.CommitToMatch(ctx, bob, ex.ID, crypto.CommitmentHash(ex.ID, bob, secret))
	require.NoError(t, err)

	t.Run("second commitment rejected", func(t *testing.T) {
		_, err := h.svc.CommitToMatch(ctx, carol, ex.ID, common.HexToHash("0xbeef"))
		require.ErrorIs(t, err, domain.ErrPreconditionViolation)
	})

	t.Run("initiator cannot commit", func(t *testing.T) {
		_, err := h.svc.CommitToMatch(ctx, alice, ex.ID, common.HexToHash("0xbeef"))
		require.ErrorIs(t, err, domain.ErrPreconditionViolation)
	})

	t.Run("wrong secret", func(t *testing.T) {
		var wrong crypto.Secret
		wrong[0] = 1
		_, err := h.svc.MatchExchange(ctx, bob, ex.ID, MatchRequest{Content: "x", Secret: wrong})
		require.ErrorIs(t, err, domain.ErrCommitmentMismatch)
	})

	t.Run("front-runner with the revealed secret", func(t *testing.T) {
		_, err := h.svc.MatchExchange(ctx, carol, ex.ID, MatchRequest{Content: "x", Secret: secret})
		require.ErrorIs(t, err, domain.ErrCommitmentMismatch)
		assert.EqualValues(t, 1000, h.balance(t, carol))
	})

	got, err := h.svc.MatchExchange(ctx, bob, ex.ID, MatchRequest{Content: "ipfs://b", Secret: secret})
	require.NoError(t, err)
	assert.Equal(t, bob, got.Counterparty)

	_, err = h.repo.Stores().Commitments.Get(ctx, ex.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "commitment is consumed by the match")
}

func TestExchange_MatchAfterDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob)
	ex := h.create(t, alice, 100)

	secret, err := crypto.NewSecret()
	require.NoError(t, err)
	_, err = h.svc.CommitToMatch(ctx, bob, ex.ID, crypto.CommitmentHash(ex.ID, bob, secret))
	require.NoError(t, err)

	h.clock.Add(matchWindow)
	_, err = h.svc.MatchExchange(ctx, bob, ex.ID, MatchRequest{Content: "x", Secret: secret})
	require.ErrorIs(t, err, domain.ErrDeadlineViolation)
	assert.EqualValues(t, 1000, h.balance(t, bob))
}

func TestExchange_OneSidedRatingForfeitsStake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob)
	ex := h.create(t, alice, 100)
	h.commitAndMatch(t, ex.ID, bob)
	_, err := h.svc.AcceptExchange(ctx, alice, ex.ID)
	require.NoError(t, err)

	_, err = h.svc.RateExchange(ctx, alice, ex.ID, 1)
	require.NoError(t, err)

	_, err = h.svc.ClaimAfterRatingDeadline(ctx, carol, ex.ID)
	require.ErrorIs(t, err, domain.ErrDeadlineViolation)

	h.clock.Add(ratingWindow)
	got, err := h.svc.ClaimAfterRatingDeadline(ctx, carol, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusCompleted, got.Status)

	assert.EqualValues(t, 1100, h.balance(t, alice))
	assert.EqualValues(t, 900, h.balance(t, bob))
	assert.Zero(t, h.escrow(t, ex.ID))
	assert.Zero(t, h.score(t, alice), "the rater received no rating")
	assert.EqualValues(t, -2, h.score(t, bob))
}

func TestExchange_NoRatingsReturnsStakes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob)
	ex := h.create(t, alice, 100)
	h.commitAndMatch(t, ex.ID, bob)
	_, err := h.svc.AcceptExchange(ctx, alice, ex.ID)
	require.NoError(t, err)

	h.clock.Add(ratingWindow + time.Minute)
	_, err = h.svc.ClaimAfterRatingDeadline(ctx, common.Address{}, ex.ID)
	require.NoError(t, err)

	assert.EqualValues(t, 1000, h.balance(t, alice))
	assert.EqualValues(t, 1000, h.balance(t, bob))
	assert.Zero(t, h.score(t, alice))
	assert.Zero(t, h.score(t, bob))

	_, err = h.svc.RateExchange(ctx, alice, ex.ID, 5)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation)
}

func TestExchange_DeclineReopens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob, carol)
	ex := h.create(t, alice, 100)
	deadline := ex.MatchDeadline
	assert.True(t, h.listedOpen(t, ex.ID), "listed once created")
	h.commitAndMatch(t, ex.ID, bob)
	assert.False(t, h.listedOpen(t, ex.ID), "not listed while matched")

	_, err := h.svc.DeclineExchange(ctx, bob, ex.ID)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation, "only the initiator declines")

	h.clock.Add(time.Hour)
	got, err := h.svc.DeclineExchange(ctx, alice, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusPending, got.Status)
	assert.Equal(t, common.Address{}, got.Counterparty)
	assert.Empty(t, got.CounterpartyContent)
	assert.Equal(t, deadline, got.MatchDeadline)
	assert.EqualValues(t, 1000, h.balance(t, bob))
	assert.EqualValues(t, 100, h.escrow(t, ex.ID))
	assert.True(t, h.listedOpen(t, ex.ID), "listed again after decline")

	got = h.commitAndMatch(t, ex.ID, carol)
	assert.Equal(t, carol, got.Counterparty)
}

// fillHookCache runs beforeFill once when a reader fills a miss, standing in
// for a transition that commits between the reader's load and its fill.
type fillHookCache struct {
	*memory.SummaryCache
	beforeFill func()
}

func (c *fillHookCache) SetIfAbsent(ctx context.Context, s domain.ExchangeSummary) (bool, error) {
	if hook := c.beforeFill; hook != nil {
		c.beforeFill = nil
		hook()
	}
	return c.SummaryCache.SetIfAbsent(ctx, s)
}

func TestExchange_SummaryFillKeepsNewerTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice)
	ex := h.create(t, alice, 100)
	h.clock.Add(matchWindow)

	cache := &fillHookCache{SummaryCache: memory.NewSummaryCache()}
	h.svc.cache = cache
	cache.beforeFill = func() {
		_, err := h.svc.ClaimExpired(ctx, alice, ex.ID)
		require.NoError(t, err)
	}

	got, err := h.svc.Summary(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusPending, got.Status, "the reader saw the state before the claim")

	cached, err := cache.Get(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusExpired, cached.Status)

	got, err = h.svc.Summary(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusExpired, got.Status)
}

func TestExchange_RatingGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob)
	ex := h.create(t, alice, 100)

	_, err := h.svc.RateExchange(ctx, alice, ex.ID, 3)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation, "not accepted yet")

	h.commitAndMatch(t, ex.ID, bob)
	_, err = h.svc.AcceptExchange(ctx, bob, ex.ID)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation)
	_, err = h.svc.AcceptExchange(ctx, alice, ex.ID)
	require.NoError(t, err)

	for _, r := range []domain.Rating{0, 6, 200} {
		_, err = h.svc.RateExchange(ctx, alice, ex.ID, r)
		require.ErrorIs(t, err, domain.ErrPreconditionViolation, "rating %d", r)
	}
	_, err = h.svc.RateExchange(ctx, carol, ex.ID, 3)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation)

	_, err = h.svc.RateExchange(ctx, alice, ex.ID, 3)
	require.NoError(t, err)
	_, err = h.svc.RateExchange(ctx, alice, ex.ID, 4)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation, "rating is write-once")

	detail, err := h.svc.Detail(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Rating(3), detail.Ratings[domain.PartyInitiator])
}

func TestExchange_CreateRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateExchange(ctx, alice, CreateExchangeRequest{Content: "x", Stake: uint256.NewInt(1)})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	open, err := h.svc.ListOpen(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, open, "a rejected create leaves no exchange behind")

	h.fund(t, alice)
	cases := map[string]CreateExchangeRequest{
		"zero stake":    {Content: "x", Stake: uint256.NewInt(0)},
		"nil stake":     {Content: "x"},
		"empty content": {Stake: uint256.NewInt(1)},
		"long content":  {Content: string(make([]byte, 2048)), Stake: uint256.NewInt(1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.CreateExchange(ctx, alice, req)
			require.ErrorIs(t, err, domain.ErrPreconditionViolation)
		})
	}
	assert.EqualValues(t, 1000, h.balance(t, alice))
}

func TestExchange_NotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.AcceptExchange(ctx, alice, 42)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.Summary(ctx, 42)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "not_found", domain.RejectionKind(err))
}

func TestExchange_ContentAccessAndKeyGrants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob)
	ex := h.create(t, alice, 100)

	_, err := h.svc.Content(ctx, alice, ex.ID)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation, "no content before a match")

	h.commitAndMatch(t, ex.ID, bob)
	_, err = h.svc.Content(ctx, carol, ex.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	bobKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	bobSigner := crypto.NewSigner(bobKey)

	envelope, contentKey, err := crypto.SealContent([]byte("the secret link"))
	require.NoError(t, err)
	wrapped, err := crypto.WrapKey(contentKey, bobSigner.PublicKey())
	require.NoError(t, err)

	_, err = h.svc.GrantContentKey(ctx, carol, ex.ID, wrapped)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation)
	_, err = h.svc.GrantContentKey(ctx, alice, ex.ID, wrapped)
	require.NoError(t, err)
	_, err = h.svc.GrantContentKey(ctx, alice, ex.ID, wrapped)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation, "one grant per party")

	content, err := h.svc.Content(ctx, bob, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://initiator", content.InitiatorContent)
	assert.Equal(t, "ipfs://counterparty", content.CounterpartyContent)

	key, err := crypto.UnwrapKey(content.InitiatorKeyGrant, bobKey)
	require.NoError(t, err)
	plain, err := crypto.OpenContent(envelope, key)
	require.NoError(t, err)
	assert.Equal(t, "the secret link", string(plain))

	got, err := h.svc.DeclineExchange(ctx, alice, ex.ID)
	require.NoError(t, err)
	assert.Nil(t, got.KeyGrants[domain.PartyInitiator], "decline discards grants")
}

func TestExchange_PublishesEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, domain.ChannelExchangeEvents)
	require.NoError(t, err)

	h.fund(t, alice)
	h.create(t, alice, 5)

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case msg := <-sub:
			var ev domain.Event
			require.NoError(t, json.Unmarshal(msg, &ev))
			seen[string(ev.Type)] = true
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.True(t, seen[string(domain.EventFaucetClaimed)])
	assert.True(t, seen[string(domain.EventExchangeCreated)])

	entries, err := h.bus.StreamRead(ctx, domain.StreamExchangeEvents, "0", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFaucet_OncePerIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bal, err := h.svc.ClaimInitialTokens(ctx, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, bal.Uint64())

	_, err = h.svc.ClaimInitialTokens(ctx, alice)
	require.ErrorIs(t, err, domain.ErrPreconditionViolation)
	assert.EqualValues(t, 1000, h.balance(t, alice))
}

// TestExchange_RandomOperationsConserveStake drives random operation
// sequences and checks that no credits are created or destroyed and every
// stored exchange stays well formed.
func TestExchange_RandomOperationsConserveStake(t *testing.T) {
	users := []common.Address{alice, bob, carol}
	for seed := int64(1); seed <= 5; seed++ {
		h := newHarness(t)
		ctx := context.Background()
		rng := rand.New(rand.NewSource(seed))
		h.fund(t, users...)
		total := uint64(1000 * len(users))
		secrets := map[int64]crypto.Secret{}
		var ids []int64

		pick := func() common.Address { return users[rng.Intn(len(users))] }
		pickID := func() int64 {
			if len(ids) == 0 {
				return 1
			}
			return ids[rng.Intn(len(ids))]
		}

		for step := 0; step < 300; step++ {
			switch rng.Intn(9) {
			case 0:
				ex, err := h.svc.CreateExchange(ctx, pick(), CreateExchangeRequest{
					Content: "c", Stake: uint256.NewInt(uint64(rng.Intn(400) + 1)),
				})
				if err == nil {
					ids = append(ids, ex.ID)
				}
			case 1:
				id, who := pickID(), pick()
				s, err := crypto.NewSecret()
				require.NoError(t, err)
				if _, err := h.svc.CommitToMatch(ctx, who, id, crypto.CommitmentHash(id, who, s)); err == nil {
					secrets[id] = s
				}
			case 2:
				id := pickID()
				_, _ = h.svc.MatchExchange(ctx, pick(), id, MatchRequest{Content: "m", Secret: secrets[id]})
			case 3:
				_, _ = h.svc.AcceptExchange(ctx, pick(), pickID())
			case 4:
				_, _ = h.svc.DeclineExchange(ctx, pick(), pickID())
			case 5:
				_, _ = h.svc.RateExchange(ctx, pick(), pickID(), domain.Rating(rng.Intn(7)))
			case 6:
				_, _ = h.svc.ClaimExpired(ctx, pick(), pickID())
			case 7:
				_, _ = h.svc.ClaimAfterRatingDeadline(ctx, pick(), pickID())
			case 8:
				h.clock.Add(time.Duration(rng.Intn(48)) * time.Hour)
			}

			sum := uint64(0)
			for _, u := range users {
				sum += h.balance(t, u)
			}
			for _, id := range ids {
				ex, err := h.repo.Stores().Exchanges.Get(ctx, id)
				require.NoError(t, err)
				require.NoError(t, ex.Validate())
				esc := h.escrow(t, id)
				if ex.Status.Terminal() {
					require.Zero(t, esc, "terminal exchange %d holds funds", id)
				}
				sum += esc
			}
			require.Equal(t, total, sum, "seed %d step %d", seed, step)
		}
	}
}

func TestExchange_TerminalIsFinal(t *testing.T) {
	tests := []struct {
		name   string
		status domain.ExchangeStatus
		reach  func(t *testing.T, h *harness, id int64)
	}{
		{
			name:   "expired",
			status: domain.ExchangeStatusExpired,
			reach: func(t *testing.T, h *harness, id int64) {
				h.clock.Add(matchWindow)
				_, err := h.svc.ClaimExpired(context.Background(), alice, id)
				require.NoError(t, err)
			},
		},
		{
			name:   "completed",
			status: domain.ExchangeStatusCompleted,
			reach: func(t *testing.T, h *harness, id int64) {
				ctx := context.Background()
				h.commitAndMatch(t, id, bob)
				_, err := h.svc.AcceptExchange(ctx, alice, id)
				require.NoError(t, err)
				_, err = h.svc.RateExchange(ctx, alice, id, 5)
				require.NoError(t, err)
				_, err = h.svc.RateExchange(ctx, bob, id, 4)
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.fund(t, alice, bob, carol)
			ex := h.create(t, alice, 100)
			tt.reach(t, h, ex.ID)

			before, err := h.repo.Stores().Exchanges.Get(ctx, ex.ID)
			require.NoError(t, err)
			require.Equal(t, tt.status, before.Status)
			balances := []uint64{h.balance(t, alice), h.balance(t, bob), h.balance(t, carol)}
			scores := []int64{h.score(t, alice), h.score(t, bob)}

			secret, err := crypto.NewSecret()
			require.NoError(t, err)
			ops := []func() error{
				func() error {
					_, err := h.svc.CommitToMatch(ctx, carol, ex.ID, crypto.CommitmentHash(ex.ID, carol, secret))
					return err
				},
				func() error {
					_, err := h.svc.MatchExchange(ctx, carol, ex.ID, MatchRequest{Content: "ipfs://late", Secret: secret})
					return err
				},
				func() error { _, err := h.svc.AcceptExchange(ctx, alice, ex.ID); return err },
				func() error { _, err := h.svc.DeclineExchange(ctx, alice, ex.ID); return err },
				func() error { _, err := h.svc.RateExchange(ctx, alice, ex.ID, 5); return err },
				func() error { _, err := h.svc.RateExchange(ctx, bob, ex.ID, 5); return err },
				func() error { _, err := h.svc.ClaimExpired(ctx, alice, ex.ID); return err },
				func() error { _, err := h.svc.ClaimAfterRatingDeadline(ctx, bob, ex.ID); return err },
				func() error { _, err := h.svc.GrantContentKey(ctx, alice, ex.ID, []byte{1}); return err },
			}
			h.clock.Add(matchWindow + ratingWindow)
			for i, op := range ops {
				require.ErrorIs(t, op(), domain.ErrPreconditionViolation, "op %d", i)
			}

			after, err := h.repo.Stores().Exchanges.Get(ctx, ex.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, balances, []uint64{h.balance(t, alice), h.balance(t, bob), h.balance(t, carol)})
			assert.Equal(t, scores, []int64{h.score(t, alice), h.score(t, bob)})
			assert.Zero(t, h.escrow(t, ex.ID))
		})
	}
}
