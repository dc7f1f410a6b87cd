package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
)

func pendingExchange(at time.Time) *domain.Exchange {
	return &domain.Exchange{
		Initiator:        alice,
		Requirement:      "notes",
		Stake:            uint256.NewInt(100),
		InitiatorContent: "blob",
		Status:           domain.ExchangeStatusPending,
		CreatedAt:        at,
		MatchDeadline:    at.Add(time.Hour),
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := New()
	require.NoError(t, repo.Stores().Ledger.Credit(ctx, alice, uint256.NewInt(500)))

	boom := errors.New("boom")
	err := repo.Atomic(ctx, func(ctx context.Context, tx domain.Stores) error {
		ex := pendingExchange(time.Unix(0, 0))
		require.NoError(t, tx.Exchanges.Create(ctx, ex))
		require.NoError(t, tx.Ledger.Lock(ctx, ex.ID, alice, ex.Stake))
		_, err := tx.Reputations.Apply(ctx, alice, 2, time.Unix(1, 0))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	s := repo.Stores()
	bal, err := s.Ledger.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), bal.Uint64())

	_, err = s.Exchanges.Get(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rep, err := s.Reputations.Get(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, rep.Score)
	assert.True(t, rep.LastUpdated.IsZero())
}

func TestExchangeIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New().Stores()
	for want := int64(1); want <= 3; want++ {
		ex := pendingExchange(time.Unix(0, 0))
		require.NoError(t, s.Exchanges.Create(ctx, ex))
		assert.Equal(t, want, ex.ID)
		assert.Equal(t, int64(1), ex.Version)
	}
}

func TestExchangeUpdateCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New().Stores()
	ex := pendingExchange(time.Unix(0, 0))
	require.NoError(t, s.Exchanges.Create(ctx, ex))

	first, err := s.Exchanges.Get(ctx, ex.ID)
	require.NoError(t, err)
	second := first.Clone()

	first.Requirement = "first"
	require.NoError(t, s.Exchanges.Update(ctx, &first))
	assert.Equal(t, int64(2), first.Version)

	second.Requirement = "second"
	err = s.Exchanges.Update(ctx, &second)
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := s.Exchanges.Get(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Requirement)
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	s := New().Stores()
	ex := pendingExchange(time.Unix(0, 0))
	require.NoError(t, s.Exchanges.Create(ctx, ex))

	got, err := s.Exchanges.Get(ctx, ex.ID)
	require.NoError(t, err)
	got.Stake.SetUint64(1)

	again, err := s.Exchanges.Get(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), again.Stake.Uint64())
}

func TestListDueOrdersByDeadline(t *testing.T) {
	ctx := context.Background()
	s := New().Stores()
	base := time.Unix(1000, 0)

	late := pendingExchange(base)
	late.MatchDeadline = base.Add(2 * time.Hour)
	early := pendingExchange(base)
	early.MatchDeadline = base.Add(time.Hour)
	future := pendingExchange(base)
	future.MatchDeadline = base.Add(10 * time.Hour)
	for _, ex := range []*domain.Exchange{late, early, future} {
		require.NoError(t, s.Exchanges.Create(ctx, ex))
	}

	due, err := s.Exchanges.ListDue(ctx, domain.ExchangeStatusPending, base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	due, err = s.Exchanges.ListDue(ctx, domain.ExchangeStatusAccepted, base.Add(100*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestListByParticipantAndPaging(t *testing.T) {
	ctx := context.Background()
	s := New().Stores()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Exchanges.Create(ctx, pendingExchange(time.Unix(int64(i), 0))))
	}

	page1, err := s.Exchanges.ListByParticipant(ctx, alice, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(1), page1[0].ID)

	page3, err := s.Exchanges.ListByParticipant(ctx, alice, domain.ListOpts{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, int64(5), page3[0].ID)

	none, err := s.Exchanges.ListByParticipant(ctx, bob, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCommitmentFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := New().Stores()

	require.NoError(t, s.Commitments.Put(ctx, domain.Commitment{ExchangeID: 1, Hash: common.Hash{1}, Committer: alice}))
	err := s.Commitments.Put(ctx, domain.Commitment{ExchangeID: 1, Hash: common.Hash{2}, Committer: bob})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := s.Commitments.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Committer)

	existed, err := s.Commitments.Delete(ctx, 1)
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Commitments.Delete(ctx, 1)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestLedgerLockAndRelease(t *testing.T) {
	ctx := context.Background()
	l := New().Stores().Ledger
	require.NoError(t, l.Credit(ctx, alice, uint256.NewInt(150)))

	require.NoError(t, l.Lock(ctx, 7, alice, uint256.NewInt(100)))
	err := l.Lock(ctx, 7, alice, uint256.NewInt(100))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	held, err := l.Escrowed(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), held.Uint64())

	require.NoError(t, l.Release(ctx, 7, bob, uint256.NewInt(100)))
	require.Error(t, l.Release(ctx, 7, bob, uint256.NewInt(1)))

	bal, err := l.Balance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal.Uint64())
	bal, err = l.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), bal.Uint64())
}

func TestFaucetClaimOnce(t *testing.T) {
	ctx := context.Background()
	l := New().Stores().Ledger
	require.NoError(t, l.MarkFaucetClaimed(ctx, alice, time.Unix(1, 0)))
	assert.ErrorIs(t, l.MarkFaucetClaimed(ctx, alice, time.Unix(2, 0)), domain.ErrAlreadyExists)
	assert.NoError(t, l.MarkFaucetClaimed(ctx, bob, time.Unix(2, 0)))
}

func TestEventsAppendAndFilter(t *testing.T) {
	ctx := context.Background()
	ev := New().Stores().Events
	for i, id := range []int64{1, 2, 1} {
		e := &domain.Event{ExchangeID: id, Type: domain.EventExchangeCreated, CreatedAt: time.Unix(int64(i), 0)}
		require.NoError(t, ev.Append(ctx, e))
		assert.Equal(t, int64(i+1), e.ID)
	}
	got, err := ev.ListByExchange(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(3), got[1].ID)
}

func TestIdentityKeepsFirstSeen(t *testing.T) {
	ctx := context.Background()
	ids := New().Stores().Identities
	require.NoError(t, ids.Remember(ctx, domain.Identity{Address: alice, PublicKey: []byte{4}, FirstSeen: time.Unix(1, 0), LastSeen: time.Unix(1, 0)}))
	require.NoError(t, ids.Remember(ctx, domain.Identity{Address: alice, PublicKey: []byte{4}, FirstSeen: time.Unix(5, 0), LastSeen: time.Unix(5, 0)}))

	got, err := ids.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1, 0), got.FirstSeen)
	assert.Equal(t, time.Unix(5, 0), got.LastSeen)

	_, err = ids.Get(ctx, bob)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockManagerLeases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	lm := NewLockManager(clk)

	unlock, err := lm.Acquire(ctx, "exchange:1", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "exchange:1", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "exchange:2", time.Second)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "exchange:1", time.Second)
	require.NoError(t, err)

	clk.Add(2 * time.Second)
	stolen, err := lm.Acquire(ctx, "exchange:1", time.Second)
	require.NoError(t, err)

	// The expired holder must not release the new lease.
	again()
	_, err = lm.Acquire(ctx, "exchange:1", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	stolen()
}

func TestSignalBusPubSubAndStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewSignalBus()

	ch, err := bus.Subscribe(ctx, "exchange_*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "exchange_events", []byte("hello")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("ignored")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}
	msgs, err := bus.StreamRead(ctx, "s", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, "s", msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Payload))

	fresh, err := bus.StreamRead(ctx, "s", "$", 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestBlobStore(t *testing.T) {
	ctx := context.Background()
	b := NewBlobStore()
	require.NoError(t, b.Put(ctx, "content/1/a", strings.NewReader("xyz"), "application/octet-stream"))

	ok, err := b.Exists(ctx, "content/1/a")
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := b.List(ctx, "content/1/")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, int64(3), infos[0].Size)

	_, err = b.Get(ctx, "content/2/a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	rl := NewRateLimiter(clk, 2, time.Minute)

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "ip:1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "ip:1", 2, time.Minute)
	assert.False(t, ok)
	ok, _ = rl.Allow(ctx, "ip:2", 2, time.Minute)
	assert.True(t, ok, "keys are independent")

	clk.Add(time.Minute + time.Second)
	ok, _ = rl.Allow(ctx, "ip:1", 2, time.Minute)
	assert.True(t, ok)
}

func TestSummaryCache(t *testing.T) {
	ctx := context.Background()
	c := NewSummaryCache()

	_, err := c.Get(ctx, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, c.Set(ctx, domain.ExchangeSummary{ID: 1, Status: domain.ExchangeStatusPending}))
	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusPending, got.Status)

	ok, err := c.SetIfAbsent(ctx, domain.ExchangeSummary{ID: 1, Status: domain.ExchangeStatusExpired})
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusPending, got.Status, "an existing entry is kept")

	require.NoError(t, c.Invalidate(ctx, 1))
	_, err = c.Get(ctx, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)

	ok, err = c.SetIfAbsent(ctx, domain.ExchangeSummary{ID: 1, Status: domain.ExchangeStatusExpired})
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusExpired, got.Status)
}
