package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

func TestSweeper_ClaimsDueExchanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, bob, carol)

	stale := h.create(t, alice, 10)
	rated := h.create(t, bob, 20)
	h.commitAndMatch(t, rated.ID, carol)
	_, err := h.svc.AcceptExchange(ctx, bob, rated.ID)
	require.NoError(t, err)
	_, err = h.svc.RateExchange(ctx, carol, rated.ID, 4)
	require.NoError(t, err)

	sw := NewSweeper(h.svc, h.repo, h.clock, h.metrics, SweeperConfig{
		Interval:      time.Minute,
		SkewTolerance: 30 * time.Second,
	}, testLogger())

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The rating deadline is long gone; the match deadline passed only
	// within the skew tolerance.
	h.clock.Add(matchWindow + 10*time.Second)
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.clock.Add(time.Minute)
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.svc.Summary(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusExpired, got.Status)

	got, err = h.svc.Summary(ctx, rated.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusCompleted, got.Status)
	assert.EqualValues(t, 1020, h.balance(t, carol), "the only rater takes the silent party's stake")

	assert.EqualValues(t, 1, h.score(t, bob))

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to claim")
}

func TestSweeper_RespectsBatchSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice)
	for i := 0; i < 3; i++ {
		h.create(t, alice, 1)
	}
	sw := NewSweeper(h.svc, h.repo, h.clock, nil, SweeperConfig{Interval: time.Minute, BatchSize: 2}, testLogger())

	h.clock.Add(matchWindow)
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1000, h.balance(t, alice))
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	sw := NewSweeper(h.svc, h.repo, h.clock, nil, SweeperConfig{Interval: time.Minute}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
