package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeswap/internal/config"
	"github.com/alanyoungcy/stakeswap/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireMemoryBackends(t *testing.T) {
	cfg := config.Defaults()

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.Repository{}, deps.Repo)
	assert.IsType(t, &memory.LockManager{}, deps.Locks)
	assert.IsType(t, &memory.SignalBus{}, deps.Bus)
	assert.IsType(t, &memory.BlobStore{}, deps.Blobs)
	assert.Empty(t, deps.Health)
	assert.False(t, deps.Notifier.Enabled())
	assert.NotNil(t, deps.Metrics)
}

func TestWireNotifierSenders(t *testing.T) {
	cfg := config.Defaults()
	cfg.Notify.DiscordWebhookURL = "http://127.0.0.1:1/webhook"

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.True(t, deps.Notifier.Enabled())
}

func TestBuildServicesRejectsBadFaucet(t *testing.T) {
	cfg := config.Defaults()
	cfg.Exchange.FaucetAmount = "lots"

	a := New(&cfg, testLogger())
	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	_, err = a.buildServices(deps)
	assert.Error(t, err)
}

func TestRunUnsupportedMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trading"

	a := New(&cfg, testLogger())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}

func TestRunFullModeStopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Port = 0

	a := New(&cfg, testLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := a.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
