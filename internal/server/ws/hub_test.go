package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/store/memory"
)

func TestTopicsOf(t *testing.T) {
	bob := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	data, err := json.Marshal(domain.Event{
		ExchangeID: 7,
		Type:       domain.EventStakeReleased,
		Data:       map[string]any{"to": bob.Hex()},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		TopicAll,
		"exchange:7",
		"type:stake_released",
		"identity:" + strings.ToLower(bob.Hex()),
	}, topicsOf(data))

	assert.Equal(t, []string{TopicAll}, topicsOf([]byte("not json")))
}

func TestHubRelaysSubscribedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memory.NewSignalBus()
	hub := NewHub(bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "full"})
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topics=exchange:7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(first), `"hub_status"`)

	for _, id := range []int64{8, 7} {
		payload, err := json.Marshal(domain.Event{ExchangeID: id, Type: domain.EventExchangeMatched})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, domain.ChannelExchangeEvents, payload))
	}

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, int64(7), ev.ExchangeID, "events of other exchanges are filtered out")
	assert.Equal(t, 1, hub.clientCount())
}
