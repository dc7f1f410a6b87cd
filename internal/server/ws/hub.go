// Package ws relays exchange events from the signal bus to WebSocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/stakeswap/internal/domain"
	"github.com/alanyoungcy/stakeswap/internal/metrics"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256
)

// TopicAll matches every event.
const TopicAll = "all"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are left to the CORS allow-list in front of the hub.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is sent by clients to change their topics. Topics are
// "all", "exchange:<id>", "type:<event type>" and "identity:<address>"; a
// trailing '*' matches by prefix.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// broadcastMsg carries an event and the topics it is routed under.
type broadcastMsg struct {
	topics []string
	data   []byte
}

// Config captures metadata reported to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub fans exchange events out to connected clients.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	metrics    *metrics.Metrics
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// NewHub creates a hub reading from bus. m may be nil.
func NewHub(bus domain.SignalBus, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		metrics:    m,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Run subscribes to the exchange event channel and serves registrations
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgCh, err := h.bus.Subscribe(ctx, domain.ChannelExchangeEvents)
	if err != nil {
		return fmt.Errorf("ws: subscribe %s: %w", domain.ChannelExchangeEvents, err)
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", domain.ChannelExchangeEvents))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.metrics.WSClients(0)
			return ctx.Err()

		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed")
				msgCh = nil
				continue
			}
			h.deliver(broadcastMsg{topics: topicsOf(data), data: data})

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.WSClients(n)
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.WSClients(n)
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))
		}
	}
}

func (h *Hub) deliver(msg broadcastMsg) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(msg.topics) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// topicsOf derives the routing topics of an encoded domain.Event.
func topicsOf(data []byte) []string {
	topics := []string{TopicAll}
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return topics
	}
	if ev.ExchangeID > 0 {
		topics = append(topics, fmt.Sprintf("exchange:%d", ev.ExchangeID))
	}
	if ev.Type != "" {
		topics = append(topics, "type:"+string(ev.Type))
	}
	seen := map[string]bool{}
	addIdentity := func(s string) {
		s = strings.ToLower(s)
		if s == "" || s == "0x0000000000000000000000000000000000000000" || seen[s] {
			return
		}
		seen[s] = true
		topics = append(topics, "identity:"+s)
	}
	addIdentity(ev.Actor.Hex())
	for _, key := range []string{"identity", "to", "from", "rater", "counterparty"} {
		if v, ok := ev.Data[key].(string); ok {
			addIdentity(v)
		}
	}
	return topics
}

// HandleWS upgrades the request and registers the client.
// GET /ws?topics=exchange:1,type:exchange_completed
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	initial := r.URL.Query().Get("topics")
	if initial == "" {
		c.subs[TopicAll] = true
	}
	for _, t := range strings.Split(initial, ",") {
		if t = normaliseTopic(t); t != "" {
			c.subs[t] = true
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendInitialStatus()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func normaliseTopic(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range msg.Topics {
		t = normaliseTopic(t)
		if t == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs[t] = true
		case "unsubscribe":
			delete(c.subs, t)
		}
	}
}

// sendInitialStatus lets clients mark the connection healthy before any
// event flows.
func (c *client) sendInitialStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	c.mu.RLock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.mu.RUnlock()

	msg, err := json.Marshal(map[string]any{
		"type": "hub_status",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": uptime,
			"topics":         topics,
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// matches reports whether any of topics is subscribed, honouring trailing
// '*' wildcards.
func (c *client) matches(topics []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, topic := range topics {
		if c.subs[topic] {
			return true
		}
		for sub := range c.subs {
			if strings.HasSuffix(sub, "*") && strings.HasPrefix(topic, strings.TrimSuffix(sub, "*")) {
				return true
			}
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
