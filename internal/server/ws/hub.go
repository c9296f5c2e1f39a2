package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256

	// allMarkets is the subscription every client starts with.
	allMarkets = "*"
)

// client is a single WebSocket connection and the markets it follows.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	markets map[string]bool
	mu      sync.RWMutex
}

// subscribeMsg changes the set of markets a client follows.
//
//	{"action":"subscribe","markets":["m-1","m-2"]}
//	{"action":"unsubscribe","markets":["*"]}
type subscribeMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
}

// Hub fans lifecycle events from the signal bus out to WebSocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.LifecycleEvent
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// Config carries what the hub reports to clients on connect and the origins
// allowed to upgrade. No origins allows all.
type Config struct {
	Mode           string
	AllowedOrigins []string
	StartedAt      time.Time
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.LifecycleEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || origins["*"] || origins[origin]
			},
		},
		logger:    logger.With(slog.String("component", "ws")),
		mode:      cfg.Mode,
		startedAt: startedAt,
	}
}

// Run subscribes to the lifecycle channel and serves clients until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	events, err := h.bus.Subscribe(ctx, domain.ChannelLifecycle)
	if err != nil {
		return err
	}
	go h.pump(ctx, events)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", slog.Int("total_clients", n))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.follows(ev.MarketID) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("dropping event for slow client", slog.String("type", ev.Type))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// pump decodes bus payloads and hands them to the run loop.
func (h *Hub) pump(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				h.logger.Warn("lifecycle subscription closed")
				return
			}
			var ev domain.LifecycleEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				h.logger.Warn("undecodable lifecycle event", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client. A ?market= query
// parameter narrows the initial subscription to one market.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		markets: map[string]bool{allMarkets: true},
	}
	if m := r.URL.Query().Get("market"); m != "" {
		c.markets = map[string]bool{m: true}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
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
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, m := range msg.Markets {
			c.markets[m] = true
		}
	case "unsubscribe":
		for _, m := range msg.Markets {
			delete(c.markets, m)
		}
	}
}

func (c *client) follows(marketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markets[allMarkets] || c.markets[marketID]
}

// sendHello tells the client the connection is live before any event flows.
func (c *client) sendHello() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"data": map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": max(uptime, 0),
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
