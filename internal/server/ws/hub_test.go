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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/cache/local"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])
	return conn
}

func publish(t *testing.T, bus domain.SignalBus, ev domain.LifecycleEvent) {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), domain.ChannelLifecycle, raw))
}

func TestHub_ForwardsLifecycleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := local.NewBus(16)
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "api"})
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dial(t, srv, "")
	only := dial(t, srv, "?market=m2")

	publish(t, bus, domain.LifecycleEvent{Type: domain.EventMarketDisputable, MarketID: "m1", Status: "disputable"})
	publish(t, bus, domain.LifecycleEvent{Type: domain.EventMarketDisputable, MarketID: "m2", Status: "disputable"})

	var got domain.LifecycleEvent
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "m1", got.MarketID)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "m2", got.MarketID)

	require.NoError(t, only.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, only.ReadJSON(&got))
	assert.Equal(t, "m2", got.MarketID)
	assert.Equal(t, "disputable", got.Status)
}

func TestClient_SubscriptionMessages(t *testing.T) {
	c := &client{markets: map[string]bool{allMarkets: true}}
	assert.True(t, c.follows("any"))

	c.apply(subscribeMsg{Action: "unsubscribe", Markets: []string{allMarkets}})
	c.apply(subscribeMsg{Action: "subscribe", Markets: []string{"m1"}})
	assert.True(t, c.follows("m1"))
	assert.False(t, c.follows("m2"))
}
