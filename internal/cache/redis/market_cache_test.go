package redis

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/store/memory"
)

// commandLog answers every command locally and records its name. GET always
// misses.
type commandLog struct {
	mu   sync.Mutex
	cmds []string
}

func (h *commandLog) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *commandLog) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *commandLog) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		h.cmds = append(h.cmds, cmd.Name())
		h.mu.Unlock()
		if cmd.Name() == "get" {
			cmd.SetErr(redis.Nil)
			return redis.Nil
		}
		return nil
	}
}

func (h *commandLog) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.cmds {
		if c == name {
			n++
		}
	}
	return n
}

func TestMarketCacheOnlyStoresTerminalMarkets(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	hook := &commandLog{}
	rdb.AddHook(hook)

	markets := memory.NewMarketStore()
	require.NoError(t, markets.Create(ctx, domain.Market{ID: "open"}))
	require.NoError(t, markets.Create(ctx, domain.Market{ID: "done", Status: domain.MarketStatusResolved}))
	mc := NewMarketCache(Wrap(rdb, "resolver"), markets, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	m, err := mc.GetByID(ctx, "open")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
	assert.Zero(t, hook.count("set"), "a live market must not be cached")

	_, err = mc.GetByID(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, 1, hook.count("set"))

	_, err = mc.Transition(ctx, domain.StatusTransition{MarketID: "open", From: domain.MarketStatusActive, To: domain.MarketStatusDisputable})
	require.NoError(t, err)
	assert.Equal(t, 1, hook.count("del"))
}

func TestCacheable(t *testing.T) {
	for status, want := range map[domain.MarketStatus]bool{
		domain.MarketStatusActive:       false,
		domain.MarketStatusDisputable:   false,
		domain.MarketStatusPendingFinal: false,
		domain.MarketStatusResolved:     true,
		domain.MarketStatusCanceled:     true,
	} {
		assert.Equal(t, want, cacheable(domain.Market{Status: status}), status)
	}
}
