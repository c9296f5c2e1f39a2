package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

const defaultMarketTTL = 30 * time.Second

// MarketCache is a read-through cache in front of a domain.MarketStore.
// Reads by id are served from Redis; every write goes to the store first and
// then drops the cached copy. Only Resolved and Canceled markets are cached:
// a read that loses a race with a write could otherwise put back a row the
// write already replaced. A Redis failure never fails the call.
//
// Key schema:
//
//	{prefix}:market:{id} - JSON-encoded domain.Market
type MarketCache struct {
	domain.MarketStore
	c      *Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewMarketCache wraps store. A zero ttl uses 30 seconds.
func NewMarketCache(c *Client, store domain.MarketStore, ttl time.Duration, logger *slog.Logger) *MarketCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketCache{
		MarketStore: store,
		c:           c,
		ttl:         ttl,
		logger:      logger.With(slog.String("component", "market_cache")),
	}
}

// GetByID returns the cached market or loads and caches it.
func (mc *MarketCache) GetByID(ctx context.Context, id string) (domain.Market, error) {
	key := mc.c.key("market", id)
	data, err := mc.c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var m domain.Market
		if jerr := json.Unmarshal(data, &m); jerr == nil {
			return m, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		mc.logger.WarnContext(ctx, "cache read failed", slog.String("market_id", id), slog.String("error", err.Error()))
	}

	m, err := mc.MarketStore.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	if cacheable(m) {
		mc.store(ctx, m)
	}
	return m, nil
}

// Transition forwards to the store and invalidates the cached copy.
func (mc *MarketCache) Transition(ctx context.Context, t domain.StatusTransition) (domain.Market, error) {
	m, err := mc.MarketStore.Transition(ctx, t)
	mc.Invalidate(ctx, t.MarketID)
	return m, err
}

// UpdateFlags forwards to the store and invalidates the cached copy.
func (mc *MarketCache) UpdateFlags(ctx context.Context, id string, f domain.FlagUpdate) (domain.Market, error) {
	m, err := mc.MarketStore.UpdateFlags(ctx, id, f)
	mc.Invalidate(ctx, id)
	return m, err
}

// AdminOverride forwards to the store and invalidates the cached copy.
func (mc *MarketCache) AdminOverride(ctx context.Context, id string, to domain.MarketStatus, actor, reason string) (domain.Market, error) {
	m, err := mc.MarketStore.AdminOverride(ctx, id, to, actor, reason)
	mc.Invalidate(ctx, id)
	return m, err
}

// Invalidate drops a market from the cache.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) {
	if err := mc.c.rdb.Del(ctx, mc.c.key("market", id)).Err(); err != nil {
		mc.logger.WarnContext(ctx, "cache invalidate failed", slog.String("market_id", id), slog.String("error", err.Error()))
	}
}

// cacheable reports whether m has stopped changing. Admin overrides can
// still reopen one; they invalidate after writing.
func cacheable(m domain.Market) bool {
	return m.Status.Terminal()
}

func (mc *MarketCache) store(ctx context.Context, m domain.Market) {
	data, err := json.Marshal(m)
	if err != nil {
		mc.logger.WarnContext(ctx, "cache encode failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
		return
	}
	if err := mc.c.rdb.Set(ctx, mc.c.key("market", m.ID), data, mc.ttl).Err(); err != nil {
		mc.logger.WarnContext(ctx, "cache write failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
	}
}

var _ domain.MarketStore = (*MarketCache)(nil)
