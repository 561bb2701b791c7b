// Package cache keeps a short-lived Redis copy of stock views for read
// endpoints. Stock mutations invalidate the cached entry of their game.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fcg/games/internal/notify"
	"github.com/fcg/games/internal/stock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LoadFunc reads a stock view from the ledger.
type LoadFunc func(ctx context.Context) (*stock.View, error)

// StockCache is a cache-aside store of stock views keyed by game id.
type StockCache struct {
	client redis.Cmdable
	ttl    time.Duration
	log    *zap.Logger
	group  singleflight.Group
}

// entry keeps Recorded, which the view does not serialize.
type entry struct {
	View     stock.View `json:"view"`
	Recorded bool       `json:"recorded"`
}

// New creates a stock cache on client.
func New(client redis.Cmdable, ttl time.Duration, log *zap.Logger) *StockCache {
	return &StockCache{client: client, ttl: ttl, log: log}
}

// Key returns the cache key of a game's stock.
func Key(gameID int64) string {
	return fmt.Sprintf("games:stock:%d", gameID)
}

// Get returns the cached view of gameID, calling load on a miss. Concurrent
// misses of the same game share one load. Redis failures fall back to load.
func (c *StockCache) Get(ctx context.Context, gameID int64, load LoadFunc) (*stock.View, error) {
	key := Key(gameID)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e entry
		if err := json.Unmarshal(raw, &e); err == nil {
			view := e.View
			view.Recorded = e.Recorded
			return &view, nil
		}
		c.log.Warn("Discarding unreadable stock cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("Stock cache unavailable", zap.String("key", key), zap.Error(err))
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// The shared load serves every waiting caller, so the first caller
		// going away must not cancel it. It publishes into its own scope;
		// rejections are republished to every caller below.
		loadCtx, _ := notify.NewContext(context.WithoutCancel(ctx))
		view, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.store(loadCtx, key, view)
		return view, nil
	})
	if err != nil {
		var r *notify.Rejection
		if errors.As(err, &r) {
			notify.Publish(ctx, r.Code, r.Message)
		}
		return nil, err
	}

	view := *v.(*stock.View)
	return &view, nil
}

func (c *StockCache) store(ctx context.Context, key string, view *stock.View) {
	payload, err := json.Marshal(entry{View: *view, Recorded: view.Recorded})
	if err != nil {
		c.log.Warn("Failed to encode stock cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.log.Warn("Failed to write stock cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the cached view of gameID.
func (c *StockCache) Invalidate(ctx context.Context, gameID int64) error {
	return c.client.Del(ctx, Key(gameID)).Err()
}

// OnStockChanged is a stock.ChangeHook that invalidates the game's entry.
func (c *StockCache) OnStockChanged(ctx context.Context, gameID int64) {
	if err := c.Invalidate(ctx, gameID); err != nil {
		c.log.Warn("Failed to invalidate stock cache", zap.Int64("game_id", gameID), zap.Error(err))
	}
}

// Ping checks the Redis connection.
func (c *StockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Loader is the uncached source of stock views.
type Loader interface {
	GetStockByGameID(ctx context.Context, gameID int64) (*stock.View, error)
}

// Reader serves stock views through the cache when one is configured.
type Reader struct {
	cache  *StockCache
	loader Loader
}

// NewReader wraps loader with cache. A nil cache reads the loader directly.
func NewReader(cache *StockCache, loader Loader) *Reader {
	return &Reader{cache: cache, loader: loader}
}

// GetStockByGameID returns the stock view of gameID.
func (r *Reader) GetStockByGameID(ctx context.Context, gameID int64) (*stock.View, error) {
	if r.cache == nil {
		return r.loader.GetStockByGameID(ctx, gameID)
	}
	return r.cache.Get(ctx, gameID, func(ctx context.Context) (*stock.View, error) {
		return r.loader.GetStockByGameID(ctx, gameID)
	})
}
