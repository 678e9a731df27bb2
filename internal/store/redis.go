package store

import (
	"PerpCore/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedReader wraps a primary Reader with a Redis read-through cache keyed by
// record address. The engine reads the primary directly; views read through
// the cache. Commits invalidate the written addresses via OnCommit.
type CachedReader struct {
	primary Reader
	rdb     *redis.Client
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewCachedReader creates a cached wrapper around a primary reader.
func NewCachedReader(primary Reader, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedReader {
	return &CachedReader{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger,
	}
}

// --- Read-through (check cache first) ---

func (c *CachedReader) LoadMarket(ctx context.Context) (*state.MarketState, error) {
	return readThrough(ctx, c, state.MarketAddress(), func() (*state.MarketState, error) {
		return c.primary.LoadMarket(ctx)
	})
}

func (c *CachedReader) LoadPriceFeed(ctx context.Context) (*state.PriceFeed, error) {
	return readThrough(ctx, c, state.PriceFeedAddress(), func() (*state.PriceFeed, error) {
		return c.primary.LoadPriceFeed(ctx)
	})
}

func (c *CachedReader) LoadVault(ctx context.Context, owner state.AccountID) (*state.Vault, error) {
	return readThrough(ctx, c, state.VaultAddress(owner), func() (*state.Vault, error) {
		return c.primary.LoadVault(ctx, owner)
	})
}

func (c *CachedReader) LoadPosition(ctx context.Context, owner state.AccountID, positionID uint64) (*state.Position, error) {
	return readThrough(ctx, c, state.PositionAddress(owner, positionID), func() (*state.Position, error) {
		return c.primary.LoadPosition(ctx, owner, positionID)
	})
}

// --- Passthrough (not cached) ---

func (c *CachedReader) ListPositions(ctx context.Context, owner state.AccountID) ([]*state.Position, error) {
	return c.primary.ListPositions(ctx, owner)
}

// OnCommit drops every address written by cs; the next read re-populates.
func (c *CachedReader) OnCommit(ctx context.Context, cs *ChangeSet) {
	recs := cs.Records()
	if len(recs) == 0 {
		return
	}
	keys := make([]string, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, recordKey(r.Address))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Int("keys", len(keys)).Msg("cache invalidation failed")
	}
}

// --- Cache helpers ---

func readThrough[T any](ctx context.Context, c *CachedReader, addr state.Address, load func() (*T, error)) (*T, error) {
	key := recordKey(addr)

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	} else if err != redis.Nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("cache read failed")
	}

	v, err := load()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(v); err == nil {
		c.rdb.Set(ctx, key, data, c.ttl)
	}
	return v, nil
}

func recordKey(a state.Address) string { return fmt.Sprintf("perpcore:record:%s", a) }
