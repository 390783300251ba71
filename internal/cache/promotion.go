// Package cache provides Redis-backed read-through caches.
package cache

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/promotion"
)

const promotionKeyPrefix = "pos:promotion:"

var (
	_ promotion.Catalog       = (*PromotionCache)(nil)
	_ promotion.UsageRecorder = (*PromotionCache)(nil)
)

// PromotionOptions configures a PromotionCache.
type PromotionOptions struct {
	Logger *zap.Logger
	// TTL is the base lifetime of a cached definition.
	TTL time.Duration
	// Jitter is the upper bound of a random extra lifetime added to TTL.
	Jitter time.Duration
}

func (o *PromotionOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
}

// PromotionCache caches promotion definitions of an underlying catalog in
// Redis. Redis failures are logged and fall through to the catalog.
type PromotionCache struct {
	client  redis.Cmdable
	catalog promotion.Catalog
	opts    PromotionOptions
}

// NewPromotionCache wraps catalog with a Redis read-through cache.
func NewPromotionCache(client redis.Cmdable, catalog promotion.Catalog, opts PromotionOptions) *PromotionCache {
	opts.setDefaults()
	return &PromotionCache{client: client, catalog: catalog, opts: opts}
}

// FindByCode returns the cached definition for code, loading it from the
// catalog on a miss. Unknown codes are not cached.
func (c *PromotionCache) FindByCode(ctx context.Context, code string) (*promotion.Definition, error) {
	code = promotion.NormalizeCode(code)
	key := promotionKey(code)
	lg := c.opts.Logger.With(zap.String("code", code))

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var def promotion.Definition
		if err := json.Unmarshal(data, &def); err == nil && def.Code != "" {
			return &def, nil
		}
		lg.Warn("Dropping corrupt cache entry")
		c.del(ctx, key)
	case !errors.Is(err, redis.Nil):
		lg.Warn("Promotion cache read failed", zap.Error(err))
	}

	def, err := c.catalog.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, promotion.ErrInvalidCode
	}

	if data, err := json.Marshal(def); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl()).Err(); err != nil {
			lg.Warn("Promotion cache write failed", zap.Error(err))
		}
	}
	return def, nil
}

// IncrementUses records a use in the catalog and drops the cached entry so
// the next lookup sees the new counter. Catalogs that do not count uses are
// left alone.
func (c *PromotionCache) IncrementUses(ctx context.Context, code string) error {
	rec, ok := c.catalog.(promotion.UsageRecorder)
	if !ok {
		return nil
	}
	code = promotion.NormalizeCode(code)
	if err := rec.IncrementUses(ctx, code); err != nil {
		return err
	}
	c.del(ctx, promotionKey(code))
	return nil
}

// Invalidate drops the cached entries of codes.
func (c *PromotionCache) Invalidate(ctx context.Context, codes ...string) error {
	if len(codes) == 0 {
		return nil
	}
	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = promotionKey(promotion.NormalizeCode(code))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "invalidate promotions")
	}
	return nil
}

func (c *PromotionCache) del(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.opts.Logger.Warn("Promotion cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *PromotionCache) ttl() time.Duration {
	if c.opts.Jitter <= 0 {
		return c.opts.TTL
	}
	return c.opts.TTL + rand.N(c.opts.Jitter)
}

func promotionKey(code string) string {
	return promotionKeyPrefix + code
}
