package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oolio-pos/internal/domain/promotion"
)

type countingCatalog struct {
	defs    map[string]promotion.Definition
	lookups int
	err     error
}

func (c *countingCatalog) FindByCode(_ context.Context, code string) (*promotion.Definition, error) {
	c.lookups++
	if c.err != nil {
		return nil, c.err
	}
	def, ok := c.defs[code]
	if !ok {
		return nil, promotion.ErrInvalidCode
	}
	return &def, nil
}

func (c *countingCatalog) IncrementUses(_ context.Context, code string) error {
	def, ok := c.defs[code]
	if !ok {
		return promotion.ErrInvalidCode
	}
	def.Uses++
	c.defs[code] = def
	return nil
}

type lookupOnly struct{}

func (lookupOnly) FindByCode(context.Context, string) (*promotion.Definition, error) {
	return nil, promotion.ErrInvalidCode
}

func setupCache(t *testing.T, opts PromotionOptions) (*PromotionCache, *countingCatalog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	catalog := &countingCatalog{defs: map[string]promotion.Definition{
		"SAVE10": {Code: "SAVE10", Type: promotion.TypePercentage, Value: decimal.NewFromInt(10), MaxUses: 5},
	}}
	return NewPromotionCache(client, catalog, opts), catalog, mr
}

func TestPromotionCache_ReadThrough(t *testing.T) {
	cache, catalog, mr := setupCache(t, PromotionOptions{TTL: time.Minute})
	ctx := context.Background()

	def, err := cache.FindByCode(ctx, " save10 ")
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", def.Code)
	assert.True(t, decimal.NewFromInt(10).Equal(def.Value))
	assert.Equal(t, 1, catalog.lookups)
	assert.True(t, mr.Exists(promotionKey("SAVE10")))
	assert.Equal(t, time.Minute, mr.TTL(promotionKey("SAVE10")))

	def, err = cache.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", def.Code)
	assert.Equal(t, 1, catalog.lookups, "second lookup is served from redis")

	mr.FastForward(2 * time.Minute)
	_, err = cache.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.lookups)
}

func TestPromotionCache_Jitter(t *testing.T) {
	cache, _, mr := setupCache(t, PromotionOptions{TTL: time.Minute, Jitter: 30 * time.Second})

	_, err := cache.FindByCode(context.Background(), "SAVE10")
	require.NoError(t, err)

	ttl := mr.TTL(promotionKey("SAVE10"))
	assert.GreaterOrEqual(t, ttl, time.Minute)
	assert.Less(t, ttl, 90*time.Second)
}

func TestPromotionCache_UnknownCodeNotCached(t *testing.T) {
	cache, catalog, mr := setupCache(t, PromotionOptions{})
	ctx := context.Background()

	_, err := cache.FindByCode(ctx, "NOPE")
	require.ErrorIs(t, err, promotion.ErrInvalidCode)
	assert.False(t, mr.Exists(promotionKey("NOPE")))

	_, err = cache.FindByCode(ctx, "NOPE")
	require.ErrorIs(t, err, promotion.ErrInvalidCode)
	assert.Equal(t, 2, catalog.lookups)
}

func TestPromotionCache_IncrementInvalidates(t *testing.T) {
	cache, catalog, mr := setupCache(t, PromotionOptions{})
	ctx := context.Background()

	_, err := cache.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	require.NoError(t, cache.IncrementUses(ctx, "save10"))
	assert.False(t, mr.Exists(promotionKey("SAVE10")))

	def, err := cache.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Uses)
	assert.Equal(t, 2, catalog.lookups)
}

func TestPromotionCache_IncrementWithoutRecorder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewPromotionCache(client, lookupOnly{}, PromotionOptions{})
	require.NoError(t, cache.IncrementUses(context.Background(), "ANY"))
}

func TestPromotionCache_CorruptEntry(t *testing.T) {
	cache, catalog, mr := setupCache(t, PromotionOptions{})
	require.NoError(t, mr.Set(promotionKey("SAVE10"), "{not json"))

	def, err := cache.FindByCode(context.Background(), "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", def.Code)
	assert.Equal(t, 1, catalog.lookups)
}

type nilCatalog struct{}

func (nilCatalog) FindByCode(context.Context, string) (*promotion.Definition, error) {
	return nil, nil
}

func TestPromotionCache_NilDefinition(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewPromotionCache(client, nilCatalog{}, PromotionOptions{})
	ctx := context.Background()

	_, err := cache.FindByCode(ctx, "GHOST")
	require.ErrorIs(t, err, promotion.ErrInvalidCode)
	assert.False(t, mr.Exists(promotionKey("GHOST")), "nothing cached")

	// An empty entry left by an older writer is dropped, not served.
	require.NoError(t, mr.Set(promotionKey("GHOST"), "null"))
	_, err = cache.FindByCode(ctx, "GHOST")
	require.ErrorIs(t, err, promotion.ErrInvalidCode)
	assert.False(t, mr.Exists(promotionKey("GHOST")))
}

func TestPromotionCache_RedisDown(t *testing.T) {
	cache, catalog, mr := setupCache(t, PromotionOptions{})
	mr.Close()

	def, err := cache.FindByCode(context.Background(), "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", def.Code)
	assert.Equal(t, 1, catalog.lookups)
}

func TestPromotionCache_CatalogError(t *testing.T) {
	cache, catalog, _ := setupCache(t, PromotionOptions{})
	catalog.err = errors.New("connection refused")

	_, err := cache.FindByCode(context.Background(), "SAVE10")
	require.ErrorContains(t, err, "connection refused")
}

func TestPromotionCache_Invalidate(t *testing.T) {
	cache, _, mr := setupCache(t, PromotionOptions{})
	ctx := context.Background()

	_, err := cache.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "save10", "other"))
	assert.False(t, mr.Exists(promotionKey("SAVE10")))
	require.NoError(t, cache.Invalidate(ctx))
}
