package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ha1tch/storysync/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetSet(t *testing.T) {
	c := cache.NewMemoryCache(10, time.Minute)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrMiss)

	require.NoError(t, c.Set(ctx, "entities:story:1", []byte(`{"id":1}`), 0))
	val, err := c.Get(ctx, "entities:story:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(val))

	require.NoError(t, c.Delete(ctx, "entities:story:1"))
	_, err = c.Get(ctx, "entities:story:1")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestMemoryCache_DeletePrefix(t *testing.T) {
	c := cache.NewMemoryCache(10, time.Minute)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "g1:story", []byte("a"), 0))
	require.NoError(t, c.Set(ctx, "g1:theme", []byte("b"), 0))
	require.NoError(t, c.Set(ctx, "g2:story", []byte("c"), 0))

	require.NoError(t, c.DeletePrefix(ctx, "g1:"))
	assert.Equal(t, 1, c.Len())
	_, err := c.Get(ctx, "g2:story")
	assert.NoError(t, err)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := cache.NewMemoryCache(10, 10*time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	time.Sleep(30 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestMemoryCache_EvictsOldest(t *testing.T) {
	c := cache.NewMemoryCache(2, time.Minute)
	defer c.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, []byte(k), 0))
	}
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrMiss)
	assert.Equal(t, 2, c.Len())
}

func TestNew(t *testing.T) {
	c, err := cache.New("none", 0, time.Minute, "")
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), 0))
	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, cache.ErrMiss)

	_, err = cache.New("memcached", 0, time.Minute, "")
	assert.Error(t, err)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	c, err := cache.NewRedisCache(addr, time.Minute)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "storysync:test:k", []byte("v"), 0))
	val, err := c.Get(ctx, "storysync:test:k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(val))

	require.NoError(t, c.DeletePrefix(ctx, "storysync:test:"))
	_, err = c.Get(ctx, "storysync:test:k")
	assert.ErrorIs(t, err, cache.ErrMiss)
}
