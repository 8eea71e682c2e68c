package cache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryCache_ExpiryIsSilent(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryCache(MemoryConfig{DefaultTTL: time.Minute, Now: clock.Now})

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(10 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "entry at its TTL boundary is expired")
	assert.Equal(t, 1, c.Len(), "expired entry evicted on read")

	clock.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_InvalidatePrefix(t *testing.T) {
	c := NewMemoryCache(MemoryConfig{})
	c.Set(DocKey("users", "1"), "u1", 0)
	c.Set(DocListKey("users", "all"), "list", 0)
	c.Set(DocListKey("users", "q1"), "q", 0)
	c.Set(DocListKey("follows", "all"), "other", 0)

	c.InvalidatePrefix(DocListPrefix("users"))

	_, ok := c.Get(DocKey("users", "1"))
	assert.True(t, ok)
	_, ok = c.Get(DocListKey("users", "all"))
	assert.False(t, ok)
	_, ok = c.Get(DocListKey("follows", "all"))
	assert.True(t, ok)

	c.Invalidate(DocKey("users", "1"))
	_, ok = c.Get(DocKey("users", "1"))
	assert.False(t, ok)
}

func TestLocalCache_RoutesBySize(t *testing.T) {
	ctx := context.Background()
	small, large := NewMapKV(), NewMapKV()
	lc := NewLocalCache(LocalCacheConfig{Small: small, Large: large, SmallMaxBytes: 128})
	defer lc.Close()

	require.NoError(t, lc.Set(ctx, "tiny", map[string]string{"url": "x"}, time.Hour))
	require.NoError(t, lc.Set(ctx, "big", strings.Repeat("z", 512), time.Hour))
	require.NoError(t, lc.Flush(ctx))

	assert.Equal(t, 1, small.Len())
	assert.Equal(t, 1, large.Len())

	var tiny map[string]string
	ok, err := lc.Get(ctx, "tiny", &tiny)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", tiny["url"])

	var big string
	ok, err = lc.Get(ctx, "big", &big)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, big, 512)
}

func TestLocalCache_GrowingValueMovesTier(t *testing.T) {
	ctx := context.Background()
	small, large := NewMapKV(), NewMapKV()
	lc := NewLocalCache(LocalCacheConfig{Small: small, Large: large, SmallMaxBytes: 128})
	defer lc.Close()

	require.NoError(t, lc.Set(ctx, "k", "short", time.Hour))
	require.NoError(t, lc.Set(ctx, "k", strings.Repeat("y", 300), time.Hour))
	require.NoError(t, lc.Flush(ctx))

	var v string
	ok, err := lc.Get(ctx, "k", &v)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, v, 300)
	assert.Equal(t, 0, small.Len())

	require.NoError(t, lc.Set(ctx, "k", "short again", time.Hour))
	require.NoError(t, lc.Flush(ctx))
	assert.Equal(t, 0, large.Len())
}

func TestLocalCache_ExpiryAndDelete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	lc := NewLocalCache(LocalCacheConfig{Now: clock.Now})
	defer lc.Close()

	require.NoError(t, lc.Set(ctx, "k", 42, time.Minute))
	has, err := lc.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, has)

	clock.Advance(time.Minute)
	has, err = lc.Has(ctx, "k")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, lc.Set(ctx, "big", strings.Repeat("q", 4096), time.Hour))
	require.NoError(t, lc.Delete(ctx, "big"))
	has, err = lc.Has(ctx, "big")
	require.NoError(t, err)
	assert.False(t, has, "delete is ordered after the pending async write")
}

func TestLocalCache_Clear(t *testing.T) {
	ctx := context.Background()
	lc := NewLocalCache(LocalCacheConfig{SmallMaxBytes: 64})
	defer lc.Close()

	require.NoError(t, lc.Set(ctx, "a", 1, 0))
	require.NoError(t, lc.Set(ctx, "b", strings.Repeat("b", 200), 0))
	require.NoError(t, lc.Clear(ctx))

	for _, k := range []string{"a", "b"} {
		has, err := lc.Has(ctx, k)
		require.NoError(t, err)
		assert.False(t, has, k)
	}
}

func TestLocalCache_ClosedRejectsWrites(t *testing.T) {
	lc := NewLocalCache(LocalCacheConfig{SmallMaxBytes: 16})
	require.NoError(t, lc.Close())
	err := lc.Set(context.Background(), "k", strings.Repeat("x", 64), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPebbleStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenPebble("cache", vfs.NewMem())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Set(ctx, "a", []byte("1")))
	require.NoError(t, store.Set(ctx, "b", []byte("2")))
	v, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	store := NewRedisStore(rdb, RedisLargePrefix())
	_, err = store.Get(ctx, "none")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Set(ctx, "a", []byte("x")))
	require.NoError(t, store.Set(ctx, "b", []byte("y")))
	require.NoError(t, rdb.Set(ctx, "unrelated", "keep", 0).Err())
	assert.True(t, mr.Exists(RedisLargePrefix()+"a"))

	require.NoError(t, store.Clear(ctx))
	assert.False(t, mr.Exists(RedisLargePrefix()+"a"))
	assert.False(t, mr.Exists(RedisLargePrefix()+"b"))
	assert.True(t, mr.Exists("unrelated"))
}

func TestLocalCache_PebbleAndRedisTiers(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	small, err := OpenPebble("lc", vfs.NewMem())
	require.NoError(t, err)
	defer small.Close()

	lc := NewLocalCache(LocalCacheConfig{
		Small:         small,
		Large:         NewRedisStore(rdb, RedisLargePrefix()),
		SmallMaxBytes: 256,
	})
	defer lc.Close()

	require.NoError(t, lc.Set(ctx, UploadKey("fp-small"), "https://cdn/x.jpg", time.Hour))
	require.NoError(t, lc.Set(ctx, UploadKey("fp-large"), strings.Repeat("d", 1024), time.Hour))
	require.NoError(t, lc.Flush(ctx))

	assert.True(t, mr.Exists(RedisLargePrefix()+UploadKey("fp-large")))
	assert.False(t, mr.Exists(RedisLargePrefix()+UploadKey("fp-small")))

	var url string
	ok, err := lc.Get(ctx, UploadKey("fp-small"), &url)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://cdn/x.jpg", url)
}
