package cache

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetWithCachedStoresAndReuses(t *testing.T) {
	t.Parallel()
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}
	load := func() (int, error) {
		return GetWithCached(ctx, c, "q:1", time.Minute, time.Second,
			func(v int) bool { return v == 0 },
			strconv.Itoa,
			strconv.Atoi,
			fetch)
	}

	for i := 0; i < 3; i++ {
		v, err := load()
		if err != nil || v != 42 {
			t.Fatalf("load %d: v=%d err=%v", i, v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
	if got, _ := mr.Get("q:1"); got != "42" {
		t.Fatalf("unexpected cached payload %q", got)
	}
}

func TestGetWithCachedCachesEmpty(t *testing.T) {
	t.Parallel()
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	v, err := GetWithCached(ctx, c, "q:missing", time.Minute, time.Minute,
		func(v *string) bool { return v == nil },
		func(v *string) string { return *v },
		func(s string) (*string, error) { return &s, nil },
		func(context.Context) (*string, error) { return nil, nil })
	if err != nil || v != nil {
		t.Fatalf("expected empty result, got %v err=%v", v, err)
	}
	if got, _ := mr.Get("q:missing"); got != NullCacheValue {
		t.Fatalf("expected null marker, got %q", got)
	}
}

func TestGetWithCachedPropagatesFetchError(t *testing.T) {
	t.Parallel()
	c, mr := newTestRedisCache(t)
	boom := errors.New("db down")
	_, err := GetWithCached(context.Background(), c, "q:err", time.Minute, time.Minute,
		func(v int) bool { return v == 0 },
		strconv.Itoa,
		strconv.Atoi,
		func(context.Context) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if mr.Exists("q:err") {
		t.Fatalf("errors must not be cached")
	}
}

func TestJitterTTLBounds(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		got := JitterTTL(time.Minute)
		if got > time.Minute || got < 54*time.Second {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}

func TestRedisCacheKeyPrefix(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithConfig(&RedisConfig{Addr: mr.Addr(), KeyPrefix: "cc:"})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	if err := c.Set(ctx, "question:q1", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("cc:question:q1") {
		t.Fatalf("expected prefixed key, keys=%v", mr.Keys())
	}
	if v, _ := c.Get(ctx, "question:q1"); v != "v" {
		t.Fatalf("unexpected value %q", v)
	}
	if err := c.Del(ctx, "question:q1"); err != nil || mr.Exists("cc:question:q1") {
		t.Fatalf("del: %v", err)
	}
}

func TestRedisConfigApplyDefaultsKeepsOverrides(t *testing.T) {
	t.Parallel()
	cfg := RedisConfig{PoolSize: 7, ReadTimeout: time.Second}
	cfg.ApplyDefaults()
	if cfg.PoolSize != 7 || cfg.ReadTimeout != time.Second {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	if cfg.MaxRetries == 0 || cfg.DialTimeout == 0 || cfg.ConnMaxLifetime == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
