package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func countingFetch(calls *int32, ttl time.Duration) FetchFunc {
	return func(context.Context) (string, time.Duration, error) {
		n := atomic.AddInt32(calls, 1)
		return "token-" + string(rune('0'+n)), ttl, nil
	}
}

func TestTokenSourceReusesUntilExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var calls int32

	src := NewTokenSource("daraja", NewMemoryTokenCache(c.Now), countingFetch(&calls, time.Hour))

	first, err := src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "token-1", first)

	c.Advance(30 * time.Minute)
	again, err := src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// inside the expiry margin the token is refreshed
	c.Advance(29*time.Minute + time.Second)
	refreshed, err := src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "token-2", refreshed)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestTokenSourceSingleRefresh(t *testing.T) {
	ctx := context.Background()
	var calls int32
	fetch := func(context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return "shared", time.Hour, nil
	}
	src := NewTokenSource("daraja", NewMemoryTokenCache(nil), fetch)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := src.Token(ctx)
			require.NoError(t, err)
			require.Equal(t, "shared", token)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestTokenSourceFetchError(t *testing.T) {
	ctx := context.Background()
	fetch := func(context.Context) (string, time.Duration, error) {
		return "", 0, errors.New("unauthorized")
	}
	src := NewTokenSource("daraja", NewMemoryTokenCache(nil), fetch)

	_, err := src.Token(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unauthorized")
}

func TestTokenSourceInvalidate(t *testing.T) {
	ctx := context.Background()
	var calls int32
	src := NewTokenSource("daraja", NewMemoryTokenCache(nil), countingFetch(&calls, time.Hour))

	_, err := src.Token(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Invalidate(ctx))

	token, err := src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "token-2", token)
}

func TestRedisTokenCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewRedisTokenCache(client, "reconciler:token:")

	_, ok, err := cache.Get(ctx, "daraja")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "daraja", "abc", time.Minute))
	token, ok, err := cache.Get(ctx, "daraja")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", token)
	require.True(t, mr.Exists("reconciler:token:daraja"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "daraja")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "daraja", "abc", time.Minute))
	require.NoError(t, cache.Delete(ctx, "daraja"))
	_, ok, err = cache.Get(ctx, "daraja")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTokenSourceOverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var calls int32
	cache := NewRedisTokenCache(client, "")
	a := NewTokenSource("daraja", cache, countingFetch(&calls, time.Hour))
	b := NewTokenSource("daraja", cache, countingFetch(&calls, time.Hour))

	first, err := a.Token(ctx)
	require.NoError(t, err)
	second, err := b.Token(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
