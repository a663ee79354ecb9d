package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores provider access tokens until they expire
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// FetchFunc acquires a fresh token and reports how long it stays valid
type FetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokens are dropped this long before the provider would reject them
const DefaultExpiryMargin = time.Minute

// TokenSource hands out a cached token, refreshing it on a miss.
//
// Concurrent callers that miss wait for the single in-flight refresh instead of
// fetching their own.
type TokenSource struct {
	mu     sync.Mutex
	key    string
	cache  TokenCache
	fetch  FetchFunc
	margin time.Duration
}

func NewTokenSource(key string, cache TokenCache, fetch FetchFunc) *TokenSource {
	return &TokenSource{
		key:    key,
		cache:  cache,
		fetch:  fetch,
		margin: DefaultExpiryMargin,
	}
}

// Token returns a token that is valid for at least the expiry margin
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if token, ok, err := s.cache.Get(ctx, s.key); err == nil && ok {
		return token, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// another caller may have refreshed while we waited
	if token, ok, err := s.cache.Get(ctx, s.key); err == nil && ok {
		return token, nil
	}

	token, ttl, err := s.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching token: %w", err)
	}
	if token == "" {
		return "", errors.New("fetching token: empty token")
	}

	if ttl -= s.margin; ttl > 0 {
		// a failed cache write only costs an extra fetch later
		_ = s.cache.Set(ctx, s.key, token, ttl)
	}

	return token, nil
}

// Invalidate drops the cached token, e.g. after the provider rejected it
func (s *TokenSource) Invalidate(ctx context.Context) error {
	return s.cache.Delete(ctx, s.key)
}

var _ TokenCache = (*MemoryTokenCache)(nil)

// MemoryTokenCache is a process-wide TokenCache
type MemoryTokenCache struct {
	mu      sync.RWMutex
	entries map[string]cachedToken
	now     func() time.Time
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewMemoryTokenCache uses now as its clock; nil means time.Now
func NewMemoryTokenCache(now func() time.Time) *MemoryTokenCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenCache{
		entries: make(map[string]cachedToken),
		now:     now,
	}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.token, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedToken{token: token, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryTokenCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

var _ TokenCache = (*RedisTokenCache)(nil)

// RedisTokenCache shares tokens between replicas of the service
type RedisTokenCache struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenCache(client *redis.Client, prefix string) *RedisTokenCache {
	return &RedisTokenCache{client: client, prefix: prefix}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, bool, error) {
	token, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, token, ttl).Err()
}

func (c *RedisTokenCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
