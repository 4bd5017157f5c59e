package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCache implements Cache for testing, with an injectable failure.
type mockCache struct {
	mu       sync.Mutex
	counters map[string]int64
	failNext bool
}

func newMockCache() *mockCache {
	return &mockCache{counters: make(map[string]int64)}
}

func (m *mockCache) IncrementWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return 0, errors.New("cache error")
	}
	m.counters[key]++
	return m.counters[key], nil
}

func (m *mockCache) SetFailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

func TestNewLimiter(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	assert.NotNil(t, limiter)
}

func TestCheckUnderLimit(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		assert.NoError(t, limiter.Check(ctx, "test-key", cfg), "request %d should be allowed", i+1)
	}
}

func TestCheckOverLimit(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx, "test-key", cfg))
	}

	err := limiter.Check(ctx, "test-key", cfg)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCheckDifferentKeysAreIndependent(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 1, Window: time.Minute}

	require.NoError(t, limiter.Check(ctx, "key1", cfg))
	assert.NoError(t, limiter.Check(ctx, "key2", cfg))
	assert.ErrorIs(t, limiter.Check(ctx, "key1", cfg), ErrRateLimited)
}

func TestCheckFailsOpenOnCacheError(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 1, Window: time.Minute}

	cache.SetFailNext()
	assert.NoError(t, limiter.Check(ctx, "test-key", cfg))
}

func TestCheckIPScopesByIPAndAction(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 1, Window: time.Minute}

	require.NoError(t, limiter.CheckIP(ctx, "192.168.1.1", "login", cfg))
	assert.ErrorIs(t, limiter.CheckIP(ctx, "192.168.1.1", "login", cfg), ErrRateLimited)

	// Different IP is independent.
	assert.NoError(t, limiter.CheckIP(ctx, "192.168.1.2", "login", cfg))
	// Different action on the same IP is independent too.
	assert.NoError(t, limiter.CheckIP(ctx, "192.168.1.1", "register", cfg))
}

func TestCheckKeyHasRateLimitPrefix(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 1, Window: time.Minute}

	require.NoError(t, limiter.Check(ctx, "my-key", cfg))

	cache.mu.Lock()
	_, exists := cache.counters["ratelimit:my-key"]
	cache.mu.Unlock()
	assert.True(t, exists, "key should carry the ratelimit: prefix")
}

func TestGetInfo(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 10, Window: time.Minute}

	info := limiter.GetInfo(ctx, "test-key", cfg, 3)

	assert.Equal(t, 10, info.Limit)
	assert.Equal(t, 7, info.Remaining)
	assert.Greater(t, info.ResetAt, time.Now().Unix())
}

func TestGetInfoClampsRemainingToZero(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 5, Window: time.Minute}

	info := limiter.GetInfo(ctx, "test-key", cfg, 9)
	assert.Equal(t, 0, info.Remaining)
}

func TestRegisterAndLoginConfigsAreSensible(t *testing.T) {
	assert.Greater(t, Register.Limit, 0)
	assert.Greater(t, Register.Window, time.Duration(0))
	assert.Greater(t, Login.Limit, 0)
	assert.Greater(t, Login.Window, time.Duration(0))
}

func TestConcurrentAccess(t *testing.T) {
	cache := newMockCache()
	limiter := NewLimiter(cache)
	ctx := context.Background()
	cfg := Config{Limit: 100, Window: time.Minute}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var allowed, denied int

	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.Check(ctx, "concurrent-key", cfg)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				allowed++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
	assert.Equal(t, 50, denied)
}

func TestErrRateLimitedMessage(t *testing.T) {
	assert.Equal(t, "rate limited", ErrRateLimited.Error())
}
