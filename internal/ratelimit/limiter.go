// Package ratelimit guards the HTTP Session API's public endpoints against
// abuse, backed by the Store Gateway's atomic increment-with-expiry.
//
// Grounded on the teacher's limiter.go (a thin wrapper over a cache's
// INCR+EXPIRE, keyed per action with a fail-open policy on cache errors),
// retargeted from per-channel/per-server Discord actions to the gateway's
// register/login endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

// Cache is the subset of the Store Gateway rate limiting needs.
type Cache interface {
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter implements fixed-window rate limiting over the Store Gateway.
type Limiter struct {
	cache Cache
}

func NewLimiter(cache Cache) *Limiter {
	return &Limiter{cache: cache}
}

// Config holds one rate limit's shape.
type Config struct {
	Limit  int
	Window time.Duration
}

// Standard rate limit configurations for the public account endpoints.
var (
	Register = Config{Limit: 5, Window: time.Minute}
	Login    = Config{Limit: 10, Window: time.Minute}
)

// Check increments key's window counter and reports ErrRateLimited once
// cfg.Limit is exceeded. A cache error fails open: the request proceeds
// rather than blocking legitimate traffic on a Redis hiccup.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) error {
	count, err := l.cache.IncrementWithExpiry(ctx, "ratelimit:"+key, cfg.Window)
	if err != nil {
		return nil
	}
	if int(count) > cfg.Limit {
		return ErrRateLimited
	}
	return nil
}

// CheckIP checks the rate limit for action scoped to a client IP, the
// gateway's only unauthenticated rate-limit axis.
func (l *Limiter) CheckIP(ctx context.Context, ip, action string, cfg Config) error {
	key := fmt.Sprintf("ip:%s:%s", ip, action)
	return l.Check(ctx, key, cfg)
}

// RateLimitInfo is the rate limit state surfaced to a caller.
type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at"`
}

// GetInfo reports the remaining allowance for count, the result of the
// caller's last increment, without consuming any. It reads nothing from the
// store; ResetAt is one full Window from now.
func (l *Limiter) GetInfo(ctx context.Context, key string, cfg Config, count int64) RateLimitInfo {
	remaining := cfg.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitInfo{
		Limit:     cfg.Limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(cfg.Window).Unix(),
	}
}
