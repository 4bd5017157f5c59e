// Package store is the Store Gateway: the only component that speaks to the
// shared Redis instance. It provides namespaced keys, TTLs, hash fields,
// sorted sets, and a publish/subscribe channel to the rest of the gateway.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespaces, per the persisted-keys contract.
const (
	prefix = "sessiongate:"

	KeySessions      = "sessions:"       // + sid -> hash
	KeyUserSessions  = "user_sessions:"  // + user -> set of sids
	KeyConnections   = "connections:"    // + sid -> hash
	KeyConnectedUsers = "connected_users" // sorted set scored by last_seen
)

// Gateway wraps a *redis.Client with the namespaced operations the rest of
// the gateway is built on: get/set/delete, hash fields, sorted sets, TTLs,
// and pub/sub.
type Gateway struct {
	client *redis.Client
}

// New creates a Store Gateway from a redis:// URL.
func New(redisURL string) (*Gateway, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	return &Gateway{client: client}, nil
}

// NewFromClient wraps an already-constructed client, for callers that want
// custom redis.Options.
func NewFromClient(client *redis.Client) *Gateway {
	return &Gateway{client: client}
}

// Client exposes the underlying client for components that need raw
// pipeline access. The rate limiter does not use it; it goes through
// IncrementWithExpiry.
func (g *Gateway) Client() *redis.Client {
	return g.client
}

func (g *Gateway) Close() error {
	return g.client.Close()
}

// Scalar key/value operations.

func (g *Gateway) Get(ctx context.Context, key string) (string, error) {
	v, err := g.client.Get(ctx, prefix+key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (g *Gateway) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.client.Set(ctx, prefix+key, value, ttl).Err()
}

func (g *Gateway) Delete(ctx context.Context, key string) error {
	return g.client.Del(ctx, prefix+key).Err()
}

func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.client.Expire(ctx, prefix+key, ttl).Err()
}

// Hash field operations.

func (g *Gateway) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := g.client.HGet(ctx, prefix+key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (g *Gateway) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return g.client.HGetAll(ctx, prefix+key).Result()
}

func (g *Gateway) HSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return g.client.HSet(ctx, prefix+key, fields).Err()
}

func (g *Gateway) HDel(ctx context.Context, key string, fields ...string) error {
	return g.client.HDel(ctx, prefix+key, fields...).Err()
}

func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, prefix+key).Result()
	return n > 0, err
}

// Set (of strings) operations, used for user_sessions indexing.

func (g *Gateway) SAdd(ctx context.Context, key, member string) error {
	return g.client.SAdd(ctx, prefix+key, member).Err()
}

func (g *Gateway) SRem(ctx context.Context, key, member string) error {
	return g.client.SRem(ctx, prefix+key, member).Err()
}

func (g *Gateway) SMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, prefix+key).Result()
}

// Sorted set operations, used for connected_users.

func (g *Gateway) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return g.client.ZAdd(ctx, prefix+key, redis.Z{Score: score, Member: member}).Err()
}

func (g *Gateway) ZRem(ctx context.Context, key, member string) error {
	return g.client.ZRem(ctx, prefix+key, member).Err()
}

func (g *Gateway) ZRange(ctx context.Context, key string, min, max float64) ([]string, error) {
	return g.client.ZRangeByScore(ctx, prefix+key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (g *Gateway) ZScore(ctx context.Context, key, member string) (float64, error) {
	v, err := g.client.ZScore(ctx, prefix+key, member).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	return v, err
}

// Pub/Sub.

func (g *Gateway) Publish(ctx context.Context, topic, payload string) error {
	return g.client.Publish(ctx, prefix+"topic:"+topic, payload).Err()
}

func (g *Gateway) Subscribe(ctx context.Context, topic string) *redis.PubSub {
	return g.client.Subscribe(ctx, prefix+"topic:"+topic)
}

// IncrementWithExpiry atomically increments key and (re)sets its TTL in a
// single pipeline, the way the rate limiter needs it.
func (g *Gateway) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, prefix+key)
	pipe.Expire(ctx, prefix+key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
