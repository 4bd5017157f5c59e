package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Gateway, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	gw, err := New("redis://" + mr.Addr())
	require.NoError(t, err)

	t.Cleanup(func() {
		gw.Close()
		mr.Close()
	})

	return gw, mr
}

func TestGatewayGetSetDelete(t *testing.T) {
	gw, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := gw.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, gw.Set(ctx, "k1", "v1", 0))
	v, err := gw.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, gw.Delete(ctx, "k1"))
	_, err = gw.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatewayHash(t *testing.T) {
	gw, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, gw.HSet(ctx, KeySessions+"s1", map[string]any{
		"user_id": "alice",
		"chat_id": "default",
	}))

	v, err := gw.HGet(ctx, KeySessions+"s1", "user_id")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	all, err := gw.HGetAll(ctx, KeySessions+"s1")
	require.NoError(t, err)
	assert.Equal(t, "default", all["chat_id"])

	require.NoError(t, gw.HDel(ctx, KeySessions+"s1", "chat_id"))
	_, err = gw.HGet(ctx, KeySessions+"s1", "chat_id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatewaySortedSet(t *testing.T) {
	gw, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, gw.ZAdd(ctx, KeyConnectedUsers, "s1", 100))
	require.NoError(t, gw.ZAdd(ctx, KeyConnectedUsers, "s2", 200))

	members, err := gw.ZRange(ctx, KeyConnectedUsers, 0, 150)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)

	require.NoError(t, gw.ZRem(ctx, KeyConnectedUsers, "s1"))
	_, err = gw.ZScore(ctx, KeyConnectedUsers, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatewayPubSub(t *testing.T) {
	gw, _ := setupTestStore(t)
	ctx := context.Background()

	sub := gw.Subscribe(ctx, "user:alice")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, gw.Publish(ctx, "user:alice", `{"type":"logout"}`))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, `{"type":"logout"}`, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestGatewayIncrementWithExpiry(t *testing.T) {
	gw, _ := setupTestStore(t)
	ctx := context.Background()

	n, err := gw.IncrementWithExpiry(ctx, "ratelimit:ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = gw.IncrementWithExpiry(ctx, "ratelimit:ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
