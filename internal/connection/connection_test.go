package connection

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiongate/internal/batcher"
	"sessiongate/internal/store"
)

func setupRegistry(t *testing.T, gatewayID string, cfg Config) (*Registry, *store.Gateway) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	gw, err := store.New("redis://" + mr.Addr())
	require.NoError(t, err)

	b := batcher.New(gw, batcher.Config{FlushInterval: 5 * time.Millisecond})
	r := New(gw, b, gatewayID, cfg, nil)

	t.Cleanup(func() {
		r.Close()
		b.Close()
		gw.Close()
		mr.Close()
	})

	return r, gw
}

func TestRegisterThenMarkConnected(t *testing.T) {
	r, gw := setupRegistry(t, "gw-1", DefaultConfig())
	ctx := context.Background()

	r.Register(ctx, "sid-1")
	r.MarkConnected(ctx, "sid-1", true)
	time.Sleep(20 * time.Millisecond)

	conn, err := r.Lookup(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "gw-1", conn.GatewayID)
	assert.True(t, conn.WSConnected)

	members, err := gw.ZRange(ctx, store.KeyConnectedUsers, 0, float64(time.Now().Add(time.Minute).Unix()))
	require.NoError(t, err)
	assert.Contains(t, members, "sid-1")
}

func TestMarkDisconnectedRemovesFromConnectedSet(t *testing.T) {
	r, gw := setupRegistry(t, "gw-1", DefaultConfig())
	ctx := context.Background()

	r.Register(ctx, "sid-1")
	r.MarkConnected(ctx, "sid-1", true)
	time.Sleep(20 * time.Millisecond)

	r.MarkConnected(ctx, "sid-1", false)
	time.Sleep(20 * time.Millisecond)

	conn, err := r.Lookup(ctx, "sid-1")
	require.NoError(t, err)
	assert.False(t, conn.WSConnected)

	members, err := gw.ZRange(ctx, store.KeyConnectedUsers, 0, float64(time.Now().Add(time.Minute).Unix()))
	require.NoError(t, err)
	assert.NotContains(t, members, "sid-1")
}

func TestRemoveDropsHashAndSortedSetEntry(t *testing.T) {
	r, gw := setupRegistry(t, "gw-1", DefaultConfig())
	ctx := context.Background()

	r.Register(ctx, "sid-1")
	r.MarkConnected(ctx, "sid-1", true)
	time.Sleep(20 * time.Millisecond)

	r.Remove(ctx, "sid-1")
	time.Sleep(20 * time.Millisecond)

	_, err := r.Lookup(ctx, "sid-1")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := gw.Exists(ctx, store.KeyConnections+"sid-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSweepEvictsOnlyOwnStaleConnections(t *testing.T) {
	r, gw := setupRegistry(t, "gw-1", Config{SweepInterval: time.Hour, PingInterval: 10 * time.Millisecond})
	ctx := context.Background()

	r.Register(ctx, "sid-local")
	r.MarkConnected(ctx, "sid-local", true)
	time.Sleep(5 * time.Millisecond)

	// Simulate a stale score by directly backdating the sorted-set entry and
	// hash for a connection owned by a different replica, which the sweeper
	// must leave alone.
	require.NoError(t, gw.ZAdd(ctx, store.KeyConnectedUsers, "sid-remote", float64(time.Now().Add(-time.Hour).Unix())))
	require.NoError(t, gw.HSet(ctx, store.KeyConnections+"sid-remote", map[string]any{
		"gateway_id":   "gw-2",
		"ws_connected": "true",
		"last_seen":    time.Now().Add(-time.Hour).Unix(),
	}))
	require.NoError(t, gw.ZAdd(ctx, store.KeyConnectedUsers, "sid-local", float64(time.Now().Add(-time.Hour).Unix())))
	require.NoError(t, gw.HSet(ctx, store.KeyConnections+"sid-local", map[string]any{
		"gateway_id":   "gw-1",
		"ws_connected": "true",
		"last_seen":    time.Now().Add(-time.Hour).Unix(),
	}))

	r.sweep()
	time.Sleep(20 * time.Millisecond)

	_, err := r.Lookup(ctx, "sid-local")
	assert.ErrorIs(t, err, ErrNotFound)

	remote, err := r.Lookup(ctx, "sid-remote")
	require.NoError(t, err)
	assert.Equal(t, "gw-2", remote.GatewayID)
}
