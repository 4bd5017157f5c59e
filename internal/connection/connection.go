// Package connection implements the Connection Registry: tracking which
// gateway replica holds the live socket for a session, and a sorted-set
// index of all connected users for fast membership and replica-failure
// sweeps.
//
// Grounded on the teacher's presence_service.go (a thin service wrapping a
// repo with upsert/lookup semantics), generalized from per-server presence
// rows to a per-session connection hash plus a connected_users sorted set.
package connection

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"sessiongate/internal/batcher"
	"sessiongate/internal/models"
	"sessiongate/internal/store"
)

var ErrNotFound = errors.New("connection: not found")

// Reader is the subset of the Store Gateway the registry reads through.
type Reader interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	ZRange(ctx context.Context, key string, min, max float64) ([]string, error)
}

// Config controls the replica-failure sweep cadence and staleness window.
type Config struct {
	SweepInterval time.Duration // default 30s
	PingInterval  time.Duration // used to size the staleness window (2x)
}

func DefaultConfig() Config {
	return Config{SweepInterval: 30 * time.Second, PingInterval: 25 * time.Second}
}

// Metrics is the subset of Prometheus instrumentation the registry reports
// evictions to. Nil-safe: Registry works with m == nil.
type Metrics interface {
	ConnectionEvicted()
}

// Registry is the Connection Registry.
type Registry struct {
	reader    Reader
	batch     *batcher.Batcher
	cfg       Config
	gatewayID string
	metrics   Metrics

	stop chan struct{}
	done chan struct{}
}

// New creates a Registry bound to gatewayID (this replica's identity) and
// starts its sweeper goroutine. metrics may be nil.
func New(gw *store.Gateway, batch *batcher.Batcher, gatewayID string, cfg Config, metrics Metrics) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	r := &Registry{
		reader:    gw,
		batch:     batch,
		cfg:       cfg,
		gatewayID: gatewayID,
		metrics:   metrics,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Register creates the per-sid connection hash, pinned to this replica,
// not yet marked connected.
func (r *Registry) Register(ctx context.Context, sid string) {
	now := time.Now().UTC()
	r.batch.SubmitHSet(store.KeyConnections+sid, map[string]any{
		"gateway_id":   r.gatewayID,
		"ws_connected": "false",
		"last_seen":    now.Unix(),
	})
}

// MarkConnected flips the ws_connected flag and maintains the
// connected_users sorted set membership to match.
func (r *Registry) MarkConnected(ctx context.Context, sid string, connected bool) {
	now := time.Now().UTC()
	r.batch.SubmitHSet(store.KeyConnections+sid, map[string]any{
		"ws_connected": strconv.FormatBool(connected),
		"last_seen":    now.Unix(),
	})
	if connected {
		r.batch.SubmitZAdd(store.KeyConnectedUsers, sid, float64(now.Unix()))
	} else {
		r.batch.SubmitZRem(store.KeyConnectedUsers, sid)
	}
}

// Heartbeat refreshes last_seen and the connected_users score, without
// changing the connected flag.
func (r *Registry) Heartbeat(ctx context.Context, sid string) {
	now := time.Now().UTC()
	r.batch.SubmitHSet(store.KeyConnections+sid, map[string]any{
		"last_seen": now.Unix(),
	})
	r.batch.SubmitZAdd(store.KeyConnectedUsers, sid, float64(now.Unix()))
}

// Remove unconditionally drops sid from both the hash and the sorted set.
func (r *Registry) Remove(ctx context.Context, sid string) {
	r.batch.SubmitDelete(store.KeyConnections + sid)
	r.batch.SubmitZRem(store.KeyConnectedUsers, sid)
}

// Lookup reads a connection record.
func (r *Registry) Lookup(ctx context.Context, sid string) (*models.Connection, error) {
	fields, err := r.reader.HGetAll(ctx, store.KeyConnections+sid)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	c := &models.Connection{
		SessionID:   sid,
		GatewayID:   fields["gateway_id"],
		WSConnected: fields["ws_connected"] == "true",
	}
	if ts, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		c.LastSeen = time.Unix(ts, 0).UTC()
	}
	return c, nil
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

// sweep evicts connections pinned to this replica whose last_seen has aged
// past 2x the ping interval, the mark of a replica that died without
// running its own Draining cleanup.
func (r *Registry) sweep() {
	ctx := context.Background()
	staleBefore := time.Now().Add(-2 * r.cfg.PingInterval).Unix()

	sids, err := r.reader.ZRange(ctx, store.KeyConnectedUsers, 0, float64(staleBefore))
	if err != nil {
		log.Printf("[Connection] sweep: failed to range connected_users: %v", err)
		return
	}
	for _, sid := range sids {
		conn, err := r.Lookup(ctx, sid)
		if err != nil {
			r.batch.SubmitZRem(store.KeyConnectedUsers, sid)
			continue
		}
		if conn.GatewayID != r.gatewayID {
			continue
		}
		log.Printf("[Connection] evicting stale connection %s (last_seen %s)", sid, conn.LastSeen)
		r.Remove(ctx, sid)
		if r.metrics != nil {
			r.metrics.ConnectionEvicted()
		}
	}
}

// Close stops the sweeper goroutine.
func (r *Registry) Close() {
	close(r.stop)
	<-r.done
}
