// Package batcher implements the Write-Behind Batcher: callers enqueue
// mutating store operations and get an immediate local acknowledgment; a
// background flusher coalesces and applies them on a fixed interval. This
// shields the shared store from a per-message write for every inbound
// socket frame.
//
// Grounded on the teacher's goroutine+ticker idiom (pubsub.go's listen loop,
// draining.go's poll-ticker shutdown), generalized from a one-shot listener
// to a periodic coalescing flusher.
package batcher

import (
	"context"
	"log"
	"sync"
	"time"
)

// opKind identifies which coalescing rule applies to a pending key.
type opKind int

const (
	opSet opKind = iota
	opHSet
	opSAdd
	opSRem
	opZAdd
	opZRem
	opDelete
)

// pending is the coalesced state accumulated for one key between flushes.
type pending struct {
	kind    opKind
	value   string               // opSet
	ttl     time.Duration        // opSet
	fields  map[string]any       // opHSet, latest value per field wins
	member  string               // opSAdd/opSRem/opZAdd/opZRem, single member this Submit affects
	score   float64              // opZAdd
	members map[string]struct{}  // opSAdd/opSRem, union of members across submits
	scores  map[string]float64   // opZAdd, latest score per member
	zrems   map[string]struct{}  // opZRem, union of members across submits
}

// Batcher coalesces per-key store mutations and flushes them periodically.
type Batcher struct {
	writer StoreWriter

	flushInterval time.Duration
	highWaterMark int
	maxBackoff    time.Duration
	minBackoff    time.Duration

	mu        sync.Mutex
	pending   map[string]*pending
	synchronous bool // true once highWaterMark is exceeded, until drained

	backoff time.Duration

	stop   chan struct{}
	done   chan struct{}
	flushNow chan chan struct{}
}

// Config configures the batcher's timing and backpressure thresholds.
type Config struct {
	FlushInterval time.Duration // default 100ms
	HighWaterMark int           // default 50,000
	MinBackoff    time.Duration // default 50ms
	MaxBackoff    time.Duration // default 5s
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 100 * time.Millisecond,
		HighWaterMark: 50_000,
		MinBackoff:    50 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
	}
}

// StoreWriter is the subset of the Store Gateway the Batcher flushes
// against. Defined here so tests can substitute a fake that fails on demand.
type StoreWriter interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	HSet(ctx context.Context, key string, fields map[string]any) error
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key, member string) error
	Delete(ctx context.Context, key string) error
}

// New creates a Batcher writing through gw, and starts its flusher goroutine.
func New(gw StoreWriter, cfg Config) *Batcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultConfig().HighWaterMark
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultConfig().MinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}

	b := &Batcher{
		writer:        gw,
		flushInterval: cfg.FlushInterval,
		highWaterMark: cfg.HighWaterMark,
		minBackoff:    cfg.MinBackoff,
		maxBackoff:    cfg.MaxBackoff,
		pending:       make(map[string]*pending),
		backoff:       cfg.MinBackoff,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		flushNow:      make(chan chan struct{}),
	}

	go b.run()
	return b
}

// SubmitSet enqueues a scalar set. Only the latest value survives coalescing.
func (b *Batcher) SubmitSet(key, value string, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitLocked(key, &pending{kind: opSet, value: value, ttl: ttl})
}

// SubmitHSet enqueues a hash-field update. Coalescing merges field maps,
// latest value per field wins.
func (b *Batcher) SubmitHSet(key string, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitLocked(key, &pending{kind: opHSet, fields: fields})
}

// SubmitSAdd enqueues a set-add. Coalescing unions members across submits
// within the same flush window.
func (b *Batcher) SubmitSAdd(key, member string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitLocked(key, &pending{kind: opSAdd, member: member})
}

// SubmitSRem enqueues a set-remove. Coalescing unions members across
// submits within the same flush window.
func (b *Batcher) SubmitSRem(key, member string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitLocked(key, &pending{kind: opSRem, member: member})
}

// SubmitZAdd enqueues a sorted-set add/score-update. Coalescing keeps the
// latest score per member across submits within the same flush window.
func (b *Batcher) SubmitZAdd(key, member string, score float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitLocked(key, &pending{kind: opZAdd, member: member, score: score})
}

// SubmitZRem enqueues a sorted-set remove. Coalescing unions members across
// submits within the same flush window.
func (b *Batcher) SubmitZRem(key, member string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitLocked(key, &pending{kind: opZRem, member: member})
}

// SubmitDelete enqueues a delete. Deletes supersede and cancel any pending
// write for the same key.
func (b *Batcher) SubmitDelete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[key] = &pending{kind: opDelete}
	b.maybeSyncLocked(key)
}

// seedMembers initializes the union/latest-score accumulator for a pending
// op the first time a key sees it within a flush window.
func seedMembers(p *pending) {
	switch p.kind {
	case opSAdd, opSRem:
		p.members = map[string]struct{}{p.member: {}}
	case opZAdd:
		p.scores = map[string]float64{p.member: p.score}
	case opZRem:
		p.zrems = map[string]struct{}{p.member: {}}
	}
}

func (b *Batcher) submitLocked(key string, p *pending) {
	existing, ok := b.pending[key]
	switch {
	case !ok || existing.kind == opDelete:
		// A write after a pending delete supersedes the delete.
		seedMembers(p)
		b.pending[key] = p
	case existing.kind != p.kind:
		// Different op kind for the same key: last writer's kind wins.
		seedMembers(p)
		b.pending[key] = p
	case p.kind == opSet:
		existing.value = p.value
		existing.ttl = p.ttl
	case p.kind == opHSet:
		if existing.fields == nil {
			existing.fields = make(map[string]any, len(p.fields))
		}
		for k, v := range p.fields {
			existing.fields[k] = v
		}
	case p.kind == opSAdd, p.kind == opSRem:
		if existing.members == nil {
			existing.members = make(map[string]struct{})
		}
		existing.members[p.member] = struct{}{}
	case p.kind == opZAdd:
		if existing.scores == nil {
			existing.scores = make(map[string]float64)
		}
		existing.scores[p.member] = p.score
	case p.kind == opZRem:
		if existing.zrems == nil {
			existing.zrems = make(map[string]struct{})
		}
		existing.zrems[p.member] = struct{}{}
	}

	if len(b.pending) > b.highWaterMark {
		b.synchronous = true
	}
	b.maybeSyncLocked(key)
}

// maybeSyncLocked writes key's pending op through immediately when the
// batcher is in synchronous (over-high-water-mark) mode. Caller holds mu.
func (b *Batcher) maybeSyncLocked(key string) {
	if !b.synchronous {
		return
	}
	p, ok := b.pending[key]
	if !ok {
		return
	}
	delete(b.pending, key)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.apply(ctx, key, p); err != nil {
			log.Printf("[Batcher] synchronous write failed for %s: %v", key, err)
		}
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.synchronous = false
		}
		b.mu.Unlock()
	}()
}

func (b *Batcher) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case reply := <-b.flushNow:
			b.flush()
			close(reply)
		case <-b.stop:
			b.flush()
			return
		}
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string]*pending)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.flushInterval*10+time.Second)
	defer cancel()

	for key, p := range batch {
		b.applyWithRetry(ctx, key, p)
	}

	b.mu.Lock()
	b.synchronous = false
	b.mu.Unlock()
}

func (b *Batcher) applyWithRetry(ctx context.Context, key string, p *pending) {
	backoff := b.minBackoff
	for {
		err := b.apply(ctx, key, p)
		if err == nil {
			return
		}
		log.Printf("[Batcher] flush error for %s, retrying in %v: %v", key, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			log.Printf("[Batcher] giving up on %s: %v", key, ctx.Err())
			return
		}
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
	}
}

func (b *Batcher) apply(ctx context.Context, key string, p *pending) error {
	switch p.kind {
	case opSet:
		return b.writer.Set(ctx, key, p.value, p.ttl)
	case opHSet:
		return b.writer.HSet(ctx, key, p.fields)
	case opSAdd:
		for m := range p.members {
			if err := b.writer.SAdd(ctx, key, m); err != nil {
				return err
			}
		}
		return nil
	case opSRem:
		for m := range p.members {
			if err := b.writer.SRem(ctx, key, m); err != nil {
				return err
			}
		}
		return nil
	case opZAdd:
		for m, score := range p.scores {
			if err := b.writer.ZAdd(ctx, key, m, score); err != nil {
				return err
			}
		}
		return nil
	case opZRem:
		for m := range p.zrems {
			if err := b.writer.ZRem(ctx, key, m); err != nil {
				return err
			}
		}
		return nil
	case opDelete:
		return b.writer.Delete(ctx, key)
	default:
		return nil
	}
}

// Drain blocks until all pending operations are flushed or the deadline on
// ctx elapses, whichever comes first.
func (b *Batcher) Drain(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case b.flushNow <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the flusher goroutine after a final flush.
func (b *Batcher) Close() {
	close(b.stop)
	<-b.done
}

// PendingCount reports the number of keys with uncommitted coalesced state,
// for metrics and tests.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
