// Package session implements the Session Registry: create/read/update/delete
// of per-user session state, indexed by user, with lazy expiry and a
// periodic sweeper.
//
// Grounded on the teacher's service-layer shape (auth_service.go,
// presence_service.go: a thin struct wrapping the store, constructed with
// its dependencies and exposing named operations) and the ticker-driven
// background loop from draining.go's StartDrain polling.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"sessiongate/internal/batcher"
	"sessiongate/internal/models"
	"sessiongate/internal/store"
)

var ErrNotFound = errors.New("session: not found")

// keyActiveUsers tracks every username that has ever created a session, so
// the sweeper has a set of user indexes to walk without depending on the
// durable user store.
const keyActiveUsers = "active_users"

// Publisher is the subset of the Store Gateway the registry needs to emit
// lifecycle events. Publishes bypass the Batcher: §4.6 specifies publishes
// use a separate immediate path, not the coalescing one.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

// Reader is the subset of the Store Gateway the registry reads through.
type Reader interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Config controls timeout and sweep cadence.
type Config struct {
	Timeout       time.Duration // default 30m
	SweepInterval time.Duration // default 60s
}

func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Minute, SweepInterval: 60 * time.Second}
}

// Registry is the Session Registry.
type Registry struct {
	reader Reader
	pub    Publisher
	batch  *batcher.Batcher
	cfg    Config

	stop chan struct{}
	done chan struct{}
}

// New creates a Registry and starts its sweeper goroutine.
func New(gw *store.Gateway, batch *batcher.Batcher, cfg Config) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	r := &Registry{
		reader: gw,
		pub:    gw,
		batch:  batch,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func parseSession(sid string, fields map[string]string) (*models.Session, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	s := &models.Session{
		ID:     sid,
		UserID: fields["user_id"],
		ChatID: fields["chat_id"],
		Data:   map[string]any{},
	}
	if fields["data"] != "" {
		if err := json.Unmarshal([]byte(fields["data"]), &s.Data); err != nil {
			return nil, err
		}
	}
	if ts, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		s.CreatedAt = time.Unix(ts, 0).UTC()
	}
	if ts, err := strconv.ParseInt(fields["last_access"], 10, 64); err == nil {
		s.LastAccess = time.Unix(ts, 0).UTC()
	}
	return s, nil
}

// Create generates a sid, persists the session, and indexes it under the
// owning user. No event is published.
func (r *Registry) Create(ctx context.Context, userID, chatID string) (*models.Session, error) {
	if chatID == "" {
		chatID = "default"
	}
	sid := uuid.New().String()
	now := time.Now().UTC()

	r.batch.SubmitHSet(store.KeySessions+sid, map[string]any{
		"user_id":     userID,
		"chat_id":     chatID,
		"data":        "{}",
		"created_at":  now.Unix(),
		"last_access": now.Unix(),
	})
	r.batch.SubmitSAdd(store.KeyUserSessions+userID, sid)
	r.batch.SubmitSAdd(keyActiveUsers, userID)

	return &models.Session{ID: sid, UserID: userID, ChatID: chatID, Data: map[string]any{}, CreatedAt: now, LastAccess: now}, nil
}

// Get reads a session, returning ErrNotFound if it is absent or has expired
// (lazy expiry: an aged-out session reads as gone even before the sweeper
// removes it).
func (r *Registry) Get(ctx context.Context, sid string) (*models.Session, error) {
	fields, err := r.reader.HGetAll(ctx, store.KeySessions+sid)
	if err != nil {
		return nil, err
	}
	s, err := parseSession(sid, fields)
	if err != nil {
		return nil, err
	}
	if time.Since(s.LastAccess) > r.cfg.Timeout {
		return nil, ErrNotFound
	}
	return s, nil
}

// Update merges patch into the session's data blob, optionally changes
// chat-id, bumps last-access, and publishes a session_updated event.
func (r *Registry) Update(ctx context.Context, sid string, chatID string, patch map[string]any) (*models.Session, error) {
	existing, err := r.Get(ctx, sid)
	if err != nil {
		return nil, err
	}

	if existing.Data == nil {
		existing.Data = map[string]any{}
	}
	for k, v := range patch {
		existing.Data[k] = v
	}
	if chatID != "" {
		existing.ChatID = chatID
	}
	existing.LastAccess = time.Now().UTC()

	dataJSON, err := json.Marshal(existing.Data)
	if err != nil {
		return nil, err
	}

	r.batch.SubmitHSet(store.KeySessions+sid, map[string]any{
		"chat_id":     existing.ChatID,
		"data":        string(dataJSON),
		"last_access": existing.LastAccess.Unix(),
	})

	r.publishEvent(ctx, sid, "session_updated")

	return existing, nil
}

// Touch bumps last-access only, with no merge and no event.
func (r *Registry) Touch(ctx context.Context, sid string) {
	r.batch.SubmitHSet(store.KeySessions+sid, map[string]any{
		"last_access": time.Now().UTC().Unix(),
	})
}

// Delete removes the session and its index entry, publishes session_closed,
// and removes any connection record for sid.
func (r *Registry) Delete(ctx context.Context, sid string) error {
	if existing, err := r.Get(ctx, sid); err == nil {
		r.batch.SubmitSRem(store.KeyUserSessions+existing.UserID, sid)
	}

	r.batch.SubmitDelete(store.KeySessions + sid)
	r.batch.SubmitDelete(store.KeyConnections + sid)

	r.publishEvent(ctx, sid, "session_closed")
	return nil
}

// ForUser performs an indexed scan of a user's sessions.
func (r *Registry) ForUser(ctx context.Context, userID string) ([]*models.Session, error) {
	sids, err := r.reader.SMembers(ctx, store.KeyUserSessions+userID)
	if err != nil {
		return nil, err
	}
	sessions := make([]*models.Session, 0, len(sids))
	for _, sid := range sids {
		s, err := r.Get(ctx, sid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// All returns every live session across every user that has ever created
// one, for the admin fleet-wide listing endpoint.
func (r *Registry) All(ctx context.Context) ([]*models.Session, error) {
	users, err := r.reader.SMembers(ctx, keyActiveUsers)
	if err != nil {
		return nil, err
	}
	var all []*models.Session
	for _, userID := range users {
		sessions, err := r.ForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		all = append(all, sessions...)
	}
	return all, nil
}

func (r *Registry) publishEvent(ctx context.Context, sid, eventType string) {
	data, err := json.Marshal(map[string]any{"type": eventType})
	if err != nil {
		return
	}
	if err := r.pub.Publish(ctx, "session:"+sid, string(data)); err != nil {
		log.Printf("[Session] publish failed for session:%s: %v", sid, err)
	}
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

func (r *Registry) sweep() {
	ctx := context.Background()
	users, err := r.reader.SMembers(ctx, keyActiveUsers)
	if err != nil {
		log.Printf("[Session] sweep: failed to list active users: %v", err)
		return
	}
	for _, userID := range users {
		r.SweepUser(ctx, userID)
	}
}

// SweepUser removes sids in userID's index whose last-access age exceeds
// the timeout.
func (r *Registry) SweepUser(ctx context.Context, userID string) {
	sids, err := r.reader.SMembers(ctx, store.KeyUserSessions+userID)
	if err != nil {
		return
	}
	for _, sid := range sids {
		fields, err := r.reader.HGetAll(ctx, store.KeySessions+sid)
		if err != nil {
			continue
		}
		s, err := parseSession(sid, fields)
		if err != nil {
			// Session hash is already gone; drop the stale index entry.
			r.batch.SubmitSRem(store.KeyUserSessions+userID, sid)
			continue
		}
		if time.Since(s.LastAccess) > r.cfg.Timeout {
			_ = r.Delete(ctx, sid)
		}
	}
}

// Close stops the sweeper goroutine.
func (r *Registry) Close() {
	close(r.stop)
	<-r.done
}
