// Package identity implements Auth & Identity: account registration,
// credential verification, token issuance, logout, and role changes.
//
// Grounded on the teacher's auth_service.go (a thin service wrapping a user
// repository, a JWT service, and a cache for side effects), adapted from
// Discord-style email/password signup with refresh-token revocation to the
// gateway's simpler bearer-token-only model.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"sessiongate/internal/auth"
	"sessiongate/internal/database/postgres"
	"sessiongate/internal/models"
	"sessiongate/internal/session"
)

var (
	ErrUsernameTaken      = errors.New("identity: username already taken")
	ErrInvalidCredentials = errors.New("identity: invalid username or password")
	ErrNotFound           = errors.New("identity: user not found")
)

// Publisher is the subset of the Store Gateway used to emit user-scoped
// lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

// UserStore is the subset of the durable user repository Auth & Identity
// needs. Defined as an interface so tests can substitute a mock instead of
// a live Postgres connection.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdatePasswordHash(ctx context.Context, username, hash string) error
	UpdateLastLogin(ctx context.Context, username string, at time.Time) error
	UpdateRole(ctx context.Context, username string, role models.Role) error
	Delete(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]*models.User, error)
}

// TokenResponse is the login response's token envelope.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Service is Auth & Identity.
type Service struct {
	users     UserStore
	jwt       *auth.JWTService
	sessions  *session.Registry
	pub       Publisher
	bootstrap map[string]bool // usernames promoted to admin at startup
}

// New creates the Auth & Identity service. bootstrapAdmins names accounts
// that should be granted the admin role on registration.
func New(users UserStore, jwt *auth.JWTService, sessions *session.Registry, pub Publisher, bootstrapAdmins []string) *Service {
	bootstrap := make(map[string]bool, len(bootstrapAdmins))
	for _, u := range bootstrapAdmins {
		bootstrap[u] = true
	}
	return &Service{users: users, jwt: jwt, sessions: sessions, pub: pub, bootstrap: bootstrap}
}

// Register creates a new account. Fails with ErrUsernameTaken if the
// username is already registered.
func (s *Service) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, postgres.ErrUserNotFound) {
		return nil, err
	}

	hash, err := auth.HashPasswordPooled(ctx, password)
	if err != nil {
		return nil, err
	}

	role := models.RoleUser
	if s.bootstrap[username] {
		role = models.RoleAdmin
	}

	now := time.Now().UTC()
	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		LastLogin:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies credentials, creates (or reuses) a session, and issues a
// bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, *models.Session, *TokenResponse, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, postgres.ErrUserNotFound) {
		return nil, nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, nil, err
	}

	if err := auth.CheckPasswordPooled(ctx, password, user.PasswordHash); err != nil {
		return nil, nil, nil, ErrInvalidCredentials
	}

	if auth.NeedsRehash(user.PasswordHash) {
		if newHash, err := auth.HashPasswordPooled(ctx, password); err == nil {
			if err := s.users.UpdatePasswordHash(ctx, username, newHash); err != nil {
				log.Printf("[Identity] rehash update failed for %s: %v", username, err)
			}
			user.PasswordHash = newHash
		}
	}

	if err := s.users.UpdateLastLogin(ctx, username, time.Now().UTC()); err != nil {
		log.Printf("[Identity] last_login update failed for %s: %v", username, err)
	}

	existing, err := s.sessions.ForUser(ctx, username)
	if err != nil {
		return nil, nil, nil, err
	}

	var sess *models.Session
	if len(existing) > 0 {
		sess = existing[0]
	} else {
		sess, err = s.sessions.Create(ctx, username, "")
		if err != nil {
			return nil, nil, nil, err
		}
	}

	token, err := s.jwt.GenerateToken(username, user.Role)
	if err != nil {
		return nil, nil, nil, err
	}

	return user, sess, &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   s.jwt.ExpirySeconds(),
	}, nil
}

// Verify validates a bearer token and returns its principal.
func (s *Service) Verify(token string) (*models.Principal, error) {
	return s.jwt.Principal(token)
}

// Logout deletes the principal's sessions (or, if sid is non-empty, just
// that one) and publishes a logout event.
func (s *Service) Logout(ctx context.Context, username, sid string) error {
	if sid != "" {
		if err := s.sessions.Delete(ctx, sid); err != nil {
			return err
		}
	} else {
		sessions, err := s.sessions.ForUser(ctx, username)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if err := s.sessions.Delete(ctx, sess.ID); err != nil {
				return err
			}
		}
	}
	return s.publishUserEvent(ctx, username, "logout", nil)
}

// DeleteAccount removes the user's durable record and all of their
// sessions.
func (s *Service) DeleteAccount(ctx context.Context, username string) error {
	if err := s.Logout(ctx, username, ""); err != nil {
		return err
	}
	return s.users.Delete(ctx, username)
}

// SetRole is the shared implementation of promote/demote: an admin-only
// role change that publishes a role_changed event.
func (s *Service) SetRole(ctx context.Context, username string, role models.Role) error {
	if err := s.users.UpdateRole(ctx, username, role); err != nil {
		return err
	}
	return s.publishUserEvent(ctx, username, "role_changed", map[string]any{"role": role})
}

// ListUsers returns every durable account, for the admin fleet-wide user
// listing endpoint.
func (s *Service) ListUsers(ctx context.Context) ([]*models.User, error) {
	return s.users.ListUsers(ctx)
}

// GetUser looks up a single account by username, without issuing a token.
func (s *Service) GetUser(ctx context.Context, username string) (*models.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, postgres.ErrUserNotFound) {
		return nil, ErrNotFound
	}
	return user, err
}

func (s *Service) publishUserEvent(ctx context.Context, username, eventType string, extra map[string]any) error {
	payload := map[string]any{"type": eventType}
	for k, v := range extra {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, "user:"+username, string(data))
}
