// Package middleware holds the gateway's cross-cutting Fiber handlers:
// bearer-token authentication, request IDs, and panic recovery.
//
// Grounded on the teacher's middleware.go (a Middleware struct holding
// shared dependencies, one method per concern), retargeted from the
// teacher's raw jwt.ParseWithClaims call to the Auth & Identity service's
// Verify, which checks the token's signature and expiry only; session state
// is not consulted.
package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"sessiongate/internal/api/httperr"
	"sessiongate/internal/models"
	"sessiongate/internal/ratelimit"
)

// Verifier validates a bearer token into a principal. Satisfied by
// *identity.Service.
type Verifier interface {
	Verify(token string) (*models.Principal, error)
}

// Middleware holds the dependencies shared across request handlers.
type Middleware struct {
	verifier Verifier
	limiter  *ratelimit.Limiter
}

// New creates the gateway's middleware set.
func New(verifier Verifier, limiter *ratelimit.Limiter) *Middleware {
	return &Middleware{verifier: verifier, limiter: limiter}
}

// RateLimit rejects requests once the caller's IP exceeds cfg for action.
func (m *Middleware) RateLimit(action string, cfg ratelimit.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := m.limiter.CheckIP(c.Context(), c.IP(), action, cfg); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return httperr.Respond(c, httperr.KindRateLimited, "too many requests, try again later")
			}
			return httperr.Internal(c)
		}
		return c.Next()
	}
}

// principalLocalsKey is the fiber.Locals key RequireAuth stores the caller
// under; handlers read it back with Principal(c).
const principalLocalsKey = "principal"

// RequireAuth validates the Authorization header's bearer token and stores
// the resulting principal in request locals.
func (m *Middleware) RequireAuth(c *fiber.Ctx) error {
	token := extractBearerToken(c)
	if token == "" {
		return httperr.Respond(c, httperr.KindUnauthorized, "missing bearer token")
	}

	principal, err := m.verifier.Verify(token)
	if err != nil {
		return httperr.Respond(c, httperr.KindUnauthorized, "invalid or expired token")
	}

	c.Locals(principalLocalsKey, principal)
	return c.Next()
}

// RequireAdmin must run after RequireAuth; it rejects non-admin principals.
func (m *Middleware) RequireAdmin(c *fiber.Ctx) error {
	principal := Principal(c)
	if principal == nil || principal.Role != models.RoleAdmin {
		return httperr.Respond(c, httperr.KindForbidden, "admin role required")
	}
	return c.Next()
}

// Principal reads the authenticated principal set by RequireAuth, or nil if
// the request was never authenticated.
func Principal(c *fiber.Ctx) *models.Principal {
	p, _ := c.Locals(principalLocalsKey).(*models.Principal)
	return p
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// RequestID stamps every request with an X-Request-ID, generating one if
// the caller didn't supply it.
func (m *Middleware) RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("X-Request-ID", requestID)
		c.Locals("requestID", requestID)
		return c.Next()
	}
}

// Recover converts a handler panic into the gateway's JSON error envelope
// instead of tearing down the connection.
func (m *Middleware) Recover() fiber.Handler {
	return func(c *fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				_ = httperr.Internal(c)
			}
		}()
		return c.Next()
	}
}
