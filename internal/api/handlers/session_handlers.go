package handlers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"sessiongate/internal/api/httperr"
	"sessiongate/internal/api/middleware"
	"sessiongate/internal/config"
	"sessiongate/internal/connection"
	"sessiongate/internal/identity"
	"sessiongate/internal/models"
	"sessiongate/internal/session"
)

// SessionHandler implements every endpoint in spec.md §4.8: account
// lifecycle, session CRUD, and fleet administration, all delegating state
// to Auth & Identity, the Session Registry, and the Connection Registry.
type SessionHandler struct {
	identity    *identity.Service
	sessions    *session.Registry
	connections *connection.Registry
	cfg         *config.Config
}

func NewSessionHandler(identitySvc *identity.Service, sessions *session.Registry, connections *connection.Registry, cfg *config.Config) *SessionHandler {
	return &SessionHandler{identity: identitySvc, sessions: sessions, connections: connections, cfg: cfg}
}

// Register handles POST /sessions/register.
func (h *SessionHandler) Register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return httperr.Validation(c, "invalid request body")
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return httperr.Validation(c, "username, email, and password are required")
	}
	if len(req.Password) < 8 {
		return httperr.Validation(c, "password must be at least 8 characters")
	}

	if _, err := h.identity.Register(c.Context(), req.Username, req.Email, req.Password); err != nil {
		if errors.Is(err, identity.ErrUsernameTaken) {
			return httperr.Respond(c, httperr.KindConflict, "username is already taken")
		}
		return httperr.Internal(c)
	}

	return c.JSON(fiber.Map{
		"message":  "account created",
		"username": req.Username,
	})
}

// Login handles POST /sessions/login.
func (h *SessionHandler) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return httperr.Validation(c, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return httperr.Validation(c, "username and password are required")
	}

	user, sess, token, err := h.identity.Login(c.Context(), req.Username, req.Password)
	if err != nil {
		return httperr.Respond(c, httperr.KindUnauthorized, "invalid username or password")
	}

	return c.JSON(fiber.Map{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
		"expires_in":   token.ExpiresIn,
		"user": fiber.Map{
			"username": user.Username,
			"email":    user.Email,
			"role":     user.Role,
		},
		"session_id": sess.ID,
	})
}

// Create handles POST /sessions/create.
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	principal := middleware.Principal(c)

	var req models.CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return httperr.Validation(c, "invalid request body")
	}
	if req.UserID == "" {
		return httperr.Validation(c, "user_id is required")
	}
	if req.UserID != principal.Username && principal.Role != models.RoleAdmin {
		return httperr.Respond(c, httperr.KindForbidden, "cannot create a session for another user")
	}

	sess, err := h.sessions.Create(c.Context(), req.UserID, req.ChatID)
	if err != nil {
		return httperr.Internal(c)
	}

	return c.JSON(fiber.Map{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"chat_id":    sess.ChatID,
		"data":       sess.Data,
		"ws_url":     fmt.Sprintf("ws://%s/ws/connect?session_id=%s&token={access_token}", c.Hostname(), sess.ID),
	})
}

// Get handles GET /sessions/{sid}.
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	principal := middleware.Principal(c)
	sid := c.Params("sid")

	sess, err := h.sessions.Get(c.Context(), sid)
	if errors.Is(err, session.ErrNotFound) {
		return httperr.Respond(c, httperr.KindNotFound, "session not found")
	} else if err != nil {
		return httperr.Internal(c)
	}

	if sess.UserID != principal.Username && principal.Role != models.RoleAdmin {
		return httperr.Respond(c, httperr.KindForbidden, "Session access denied")
	}

	return c.JSON(sess)
}

// Update handles POST /sessions/update/{sid}.
func (h *SessionHandler) Update(c *fiber.Ctx) error {
	principal := middleware.Principal(c)
	sid := c.Params("sid")

	existing, err := h.sessions.Get(c.Context(), sid)
	if errors.Is(err, session.ErrNotFound) {
		return httperr.Respond(c, httperr.KindNotFound, "session not found")
	} else if err != nil {
		return httperr.Internal(c)
	}
	if existing.UserID != principal.Username {
		return httperr.Respond(c, httperr.KindForbidden, "not the session owner")
	}

	var req models.UpdateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return httperr.Validation(c, "invalid request body")
	}

	updated, err := h.sessions.Update(c.Context(), sid, req.ChatID, req.Data)
	if err != nil {
		return httperr.Internal(c)
	}

	return c.JSON(updated)
}

// Logout handles POST /sessions/logout.
func (h *SessionHandler) Logout(c *fiber.Ctx) error {
	principal := middleware.Principal(c)
	if err := h.identity.Logout(c.Context(), principal.Username, ""); err != nil {
		return httperr.Internal(c)
	}
	return c.JSON(fiber.Map{"message": "logged out"})
}

// DeleteAccount handles POST /sessions/delete_account.
func (h *SessionHandler) DeleteAccount(c *fiber.Ctx) error {
	principal := middleware.Principal(c)
	if err := h.identity.DeleteAccount(c.Context(), principal.Username); err != nil {
		return httperr.Internal(c)
	}
	return c.JSON(fiber.Map{"message": "account deleted"})
}

// UserSessions handles GET /sessions/users/{user}/sessions.
func (h *SessionHandler) UserSessions(c *fiber.Ctx) error {
	principal := middleware.Principal(c)
	user := c.Params("user")
	if user != principal.Username && principal.Role != models.RoleAdmin {
		return httperr.Respond(c, httperr.KindForbidden, "cannot view another user's sessions")
	}

	sessions, err := h.sessions.ForUser(c.Context(), user)
	if err != nil {
		return httperr.Internal(c)
	}
	return c.JSON(fiber.Map{"sessions": sessions, "count": len(sessions)})
}

// UserConnection handles GET /sessions/users/{user}/connection.
func (h *SessionHandler) UserConnection(c *fiber.Ctx) error {
	principal := middleware.Principal(c)
	user := c.Params("user")
	if user != principal.Username && principal.Role != models.RoleAdmin {
		return httperr.Respond(c, httperr.KindForbidden, "cannot view another user's connection")
	}

	sessions, err := h.sessions.ForUser(c.Context(), user)
	if err != nil {
		return httperr.Internal(c)
	}
	for _, sess := range sessions {
		conn, err := h.connections.Lookup(c.Context(), sess.ID)
		if errors.Is(err, connection.ErrNotFound) {
			continue
		}
		if err != nil {
			return httperr.Internal(c)
		}
		if conn.WSConnected {
			return c.JSON(conn)
		}
	}
	return httperr.Respond(c, httperr.KindNotFound, "no active connection for user")
}

// AdminAllSessions handles GET /sessions/admin/all-sessions.
func (h *SessionHandler) AdminAllSessions(c *fiber.Ctx) error {
	sessions, err := h.sessions.All(c.Context())
	if err != nil {
		return httperr.Internal(c)
	}
	return c.JSON(fiber.Map{"sessions": sessions, "count": len(sessions)})
}

// AdminAllUsers handles GET /sessions/admin/users.
func (h *SessionHandler) AdminAllUsers(c *fiber.Ctx) error {
	users, err := h.identity.ListUsers(c.Context())
	if err != nil {
		return httperr.Internal(c)
	}
	return c.JSON(fiber.Map{"users": users, "count": len(users)})
}

// AdminDeleteSession handles DELETE /sessions/admin/sessions/{sid}.
func (h *SessionHandler) AdminDeleteSession(c *fiber.Ctx) error {
	sid := c.Params("sid")
	if _, err := h.sessions.Get(c.Context(), sid); errors.Is(err, session.ErrNotFound) {
		return httperr.Respond(c, httperr.KindNotFound, "session not found")
	}
	if err := h.sessions.Delete(c.Context(), sid); err != nil {
		return httperr.Internal(c)
	}
	return c.JSON(fiber.Map{"message": "session deleted"})
}

// AdminDeleteUser handles DELETE /sessions/admin/users/{user}.
func (h *SessionHandler) AdminDeleteUser(c *fiber.Ctx) error {
	user := c.Params("user")
	if _, err := h.identity.GetUser(c.Context(), user); errors.Is(err, identity.ErrNotFound) {
		return httperr.Respond(c, httperr.KindNotFound, "user not found")
	}
	if err := h.identity.DeleteAccount(c.Context(), user); err != nil {
		return httperr.Internal(c)
	}
	return c.JSON(fiber.Map{"message": "user deleted"})
}
