// Package api wires the gateway's HTTP and WebSocket routes onto a Fiber
// app.
//
// Grounded on the teacher's routes.go (one SetupRoutes function mounting
// resource groups behind shared middleware), retargeted from Discord's
// server/channel/message tree to the session-resource tree spec.md §4.8
// describes.
package api

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"sessiongate/internal/api/handlers"
	"sessiongate/internal/api/middleware"
	"sessiongate/internal/ratelimit"
)

// SetupRoutes mounts every HTTP Session API endpoint and the WebSocket
// upgrade route.
func SetupRoutes(app *fiber.App, h *handlers.Handlers, m *middleware.Middleware) {
	app.Get("/health", h.Health.Health)
	app.Get("/ws/health", h.Health.WSHealth)

	sessions := app.Group("/sessions")

	// Public: account lifecycle, rate-limited per client IP.
	sessions.Post("/register", m.RateLimit("register", ratelimit.Register), h.Session.Register)
	sessions.Post("/login", m.RateLimit("login", ratelimit.Login), h.Session.Login)

	// Bearer-authenticated.
	auth := sessions.Group("", m.RequireAuth)
	auth.Post("/create", h.Session.Create)
	auth.Get("/:sid", h.Session.Get)
	auth.Post("/update/:sid", h.Session.Update)
	auth.Post("/logout", h.Session.Logout)
	auth.Post("/delete_account", h.Session.DeleteAccount)
	auth.Get("/users/:user/sessions", h.Session.UserSessions)
	auth.Get("/users/:user/connection", h.Session.UserConnection)

	// Admin-only fleet administration.
	admin := sessions.Group("/admin", m.RequireAuth, m.RequireAdmin)
	admin.Get("/all-sessions", h.Session.AdminAllSessions)
	admin.Get("/users", h.Session.AdminAllUsers)
	admin.Delete("/sessions/:sid", h.Session.AdminDeleteSession)
	admin.Delete("/users/:user", h.Session.AdminDeleteUser)

	// WebSocket upgrade: auth happens inside the Manager's handshake via the
	// token query parameter, not through RequireAuth.
	app.Get("/ws/connect", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(h.WS.Connect))
}
