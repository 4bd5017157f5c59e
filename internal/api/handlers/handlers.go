// Package handlers implements the HTTP Session API: account registration
// and login, session CRUD, fleet administration, and health checks.
//
// Grounded on the teacher's handlers.go (a Handlers struct aggregating one
// handler type per resource, constructed once at startup with its service
// dependencies), retargeted from Discord's server/channel/message resources
// to the gateway's session resource.
package handlers

import (
	"sessiongate/internal/config"
	"sessiongate/internal/connection"
	"sessiongate/internal/identity"
	"sessiongate/internal/session"
	"sessiongate/internal/websocket"
)

// Handlers aggregates every HTTP handler the gateway exposes.
type Handlers struct {
	Session *SessionHandler
	Health  *HealthHandler
	WS      *WebSocketHandler
}

// New constructs every handler with its dependencies.
func New(identitySvc *identity.Service, sessions *session.Registry, connections *connection.Registry, wsManager *websocket.Manager, cfg *config.Config) *Handlers {
	return &Handlers{
		Session: NewSessionHandler(identitySvc, sessions, connections, cfg),
		Health:  NewHealthHandler(wsManager),
		WS:      NewWebSocketHandler(wsManager),
	}
}
