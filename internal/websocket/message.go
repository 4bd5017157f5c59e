// Package websocket implements the WebSocket Manager: the per-socket
// Handshaking -> Active -> Draining -> Closed state machine, heartbeat and
// inactivity timers, role-gated message dispatch, and publication of
// lifecycle events to the Pub/Sub Bus.
//
// Grounded on the teacher's gateway.go/client.go (readPump/writePump split,
// ping ticker, per-client send channel) and draining.go (ticker-polled
// shutdown with a force-close deadline), retargeted from Discord gateway
// opcodes to the spec's typed message table.
package websocket

import "encoding/json"

// Inbound/outbound frame types, per the wire protocol.
const (
	TypeConnected      = "connected"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeAck            = "ack"
	TypeError          = "error"
	TypeSessionUpdated = "session_updated"
	TypeSessionClosed  = "session_closed"
	TypeLogout         = "logout"
	TypeDisconnected   = "disconnected"
	TypeServerShutdown = "server_shutdown"
	TypeUpdateAPIKey   = "update_api_key"
	TypeChatMessage    = "chat_message"
	TypeAdminCommand   = "admin_command"
	TypeRoleChanged    = "role_changed"
)

// WebSocket close codes, per spec.md §6.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Message is the generic inbound/outbound wire frame: a type tag plus the
// fixed set of optional fields the dispatch table and senders in this
// package actually read or write.
type Message struct {
	Type string `json:"type"`

	// Common optional fields used across message types.
	Timestamp int64  `json:"ts,omitempty"`
	Message   string `json:"message,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	GatewayID string `json:"gateway_id,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	Command   string `json:"command,omitempty"`

	PingInterval      int `json:"ping_interval,omitempty"`
	InactivityTimeout int `json:"inactivity_timeout,omitempty"`
}

// rawMessage decodes only a frame's type tag; dispatch decodes the full body
// into Message separately.
type rawMessage struct {
	Type string `json:"type"`
}

// decodeType extracts just the "type" discriminator from a raw frame.
func decodeType(data []byte) (string, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}

// allowedRoles is the static type -> allowed-roles table from spec.md §4.7.
// admin_command is admin-only; every other recognized type is open to both
// roles. dispatch rejects types absent from this table as unsupported
// before any role check.
var allowedRoles = map[string]map[string]bool{
	TypePing:         {"user": true, "admin": true},
	TypePong:         {"user": true, "admin": true},
	TypeUpdateAPIKey: {"user": true, "admin": true},
	TypeChatMessage:  {"user": true, "admin": true},
	TypeAdminCommand: {"admin": true},
}

// roleAllowed reports whether role may send a message of the given type.
// Unknown types are handled by the caller before this check runs.
func roleAllowed(msgType, role string) bool {
	roles, ok := allowedRoles[msgType]
	if !ok {
		return false
	}
	return roles[role]
}
