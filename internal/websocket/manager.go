package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"sessiongate/internal/models"
	"sessiongate/internal/pubsub"
)

// Verifier validates a bearer token into a principal. Satisfied by
// *identity.Service.
type Verifier interface {
	Verify(token string) (*models.Principal, error)
}

// Sessions is the subset of the Session Registry the manager needs.
// Satisfied by *session.Registry.
type Sessions interface {
	Get(ctx context.Context, sid string) (*models.Session, error)
	Update(ctx context.Context, sid, chatID string, patch map[string]any) (*models.Session, error)
	Touch(ctx context.Context, sid string)
}

// Connections is the subset of the Connection Registry the manager needs.
// Satisfied by *connection.Registry.
type Connections interface {
	Register(ctx context.Context, sid string)
	MarkConnected(ctx context.Context, sid string, connected bool)
	Heartbeat(ctx context.Context, sid string)
}

// Bus is the subset of the Pub/Sub Bus the manager needs. Satisfied by
// *pubsub.Bus.
type Bus interface {
	Subscribe(topic string, sink chan<- pubsub.Event) func()
	Publish(ctx context.Context, topic, payload string) error
}

// Config controls the manager's timers and drain behavior, sourced from
// spec.md §6's environment configuration.
type Config struct {
	GatewayID         string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	InactivityTimeout time.Duration
	DrainTimeout      time.Duration
	ShutdownGrace     time.Duration
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      25 * time.Second,
		PongTimeout:       30 * time.Second,
		InactivityTimeout: 60 * time.Second,
		DrainTimeout:      2 * time.Second,
		ShutdownGrace:     5 * time.Second,
	}
}

// AdminHandler dispatches an admin_command frame. The default implementation
// supports targeted broadcast only; callers may supply their own.
type AdminHandler func(ctx context.Context, m *Manager, sock *Socket, msg Message) Message

// Manager is the WebSocket Manager: it accepts connections, drives each
// socket's Handshaking -> Active -> Draining -> Closed state machine, and
// bridges pub/sub events to locally held sockets.
//
// Grounded on the teacher's Gateway (HandleConnection, readPump/writePump
// split) and DrainManager (ticker-polled shutdown with a force-close
// deadline), generalized from Discord gateway opcodes to the spec's typed
// message dispatch table.
type Manager struct {
	cfg Config

	verifier    Verifier
	sessions    Sessions
	connections Connections
	bus         Bus
	admin       AdminHandler

	metrics Metrics

	mu      sync.Mutex
	sockets map[string]*Socket // sid -> socket
	closing bool
}

// Metrics is the subset of Prometheus instrumentation the manager reports
// to. Optional: New accepts a nil Metrics, and the manager skips every
// report when it is nil.
type Metrics interface {
	SocketOpened()
	SocketClosed(reason string)
	MessageReceived(msgType string)
	MessageSent(msgType string)
}

// New creates a Manager. admin may be nil, in which case DefaultAdminHandler
// is used.
func New(cfg Config, verifier Verifier, sessions Sessions, connections Connections, bus Bus, m Metrics, admin AdminHandler) *Manager {
	if cfg.PingInterval <= 0 {
		cfg = DefaultConfig()
	}
	if admin == nil {
		admin = DefaultAdminHandler
	}
	return &Manager{
		cfg:         cfg,
		verifier:    verifier,
		sessions:    sessions,
		connections: connections,
		bus:         bus,
		admin:       admin,
		metrics:     m,
		sockets:     make(map[string]*Socket),
	}
}

// SocketCount reports the number of locally held sockets, for metrics and
// health checks.
func (m *Manager) SocketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sockets)
}

// HandleConnection runs the full lifecycle of one accepted connection:
// handshake, Active-state message pumping, and cleanup on close. It blocks
// until the socket reaches Closed, so callers should invoke it from the
// goroutine that owns conn (e.g. a Fiber websocket.New handler).
func (m *Manager) HandleConnection(ctx context.Context, conn Conn, sid, token string) {
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		m.rejectAndClose(conn, ClosePolicyViolation, "server is shutting down")
		return
	}

	sock, principal, err := m.handshake(ctx, conn, sid, token)
	if err != nil {
		log.Printf("[WebSocket] handshake rejected for session %s: %v", sid, err)
		m.rejectAndClose(conn, ClosePolicyViolation, "authentication failed")
		return
	}

	m.mu.Lock()
	m.sockets[sid] = sock
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SocketOpened()
	}

	m.runSocketSafely(ctx, sock, principal)

	m.mu.Lock()
	if m.sockets[sid] == sock {
		delete(m.sockets, sid)
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SocketClosed(sock.State().String())
	}
}

// handshake implements spec.md §4.7's Handshaking state: verify the token,
// fetch the session, check ownership, register the connection, and send the
// welcome frame. Topic subscription happens later, in runSocket.
func (m *Manager) handshake(ctx context.Context, conn Conn, sid, token string) (*Socket, *models.Principal, error) {
	if sid == "" || token == "" {
		return nil, nil, fmt.Errorf("missing session_id or token")
	}

	principal, err := m.verifier.Verify(token)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid token: %w", err)
	}

	sess, err := m.sessions.Get(ctx, sid)
	if err != nil {
		return nil, nil, fmt.Errorf("unknown session: %w", err)
	}
	if sess.UserID != principal.Username {
		return nil, nil, fmt.Errorf("session %s is not owned by %s", sid, principal.Username)
	}

	m.connections.Register(ctx, sid)
	m.connections.MarkConnected(ctx, sid, true)

	sock := newSocket(sid, sid, principal.Username, string(principal.Role), m.cfg.GatewayID, conn, m.cfg)
	sock.setState(StateActive)

	sock.send(Message{
		Type:              TypeConnected,
		UserID:            principal.Username,
		SessionID:         sid,
		GatewayID:         m.cfg.GatewayID,
		PingInterval:      int(m.cfg.PingInterval.Seconds()),
		InactivityTimeout: int(m.cfg.InactivityTimeout.Seconds()),
	}, false)

	return sock, principal, nil
}

// runSocketSafely runs runSocket, closing the socket with 1011 (internal
// error) instead of crashing the replica if dispatch or pub/sub bridging
// panics unexpectedly.
func (m *Manager) runSocketSafely(ctx context.Context, sock *Socket, principal *models.Principal) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WebSocket] session %s: recovered from panic: %v", sock.SessionID, r)
			sock.close(CloseInternalError)
			m.connections.MarkConnected(ctx, sock.SessionID, false)
		}
	}()
	m.runSocket(ctx, sock, principal)
}

// runSocket subscribes the socket to its pub/sub topics, starts its
// goroutines, and blocks until the socket is fully closed, performing
// cleanup on the way out.
func (m *Manager) runSocket(ctx context.Context, sock *Socket, principal *models.Principal) {
	userTopic := "user:" + principal.Username
	sessionTopic := "session:" + sock.SessionID

	userSink := make(chan pubsub.Event, outboundDepth)
	sessionSink := make(chan pubsub.Event, outboundDepth)
	sock.unsubscribeUser = m.bus.Subscribe(userTopic, userSink)
	sock.unsubscribeSession = m.bus.Subscribe(sessionTopic, sessionSink)

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		m.bridgePubSub(sock, userSink, sessionSink)
	}()

	go sock.writePump()
	go sock.monitorLoop()

	sock.readLoop(func(data []byte) {
		m.dispatch(ctx, sock, principal, data)
	})

	sock.beginDrain("read loop ended")
	<-sock.writeDone
	sock.stopTimers()
	<-bridgeDone

	sock.setState(StateClosed)
	sock.finalizeClose(CloseNormal)

	sock.unsubscribeUser()
	sock.unsubscribeSession()
	m.connections.MarkConnected(ctx, sock.SessionID, false)
	m.publishEvent(ctx, "session:"+sock.SessionID, TypeDisconnected, nil)
}

// bridgePubSub forwards events from the session's two topics to the socket,
// applying the type-specific handling spec.md §4.7 describes (a logout
// event triggers Draining; everything else is delivered verbatim).
func (m *Manager) bridgePubSub(sock *Socket, userSink, sessionSink chan pubsub.Event) {
	for {
		select {
		case ev, ok := <-userSink:
			if !ok {
				return
			}
			m.handleUserEvent(sock, ev)
		case ev, ok := <-sessionSink:
			if !ok {
				return
			}
			m.handleSessionEvent(sock, ev)
		case <-sock.drainAt:
			return
		}
	}
}

func (m *Manager) handleUserEvent(sock *Socket, ev pubsub.Event) {
	var tagged struct {
		Type string `json:"type"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal([]byte(ev.Payload), &tagged); err != nil {
		return
	}
	switch tagged.Type {
	case TypeLogout:
		sock.sendRaw([]byte(ev.Payload), true)
		sock.beginDrain("logout event")
	case TypeRoleChanged:
		if tagged.Role != "" {
			sock.setRole(tagged.Role)
		}
		sock.sendRaw([]byte(ev.Payload), false)
	default:
		sock.sendRaw([]byte(ev.Payload), false)
	}
}

func (m *Manager) handleSessionEvent(sock *Socket, ev pubsub.Event) {
	sock.sendRaw([]byte(ev.Payload), false)
}

// dispatch handles one inbound Active-state frame per the type -> allowed
// roles table in spec.md §4.7.
func (m *Manager) dispatch(ctx context.Context, sock *Socket, principal *models.Principal, data []byte) {
	msgType, err := decodeType(data)
	if err != nil {
		sock.send(Message{Type: TypeError, Message: "malformed message"}, false)
		return
	}

	if m.metrics != nil {
		m.metrics.MessageReceived(msgType)
	}

	if _, known := allowedRoles[msgType]; !known {
		sock.send(Message{Type: TypeError, Message: "unsupported message type"}, false)
		return
	}
	if !roleAllowed(msgType, sock.Role()) {
		sock.send(Message{Type: TypeError, Message: "not permitted"}, false)
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		sock.send(Message{Type: TypeError, Message: "malformed message"}, false)
		return
	}

	var sent string
	switch msgType {
	case TypePing:
		sock.send(Message{Type: TypePong, Timestamp: msg.Timestamp}, false)
		sent = TypePong
	case TypePong:
		sock.onPong()
	case TypeUpdateAPIKey:
		m.connections.Heartbeat(ctx, sock.SessionID)
		if _, err := m.sessions.Update(ctx, sock.SessionID, "", map[string]any{"api_key": msg.APIKey}); err != nil {
			sock.send(Message{Type: TypeError, Message: "failed to update session"}, false)
			return
		}
		sock.send(Message{Type: TypeAck, APIKey: msg.APIKey, SessionID: sock.SessionID}, false)
		sent = TypeAck
	case TypeChatMessage:
		m.sessions.Touch(ctx, sock.SessionID)
		m.connections.Heartbeat(ctx, sock.SessionID)
	case TypeAdminCommand:
		reply := m.admin(ctx, m, sock, msg)
		sock.send(reply, false)
		sent = reply.Type
	}

	if m.metrics != nil && sent != "" {
		m.metrics.MessageSent(sent)
	}
}

func (m *Manager) publishEvent(ctx context.Context, topic, eventType string, extra map[string]any) {
	payload := map[string]any{"type": eventType}
	for k, v := range extra {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, topic, string(data)); err != nil {
		log.Printf("[WebSocket] publish failed for %s: %v", topic, err)
	}
}

// rejectAndClose sends an error frame followed by a close control frame
// carrying code, for handshake failures per spec.md §4.7 (1008 policy
// violation) and server-shutdown refusals.
func (m *Manager) rejectAndClose(conn Conn, code int, reason string) {
	data, _ := json.Marshal(Message{Type: TypeError, Message: reason})
	_ = conn.WriteMessage(wsTextMessage, data)
	writeCloseFrame(conn, code, reason)
	_ = conn.Close()
}

// Shutdown implements spec.md §5's two-phase drain: broadcast
// server_shutdown to every locally held socket, give them ShutdownGrace to
// close, then return. New connections should be refused by the caller
// before invoking Shutdown (HandleConnection also refuses once closing is
// set here).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	sockets := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		sockets = append(sockets, s)
	}
	m.mu.Unlock()

	log.Printf("[WebSocket] shutdown: draining %d local sockets", len(sockets))
	for _, s := range sockets {
		s.send(Message{Type: TypeServerShutdown}, true)
		s.beginDrain("server shutdown")
	}

	deadline := time.NewTimer(m.cfg.ShutdownGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.SocketCount() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			log.Printf("[WebSocket] shutdown: %d sockets still open after grace period, force-closing", m.SocketCount())
			m.forceCloseAll()
			return nil
		case <-ctx.Done():
			m.forceCloseAll()
			return ctx.Err()
		}
	}
}

func (m *Manager) forceCloseAll() {
	m.mu.Lock()
	sockets := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		sockets = append(sockets, s)
	}
	m.mu.Unlock()
	for _, s := range sockets {
		s.close(CloseNormal)
	}
}

// DefaultAdminHandler supports a single command, "broadcast": publish
// msg.Message to the session named in msg.SessionID (defaulting to the
// caller's own session).
func DefaultAdminHandler(ctx context.Context, m *Manager, sock *Socket, msg Message) Message {
	switch msg.Command {
	case "broadcast":
		target := msg.SessionID
		if target == "" {
			target = sock.SessionID
		}
		m.publishEvent(ctx, "session:"+target, TypeChatMessage, map[string]any{"message": msg.Message, "from": sock.Username})
		return Message{Type: TypeAck, Message: "broadcast sent", SessionID: target}
	default:
		return Message{Type: TypeError, Message: "unknown admin command"}
	}
}
