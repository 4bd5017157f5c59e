package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiongate/internal/models"
	"sessiongate/internal/pubsub"
)

type fakeVerifier struct {
	principals map[string]*models.Principal
}

func (f *fakeVerifier) Verify(token string) (*models.Principal, error) {
	p, ok := f.principals[token]
	if !ok {
		return nil, errors.New("invalid token")
	}
	return p, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*models.Session)}
}

func (f *fakeSessions) Get(_ context.Context, sid string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sid]
	if !ok {
		return nil, errors.New("not found")
	}
	return s, nil
}

func (f *fakeSessions) Update(_ context.Context, sid, chatID string, patch map[string]any) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sid]
	if !ok {
		return nil, errors.New("not found")
	}
	if chatID != "" {
		s.ChatID = chatID
	}
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	for k, v := range patch {
		s.Data[k] = v
	}
	return s, nil
}

func (f *fakeSessions) Touch(context.Context, string) {}

type fakeConnections struct {
	mu         sync.Mutex
	registered map[string]bool
	connected  map[string]bool
	heartbeats int
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{registered: map[string]bool{}, connected: map[string]bool{}}
}

func (f *fakeConnections) Register(_ context.Context, sid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[sid] = true
}

func (f *fakeConnections) MarkConnected(_ context.Context, sid string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[sid] = connected
}

func (f *fakeConnections) Heartbeat(context.Context, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
}

type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]chan<- pubsub.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]chan<- pubsub.Event)}
}

func (b *fakeBus) Subscribe(topic string, sink chan<- pubsub.Event) func() {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sink)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sinks := b.subs[topic]
		for i, s := range sinks {
			if s == sink {
				b.subs[topic] = append(sinks[:i], sinks[i+1:]...)
				break
			}
		}
	}
}

func (b *fakeBus) Publish(_ context.Context, topic, payload string) error {
	b.mu.Lock()
	sinks := append([]chan<- pubsub.Event(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, s := range sinks {
		select {
		case s <- pubsub.Event{Topic: topic, Payload: payload}:
		default:
		}
	}
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	opened   int
	closed   []string
	received []string
	sent     []string
}

func (m *fakeMetrics) SocketOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *fakeMetrics) SocketClosed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, reason)
}

func (m *fakeMetrics) MessageReceived(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, t)
}

func (m *fakeMetrics) MessageSent(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, t)
}

func newTestManager(t *testing.T) (*Manager, *fakeSessions, *fakeConnections, *fakeBus, *fakeMetrics, *fakeVerifier) {
	t.Helper()
	verifier := &fakeVerifier{principals: map[string]*models.Principal{
		"good-token":  {Username: "alice", Role: models.RoleUser},
		"admin-token": {Username: "root", Role: models.RoleAdmin},
	}}
	sessions := newFakeSessions()
	sessions.sessions["sess-1"] = &models.Session{ID: "sess-1", UserID: "alice", ChatID: "lobby"}
	sessions.sessions["sess-admin"] = &models.Session{ID: "sess-admin", UserID: "root", ChatID: "lobby"}

	connections := newFakeConnections()
	bus := newFakeBus()
	metrics := &fakeMetrics{}

	m := New(testConfig(), verifier, sessions, connections, bus, metrics, nil)
	return m, sessions, connections, bus, metrics, verifier
}

func decodeFrames(t *testing.T, conn *fakeConn) []Message {
	t.Helper()
	var out []Message
	for _, raw := range conn.Writes() {
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

// containsType reports whether any frame written so far has the given type.
// The socket's own heartbeat can interleave extra ping frames with whatever
// a test is waiting on, so assertions search by type rather than index.
func containsType(t *testing.T, conn *fakeConn, msgType string) bool {
	t.Helper()
	for _, f := range decodeFrames(t, conn) {
		if f.Type == msgType {
			return true
		}
	}
	return false
}

func TestHandleConnectionRejectsUnknownToken(t *testing.T) {
	m, _, _, _, _, _ := newTestManager(t)
	conn := newFakeConn()
	close(conn.readCh)

	m.HandleConnection(context.Background(), conn, "sess-1", "bad-token")

	assert.True(t, conn.IsClosed())
	frames := decodeFrames(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeError, frames[0].Type)

	controls := conn.Controls()
	require.Len(t, controls, 1)
	assert.Equal(t, gorilla.FormatCloseMessage(ClosePolicyViolation, "authentication failed"), controls[0])
}

func TestHandleConnectionRejectsSessionNotOwnedByCaller(t *testing.T) {
	m, sessions, _, _, _, _ := newTestManager(t)
	sessions.sessions["sess-1"].UserID = "bob" // token is alice's

	conn := newFakeConn()
	close(conn.readCh)

	m.HandleConnection(context.Background(), conn, "sess-1", "good-token")

	assert.True(t, conn.IsClosed())
}

func TestHandleConnectionHandshakeSendsConnectedFrame(t *testing.T) {
	m, _, connections, _, metrics, _ := newTestManager(t)
	conn := newFakeConn()

	go func() {
		require.Eventually(t, func() bool { return m.SocketCount() == 1 }, time.Second, time.Millisecond)
		close(conn.readCh)
	}()

	m.HandleConnection(context.Background(), conn, "sess-1", "good-token")

	frames := decodeFrames(t, conn)
	require.NotEmpty(t, frames)
	assert.Equal(t, TypeConnected, frames[0].Type)
	assert.Equal(t, "alice", frames[0].UserID)

	assert.True(t, connections.registered["sess-1"])
	assert.Equal(t, 1, metrics.opened)
	require.Len(t, metrics.closed, 1)
	assert.Equal(t, 0, m.SocketCount())
}

func TestDispatchPingRepliesPong(t *testing.T) {
	m, _, _, _, _, _ := newTestManager(t)
	conn := newFakeConn()

	go func() {
		conn.pushInbound([]byte(`{"type":"ping","ts":42}`))
		require.Eventually(t, func() bool { return containsType(t, conn, TypePong) }, time.Second, time.Millisecond)
		close(conn.readCh)
	}()

	m.HandleConnection(context.Background(), conn, "sess-1", "good-token")

	frames := decodeFrames(t, conn)
	require.NotEmpty(t, frames)
	assert.Equal(t, TypeConnected, frames[0].Type)

	var sawPong bool
	for _, f := range frames {
		if f.Type == TypePong && f.Timestamp == 42 {
			sawPong = true
		}
	}
	assert.True(t, sawPong)
}

func TestDispatchRejectsUserRoleForAdminCommand(t *testing.T) {
	m, _, _, _, _, _ := newTestManager(t)
	conn := newFakeConn()

	go func() {
		conn.pushInbound([]byte(`{"type":"admin_command","command":"broadcast"}`))
		require.Eventually(t, func() bool { return containsType(t, conn, TypeError) }, time.Second, time.Millisecond)
		close(conn.readCh)
	}()

	m.HandleConnection(context.Background(), conn, "sess-1", "good-token")

	assert.True(t, containsType(t, conn, TypeError))
}

func TestDispatchAllowsAdminCommandForAdminRole(t *testing.T) {
	m, _, _, _, _, _ := newTestManager(t)
	conn := newFakeConn()

	go func() {
		conn.pushInbound([]byte(`{"type":"admin_command","command":"broadcast","message":"hi"}`))
		require.Eventually(t, func() bool { return containsType(t, conn, TypeAck) }, time.Second, time.Millisecond)
		close(conn.readCh)
	}()

	m.HandleConnection(context.Background(), conn, "sess-admin", "admin-token")

	assert.True(t, containsType(t, conn, TypeAck))
}

func TestBridgePubSubForwardsSessionEvents(t *testing.T) {
	m, _, _, bus, _, _ := newTestManager(t)
	conn := newFakeConn()

	go func() {
		require.Eventually(t, func() bool { return m.SocketCount() == 1 }, time.Second, time.Millisecond)
		require.NoError(t, bus.Publish(context.Background(), "session:sess-1", `{"type":"session_updated"}`))
		require.Eventually(t, func() bool { return containsType(t, conn, TypeSessionUpdated) }, time.Second, time.Millisecond)
		close(conn.readCh)
	}()

	m.HandleConnection(context.Background(), conn, "sess-1", "good-token")

	assert.True(t, containsType(t, conn, TypeSessionUpdated))
}

func TestBridgePubSubLogoutEventDrainsSocket(t *testing.T) {
	m, _, _, bus, _, _ := newTestManager(t)
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.HandleConnection(context.Background(), conn, "sess-1", "good-token")
	}()

	require.Eventually(t, func() bool { return m.SocketCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), "user:alice", `{"type":"logout"}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logout event did not close the socket")
	}

	frames := decodeFrames(t, conn)
	var sawLogout bool
	for _, f := range frames {
		if f.Type == TypeLogout {
			sawLogout = true
		}
	}
	assert.True(t, sawLogout)
}

func TestShutdownDrainsAllSocketsWithinGrace(t *testing.T) {
	m, _, _, _, _, _ := newTestManager(t)
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.HandleConnection(context.Background(), conn, "sess-1", "good-token")
	}()

	require.Eventually(t, func() bool { return m.SocketCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleConnection did not return after Shutdown")
	}
	assert.Equal(t, 0, m.SocketCount())
}
