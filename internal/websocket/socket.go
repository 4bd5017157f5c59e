package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
)

// Conn is the subset of a WebSocket connection the Socket needs. Satisfied
// by *github.com/gofiber/contrib/websocket.Conn in production and by a fake
// in tests, the way the teacher's Client keeps its conn field swappable.
// gofiber/contrib/websocket.Conn embeds *gorilla.Conn, so it satisfies this
// interface without an adapter.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// wsTextMessage and wsCloseMessage are gorilla/websocket's frame opcodes,
// used directly instead of hand-mirrored constants.
const (
	wsTextMessage  = gorilla.TextMessage
	wsCloseMessage = gorilla.CloseMessage
)

// writeCloseFrame best-effort sends a WebSocket close control frame carrying
// code, so the documented 1000/1008/1011 contract in message.go is actually
// observable on the wire rather than just recorded locally.
func writeCloseFrame(conn Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(wsCloseMessage, gorilla.FormatCloseMessage(code, reason), deadline)
}

// State is a socket's position in the Handshaking -> Active -> Draining ->
// Closed lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outboundDepth is the default bounded depth of a socket's outbound queue.
const outboundDepth = 64

// frame is one queued outbound message. Critical frames (lifecycle events)
// displace the oldest non-critical frame instead of being dropped when the
// queue is full.
type frame struct {
	data     []byte
	critical bool
}

// outboundQueue is a bounded FIFO with lifecycle-frame displacement, per
// spec.md §5's backpressure policy. A plain buffered channel can't express
// "drop the oldest non-critical frame to make room for a critical one", so
// this keeps its own slice under a mutex and signals a notify channel the
// way the teacher's send channel wakes writePump.
type outboundQueue struct {
	mu     sync.Mutex
	items  []frame
	limit  int
	notify chan struct{}
	closed bool
}

func newOutboundQueue(limit int) *outboundQueue {
	if limit <= 0 {
		limit = outboundDepth
	}
	return &outboundQueue{limit: limit, notify: make(chan struct{}, 1)}
}

// push enqueues f, applying backpressure policy when the queue is full.
func (q *outboundQueue) push(f frame, sid string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= q.limit {
		if !f.critical {
			q.mu.Unlock()
			log.Printf("[WebSocket] backpressure: dropping outbound frame for session %s (queue full)", sid)
			return
		}
		displaced := false
		for i, it := range q.items {
			if !it.critical {
				q.items = append(q.items[:i], q.items[i+1:]...)
				displaced = true
				break
			}
		}
		if !displaced {
			log.Printf("[WebSocket] backpressure: all %d queued frames for session %s are critical, dropping oldest", len(q.items), sid)
			q.items = q.items[1:]
		}
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outboundQueue) pop() (frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return frame{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *outboundQueue) drainAll() []frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Socket is one accepted WebSocket connection and its lifecycle state.
type Socket struct {
	ID        string
	SessionID string
	Username  string
	GatewayID string

	role atomic.Value // string

	conn Conn
	out  *outboundQueue

	cfg Config

	state     atomic.Int32
	closeCode atomic.Int32

	lastInbound    atomic.Int64 // unix nano
	lastPingSentAt atomic.Int64
	awaitingPong   atomic.Bool

	drainOnce sync.Once
	drainAt   chan struct{} // closed when draining starts

	stopOnce  sync.Once
	closeOnce sync.Once

	readDone  chan struct{}
	writeDone chan struct{}
	stopTimer chan struct{}

	unsubscribeUser    func()
	unsubscribeSession func()
	onClose            func(*Socket, int)
}

// newSocket constructs a Socket in the Handshaking state. Callers transition
// it to Active once the handshake's store writes succeed.
func newSocket(id, sid, username, role, gatewayID string, conn Conn, cfg Config) *Socket {
	s := &Socket{
		ID:        id,
		SessionID: sid,
		Username:  username,
		GatewayID: gatewayID,
		conn:      conn,
		out:       newOutboundQueue(outboundDepth),
		cfg:       cfg,
		drainAt:   make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
		stopTimer: make(chan struct{}),
	}
	s.role.Store(role)
	s.state.Store(int32(StateHandshaking))
	s.lastInbound.Store(time.Now().UnixNano())
	return s
}

func (s *Socket) Role() string {
	return s.role.Load().(string)
}

func (s *Socket) setRole(role string) {
	s.role.Store(role)
}

func (s *Socket) State() State {
	return State(s.state.Load())
}

func (s *Socket) setState(st State) {
	s.state.Store(int32(st))
}

// send marshals msg and enqueues it; critical marks a lifecycle frame that
// must displace, not be dropped by, backpressure.
func (s *Socket) send(msg Message, critical bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WebSocket] failed to marshal outbound frame for session %s: %v", s.SessionID, err)
		return
	}
	s.out.push(frame{data: data, critical: critical}, s.SessionID)
}

// sendRaw enqueues an already-serialized payload verbatim, the path used for
// forwarding pub/sub events without a decode/re-encode round trip.
func (s *Socket) sendRaw(payload []byte, critical bool) {
	s.out.push(frame{data: payload, critical: critical}, s.SessionID)
}

// beginDrain transitions Active -> Draining exactly once. Idempotent so
// multiple timers/events racing to close the socket don't double-fire.
func (s *Socket) beginDrain(reason string) {
	s.drainOnce.Do(func() {
		if s.State() == StateHandshaking {
			s.setState(StateClosed)
		} else {
			s.setState(StateDraining)
		}
		log.Printf("[WebSocket] session %s draining: %s", s.SessionID, reason)
		close(s.drainAt)
		// Force any blocked ReadMessage to return so readLoop can observe
		// the new state and runSocket can proceed to close the connection.
		_ = s.conn.SetReadDeadline(time.Now())
	})
}

// writePump flushes queued frames to the connection in order, until the
// connection errors, the socket is told to stop, or the drain deadline
// elapses after draining begins.
func (s *Socket) writePump() {
	defer close(s.writeDone)

	for {
		select {
		case <-s.out.notify:
			for {
				f, ok := s.out.pop()
				if !ok {
					break
				}
				if err := s.conn.WriteMessage(wsTextMessage, f.data); err != nil {
					return
				}
			}
			if s.State() == StateDraining && s.out.len() == 0 {
				return
			}
		case <-s.drainAt:
			if s.out.len() == 0 {
				return
			}
			deadline := time.NewTimer(s.cfg.DrainTimeout)
			defer deadline.Stop()
			for {
				select {
				case <-s.out.notify:
					for {
						f, ok := s.out.pop()
						if !ok {
							break
						}
						if err := s.conn.WriteMessage(wsTextMessage, f.data); err != nil {
							return
						}
					}
					if s.out.len() == 0 {
						return
					}
				case <-deadline.C:
					log.Printf("[WebSocket] session %s drain deadline reached with %d frames unflushed", s.SessionID, s.out.len())
					return
				}
			}
		}
	}
}

// readLoop blocks reading frames until the connection errors. handle is
// called for each decoded frame while the socket is Active; frames received
// after Draining begins are discarded without dispatch.
func (s *Socket) readLoop(handle func(data []byte)) {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.lastInbound.Store(time.Now().UnixNano())
		if s.State() != StateActive {
			continue
		}
		handle(data)
	}
}

// monitorLoop owns the ping/pong/inactivity timers. It polls on a short tick
// rather than juggling cross-goroutine timer resets, the way draining.go
// polls connection counts during shutdown.
func (s *Socket) monitorLoop() {
	tick := s.cfg.PingInterval / 10
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.State() != StateActive {
				return
			}
			now := time.Now()

			if now.Sub(time.Unix(0, s.lastInbound.Load())) > s.cfg.InactivityTimeout {
				s.beginDrain("inactivity timeout")
				return
			}

			lastPing := s.lastPingSentAt.Load()
			if s.awaitingPong.Load() {
				if now.Sub(time.Unix(0, lastPing)) > s.cfg.PongTimeout {
					s.beginDrain("pong timeout")
					return
				}
				continue
			}
			if lastPing == 0 || now.Sub(time.Unix(0, lastPing)) >= s.cfg.PingInterval {
				s.lastPingSentAt.Store(now.UnixNano())
				s.awaitingPong.Store(true)
				s.send(Message{Type: TypePing, Timestamp: now.Unix()}, false)
			}
		case <-s.stopTimer:
			return
		case <-s.drainAt:
			return
		}
	}
}

func (s *Socket) onPong() {
	s.awaitingPong.Store(false)
}

// stopTimers closes stopTimer exactly once, signaling monitorLoop (and
// anything else waiting on it) to stop. Both runSocket and Socket.close can
// reach this on the same socket during a forced shutdown; sync.Once makes
// the second call a no-op instead of a double-close panic.
func (s *Socket) stopTimers() {
	s.stopOnce.Do(func() { close(s.stopTimer) })
}

// CloseCode reports the code recorded for this socket's close, defaulting to
// CloseNormal if none was explicitly set.
func (s *Socket) CloseCode() int {
	if c := s.closeCode.Load(); c != 0 {
		return int(c)
	}
	return CloseNormal
}

// finalizeClose sends the WebSocket close frame for code and closes the
// underlying connection, exactly once. Whichever caller reaches this first
// (a forced Socket.close or runSocket's natural drain-to-closed tail) wins
// the recorded code; the other is a no-op.
func (s *Socket) finalizeClose(code int) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		writeCloseFrame(s.conn, code, "")
		_ = s.conn.Close()
	})
}

// close stops the socket's goroutines and its connection, exactly once, and
// records the close code for metrics/logging.
func (s *Socket) close(code int) {
	s.beginDrain("explicit close")
	s.stopTimers()
	s.finalizeClose(code)
}
