// Package connection owns the lifecycle of one event-stream socket: dial,
// authenticate, read, and reconnect with capped-doubling backoff.
package connection

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"magicaldanmaku/session/internal/config"
	"magicaldanmaku/session/internal/endpoint"
	"magicaldanmaku/session/internal/logging"
	"magicaldanmaku/session/internal/protocol"
)

// State enumerates the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned when a frame write is requested without a live socket.
var ErrNotConnected = errors.New("not connected")

// Notification reports one state transition to collaborators.
type Notification struct {
	Previous State
	Current  State
	Endpoint endpoint.Endpoint
	Err      error
}

// FrameSink consumes decoded inbound frames in arrival order.
type FrameSink func(protocol.Frame)

// Manager drives a single socket. It owns its ConnectionState exclusively and
// guarantees at most one in-flight reconnect attempt at any time.
type Manager struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	registry *endpoint.Registry
	dialer   *websocket.Dialer
	roomID   string
	token    string

	state         State
	failureStreak int
	lastBackoff   time.Duration
	policy        *backoff.ExponentialBackOff

	conn           *websocket.Conn
	generation     int
	reconnectTimer *time.Timer
	closed         bool

	sink      FrameSink
	rawSink   func([]byte)
	listeners []func(Notification)

	logger *logging.Logger
}

// Option configures optional manager behaviour at construction time.
type Option func(*Manager)

// WithLogger injects the structured logger instance.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDialer overrides the WebSocket dialer, primarily for tests.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(m *Manager) {
		if dialer != nil {
			m.dialer = dialer
		}
	}
}

// WithBackoff overrides the reconnect window bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		if base > 0 && max >= base {
			m.policy.InitialInterval = base
			m.policy.MaxInterval = max
		}
	}
}

// WithFrameSink registers the consumer for decoded inbound frames.
func WithFrameSink(sink FrameSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithRawSink registers a consumer for raw inbound payloads, used by the recorder.
func WithRawSink(sink func([]byte)) Option {
	return func(m *Manager) {
		m.rawSink = sink
	}
}

// WithStateListener registers a connection-state-changed consumer. Listeners
// run outside the manager lock in registration order.
func WithStateListener(listener func(Notification)) Option {
	return func(m *Manager) {
		if listener != nil {
			m.listeners = append(m.listeners, listener)
		}
	}
}

// NewManager builds a manager over the ranked endpoint registry. An empty
// registry fails fast so a broken host fetch is visible before any dial.
func NewManager(registry *endpoint.Registry, roomID, token string, opts ...Option) (*Manager, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, endpoint.ErrNoEndpoints
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.DefaultReconnectBase
	policy.MaxInterval = config.DefaultReconnectMax
	policy.Multiplier = 2
	//1.- No jitter so the delay sequence is exactly min(base*2^(n-1), max).
	policy.RandomizationFactor = 0
	//2.- Never give up on elapsed time; only an explicit stop ends the cycle.
	policy.MaxElapsedTime = 0

	manager := &Manager{
		registry: registry,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		roomID:   roomID,
		token:    token,
		policy:   policy,
		logger:   logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	manager.policy.Reset()
	manager.logger = manager.logger.With(logging.String("room", roomID))
	return manager, nil
}

// Connect starts the session against the active endpoint. The call performs
// the first attempt synchronously; a transport failure does not fail the call
// but transitions into Reconnecting with backoff.
func (m *Manager) Connect() error {
	if m == nil {
		return errors.New("nil manager")
	}
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	note := m.transitionLocked(StateConnecting, nil)
	m.mu.Unlock()
	m.notify(note)

	m.attempt()
	return nil
}

// Disconnect tears the session down. Idempotent: when already Disconnected no
// transition and no notification occur. Pending reconnect timers are canceled,
// not merely ignored, and no further callback fires for this connection.
func (m *Manager) Disconnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.generation++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.failureStreak = 0
	note := m.transitionLocked(StateDisconnected, nil)
	m.mu.Unlock()
	m.notify(note)
}

// ForceReconnect drops a connection considered dead by the liveness probe and
// schedules a fresh attempt.
func (m *Manager) ForceReconnect(reason error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.generation++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	note := m.transitionLocked(StateReconnecting, reason)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.notify(note)
}

// ResetBackoff rewinds the reconnect window to its base value. Called at
// session boundaries (stream start/stop) in addition to the automatic reset
// on every successful connect.
func (m *Manager) ResetBackoff() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.policy.Reset()
	m.lastBackoff = 0
	m.failureStreak = 0
	m.mu.Unlock()
}

// WriteFrame sends one frame on the live socket.
func (m *Manager) WriteFrame(frame protocol.Frame) error {
	if m == nil {
		return ErrNotConnected
	}
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame))
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	if m == nil {
		return StateDisconnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FailureStreak reports the count of consecutive failed connect attempts.
func (m *Manager) FailureStreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureStreak
}

// LastBackoff reports the delay scheduled for the most recent reconnect.
func (m *Manager) LastBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBackoff
}

// ActiveEndpoint exposes the endpoint the manager is using or about to use.
func (m *Manager) ActiveEndpoint() endpoint.Endpoint {
	return m.registry.Active()
}

func (m *Manager) attempt() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	target := m.registry.Active()
	gen := m.generation
	m.mu.Unlock()

	conn, resp, err := m.dialer.Dial(target.URL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		err = m.authenticate(conn)
	}

	m.mu.Lock()
	if m.closed || gen != m.generation {
		//1.- The session was torn down while dialling; drop the socket quietly.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		m.failureStreak++
		next := m.registry.Advance()
		m.logger.Warn("connect attempt failed",
			logging.String("endpoint", target.URL()),
			logging.String("next", next.URL()),
			logging.Int("streak", m.failureStreak),
			logging.Error(err))
		note := m.transitionLocked(StateReconnecting, err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify(note)
		return
	}

	m.conn = conn
	m.failureStreak = 0
	m.policy.Reset()
	m.lastBackoff = 0
	note := m.transitionLocked(StateConnected, nil)
	readGen := m.generation
	m.mu.Unlock()
	m.notify(note)

	go m.readLoop(conn, readGen)
}

type handshakeBody struct {
	RoomID   string `json:"roomid"`
	Token    string `json:"key"`
	Protover uint16 `json:"protover"`
	Platform string `json:"platform"`
}

func (m *Manager) authenticate(conn *websocket.Conn) error {
	body, err := json.Marshal(handshakeBody{
		RoomID:   m.roomID,
		Token:    m.token,
		Protover: protocol.VersionZlib,
		Platform: "session",
	})
	if err != nil {
		return err
	}
	frame := protocol.Frame{Version: protocol.VersionPlain, Op: protocol.OpHandshake, Sequence: 1, Body: body}
	return conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(frame))
}

func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		// Single in-flight attempt invariant: one timer, one attempt.
		return
	}
	delay := m.policy.NextBackOff()
	m.lastBackoff = delay
	m.logger.Info("reconnect scheduled", logging.Duration("delay", delay))
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		if m.closed || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		note := m.transitionLocked(StateConnecting, nil)
		m.mu.Unlock()
		m.notify(note)
		m.attempt()
	})
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadFailure(gen, err)
			return
		}
		m.mu.Lock()
		stale := m.closed || gen != m.generation
		raw := m.rawSink
		sink := m.sink
		m.mu.Unlock()
		if stale {
			return
		}
		if raw != nil {
			raw(data)
		}
		frame, _, derr := protocol.Decode(data)
		if derr != nil {
			//1.- A malformed frame is discarded here and never reaches a subscriber.
			m.logger.Warn("discarding malformed inbound payload", logging.Error(derr), logging.Int("bytes", len(data)))
			continue
		}
		if sink != nil {
			sink(frame)
		}
	}
}

func (m *Manager) handleReadFailure(gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.generation++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.logger.Warn("transport closed unexpectedly", logging.Error(err))
	note := m.transitionLocked(StateReconnecting, err)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.notify(note)
}

func (m *Manager) transitionLocked(next State, err error) Notification {
	note := Notification{
		Previous: m.state,
		Current:  next,
		Endpoint: m.registry.Active(),
		Err:      err,
	}
	m.state = next
	return note
}

func (m *Manager) notify(note Notification) {
	for _, listener := range m.listeners {
		listener(note)
	}
}
