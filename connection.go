package relay

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute earns a fresh attempt budget.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Dispatcher
// ============================================================================

type connDispatcher struct {
	mu          sync.Mutex
	nextID      int
	events      map[string]map[int]func(Envelope)
	states      map[int]func(ConnState)
	reconnected map[int]func()
}

func newConnDispatcher() *connDispatcher {
	return &connDispatcher{
		events:      make(map[string]map[int]func(Envelope)),
		states:      make(map[int]func(ConnState)),
		reconnected: make(map[int]func()),
	}
}

func (d *connDispatcher) onEvent(eventType string, h func(Envelope)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.events[eventType] == nil {
		d.events[eventType] = make(map[int]func(Envelope))
	}
	d.events[eventType][id] = h
	return func() {
		d.mu.Lock()
		delete(d.events[eventType], id)
		d.mu.Unlock()
	}
}

func (d *connDispatcher) onState(h func(ConnState)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.states[id] = h
	return func() {
		d.mu.Lock()
		delete(d.states, id)
		d.mu.Unlock()
	}
}

func (d *connDispatcher) onReconnected(h func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.reconnected[id] = h
	return func() {
		d.mu.Lock()
		delete(d.reconnected, id)
		d.mu.Unlock()
	}
}

// dispatch invokes event handlers synchronously so frames reach subscribers
// in wire order.
func (d *connDispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	handlers := make([]func(Envelope), 0, len(d.events[env.Type]))
	for _, h := range d.events[env.Type] {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (d *connDispatcher) emitState(s ConnState) {
	d.mu.Lock()
	handlers := make([]func(ConnState), 0, len(d.states))
	for _, h := range d.states {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (d *connDispatcher) emitReconnected() {
	d.mu.Lock()
	handlers := make([]func(), 0, len(d.reconnected))
	for _, h := range d.reconnected {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the one persistent WebSocket connection shared by
// every RealtimeSession in the process. It reconnects on its own with bounded
// backoff; rejoining rooms after a reconnect is the sessions' responsibility,
// coordinated through OnReconnected.
type ConnectionManager struct {
	url   string
	token string
	log   zerolog.Logger

	autoReconnect bool
	recon         *reconnector
	dispatcher    *connDispatcher

	mu               sync.Mutex
	state            ConnState
	conn             *websocket.Conn
	intentionalClose bool
	cancelFn         context.CancelFunc
	connectedCh      chan struct{} // closed while connected, replaced on drop
}

// ConnectionOption configures a ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithToken appends an auth token to the dial URL.
func WithToken(token string) ConnectionOption {
	return func(m *ConnectionManager) { m.token = token }
}

// WithLogger sets the logger; default is zerolog.Nop().
func WithLogger(log zerolog.Logger) ConnectionOption {
	return func(m *ConnectionManager) { m.log = log }
}

// WithAutoReconnect toggles automatic reconnection (default on).
func WithAutoReconnect(enabled bool) ConnectionOption {
	return func(m *ConnectionManager) { m.autoReconnect = enabled }
}

// WithBackoff tunes reconnect pacing. maxAttempts 0 means unlimited.
func WithBackoff(base, max time.Duration, maxAttempts int) ConnectionOption {
	return func(m *ConnectionManager) {
		m.recon.baseDelay = base
		m.recon.maxDelay = max
		m.recon.maxAttempts = maxAttempts
	}
}

// NewConnectionManager creates a manager for url. http/https schemes are
// rewritten to ws/wss.
func NewConnectionManager(url string, opts ...ConnectionOption) *ConnectionManager {
	m := &ConnectionManager{
		url:           url,
		log:           zerolog.Nop(),
		autoReconnect: true,
		recon: &reconnector{
			baseDelay:   time.Second,
			maxDelay:    30 * time.Second,
			maxAttempts: 10,
		},
		dispatcher:  newConnDispatcher(),
		state:       StateDisconnected,
		connectedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnEvent registers a handler for one server frame type and returns a
// disposer. Handlers run on the read loop goroutine in wire order and must
// not block.
func (m *ConnectionManager) OnEvent(eventType string, h func(Envelope)) func() {
	return m.dispatcher.onEvent(eventType, h)
}

// OnState registers a handler for connection state transitions.
func (m *ConnectionManager) OnState(h func(ConnState)) func() {
	return m.dispatcher.onState(h)
}

// OnReconnected registers a handler invoked after every successful reconnect
// (not the initial connect). Sessions use it to restore room membership.
func (m *ConnectionManager) OnReconnected(h func()) func() {
	return m.dispatcher.onReconnected(h)
}

// Connect establishes the connection. Idempotent: if a connection exists or
// is being established, Connect returns immediately.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	return m.connect(ctx, false)
}

func (m *ConnectionManager) connect(ctx context.Context, isReconnect bool) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.intentionalClose = false
	m.mu.Unlock()

	wsURL := strings.Replace(m.url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if m.token != "" {
		sep := "?"
		if strings.Contains(wsURL, "?") {
			sep = "&"
		}
		wsURL += sep + "token=" + m.token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.log.Warn().Err(err).Msg("dial failed")
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	// Close may have run while the dial was in flight; the fresh connection
	// must not resurrect the manager.
	if m.intentionalClose {
		m.state = StateDisconnected
		m.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
		return ErrNotConnected
	}
	m.conn = conn
	m.state = StateConnected
	m.cancelFn = cancel
	close(m.connectedCh)
	m.mu.Unlock()
	m.recon.markConnected()

	m.log.Info().Bool("reconnect", isReconnect).Msg("connected")
	m.dispatcher.emitState(StateConnected)
	if isReconnect {
		m.dispatcher.emitReconnected()
	}

	go m.readLoop(connCtx, conn)
	return nil
}

// WaitUntilConnected blocks until the connection is live or timeout elapses,
// in which case it returns ErrConnectionTimeout. Concurrent callers share the
// same pending wait; a disconnected manager is nudged to connect exactly once
// thanks to Connect's idempotency.
func (m *ConnectionManager) WaitUntilConnected(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	ch := m.connectedCh
	kick := m.state == StateDisconnected && !m.intentionalClose
	m.mu.Unlock()

	if kick {
		go func() { _ = m.Connect(context.Background()) }()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send marshals cmd and writes it to the connection.
func (m *ConnectionManager) Send(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close shuts the connection down for good; no reconnection is attempted.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	m.intentionalClose = true
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	conn := m.conn
	m.conn = nil
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	if wasConnected {
		m.connectedCh = make(chan struct{})
	}
	m.mu.Unlock()

	m.dispatcher.emitState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			intentional := m.intentionalClose
			if m.conn == conn {
				m.conn = nil
				m.state = StateDisconnected
				m.connectedCh = make(chan struct{})
			}
			m.mu.Unlock()

			if intentional {
				return
			}

			m.log.Warn().Err(err).Msg("connection lost")
			m.dispatcher.emitState(StateDisconnected)

			if m.autoReconnect && m.recon.shouldReconnect() {
				go m.reconnectLoop()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		m.dispatcher.dispatch(env)
	}
}

func (m *ConnectionManager) reconnectLoop() {
	for {
		m.mu.Lock()
		stop := m.intentionalClose || m.state != StateDisconnected
		if !stop {
			m.state = StateReconnecting
		}
		m.mu.Unlock()
		if stop {
			return
		}

		delay := m.recon.nextDelay()
		m.log.Info().Int("attempt", m.recon.attempt).Dur("delay", delay).Msg("reconnecting")
		m.dispatcher.emitState(StateReconnecting)
		time.Sleep(delay)

		m.mu.Lock()
		if m.intentionalClose {
			m.mu.Unlock()
			return
		}
		// connect() refuses anything but Disconnected.
		m.state = StateDisconnected
		m.mu.Unlock()

		if err := m.connect(context.Background(), true); err == nil {
			return
		}
		if !m.recon.shouldReconnect() {
			m.log.Error().Msg("reconnect attempts exhausted")
			m.mu.Lock()
			m.state = StateDisconnected
			m.mu.Unlock()
			m.dispatcher.emitState(StateDisconnected)
			return
		}
	}
}
