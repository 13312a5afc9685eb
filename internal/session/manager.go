package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mxchat/internal/buildinfo"
	"github.com/nugget/mxchat/internal/config"
)

// Sentinel errors returned by the send path.
var (
	// ErrNotReady is returned by Send while the session is not Open.
	ErrNotReady = errors.New("session not ready")

	// ErrClosed is returned by waiters when the session was closed
	// explicitly.
	ErrClosed = errors.New("session closed")
)

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange describes one transition, delivered to observers.
type StateChange struct {
	From State
	To   State

	// Err is the transport error behind a transition to Closed, nil
	// for explicit closes and successful transitions.
	Err error

	// Attempt is the reconnect attempt counter after the transition.
	Attempt int

	// RetryIn is the scheduled reconnect delay; zero when no
	// reconnect is pending.
	RetryIn time.Duration
}

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	State      State
	URL        string
	ReadySince time.Time
	Attempt    int
}

// Config controls a Manager. Zero values are replaced by defaults.
type Config struct {
	Backoff Backoff

	// ConnectTimeout bounds dial plus handshake (default: 10s).
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single frame write (default: 10s).
	WriteTimeout time.Duration

	// ReadLimit caps inbound frame size (default: 64 MiB; preview
	// images arrive as single binary frames).
	ReadLimit int64

	// Header is sent with the handshake request.
	Header http.Header

	Logger *slog.Logger
}

// timer is the part of *time.Timer the manager uses, so tests can
// substitute a manual scheduler.
type timer interface {
	Stop() bool
}

// Manager owns one WebSocket connection at a time. All methods are
// safe for concurrent use. Observers run on the goroutine that saw the
// transport event, in arrival order, outside the manager's lock.
type Manager struct {
	cfg       Config
	dialer    *websocket.Dialer
	logger    *slog.Logger
	afterFunc func(time.Duration, func()) timer

	mu         sync.Mutex
	url        string
	state      State
	conn       *websocket.Conn
	gen        uint64 // bumped whenever the current connection is superseded
	attempt    int
	readySince time.Time
	explicit   bool
	retry      timer
	cancelDial context.CancelFunc
	ready      chan struct{} // closed while state == Open
	closed     chan struct{} // closed by an explicit Close

	writeMu sync.Mutex

	obsMu   sync.RWMutex
	onFrame []func(Frame)
	onState []func(StateChange)
}

// New creates a Manager. It does not connect until Open is called.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 20
	}
	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", buildinfo.UserAgent())
	}
	cfg.Header = header

	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		logger: cfg.Logger,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// OnMessage registers an observer for inbound frames.
func (m *Manager) OnMessage(fn func(Frame)) {
	m.obsMu.Lock()
	m.onFrame = append(m.onFrame, fn)
	m.obsMu.Unlock()
}

// OnStateChange registers an observer for lifecycle transitions.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.obsMu.Lock()
	m.onState = append(m.onState, fn)
	m.obsMu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:      m.state,
		URL:        m.url,
		ReadySince: m.readySince,
		Attempt:    m.attempt,
	}
}

// Open starts connecting to rawURL. A live or pending connection is
// torn down first, so calling Open twice leaves exactly one connection.
// Open also clears a previous explicit Close.
func (m *Manager) Open(rawURL string) {
	m.mu.Lock()
	old := m.teardownLocked()
	m.url = rawURL
	m.explicit = false
	select {
	case <-m.closed:
		m.closed = make(chan struct{})
	default:
	}
	gen := m.gen
	change := m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.logger.Info("connecting session", "url", rawURL)
	m.emitState(change)

	go m.connect(gen, rawURL)
}

// Close shuts the session down for good: the pending reconnect (if
// any) is cancelled, an in-flight dial is aborted, and the resulting
// close does not schedule another attempt.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.explicit && m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.explicit = true
	conn := m.teardownLocked()

	var changes []StateChange
	if conn != nil {
		changes = append(changes, m.setStateLocked(StateClosing, nil))
	}
	changes = append(changes, m.setStateLocked(StateClosed, nil))
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	m.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}

	m.logger.Info("session closed")
	for _, c := range changes {
		m.emitState(c)
	}
	return err
}

// Send serialises v as JSON and writes it immediately. It returns
// ErrNotReady unless the session is Open; nothing is queued.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrNotReady
	}
	conn := m.conn
	m.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	m.logger.Log(context.Background(), config.LevelTrace, "session frame sent", "payload", string(data))
	return nil
}

// Ready returns a channel that is closed while the session is Open.
// The channel is replaced when the session leaves Open, so callers
// must fetch a fresh one for every wait.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// WaitReady blocks until the session is Open, ctx is done, or the
// session is closed explicitly.
func (m *Manager) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	ready, closed := m.ready, m.closed
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendWhenReady sends v exactly once, waiting for the session to
// become Open first. If the session drops between readiness and the
// write it waits for the next Open rather than sending twice.
func (m *Manager) SendWhenReady(ctx context.Context, v any) error {
	for {
		if err := m.WaitReady(ctx); err != nil {
			return err
		}
		err := m.Send(v)
		if errors.Is(err, ErrNotReady) {
			continue
		}
		return err
	}
}

// connect dials one attempt for generation gen and, on success, runs
// the read loop on the calling goroutine until the connection ends.
func (m *Manager) connect(gen uint64, rawURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.cancelDial = cancel
	m.mu.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, rawURL, m.cfg.Header)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("not open after %s: %w", m.cfg.ConnectTimeout, err)
		}
		m.disconnected(gen, fmt.Errorf("dial: %w", err))
		return
	}
	conn.SetReadLimit(m.cfg.ReadLimit)

	m.mu.Lock()
	if gen != m.gen {
		// Superseded by Open or Close while the handshake finished.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.cancelDial = nil
	m.conn = conn
	m.attempt = 0
	m.readySince = time.Now()
	change := m.setStateLocked(StateOpen, nil)
	close(m.ready)
	m.mu.Unlock()

	m.logger.Info("session open", "url", rawURL)
	m.emitState(change)

	m.readLoop(gen, conn)
}

// readLoop delivers frames until the connection fails.
func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			m.disconnected(gen, err)
			return
		}
		if m.stale(gen) {
			return
		}

		var frame Frame
		switch mt {
		case websocket.TextMessage:
			frame = Frame{Kind: TextFrame, Data: data}
			m.logger.Log(context.Background(), config.LevelTrace, "session frame received", "payload", string(data))
		case websocket.BinaryMessage:
			frame, err = DecodeBinary(data)
			if err != nil {
				m.logger.Warn("dropping binary frame", "error", err)
				continue
			}
			m.logger.Debug("binary frame received", "event_type", frame.EventType, "bytes", len(frame.Data))
		default:
			continue
		}
		m.emitFrame(frame)
	}
}

// disconnected records the end of connection generation gen and
// schedules the next attempt. Events from superseded generations are
// ignored; an explicit Close always bumps the generation first, so it
// never reaches the reconnect path.
func (m *Manager) disconnected(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.cancelDial = nil
	if m.state == StateOpen {
		m.ready = make(chan struct{})
	}

	delay := m.cfg.Backoff.Delay(m.attempt)
	m.attempt++
	change := m.setStateLocked(StateClosed, cause)
	change.RetryIn = delay
	m.scheduleLocked(gen, delay)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Info("session closed by peer", "retry_in", delay.String(), "attempt", change.Attempt)
	} else {
		m.logger.Warn("session lost", "error", cause, "retry_in", delay.String(), "attempt", change.Attempt)
	}
	m.emitState(change)
}

// scheduleLocked arms the single reconnect timer, cancelling any
// previously pending one.
func (m *Manager) scheduleLocked(gen uint64, delay time.Duration) {
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = m.afterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.explicit || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.gen++
	next := m.gen
	rawURL := m.url
	change := m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.logger.Debug("reconnecting session", "url", rawURL, "attempt", change.Attempt)
	m.emitState(change)

	go m.connect(next, rawURL)
}

// teardownLocked supersedes the current connection: it bumps the
// generation, cancels the pending reconnect and in-flight dial, and
// hands back the live connection for the caller to close.
func (m *Manager) teardownLocked() *websocket.Conn {
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.state == StateOpen {
		m.ready = make(chan struct{})
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) setStateLocked(to State, cause error) StateChange {
	c := StateChange{From: m.state, To: to, Err: cause, Attempt: m.attempt}
	m.state = to
	return c
}

func (m *Manager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen
}

func (m *Manager) emitState(c StateChange) {
	if c.From == c.To && c.Err == nil {
		return
	}
	m.obsMu.RLock()
	handlers := m.onState
	m.obsMu.RUnlock()
	for _, fn := range handlers {
		fn(c)
	}
}

func (m *Manager) emitFrame(f Frame) {
	m.obsMu.RLock()
	handlers := m.onFrame
	m.obsMu.RUnlock()
	for _, fn := range handlers {
		fn(f)
	}
}
