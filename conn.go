package loopline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection state machine
// ============================================================================

// ConnState is the Connection Manager's current state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	// StateDegraded is terminal: automatic retries are exhausted and only a
	// manual Reset or a fresh successful Connect leaves it.
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

var (
	// ErrNotConnected is returned by Send when the machine is not Connected.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthRequired means no session token is available; this is terminal
	// for the connection, not a retryable transport failure.
	ErrAuthRequired = errors.New("authentication required")
	// ErrClosed is returned after the manager has been torn down.
	ErrClosed = errors.New("connection manager closed")
)

const (
	defaultBaseDelay   = 1 * time.Second
	defaultCapDelay    = 10 * time.Second
	defaultMaxAttempts = 5
)

// retryDelay is the backoff schedule: min(base * 2^attempt, cap). The
// attempt counter is incremented before the delay is computed, so the
// first retry after one failure waits base*2.
func retryDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// ============================================================================
// Transport
// ============================================================================

// wsConn abstracts the websocket so the state machine is testable without
// a network or timing dependencies.
type wsConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens the persistent transport.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

type websocketConn struct {
	conn *websocket.Conn
}

func (w *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *websocketConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *websocketConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func websocketDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

// WebsocketURL derives the realtime endpoint from an HTTP base URL.
func WebsocketURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

// ============================================================================
// Connection Manager
// ============================================================================

// ConnConfig configures a ConnManager.
type ConnConfig struct {
	URL     string
	Session *Session

	BaseDelay   time.Duration // default 1s
	CapDelay    time.Duration // default 10s
	MaxAttempts int           // default 5

	Dial   DialFunc // default: websocket dial
	Logger zerolog.Logger

	// OnState is invoked on every state transition.
	OnState func(ConnState)
	// OnRetry is invoked when a reconnection attempt is scheduled.
	OnRetry func(attempt int, delay time.Duration)
}

func (c *ConnConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.CapDelay == 0 {
		c.CapDelay = defaultCapDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Dial == nil {
		c.Dial = websocketDial
	}
}

// ConnManager owns the persistent connection: it is the only component
// that may open, close, or send on it. Inbound frames are delivered on
// Frames() in strict arrival order.
type ConnManager struct {
	cfg ConnConfig
	log zerolog.Logger

	mu         sync.Mutex
	state      ConnState
	conn       wsConn
	attempt    int
	retry      *time.Timer
	cancelRead context.CancelFunc
	closed     bool

	frames chan Frame
}

// NewConnManager creates a manager in the Disconnected state.
func NewConnManager(cfg ConnConfig) *ConnManager {
	cfg.defaults()
	return &ConnManager{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "conn").Logger(),
		state:  StateDisconnected,
		frames: make(chan Frame, 64),
	}
}

// Frames returns the inbound frame stream.
func (cm *ConnManager) Frames() <-chan Frame { return cm.frames }

// State returns the current connection state.
func (cm *ConnManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnManager) setState(s ConnState) {
	cm.mu.Lock()
	if cm.state == s {
		cm.mu.Unlock()
		return
	}
	cm.state = s
	cm.mu.Unlock()
	cm.log.Debug().Stringer("state", s).Msg("state change")
	if cm.cfg.OnState != nil {
		cm.cfg.OnState(s)
	}
}

// Connect establishes the transport and sends the auth intent. A success
// cancels any pending reconnection timer and resets nothing else: the
// attempt counter is cleared only when the server acknowledges the
// session (Authenticating → Connected).
func (cm *ConnManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClosed
	}
	switch cm.state {
	case StateConnecting, StateAuthenticating, StateConnected:
		cm.mu.Unlock()
		return nil
	}
	if cm.retry != nil {
		cm.retry.Stop()
		cm.retry = nil
	}
	token := ""
	if cm.cfg.Session != nil {
		token = cm.cfg.Session.Token
	}
	cm.mu.Unlock()

	if token == "" {
		// Not a transport failure: there is nothing to retry with.
		cm.setState(StateDegraded)
		return ErrAuthRequired
	}

	cm.setState(StateConnecting)

	conn, err := cm.cfg.Dial(ctx, cm.cfg.URL)
	if err != nil {
		cm.scheduleRetry()
		return fmt.Errorf("dial %s: %w", cm.cfg.URL, err)
	}

	cm.setState(StateAuthenticating)

	data, _ := json.Marshal(AuthFrame(token))
	if err := conn.Write(ctx, data); err != nil {
		conn.Close()
		cm.scheduleRetry()
		return fmt.Errorf("send auth: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		cancel()
		conn.Close()
		return ErrClosed
	}
	cm.conn = conn
	cm.cancelRead = cancel
	cm.mu.Unlock()

	go cm.readLoop(readCtx, conn)
	return nil
}

// Send writes a frame. It fails unless the machine is Connected; it never
// silently drops.
func (cm *ConnManager) Send(ctx context.Context, f Frame) error {
	cm.mu.Lock()
	if cm.state != StateConnected {
		state := cm.state
		cm.mu.Unlock()
		return fmt.Errorf("send in state %s: %w", state, ErrNotConnected)
	}
	conn := cm.conn
	cm.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reset returns a Degraded machine to Disconnected with a cleared attempt
// counter, making it eligible for a fresh Connect.
func (cm *ConnManager) Reset() {
	cm.mu.Lock()
	if cm.state != StateDegraded {
		cm.mu.Unlock()
		return
	}
	cm.attempt = 0
	cm.mu.Unlock()
	cm.setState(StateDisconnected)
}

// Close tears the session down: the pending reconnection timer is
// cancelled and the socket closed exactly once.
func (cm *ConnManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	if cm.retry != nil {
		cm.retry.Stop()
		cm.retry = nil
	}
	if cm.cancelRead != nil {
		cm.cancelRead()
		cm.cancelRead = nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.setState(StateDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (cm *ConnManager) readLoop(ctx context.Context, conn wsConn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			cm.mu.Lock()
			closed := cm.closed
			if cm.conn == conn {
				cm.conn = nil
			}
			cm.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			cm.log.Warn().Err(err).Msg("transport failure")
			conn.Close()
			cm.scheduleRetry()
			return
		}

		f, err := DecodeFrame(data)
		if err != nil {
			cm.log.Warn().Err(err).Msg("dropping invalid frame")
			continue
		}

		// The next non-error frame after the auth intent implicitly
		// acknowledges the session.
		if f.Type != FrameError {
			cm.mu.Lock()
			promote := cm.state == StateAuthenticating
			if promote {
				cm.attempt = 0
			}
			cm.mu.Unlock()
			if promote {
				cm.setState(StateConnected)
			}
		}

		select {
		case cm.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// scheduleRetry arms the single reconnection timer, or gives up into
// Degraded once the allowed attempts are exhausted.
func (cm *ConnManager) scheduleRetry() {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.attempt++
	if cm.attempt > cm.cfg.MaxAttempts {
		cm.mu.Unlock()
		cm.log.Error().Int("attempts", cm.cfg.MaxAttempts).Msg("giving up on reconnection")
		cm.setState(StateDegraded)
		return
	}
	attempt := cm.attempt
	delay := retryDelay(cm.cfg.BaseDelay, cm.cfg.CapDelay, attempt)
	if cm.retry != nil {
		cm.retry.Stop()
	}
	cm.retry = time.AfterFunc(delay, func() {
		cm.mu.Lock()
		cm.retry = nil
		closed := cm.closed
		cm.mu.Unlock()
		if closed {
			return
		}
		if err := cm.Connect(context.Background()); err != nil {
			cm.log.Warn().Err(err).Msg("reconnect failed")
		}
	})
	cm.mu.Unlock()

	cm.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnection scheduled")
	cm.setState(StateReconnecting)
	if cm.cfg.OnRetry != nil {
		cm.cfg.OnRetry(attempt, delay)
	}
}
