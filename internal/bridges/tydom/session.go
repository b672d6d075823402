package tydom

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Session defaults, used when the config leaves a value at zero.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultRefreshInterval   = 10 * time.Minute
	defaultReconnectDelay    = 8 * time.Second
	defaultMaxReconnectDelay = 2 * time.Minute

	// reconnectMultiplier grows the delay between failed handshakes.
	reconnectMultiplier = 1.5

	// reconnectJitter randomises each delay by up to ±10%.
	reconnectJitter = 0.1

	mediationPath = "/mediation/client"
)

// State is the connection state of a Session.
type State int32

// Session states.
const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SessionConfig holds the gateway connection settings.
type SessionConfig struct {
	Host     string
	MAC      string
	Password string
	Mode     Mode

	InsecureSkipVerify bool

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	PingInterval    time.Duration
	RefreshInterval time.Duration
	// PollInterval of zero disables cdata polling.
	PollInterval time.Duration

	// HeartbeatInterval of zero disables WebSocket pings.
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// PollSet holds the cdata URLs to poll. Nil disables polling.
	PollSet *PollSet

	Logger Logger
}

func (c *SessionConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = max(defaultMaxReconnectDelay, c.ReconnectDelay)
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
}

// SessionStats holds operational statistics.
type SessionStats struct {
	State          State
	FramesSent     uint64
	FramesReceived uint64
	Errors         uint64
	Reconnects     uint64
	LastActivity   time.Time
}

// Session is the persistent WebSocket connection to the gateway.
//
// Thread Safety:
//   - Send, Bootstrap, Stats, State and Close are safe for concurrent use.
//   - Receive must only be called from one goroutine (Run's consumer loop).
//
// Reconnection:
//   - A reset-class error on Send triggers exactly one reconnect and retry.
//   - A read error in Run triggers a reconnect: close, wait the initial
//     delay, then retry the handshake with capped exponential backoff.
//   - Authentication failures stop reconnection.
type Session struct {
	cfg    SessionConfig
	codec  *Codec
	dialer *websocket.Dialer
	wsURL  string
	uri    string
	logger Logger

	connMu     sync.RWMutex
	conn       *websocket.Conn
	generation atomic.Uint64

	writeMu     sync.Mutex
	reconnectMu sync.Mutex

	state atomic.Int32

	done      chan struct{}
	closeOnce sync.Once

	framesTx     atomic.Uint64
	framesRx     atomic.Uint64
	errorsTotal  atomic.Uint64
	reconnects   atomic.Uint64
	lastActivity atomic.Int64
}

// Dial connects and authenticates to the gateway.
//
// Returns ErrAuthentication when the challenge is missing or rejected and
// ErrCommunication when the gateway cannot be reached.
func Dial(ctx context.Context, cfg SessionConfig) (*Session, error) {
	s, err := newSession(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := s.handshake(ctx)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return nil, err
	}
	s.install(conn)
	s.logger.Info("connected to gateway", "host", s.cfg.Host, "mode", s.cfg.Mode.String())
	return s, nil
}

func newSession(cfg SessionConfig) (*Session, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidHost)
	}
	mac := NormalizeMAC(cfg.MAC)
	if !macPattern.MatchString(mac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, cfg.MAC)
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: gateway password is required", ErrInvalidPassword)
	}
	cfg.MAC = mac
	cfg.applyDefaults()

	uri := mediationPath + "?mac=" + url.QueryEscape(mac) + "&appli=1"
	return &Session{
		cfg:   cfg,
		codec: NewCodec(cfg.Mode),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Gateways ship self-signed certificates
			},
		},
		wsURL:  "wss://" + cfg.Host + uri,
		uri:    uri,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}, nil
}

// handshake performs the unauthenticated upgrade, answers the digest
// challenge and returns the authenticated connection.
func (s *Session) handshake(ctx context.Context) (*websocket.Conn, error) {
	s.state.Store(int32(StateHandshaking))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err == nil {
		return conn, nil
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrCommunication, s.cfg.Host, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: unexpected handshake status %d", ErrClient, resp.StatusCode)
	}

	ch, err := parseChallenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return nil, err
	}
	cnonce, err := newCNonce()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", digestAuthorization(ch, realmFor(s.cfg.Mode), s.cfg.MAC, s.cfg.Password, s.uri, cnonce))

	conn, resp, err = s.dialer.DialContext(ctx, s.wsURL, header)
	if err == nil {
		return conn, nil
	}
	switch {
	case resp == nil:
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrCommunication, s.cfg.Host, err)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: gateway rejected digest credentials", ErrAuthentication)
	default:
		return nil, fmt.Errorf("%w: unexpected handshake status %d", ErrClient, resp.StatusCode)
	}
}

// install makes conn the live connection.
func (s *Session) install(conn *websocket.Conn) {
	if s.cfg.HeartbeatInterval > 0 {
		window := s.cfg.HeartbeatInterval + s.cfg.PongTimeout
		_ = conn.SetReadDeadline(time.Now().Add(window)) //nolint:errcheck // Fresh connection
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(window))
		})
	}

	s.connMu.Lock()
	s.conn = conn
	s.generation.Add(1)
	s.connMu.Unlock()

	s.state.Store(int32(StateConnected))
	s.lastActivity.Store(time.Now().Unix())
}

func (s *Session) current() (*websocket.Conn, uint64) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn, s.generation.Load()
}

func (s *Session) dropConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	s.state.Store(int32(StateDisconnected))
}

// Send writes one request frame. On a connection-reset error it reconnects
// once and retries.
func (s *Session) Send(ctx context.Context, method, path string, body []byte) error {
	if s.isClosed() {
		return ErrClosed
	}

	gen, err := s.sendOnce(ctx, method, path, body)
	if err == nil || !isResetError(err) {
		return err
	}

	s.logger.Info("connection reset on send, reconnecting", "method", method, "path", path, "error", err)
	if rerr := s.reconnect(ctx, gen); rerr != nil {
		return fmt.Errorf("%w (reconnect: %w)", err, rerr)
	}
	_, err = s.sendOnce(ctx, method, path, body)
	return err
}

// sendOnce writes one frame without retrying and returns the generation of
// the connection used.
func (s *Session) sendOnce(ctx context.Context, method, path string, body []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCommunication, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, gen := s.current()
	if conn == nil {
		return gen, ErrNotConnected
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return gen, fmt.Errorf("%w: set deadline: %w", ErrCommunication, err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, s.codec.Encode(method, path, body)); err != nil {
		s.errorsTotal.Add(1)
		return gen, fmt.Errorf("%w: write %s %s: %w", ErrCommunication, method, path, err)
	}

	s.framesTx.Add(1)
	s.lastActivity.Store(time.Now().Unix())
	s.logger.Debug("sent frame", "method", method, "path", path)
	return gen, nil
}

// bootstrapRequests is the request sequence that makes the gateway report
// its identity, configuration, metadata and current state.
var bootstrapRequests = []struct {
	method, path string
	body         []byte
}{
	{http.MethodGet, "/info", nil},
	{http.MethodPut, "/configs/gateway/api_mode", nil},
	{http.MethodPost, "/refresh/all", nil},
	{http.MethodGet, "/configs/file", nil},
	{http.MethodGet, "/devices/cmeta", nil},
	{http.MethodGet, "/devices/meta", nil},
	{http.MethodGet, "/devices/data", nil},
	{http.MethodGet, "/scenarios/file", nil},
	{http.MethodGet, "/groups/file", nil},
}

// Bootstrap sends the full discovery sequence. Responses arrive through Run.
func (s *Session) Bootstrap(ctx context.Context) error {
	for _, r := range bootstrapRequests {
		if err := s.Send(ctx, r.method, r.path, r.body); err != nil {
			return fmt.Errorf("bootstrap %s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// bootstrapOnce replays the sequence without the reconnect path; it runs
// while reconnectMu is held.
func (s *Session) bootstrapOnce(ctx context.Context) error {
	for _, r := range bootstrapRequests {
		if _, err := s.sendOnce(ctx, r.method, r.path, r.body); err != nil {
			return fmt.Errorf("bootstrap %s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// Receive reads the next frame. Undecodable frames are logged and returned
// as nil with no error. A read failure returns ErrCommunication.
func (s *Session) Receive() (*Frame, error) {
	f, _, err := s.receive()
	return f, err
}

func (s *Session) receive() (*Frame, uint64, error) {
	conn, gen := s.current()
	if conn == nil {
		return nil, gen, ErrNotConnected
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		s.errorsTotal.Add(1)
		return nil, gen, fmt.Errorf("%w: read: %w", ErrCommunication, err)
	}
	s.framesRx.Add(1)
	s.lastActivity.Store(time.Now().Unix())
	if s.cfg.HeartbeatInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatInterval + s.cfg.PongTimeout)) //nolint:errcheck // Next read reports failures
	}

	if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
		return nil, gen, nil
	}

	f, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
		return nil, gen, nil
	}
	return f, gen, nil
}

// reconnect replaces the connection of generation failed. Concurrent
// callers for the same generation wait for one reconnect.
func (s *Session) reconnect(ctx context.Context, failed uint64) error {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}
	if _, gen := s.current(); gen != failed {
		return nil
	}

	s.dropConn()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-time.After(s.cfg.ReconnectDelay):
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectDelay
	b.Multiplier = reconnectMultiplier
	b.MaxInterval = s.cfg.MaxReconnectDelay
	b.RandomizationFactor = reconnectJitter

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		if s.isClosed() {
			return nil, backoff.Permanent(ErrClosed)
		}
		attempt++
		s.logger.Info("attempting reconnection", "attempt", attempt)
		conn, err := s.handshake(ctx)
		if errors.Is(err, ErrAuthentication) {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.errorsTotal.Add(1)
			s.logger.Warn("reconnect failed", "error", err, "retry_in", next.String())
		}),
	)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return err
	}

	if s.isClosed() {
		conn.Close()
		return ErrClosed
	}
	s.install(conn)
	s.reconnects.Add(1)
	s.logger.Info("reconnection successful", "total_reconnects", s.reconnects.Load())

	if err := s.bootstrapOnce(ctx); err != nil {
		s.logger.Warn("bootstrap after reconnect failed", "error", err)
	}
	return nil
}

// FrameHandler processes one decoded frame on the consumer loop.
type FrameHandler func(*Frame)

// Run drives the session until ctx is cancelled or reconnection fails
// permanently. It runs the consumer loop plus the keepalive, heartbeat,
// refresh and cdata poll loops. Periodic send errors are logged, not
// returned.
func (s *Session) Run(ctx context.Context, handler FrameHandler) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.consume(gctx, handler) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		// Unblocks the consumer's pending read.
		s.dropConn()
		return nil
	})
	g.Go(func() error {
		s.every(gctx, s.cfg.PingInterval, "ping", func(ctx context.Context) error {
			return s.Send(ctx, http.MethodGet, "/ping", nil)
		})
		return nil
	})
	g.Go(func() error {
		s.every(gctx, s.cfg.RefreshInterval, "refresh", s.Bootstrap)
		return nil
	})
	if s.cfg.HeartbeatInterval > 0 {
		g.Go(func() error {
			s.every(gctx, s.cfg.HeartbeatInterval, "heartbeat", s.heartbeat)
			return nil
		})
	}
	if s.cfg.PollInterval > 0 && s.cfg.PollSet != nil {
		g.Go(func() error {
			s.every(gctx, s.cfg.PollInterval, "poll", s.poll)
			return nil
		})
	}

	return g.Wait()
}

func (s *Session) consume(ctx context.Context, handler FrameHandler) error {
	for {
		if ctx.Err() != nil || s.isClosed() {
			return nil
		}

		f, gen, err := s.receive()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			s.logger.Warn("gateway connection lost", "error", err)
			if rerr := s.reconnect(ctx, gen); rerr != nil {
				if ctx.Err() != nil || errors.Is(rerr, ErrClosed) {
					return nil
				}
				return fmt.Errorf("reconnecting: %w", rerr)
			}
			continue
		}
		if f != nil {
			s.dispatch(handler, f)
		}
	}
}

// dispatch calls the handler, recovering panics so one bad frame cannot
// stop the consumer loop.
func (s *Session) dispatch(handler FrameHandler, f *Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("frame handler panicked", "panic", fmt.Sprint(r), "resource", f.Resource())
		}
	}()
	handler(f)
}

func (s *Session) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic "+name+" failed", "error", err)
			}
		}
	}
}

func (s *Session) heartbeat(context.Context) error {
	conn, _ := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrCommunication, err)
	}
	return nil
}

func (s *Session) poll(ctx context.Context) error {
	for _, u := range s.cfg.PollSet.URLs() {
		if err := s.Send(ctx, http.MethodGet, u, nil); err != nil {
			return fmt.Errorf("polling %s: %w", u, err)
		}
	}
	return nil
}

// State returns the connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected reports whether the session has a live connection.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Mode returns the connection mode.
func (s *Session) Mode() Mode {
	return s.cfg.Mode
}

// Stats returns current operational statistics.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		State:          s.State(),
		FramesSent:     s.framesTx.Load(),
		FramesReceived: s.framesRx.Load(),
		Errors:         s.errorsTotal.Load(),
		Reconnects:     s.reconnects.Load(),
		LastActivity:   time.Unix(s.lastActivity.Load(), 0),
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close closes the connection and stops Run. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if conn, _ := s.current(); conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // Best effort
		}
		s.dropConn()
		s.logger.Info("gateway session closed")
	})
	return nil
}

// isResetError reports whether err means the connection is gone and a
// reconnect may help.
func isResetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
