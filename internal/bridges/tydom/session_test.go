package tydom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	stubMAC      = "001A25123456"
	stubPassword = "gateway-pass"
	stubNonce    = "a1b2c3d4"
	stubOpaque   = "0f0e0d"
)

// stubRequest is one request frame the stub gateway received.
type stubRequest struct {
	conn int
	line string
}

// gatewayStub is a TLS WebSocket server that challenges with digest auth
// the way the gateway does.
type gatewayStub struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	requests chan stubRequest

	mu     sync.Mutex
	conns  []*websocket.Conn
	denied int
}

func newGatewayStub(t *testing.T) *gatewayStub {
	t.Helper()

	g := &gatewayStub{
		t:        t,
		requests: make(chan stubRequest, 256),
	}
	g.srv = httptest.NewTLSServer(http.HandlerFunc(g.handle))
	t.Cleanup(func() {
		g.mu.Lock()
		for _, c := range g.conns {
			c.Close()
		}
		g.mu.Unlock()
		g.srv.Close()
	})
	return g
}

func (g *gatewayStub) host() string {
	return strings.TrimPrefix(g.srv.URL, "https://")
}

func (g *gatewayStub) config(password string) SessionConfig {
	return SessionConfig{
		Host:               g.host(),
		MAC:                stubMAC,
		Password:           password,
		Mode:               ModeLocal,
		InsecureSkipVerify: true,
		ConnectTimeout:     2 * time.Second,
		ReconnectDelay:     10 * time.Millisecond,
		MaxReconnectDelay:  50 * time.Millisecond,
	}
}

func (g *gatewayStub) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != mediationPath || r.URL.Query().Get("mac") != stubMAC {
		http.NotFound(w, r)
		return
	}

	auth := r.Header.Get("Authorization")
	if auth == "" || !g.verify(auth, r.URL.RequestURI()) {
		g.mu.Lock()
		if auth != "" {
			g.denied++
		}
		g.mu.Unlock()
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Digest realm="%s", qop="auth", nonce="%s", opaque="%s"`, realmLocal, stubNonce, stubOpaque))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	g.mu.Lock()
	g.conns = append(g.conns, conn)
	idx := len(g.conns) - 1
	g.mu.Unlock()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			line, _, _ := strings.Cut(string(data), "\r\n")
			g.requests <- stubRequest{conn: idx, line: strings.TrimSuffix(line, " HTTP/1.1")}
		}
	}()
}

func (g *gatewayStub) verify(auth, uri string) bool {
	var cnonce string
	for _, part := range splitParams(strings.TrimPrefix(auth, "Digest ")) {
		key, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		if key == "cnonce" {
			cnonce = strings.Trim(value, `"`)
		}
	}
	want := digestAuthorization(challenge{Realm: realmLocal, Nonce: stubNonce, QOP: "auth", Opaque: stubOpaque},
		realmLocal, stubMAC, stubPassword, uri, cnonce)
	return auth == want
}

func (g *gatewayStub) conn(t *testing.T, idx int) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		if len(g.conns) > idx {
			c := g.conns[idx]
			g.mu.Unlock()
			return c
		}
		g.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gateway stub never saw connection %d", idx)
	return nil
}

// nextRequest waits for the next request frame on connection idx,
// discarding frames from other connections.
func (g *gatewayStub) nextRequest(t *testing.T, idx int) string {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-g.requests:
			if r.conn == idx {
				return r.line
			}
		case <-timeout:
			t.Fatalf("no request on connection %d", idx)
			return ""
		}
	}
}

func (g *gatewayStub) push(t *testing.T, idx int, frame string) {
	t.Helper()
	if err := g.conn(t, idx).WriteMessage(websocket.BinaryMessage, []byte(frame)); err != nil {
		t.Fatalf("stub write failed: %v", err)
	}
}

func responseFrame(origin, body string) string {
	return "HTTP/1.1 200 OK\r\n" +
		"Server: Tydom-" + stubMAC + "\r\n" +
		"Uri-Origin: " + origin + "\r\n" +
		"Content-Type: application/json\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body)) +
		body
}

func TestDial(t *testing.T) {
	g := newGatewayStub(t)

	s, err := Dial(context.Background(), g.config(stubPassword))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	if !s.IsConnected() {
		t.Errorf("State() = %v, want connected", s.State())
	}
	if s.Mode() != ModeLocal {
		t.Errorf("Mode() = %v, want local", s.Mode())
	}
}

func TestDial_WrongPassword(t *testing.T) {
	g := newGatewayStub(t)

	_, err := Dial(context.Background(), g.config("wrong"))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Dial() error = %v, want ErrAuthentication", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied != 1 {
		t.Errorf("stub denied %d digest answers, want 1", g.denied)
	}
}

func TestDial_Unreachable(t *testing.T) {
	g := newGatewayStub(t)
	cfg := g.config(stubPassword)
	g.srv.Close()

	_, err := Dial(context.Background(), cfg)
	if !errors.Is(err, ErrCommunication) {
		t.Errorf("Dial() error = %v, want ErrCommunication", err)
	}
}

func TestDial_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SessionConfig
		wantErr error
	}{
		{"no host", SessionConfig{MAC: stubMAC, Password: "x"}, ErrInvalidHost},
		{"bad mac", SessionConfig{Host: "192.168.1.20", MAC: "zz", Password: "x"}, ErrInvalidMAC},
		{"no password", SessionConfig{Host: "192.168.1.20", MAC: stubMAC}, ErrInvalidPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Dial(context.Background(), tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Dial() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSession_SendAndReceive(t *testing.T) {
	g := newGatewayStub(t)
	s, err := Dial(context.Background(), g.config(stubPassword))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	if err := s.Send(context.Background(), http.MethodPut, "/devices/1/endpoints/100/data", []byte(`[{"name":"position","value":50}]`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := g.nextRequest(t, 0); got != "PUT /devices/1/endpoints/100/data" {
		t.Errorf("gateway received %q", got)
	}

	g.push(t, 0, responseFrame("/info", `{"productName":"TYDOM2"}`))
	f, err := s.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if f.OriginPath != "/info" || string(f.Body) != `{"productName":"TYDOM2"}` {
		t.Errorf("Receive() = %+v", f)
	}

	g.push(t, 0, "garbage")
	if f, err := s.Receive(); err != nil || f != nil {
		t.Errorf("Receive() on undecodable frame = %v, %v; want nil, nil", f, err)
	}

	stats := s.Stats()
	if stats.FramesSent != 1 || stats.FramesReceived != 2 {
		t.Errorf("Stats() = %+v, want 1 sent and 2 received", stats)
	}
}

func TestSession_Bootstrap(t *testing.T) {
	g := newGatewayStub(t)
	s, err := Dial(context.Background(), g.config(stubPassword))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	want := []string{
		"GET /info",
		"PUT /configs/gateway/api_mode",
		"POST /refresh/all",
		"GET /configs/file",
		"GET /devices/cmeta",
		"GET /devices/meta",
		"GET /devices/data",
		"GET /scenarios/file",
		"GET /groups/file",
	}
	for i, w := range want {
		if got := g.nextRequest(t, 0); got != w {
			t.Errorf("bootstrap request %d = %q, want %q", i, got, w)
		}
	}
}

func TestSession_Close(t *testing.T) {
	g := newGatewayStub(t)
	s, err := Dial(context.Background(), g.config(stubPassword))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if s.IsConnected() {
		t.Error("session still connected after Close()")
	}
	if err := s.Send(context.Background(), http.MethodGet, "/ping", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close() error = %v, want ErrClosed", err)
	}
}

func TestSession_RunDispatchesAndPolls(t *testing.T) {
	g := newGatewayStub(t)
	cfg := g.config(stubPassword)
	cfg.PollSet = NewPollSet()
	cfg.PollSet.Add("/devices/7/endpoints/7/cdata?name=energyInstant&unit=ELEC_A")
	cfg.PollInterval = 20 * time.Millisecond

	s, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	frames := make(chan *Frame, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(f *Frame) {
			if f.OriginPath == "/panic" {
				panic("boom")
			}
			frames <- f
		})
	}()

	if got := g.nextRequest(t, 0); got != "GET /devices/7/endpoints/7/cdata?name=energyInstant&unit=ELEC_A" {
		t.Errorf("poll request = %q", got)
	}

	g.push(t, 0, responseFrame("/panic", `{}`))
	g.push(t, 0, responseFrame("/devices/data", `[]`))
	select {
	case f := <-frames:
		if f.OriginPath != "/devices/data" {
			t.Errorf("handler got %q, want /devices/data", f.OriginPath)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received a frame after the panicking one")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestSession_ReconnectsAndReplaysBootstrap(t *testing.T) {
	g := newGatewayStub(t)
	s, err := Dial(context.Background(), g.config(stubPassword))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, func(*Frame) {})

	g.conn(t, 0).Close()

	g.conn(t, 1)
	if got := g.nextRequest(t, 1); got != "GET /info" {
		t.Errorf("first request after reconnect = %q, want GET /info", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Reconnects != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
}

func TestSession_SendRetriesOnceAfterReset(t *testing.T) {
	g := newGatewayStub(t)
	s, err := Dial(context.Background(), g.config(stubPassword))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	// Both ends go away: the gateway drops the socket and the next write
	// on the client side fails with a closed connection.
	g.conn(t, 0).Close()
	conn, _ := s.current()
	conn.UnderlyingConn().Close()

	const want = "PUT /devices/100/endpoints/1/data"
	if err := s.Send(context.Background(), http.MethodPut, "/devices/100/endpoints/1/data", []byte(`[{"name":"position","value":50}]`)); err != nil {
		t.Fatalf("Send() error = %v, want success after reconnect", err)
	}

	if got := s.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
	if !s.IsConnected() {
		t.Error("session not connected after retry")
	}

	// The bootstrap replay comes first on the new connection, then the
	// retried frame.
	seen := 0
	for {
		got := g.nextRequest(t, 1)
		if got == want {
			break
		}
		seen++
		if seen > len(bootstrapRequests) {
			t.Fatalf("retried frame never arrived on the new connection, last = %q", got)
		}
	}
	if seen != len(bootstrapRequests) {
		t.Errorf("requests before retried frame = %d, want %d bootstrap requests", seen, len(bootstrapRequests))
	}
}

func TestSession_RunReturnsWhenClosed(t *testing.T) {
	g := newGatewayStub(t)
	s, err := Dial(context.Background(), g.config(stubPassword))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), func(*Frame) {}) }()

	g.conn(t, 0)
	s.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Close with a live context")
	}
}

func TestIsResetError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotConnected, true},
		{fmt.Errorf("wrapped: %w", websocket.ErrCloseSent), true},
		{&websocket.CloseError{Code: websocket.CloseAbnormalClosure}, true},
		{ErrAuthentication, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := isResetError(tt.err); got != tt.want {
			t.Errorf("isResetError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateHandshaking:  "handshaking",
		StateConnected:    "connected",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
