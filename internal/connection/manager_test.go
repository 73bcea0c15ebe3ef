package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/realtime/internal/credential"
	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime/internal/feed"
	"github.com/weiawesome/wes-io-live/realtime/internal/router"
	"github.com/weiawesome/wes-io-live/realtime/internal/transport"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	onSend func()
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.sent = append(c.sent, frame)
	onSend := c.onSend
	c.mu.Unlock()
	if onSend != nil {
		onSend()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []domain.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Envelope, 0, len(c.sent))
	for _, frame := range c.sent {
		env, err := domain.ParseEnvelope(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	fail     bool
	dropOnce bool // the next conn is closed by the peer right after its first write
	dials    int
	conns    []*fakeConn
	handlers []transport.Handler
}

func (d *fakeDialer) Dial(_ context.Context, _ string, h transport.Handler) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{}
	if d.dropOnce {
		d.dropOnce = false
		var once sync.Once
		c.onSend = func() { once.Do(func() { h.OnClose(errors.New("connection reset by peer")) }) }
	}
	d.conns = append(d.conns, c)
	d.handlers = append(d.handlers, h)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) last() (*fakeConn, transport.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1], d.handlers[len(d.handlers)-1]
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualScheduler records timers instead of running them; tests fire them explicitly.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) schedule(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

func (s *manualScheduler) fireLast() {
	s.mu.Lock()
	t := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	t.fn()
}

type harness struct {
	manager   *Manager
	router    *router.Router
	dialer    *fakeDialer
	scheduler *manualScheduler

	mu     sync.Mutex
	states []domain.ConnectionPayload
}

func newHarness(t *testing.T, cfg Config, creds credential.Provider) *harness {
	t.Helper()
	h := &harness{
		router:    router.New(),
		dialer:    &fakeDialer{},
		scheduler: &manualScheduler{},
	}
	router.On(h.router, domain.KindConnection, func(_ domain.Envelope, p domain.ConnectionPayload) {
		h.mu.Lock()
		h.states = append(h.states, p)
		h.mu.Unlock()
	})
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://test.invalid/ws"
	}
	h.manager = New(cfg, h.dialer, creds, h.router,
		WithLogger(zerolog.Nop()),
		WithScheduler(h.scheduler.schedule),
	)
	return h
}

func (h *harness) stateNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.states))
	for _, s := range h.states {
		out = append(out, s.State)
	}
	return out
}

func TestNew_Defaults(t *testing.T) {
	m := New(Config{}, &fakeDialer{}, nil, router.New())
	require.Equal(t, Backoff{BaseDelay: DefaultBaseDelay, MaxAttempts: DefaultMaxAttempts}, m.backoff)
	require.Equal(t, domain.StateDisconnected, m.State())
	require.False(t, m.IsConnected())
}

func TestConnect_AuthenticatesAndAnnounces(t *testing.T) {
	h := newHarness(t, Config{}, credential.Static("tok-1"))

	require.NoError(t, h.manager.Connect(context.Background()))
	require.True(t, h.manager.IsConnected())
	require.Equal(t, []string{"connecting", "connected"}, h.stateNames())

	conn, _ := h.dialer.last()
	sent := conn.envelopes(t)
	require.Len(t, sent, 1)
	require.Equal(t, domain.KindAuth, sent[0].Type)
	auth, err := domain.Decode[domain.AuthPayload](sent[0])
	require.NoError(t, err)
	require.Equal(t, "tok-1", auth.Token)
}

func TestConnect_WithoutCredentialSkipsAuth(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	require.NoError(t, h.manager.Connect(context.Background()))
	conn, _ := h.dialer.last()
	require.Empty(t, conn.envelopes(t))
}

func TestConnect_NoopWhileConnected(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.Connect(ctx))
	require.NoError(t, h.manager.Connect(ctx))
	require.Equal(t, 1, h.dialer.dials)
}

func TestReconnect_DoublesDelay(t *testing.T) {
	base := 100 * time.Millisecond
	h := newHarness(t, Config{BaseDelay: base, MaxAttempts: 5}, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	h.dialer.setFail(true)
	_, handler := h.dialer.last()
	handler.OnClose(errors.New("going away"))
	require.Equal(t, domain.StateReconnecting, h.manager.State())

	h.scheduler.fireLast()
	h.scheduler.fireLast()

	require.Equal(t, []time.Duration{base, 2 * base, 4 * base}, h.scheduler.delays())
	require.Equal(t, domain.StateReconnecting, h.manager.State())
	require.Equal(t, 3, h.manager.Attempts())
	require.NotContains(t, h.stateNames(), "failed")
}

func TestReconnect_FailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second, MaxAttempts: 2}, nil)
	ctx := context.Background()
	require.NoError(t, h.manager.Connect(ctx))

	h.dialer.setFail(true)
	_, handler := h.dialer.last()
	handler.OnClose(nil)
	h.scheduler.fireLast()
	h.scheduler.fireLast()

	require.Equal(t, domain.StateFailed, h.manager.State())
	require.Len(t, h.scheduler.delays(), 2, "no timer after the last attempt")
	require.Equal(t, "failed", h.stateNames()[len(h.stateNames())-1])

	// Connect is the explicit restart out of failed.
	h.dialer.setFail(false)
	require.NoError(t, h.manager.Connect(ctx))
	require.True(t, h.manager.IsConnected())
	require.Zero(t, h.manager.Attempts())
}

func TestReconnect_SuccessResetsAttempts(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second}, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	_, handler := h.dialer.last()
	handler.OnClose(nil)
	require.Equal(t, 1, h.manager.Attempts())

	h.scheduler.fireLast()
	require.True(t, h.manager.IsConnected())
	require.Zero(t, h.manager.Attempts())

	_, handler = h.dialer.last()
	handler.OnClose(nil)
	require.Equal(t, []time.Duration{time.Second, time.Second}, h.scheduler.delays())
}

func TestReconnect_StaleCloseIgnored(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	_, first := h.dialer.last()
	first.OnClose(nil)
	h.scheduler.fireLast()
	require.True(t, h.manager.IsConnected())

	first.OnClose(nil)
	require.True(t, h.manager.IsConnected())
	require.Len(t, h.scheduler.delays(), 1)
}

func TestConnect_CloseDuringAuthNotAnnouncedAsConnected(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second}, credential.Static("tok-1"))
	events := feed.NewAggregateFeed(h.router, nil, feed.WithLogger(zerolog.Nop()))
	defer events.Close()
	h.dialer.dropOnce = true

	require.NoError(t, h.manager.Connect(context.Background()))

	require.Equal(t, domain.StateReconnecting, h.manager.State())
	require.False(t, h.manager.IsConnected())
	require.False(t, events.Connected())
	require.Equal(t, []string{"connecting", "reconnecting"}, h.stateNames())
	require.Equal(t, []time.Duration{time.Second}, h.scheduler.delays())

	// The retry connects normally and is announced.
	h.scheduler.fireLast()
	require.True(t, h.manager.IsConnected())
	require.True(t, events.Connected())
	require.Equal(t, []string{"connecting", "reconnecting", "connecting", "connected"}, h.stateNames())
}

func TestConnect_OpaqueTokenIsSent(t *testing.T) {
	guard := credential.NewJWTGuard(credential.Static("opaque-session-token"), zerolog.Nop())
	h := newHarness(t, Config{}, guard)

	require.NoError(t, h.manager.Connect(context.Background()))

	conn, _ := h.dialer.last()
	sent := conn.envelopes(t)
	require.Len(t, sent, 1)
	require.Equal(t, domain.KindAuth, sent[0].Type)
	auth, err := domain.Decode[domain.AuthPayload](sent[0])
	require.NoError(t, err)
	require.Equal(t, "opaque-session-token", auth.Token)
}

func TestConnect_ResolvesCredentialOnce(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, credential.Claims{
		UserID: "user-7",
		Type:   "access",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	var lookups int
	source := credential.ProviderFunc(func(context.Context) (string, error) {
		lookups++
		return token, nil
	})
	h := newHarness(t, Config{}, credential.NewJWTGuard(source, zerolog.Nop()))

	require.NoError(t, h.manager.Connect(context.Background()))
	require.Equal(t, 1, lookups)

	env, err := domain.NewEnvelope(domain.KindChat, domain.ChatPayload{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, h.manager.Send(env))
	conn, _ := h.dialer.last()
	sent := conn.envelopes(t)
	require.Equal(t, "user-7", sent[len(sent)-1].UserID)
}

func TestInbound_UnrecognizedKindStillDispatched(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	var got []domain.EventKind
	h.router.Subscribe(domain.KindWildcard, func(env domain.Envelope) {
		got = append(got, env.Type)
	})

	_, handler := h.dialer.last()
	handler.OnMessage([]byte(`{"type":"poll_started","data":{},"timestamp":1}`))

	require.Equal(t, []domain.EventKind{"poll_started"}, got)
}

func TestDialFailure_SchedulesReconnect(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second}, nil)
	h.dialer.setFail(true)

	err := h.manager.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, domain.StateReconnecting, h.manager.State())
	require.Equal(t, []time.Duration{time.Second}, h.scheduler.delays())
}

func TestSend_WhileDisconnected(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	env, err := domain.NewEnvelope(domain.KindChat, domain.ChatPayload{Text: "hi"})
	require.NoError(t, err)
	require.ErrorIs(t, h.manager.Send(env), ErrNotConnected)
	require.Zero(t, h.dialer.dials)
}

func TestSend_FillsDefaults(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, credential.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           "user-42",
		Type:             "access",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	now := time.UnixMilli(1_700_000_000_000)
	r := router.New()
	dialer := &fakeDialer{}
	m := New(Config{Endpoint: "ws://test.invalid"}, dialer,
		credential.NewJWTGuard(credential.Static(token), zerolog.Nop()), r,
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Send(domain.Envelope{Data: json.RawMessage(`{"x":1}`)}))

	conn, _ := dialer.last()
	sent := conn.envelopes(t)
	require.Len(t, sent, 2)
	got := sent[1]
	require.Equal(t, domain.KindMessage, got.Type)
	require.Equal(t, now.UnixMilli(), got.Timestamp.UnixMilli())
	require.Equal(t, "user-42", got.UserID)
}

func TestInbound_DispatchesAndDropsMalformed(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	var got []string
	router.On(h.router, domain.KindChat, func(_ domain.Envelope, p domain.ChatPayload) {
		got = append(got, p.Text)
	})

	_, handler := h.dialer.last()
	handler.OnMessage([]byte(`not json`))
	handler.OnMessage([]byte(`{"data":{}}`))
	handler.OnMessage([]byte(`{"type":"chat","data":{"text":"hello"},"timestamp":1}`))

	require.Equal(t, []string{"hello"}, got)
	require.True(t, h.manager.IsConnected())
}

func TestStop_CancelsReconnectAndClearsListeners(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	_, handler := h.dialer.last()
	handler.OnClose(nil)
	require.Equal(t, domain.StateReconnecting, h.manager.State())

	h.manager.Stop()
	require.Equal(t, domain.StateDisconnected, h.manager.State())
	require.True(t, h.scheduler.timers[0].stopped)
	require.Zero(t, h.router.Count(domain.KindConnection))
	require.Equal(t, "disconnected", h.stateNames()[len(h.stateNames())-1])

	// A timer that fired anyway must not revive the connection.
	h.scheduler.fireLast()
	require.Equal(t, domain.StateDisconnected, h.manager.State())
	require.Equal(t, 1, h.dialer.dials)

	h.manager.Stop()
}

func TestStop_ClosesSocket(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.manager.Connect(context.Background()))
	conn, _ := h.dialer.last()

	h.manager.Stop()
	require.True(t, conn.closed)
}

func TestManager_OverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	authed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := domain.ParseEnvelope(frame)
		if err != nil {
			return
		}
		auth, _ := domain.Decode[domain.AuthPayload](env)
		authed <- auth.Token

		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"viewer_count","data":{"count":7},"timestamp":1}`))
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	r := router.New()
	counts := make(chan int, 1)
	router.On(r, domain.KindViewerCount, func(_ domain.Envelope, p domain.ViewerCountPayload) {
		counts <- p.Count
	})

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := transport.NewWebSocketDialer(transport.DefaultWebSocketConfig(), nil, zerolog.Nop())
	m := New(Config{Endpoint: endpoint, DialTimeout: 5 * time.Second}, dialer, credential.Static("tok-ws"), r,
		WithLogger(zerolog.Nop()))
	defer m.Stop()

	require.NoError(t, m.Connect(context.Background()))

	select {
	case token := <-authed:
		require.Equal(t, "tok-ws", token)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received auth")
	}
	select {
	case n := <-counts:
		require.Equal(t, 7, n)
	case <-time.After(2 * time.Second):
		t.Fatal("viewer count never dispatched")
	}
}
