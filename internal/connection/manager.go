package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/realtime/internal/credential"
	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime/internal/router"
	"github.com/weiawesome/wes-io-live/realtime/internal/transport"
	pkglog "github.com/weiawesome/wes-io-live/realtime/pkg/log"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
)

// ErrNotConnected is returned by Send when the connection is not open. The
// envelope is dropped.
var ErrNotConnected = errors.New("not connected")

// Config holds the connection settings.
type Config struct {
	Endpoint    string        `mapstructure:"endpoint"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Timer is a pending reconnect that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. It must not run f synchronously.
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manager owns the single persistent connection: its lifecycle, the
// authentication handshake, reconnection and outbound writes.
type Manager struct {
	config   Config
	backoff  Backoff
	dialer   transport.Dialer
	creds    credential.Provider
	router   *router.Router
	schedule Scheduler
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	state    domain.ConnectionState
	conn     transport.Conn
	gen      uint64 // bumped whenever the current connection or timer is superseded
	attempts int
	timer    Timer
	userID   string
	ctx      context.Context
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithScheduler replaces time.AfterFunc for reconnect timers.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		m.schedule = s
	}
}

// WithClock replaces time.Now for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager. creds may be nil, in which case no authentication is sent.
func New(cfg Config, dialer transport.Dialer, creds credential.Provider, r *router.Router, opts ...Option) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if creds == nil {
		creds = credential.None
	}

	m := &Manager{
		config:   cfg,
		backoff:  Backoff{BaseDelay: cfg.BaseDelay, MaxAttempts: cfg.MaxAttempts},
		dialer:   dialer,
		creds:    creds,
		router:   r,
		schedule: afterFunc,
		now:      time.Now,
		logger:   pkglog.L(),
		state:    domain.StateDisconnected,
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str(pkglog.FieldEndpoint, cfg.Endpoint).Logger()
	return m
}

// Start begins connecting in the background and returns immediately.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		if err := m.Connect(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("initial connect failed")
		}
	}()
}

// Connect opens the connection and blocks until the dial completes. It is a
// no-op while connecting or connected. From the failed state it is the
// explicit restart and resets the attempt counter. A failed dial schedules a
// reconnect like a closed connection does, and is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case domain.StateConnecting, domain.StateConnected:
		m.mu.Unlock()
		return nil
	case domain.StateFailed:
		m.attempts = 0
	}
	m.ctx = ctx
	gen, change := m.beginLocked()
	m.mu.Unlock()

	m.publish(change)
	return m.dial(ctx, gen)
}

// beginLocked cancels any pending reconnect and moves to connecting.
func (m *Manager) beginLocked() (uint64, stateChange) {
	m.stopTimerLocked()
	m.gen++
	return m.gen, m.setStateLocked(domain.StateConnecting)
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	dialCtx := ctx
	if m.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.config.DialTimeout)
		defer cancel()
	}

	connID := uuid.New().String()
	l := m.logger.With().Str(pkglog.FieldConnectionID, connID).Logger()

	conn, err := m.dialer.Dial(dialCtx, m.config.Endpoint, transport.Handler{
		OnMessage: func(frame []byte) { m.handleFrame(l, frame) },
		OnError:   func(err error) { l.Warn().Err(err).Msg("transport error") },
		OnClose:   func(err error) { m.handleClose(gen, err) },
	})
	if err != nil {
		l.Warn().Err(err).Msg("connection failed")
		m.handleClose(gen, err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		// Stopped, or the connection already closed while Dial was returning.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.attempts = 0
	change := m.setStateLocked(domain.StateConnected)
	m.mu.Unlock()

	l.Info().Msg("connected")

	// Authenticate before announcing connectivity so subscribers reacting to it
	// (stream rejoin) are sent after the handshake.
	m.authenticate(ctx, l)
	m.publish(change)
	return nil
}

func (m *Manager) authenticate(ctx context.Context, l zerolog.Logger) {
	token, claims, err := m.resolveCredential(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNoCredential) {
			l.Debug().Msg("no credential available, skipping authentication")
		} else {
			l.Warn().Err(err).Msg("credential lookup failed, skipping authentication")
		}
		return
	}

	if claims != nil && claims.UserID != "" {
		m.mu.Lock()
		m.userID = claims.UserID
		m.mu.Unlock()
	}

	env, err := domain.NewEnvelope(domain.KindAuth, domain.AuthPayload{Token: token})
	if err != nil {
		l.Error().Err(err).Msg("failed to build auth envelope")
		return
	}
	if err := m.Send(env); err != nil {
		l.Warn().Err(err).Msg("failed to send auth envelope")
		return
	}

	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()
	l.Debug().Str(pkglog.FieldUserID, userID).Msg("auth sent")
}

// resolveCredential resolves the token once per handshake. Claims are nil when the
// provider cannot describe the user or the token is opaque.
func (m *Manager) resolveCredential(ctx context.Context) (string, *credential.Claims, error) {
	if ip, ok := m.creds.(credential.IdentityProvider); ok {
		return ip.Credential(ctx)
	}
	token, err := m.creds.Token(ctx)
	return token, nil, err
}

func (m *Manager) handleFrame(l zerolog.Logger, frame []byte) {
	env, err := domain.ParseEnvelope(frame)
	if err != nil {
		l.Warn().Err(err).Int("size", len(frame)).Msg("dropping malformed envelope")
		return
	}
	if !env.Type.Known() {
		l.Debug().Str(pkglog.FieldEventType, env.Type.String()).Msg("dispatching unrecognized event type")
	}
	m.router.Dispatch(env)
}

func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.gen++
	m.attempts++

	attempt := m.attempts
	delay := m.backoff.DelayAfter(attempt)
	retry := delay != InfiniteDelay
	var change stateChange
	if retry {
		change = m.setStateLocked(domain.StateReconnecting)
		next := m.gen
		m.timer = m.schedule(delay, func() { m.reconnect(next) })
	} else {
		change = m.setStateLocked(domain.StateFailed)
	}
	m.mu.Unlock()

	if retry {
		m.logger.Info().Err(cause).
			Int(pkglog.FieldAttempt, attempt).
			Int64(pkglog.FieldDelay, delay.Milliseconds()).
			Msg("connection closed, reconnect scheduled")
	} else {
		m.logger.Error().Err(cause).
			Int(pkglog.FieldAttempt, attempt).
			Stringer("backoff", m.backoff).
			Msg("reconnect attempts exhausted")
	}
	m.publish(change)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != domain.StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx := m.ctx
	if ctx.Err() != nil {
		m.gen++
		change := m.setStateLocked(domain.StateDisconnected)
		m.mu.Unlock()
		m.publish(change)
		return
	}
	next, change := m.beginLocked()
	m.mu.Unlock()

	m.publish(change)
	if err := m.dial(ctx, next); err != nil {
		m.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

// Send fills in defaults and writes env when connected. While not connected
// the envelope is dropped and ErrNotConnected is returned.
func (m *Manager) Send(env domain.Envelope) error {
	if env.Type == "" {
		env.Type = domain.KindMessage
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = m.now()
	}

	m.mu.Lock()
	state, conn := m.state, m.conn
	if env.UserID == "" {
		env.UserID = m.userID
	}
	m.mu.Unlock()

	if state != domain.StateConnected || conn == nil {
		m.logger.Warn().
			Str(pkglog.FieldEventType, env.Type.String()).
			Str(pkglog.FieldState, state.String()).
			Msg("not connected, dropping outbound envelope")
		return ErrNotConnected
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}
	if err := conn.Send(frame); err != nil {
		m.logger.Warn().Err(err).Str(pkglog.FieldEventType, env.Type.String()).Msg("failed to send envelope")
		return fmt.Errorf("failed to send %s envelope: %w", env.Type, err)
	}
	return nil
}

// Stop cancels any pending reconnect, closes the socket, publishes the
// disconnected state and then removes every router listener. Safe to call
// more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	change := m.setStateLocked(domain.StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if change.changed {
		m.logger.Info().Msg("disconnected")
	}
	m.publish(change)
	m.router.Clear()
}

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool {
	return m.State() == domain.StateConnected
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

type stateChange struct {
	from, to domain.ConnectionState
	changed  bool
	gen      uint64
}

func (m *Manager) setStateLocked(s domain.ConnectionState) stateChange {
	change := stateChange{from: m.state, to: s, changed: m.state != s, gen: m.gen}
	m.state = s
	return change
}

// publish announces a state transition to connection subscribers. It must be
// called without holding mu so handlers can call back into the manager.
func (m *Manager) publish(change stateChange) {
	if !change.changed {
		return
	}
	// A later transition may have happened since mu was released, for example
	// the socket closing while auth was written. Its own publish covers it.
	m.mu.Lock()
	stale := m.gen != change.gen || m.state != change.to
	m.mu.Unlock()
	if stale {
		m.logger.Debug().Str(pkglog.FieldState, change.to.String()).Msg("skipping superseded state change")
		return
	}

	m.logger.Debug().
		Str("from", change.from.String()).
		Str(pkglog.FieldState, change.to.String()).
		Msg("connection state changed")

	env, err := domain.NewEnvelope(domain.KindConnection, domain.ConnectionPayload{
		Connected: change.to == domain.StateConnected,
		State:     change.to.String(),
	})
	if err != nil {
		return
	}
	env.Timestamp = m.now()
	m.router.Dispatch(env)
}
