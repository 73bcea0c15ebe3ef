package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketConfig holds socket tuning.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// DefaultWebSocketConfig returns the default socket tuning.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	header http.Header
	logger zerolog.Logger
}

// NewWebSocketDialer creates a dialer. header is sent with the upgrade request and may be nil.
func NewWebSocketDialer(cfg WebSocketConfig, header http.Header, logger zerolog.Logger) *WebSocketDialer {
	def := DefaultWebSocketConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &WebSocketDialer{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		header: header,
		logger: logger,
	}
}

// Dial opens a websocket and starts its read and write pumps.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, h Handler) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, endpoint, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	c := &wsConn{
		conn:    ws,
		send:    make(chan []byte, d.config.SendBuffer),
		done:    make(chan struct{}),
		config:  d.config,
		handler: h,
		logger:  d.logger,
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

type wsConn struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	config  WebSocketConfig
	handler Handler
	logger  zerolog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func (c *wsConn) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Close() error {
	c.shutdown()
	return nil
}

// shutdown stops accepting frames and lets the write pump send a close frame.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *wsConn) readPump() {
	var closeErr error
	defer func() {
		c.shutdown()
		<-c.done
		c.conn.Close()
		if c.handler.OnClose != nil {
			c.handler.OnClose(closeErr)
		}
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			closeErr = err
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if c.handler.OnError != nil {
					c.handler.OnError(err)
				}
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(message)
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				// Unblock the read pump if the peer never answers the close frame.
				c.conn.SetReadDeadline(time.Now().Add(c.config.WriteWait))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				l := c.logger
				l.Warn().Err(err).Msg("websocket write failed")
				c.conn.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

var _ Dialer = (*WebSocketDialer)(nil)
