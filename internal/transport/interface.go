package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Handler receives connection events. Callbacks for a single connection are
// invoked from its read goroutine, one at a time.
type Handler struct {
	// OnMessage is called for every inbound text frame.
	OnMessage func(frame []byte)
	// OnError is called for transport errors. It is always followed by OnClose.
	OnError func(err error)
	// OnClose is called exactly once when the connection ends for any reason,
	// including a local Close.
	OnClose func(err error)
}

// Conn is an open bidirectional connection.
type Conn interface {
	// Send queues a frame for writing without blocking.
	Send(frame []byte) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens connections to an event source endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, h Handler) (Conn, error)
}
