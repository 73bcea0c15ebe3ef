package feed

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime/internal/router"
	pkglog "github.com/weiawesome/wes-io-live/realtime/pkg/log"
)

const (
	DefaultAggregateCapacity = 100
	DefaultChatCapacity      = 50
)

// Subscriber registers inbound handlers. router.Router implements it.
type Subscriber interface {
	Subscribe(kind domain.EventKind, handler router.Handler) *router.Subscription
}

type options struct {
	capacity int
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a feed.
type Option func(*options)

// WithCapacity overrides the buffer capacity of a feed.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithClock replaces time.Now for receive timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(capacity int, opts []Option) options {
	o := options{
		capacity: capacity,
		now:      time.Now,
		logger:   pkglog.L(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
