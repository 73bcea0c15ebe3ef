package router

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/realtime/pkg/log"
)

// Handler receives dispatched envelopes by value.
type Handler func(env domain.Envelope)

// ErrorSink receives failures raised by handlers during dispatch.
type ErrorSink func(kind domain.EventKind, err error)

// Router maps event kinds to registered handlers and fans envelopes out to them.
type Router struct {
	handlers map[domain.EventKind][]*Subscription // kind -> subscriptions in registration order
	nextID   uint64
	mu       sync.RWMutex
	sink     ErrorSink
}

// Subscription is the capability returned by Subscribe. Unsubscribe removes
// exactly this handler from exactly this kind.
type Subscription struct {
	id      uint64
	kind    domain.EventKind
	handler Handler
	router  *Router
	once    sync.Once
}

// Option configures a Router.
type Option func(*Router)

// WithErrorSink replaces the default sink, which logs at error level.
func WithErrorSink(sink ErrorSink) Option {
	return func(r *Router) {
		r.sink = sink
	}
}

// New creates a Router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[domain.EventKind][]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sink = logSink(pkglog.L())
	}
	return r
}

func logSink(l zerolog.Logger) ErrorSink {
	return func(kind domain.EventKind, err error) {
		l.Error().Err(err).Str(pkglog.FieldEventType, kind.String()).Msg("event handler failed")
	}
}

// Subscribe registers handler under kind. Use domain.KindWildcard to receive every envelope.
func (r *Router) Subscribe(kind domain.EventKind, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		id:      r.nextID,
		kind:    kind,
		handler: handler,
		router:  r,
	}
	r.handlers[kind] = append(r.handlers[kind], sub)
	return sub
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.router.remove(s)
	})
}

// Unsubscribe removes sub from kind, or every handler under kind when sub is nil.
func (r *Router) Unsubscribe(kind domain.EventKind, sub *Subscription) {
	if sub != nil {
		if sub.kind == kind && sub.router == r {
			sub.Unsubscribe()
		}
		return
	}

	r.mu.Lock()
	subs := r.handlers[kind]
	delete(r.handlers, kind)
	r.mu.Unlock()

	// Mark them spent so later Unsubscribe calls on the handles stay no-ops.
	for _, s := range subs {
		s.once.Do(func() {})
	}
}

// Clear removes every handler of every kind.
func (r *Router) Clear() {
	r.mu.Lock()
	all := r.handlers
	r.handlers = make(map[domain.EventKind][]*Subscription)
	r.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.once.Do(func() {})
		}
	}
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[sub.kind]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		// Copy on write: in-flight dispatch snapshots keep the old slice intact.
		next := make([]*Subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, sub.kind)
		} else {
			r.handlers[sub.kind] = next
		}
		return
	}
}

// Count returns the number of handlers registered under kind.
func (r *Router) Count(kind domain.EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

// Dispatch delivers env to every handler of env.Type and then to every wildcard
// handler, each exactly once. The handler sets are snapshotted when Dispatch
// starts, so handlers may subscribe or unsubscribe while it runs.
func (r *Router) Dispatch(env domain.Envelope) {
	r.mu.RLock()
	var targets []*Subscription
	if env.Type != domain.KindWildcard {
		targets = append(targets, r.handlers[env.Type]...)
	}
	targets = append(targets, r.handlers[domain.KindWildcard]...)
	r.mu.RUnlock()

	for _, sub := range targets {
		r.deliver(sub, env)
	}
}

func (r *Router) deliver(sub *Subscription, env domain.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			r.sink(env.Type, fmt.Errorf("handler panicked: %w", err))
		}
	}()
	sub.handler(env)
}

// On subscribes to kind with a handler that receives the decoded payload.
// Envelopes whose data does not decode into T are reported to the error sink.
func On[T any](r *Router, kind domain.EventKind, fn func(env domain.Envelope, payload T)) *Subscription {
	return r.Subscribe(kind, func(env domain.Envelope) {
		payload, err := domain.Decode[T](env)
		if err != nil {
			r.sink(env.Type, err)
			return
		}
		fn(env, payload)
	})
}
