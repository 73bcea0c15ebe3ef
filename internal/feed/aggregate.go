package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime/internal/router"
)

// Record is one envelope as seen by an aggregate feed.
type Record struct {
	Kind       domain.EventKind `json:"kind"`
	Data       json.RawMessage  `json:"data,omitempty"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// AggregateFeed records the most recent envelopes of a set of kinds and tracks
// connectivity.
type AggregateFeed struct {
	now func() time.Time

	mu        sync.RWMutex
	records   *Buffer[Record]
	connected bool

	subs []*router.Subscription
	once sync.Once
}

// NewAggregateFeed subscribes to kinds, or to every kind when none are given.
func NewAggregateFeed(sub Subscriber, kinds []domain.EventKind, opts ...Option) *AggregateFeed {
	o := buildOptions(DefaultAggregateCapacity, opts)
	if len(kinds) == 0 {
		kinds = []domain.EventKind{domain.KindWildcard}
	}

	f := &AggregateFeed{
		now:     o.now,
		records: NewBuffer[Record](o.capacity),
	}
	for _, kind := range kinds {
		f.subs = append(f.subs, sub.Subscribe(kind, f.record))
	}
	f.subs = append(f.subs, sub.Subscribe(domain.KindConnection, f.trackConnection))
	return f
}

func (f *AggregateFeed) record(env domain.Envelope) {
	r := Record{Kind: env.Type, Data: env.Data, ReceivedAt: f.now()}
	f.mu.Lock()
	f.records.Push(r)
	f.mu.Unlock()
}

func (f *AggregateFeed) trackConnection(env domain.Envelope) {
	p, err := domain.Decode[domain.ConnectionPayload](env)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.connected = p.Connected
	f.mu.Unlock()
}

// Records returns the buffered records, newest first.
func (f *AggregateFeed) Records() []Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.records.Items()
}

// Connected reports the connectivity last announced by the connection manager.
func (f *AggregateFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Close releases the feed's subscriptions.
func (f *AggregateFeed) Close() {
	f.once.Do(func() {
		for _, s := range f.subs {
			s.Unsubscribe()
		}
	})
}
