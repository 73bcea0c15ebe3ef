package feed

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime/internal/room"
	"github.com/weiawesome/wes-io-live/realtime/internal/router"
	pkglog "github.com/weiawesome/wes-io-live/realtime/pkg/log"
)

// Joiner joins and leaves streams. room.Session implements it.
type Joiner interface {
	JoinStream(streamID string) error
	LeaveStream(streamID string) error
}

// StreamFeed follows one stream: its latest viewer count and its recent chat.
type StreamFeed struct {
	streamID string
	joiner   Joiner
	logger   zerolog.Logger

	mu          sync.RWMutex
	viewerCount int
	hasCount    bool
	chat        *Buffer[domain.Envelope]

	viewerSub *router.Subscription
	chatSub   *router.Subscription
	once      sync.Once
}

// NewStreamFeed subscribes to viewer counts and chat of streamID and joins it.
// A join that cannot be sent now is logged; the session rejoins on reconnect.
func NewStreamFeed(joiner Joiner, sub Subscriber, streamID string, opts ...Option) (*StreamFeed, error) {
	if streamID == "" {
		return nil, room.ErrEmptyStreamID
	}
	o := buildOptions(DefaultChatCapacity, opts)

	f := &StreamFeed{
		streamID: streamID,
		joiner:   joiner,
		logger:   o.logger.With().Str(pkglog.FieldStreamID, streamID).Logger(),
		chat:     NewBuffer[domain.Envelope](o.capacity),
	}
	f.viewerSub = sub.Subscribe(domain.KindViewerCount, f.onViewerCount)
	f.chatSub = sub.Subscribe(domain.KindChat, f.onChat)

	if err := joiner.JoinStream(streamID); err != nil {
		f.logger.Warn().Err(err).Msg("join not sent")
	}
	return f, nil
}

// streamOf returns the stream an envelope belongs to, falling back to a
// streamId field in its data.
func streamOf(env domain.Envelope) string {
	if env.StreamID != "" {
		return env.StreamID
	}
	var tagged struct {
		StreamID string `json:"streamId"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &tagged) == nil {
		return tagged.StreamID
	}
	return ""
}

func (f *StreamFeed) onViewerCount(env domain.Envelope) {
	if streamOf(env) != f.streamID {
		return
	}
	p, err := domain.Decode[domain.ViewerCountPayload](env)
	if err != nil {
		f.logger.Warn().Err(err).Msg("ignoring malformed viewer count")
		return
	}
	f.mu.Lock()
	f.viewerCount = p.Count
	f.hasCount = true
	f.mu.Unlock()
}

func (f *StreamFeed) onChat(env domain.Envelope) {
	if streamOf(env) != f.streamID {
		return
	}
	f.mu.Lock()
	f.chat.Push(env)
	f.mu.Unlock()
}

// StreamID returns the followed stream.
func (f *StreamFeed) StreamID() string {
	return f.streamID
}

// ViewerCount returns the latest viewer count. ok is false until one arrives.
func (f *StreamFeed) ViewerCount() (count int, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.viewerCount, f.hasCount
}

// Messages returns the buffered chat envelopes, newest first.
func (f *StreamFeed) Messages() []domain.Envelope {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.chat.Items()
}

// Close leaves the stream and releases both subscriptions.
func (f *StreamFeed) Close() {
	f.once.Do(func() {
		f.viewerSub.Unsubscribe()
		f.chatSub.Unsubscribe()
		if err := f.joiner.LeaveStream(f.streamID); err != nil {
			f.logger.Warn().Err(err).Msg("leave not sent")
		}
	})
}
