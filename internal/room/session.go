package room

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime/internal/router"
	pkglog "github.com/weiawesome/wes-io-live/realtime/pkg/log"
)

var ErrEmptyStreamID = errors.New("stream id is required")

// Sender writes outbound envelopes. connection.Manager implements it.
type Sender interface {
	Send(env domain.Envelope) error
}

// Subscriber registers inbound handlers. router.Router implements it.
type Subscriber interface {
	Subscribe(kind domain.EventKind, handler router.Handler) *router.Subscription
}

// Session tracks the stream this client has joined and emits stream-scoped
// commands. It rejoins the current stream whenever the connection comes back.
type Session struct {
	sender Sender
	logger zerolog.Logger

	mu      sync.RWMutex
	current string

	sub *router.Subscription
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession creates a session in the not-joined state.
func NewSession(sender Sender, sub Subscriber, opts ...Option) *Session {
	s := &Session{
		sender: sender,
		logger: pkglog.L(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sub = sub.Subscribe(domain.KindConnection, s.onConnection)
	return s
}

// JoinStream announces interest in streamID and makes it current. Joining
// while already in another stream does not leave it; the server sees both.
func (s *Session) JoinStream(streamID string) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}

	s.mu.Lock()
	prev := s.current
	s.current = streamID
	s.mu.Unlock()

	if prev != "" && prev != streamID {
		s.logger.Warn().
			Str(pkglog.FieldStreamID, streamID).
			Str("previous_stream_id", prev).
			Msg("joining stream without leaving the previous one")
	}
	return s.sendControl(domain.KindJoinStream, streamID)
}

// LeaveStream announces leaving streamID. The session is not joined
// afterwards if streamID was the current stream.
func (s *Session) LeaveStream(streamID string) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}

	s.mu.Lock()
	if s.current == streamID {
		s.current = ""
	}
	s.mu.Unlock()

	return s.sendControl(domain.KindLeaveStream, streamID)
}

func (s *Session) sendControl(kind domain.EventKind, streamID string) error {
	env, err := domain.NewEnvelope(kind, domain.StreamControlPayload{StreamID: streamID})
	if err != nil {
		return err
	}
	env.StreamID = streamID
	if err := s.sender.Send(env); err != nil {
		return fmt.Errorf("failed to %s %s: %w", kind, streamID, err)
	}
	s.logger.Debug().Str(pkglog.FieldStreamID, streamID).Str(pkglog.FieldEventType, kind.String()).Msg("stream control sent")
	return nil
}

// SendChatMessage posts text to streamID.
func (s *Session) SendChatMessage(streamID, text string) error {
	return s.sendToStream(streamID, domain.ChatPayload{Text: text})
}

// SendReaction posts a reaction to streamID.
func (s *Session) SendReaction(streamID, reaction string) error {
	return s.sendToStream(streamID, domain.ReactionPayload{Reaction: reaction})
}

func (s *Session) sendToStream(streamID string, payload domain.Payload) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}
	env, err := domain.NewEnvelope(payload.Kind(), payload)
	if err != nil {
		return err
	}
	env.StreamID = streamID
	return s.sender.Send(env)
}

// UpdateQuestProgress reports quest progress. It is not stream scoped.
func (s *Session) UpdateQuestProgress(questID string, progress float64) error {
	env, err := domain.NewEnvelope(domain.KindQuestProgress, domain.QuestProgressPayload{
		QuestID:  questID,
		Progress: progress,
	})
	if err != nil {
		return err
	}
	if err := s.sender.Send(env); err != nil {
		return err
	}
	s.logger.Debug().Str(pkglog.FieldQuestID, questID).Float64("progress", progress).Msg("quest progress sent")
	return nil
}

// Current returns the joined stream. ok is false when not joined.
func (s *Session) Current() (streamID string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current != ""
}

func (s *Session) onConnection(env domain.Envelope) {
	p, err := domain.Decode[domain.ConnectionPayload](env)
	if err != nil || !p.Connected {
		return
	}
	streamID, ok := s.Current()
	if !ok {
		return
	}
	if err := s.sendControl(domain.KindJoinStream, streamID); err != nil {
		s.logger.Warn().Err(err).Str(pkglog.FieldStreamID, streamID).Msg("failed to rejoin stream")
		return
	}
	s.logger.Info().Str(pkglog.FieldStreamID, streamID).Msg("rejoined stream after reconnect")
}

// Close stops rejoining on reconnect. It does not leave the current stream.
func (s *Session) Close() {
	s.sub.Unsubscribe()
}
