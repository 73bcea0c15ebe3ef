package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is implemented by every typed envelope payload.
type Payload interface {
	Kind() EventKind
}

// ChatPayload is a chat line posted to a stream.
type ChatPayload struct {
	ID       string `json:"id,omitempty"`
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// ViewerCountPayload carries the current number of viewers of a stream.
type ViewerCountPayload struct {
	Count int `json:"count"`
}

// UnmarshalJSON accepts both {"count": n} and a bare number.
func (p *ViewerCountPayload) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		return json.Unmarshal(trimmed, &p.Count)
	}
	type alias ViewerCountPayload
	var a alias
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return err
	}
	*p = ViewerCountPayload(a)
	return nil
}

// ProductUpdatePayload announces a change to a product shown in a stream.
type ProductUpdatePayload struct {
	ProductID string                 `json:"productId"`
	Price     *float64               `json:"price,omitempty"`
	Stock     *int                   `json:"stock,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// QuestProgressPayload reports progress on a quest.
type QuestProgressPayload struct {
	QuestID  string  `json:"questId"`
	Progress float64 `json:"progress"`
}

// AchievementPayload announces an unlocked achievement.
type AchievementPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// NotificationPayload is a user-facing notification.
type NotificationPayload struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// ConnectionPayload is published locally on every connection state transition.
type ConnectionPayload struct {
	Connected bool   `json:"connected"`
	State     string `json:"state,omitempty"`
}

// AuthPayload is sent once after the connection opens.
type AuthPayload struct {
	Token string `json:"token"`
}

// StreamControlPayload is the body of join_stream and leave_stream.
type StreamControlPayload struct {
	StreamID string `json:"streamId"`
}

// ReactionPayload is a reaction sent to a stream.
type ReactionPayload struct {
	Reaction string `json:"reaction"`
}

// MessagePayload wraps the raw data of generic or unknown kinds.
type MessagePayload struct {
	Raw json.RawMessage
}

func (ChatPayload) Kind() EventKind          { return KindChat }
func (ViewerCountPayload) Kind() EventKind   { return KindViewerCount }
func (ProductUpdatePayload) Kind() EventKind { return KindProductUpdate }
func (QuestProgressPayload) Kind() EventKind { return KindQuestProgress }
func (AchievementPayload) Kind() EventKind   { return KindAchievement }
func (NotificationPayload) Kind() EventKind  { return KindNotification }
func (ConnectionPayload) Kind() EventKind    { return KindConnection }
func (AuthPayload) Kind() EventKind          { return KindAuth }
func (ReactionPayload) Kind() EventKind      { return KindReaction }
func (MessagePayload) Kind() EventKind       { return KindMessage }

// StreamControlPayload serves two kinds, so it reports the join kind; use the
// envelope type to tell join from leave.
func (StreamControlPayload) Kind() EventKind { return KindJoinStream }

// DecodePayload returns the typed payload for env according to its kind.
// Generic and unknown kinds decode to MessagePayload.
func DecodePayload(env Envelope) (Payload, error) {
	switch env.Type {
	case KindChat:
		return decodeInto[ChatPayload](env)
	case KindViewerCount:
		return decodeInto[ViewerCountPayload](env)
	case KindProductUpdate:
		return decodeInto[ProductUpdatePayload](env)
	case KindQuestProgress:
		return decodeInto[QuestProgressPayload](env)
	case KindAchievement:
		return decodeInto[AchievementPayload](env)
	case KindNotification:
		return decodeInto[NotificationPayload](env)
	case KindConnection:
		return decodeInto[ConnectionPayload](env)
	case KindAuth:
		return decodeInto[AuthPayload](env)
	case KindJoinStream, KindLeaveStream:
		return decodeInto[StreamControlPayload](env)
	case KindReaction:
		return decodeInto[ReactionPayload](env)
	default:
		return MessagePayload{Raw: env.Data}, nil
	}
}

func decodeInto[T Payload](env Envelope) (Payload, error) {
	v, err := Decode[T](env)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Decode unmarshals env.Data into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%w: %s envelope has no data", ErrMalformedEnvelope, env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return v, nil
}
