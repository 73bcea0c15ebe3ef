package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the semantic category of an envelope.
type EventKind string

// Event kinds exchanged with the event source.
const (
	KindChat          EventKind = "chat"
	KindViewerCount   EventKind = "viewer_count"
	KindProductUpdate EventKind = "product_update"
	KindQuestProgress EventKind = "quest_progress"
	KindAchievement   EventKind = "achievement"
	KindNotification  EventKind = "notification"
	KindConnection    EventKind = "connection"
	KindAuth          EventKind = "auth"
	KindJoinStream    EventKind = "join_stream"
	KindLeaveStream   EventKind = "leave_stream"
	KindReaction      EventKind = "reaction"

	// KindMessage is the type given to outbound envelopes that do not set one.
	KindMessage EventKind = "message"

	// KindWildcard subscribes to every envelope regardless of kind.
	KindWildcard EventKind = "*"
)

var knownKinds = map[EventKind]struct{}{
	KindChat:          {},
	KindViewerCount:   {},
	KindProductUpdate: {},
	KindQuestProgress: {},
	KindAchievement:   {},
	KindNotification:  {},
	KindConnection:    {},
	KindAuth:          {},
	KindJoinStream:    {},
	KindLeaveStream:   {},
	KindReaction:      {},
	KindMessage:       {},
}

// Known reports whether k is one of the declared kinds. The wildcard is not a
// message kind and is not known.
func (k EventKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

func (k EventKind) String() string {
	return string(k)
}

// Envelope is a typed message unit exchanged over the persistent connection.
type Envelope struct {
	Type      EventKind
	Data      json.RawMessage
	Timestamp time.Time
	UserID    string
	StreamID  string
}

// wireEnvelope is the JSON shape on the socket. Timestamps travel as epoch milliseconds.
type wireEnvelope struct {
	Type      EventKind       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	StreamID  string          `json:"streamId,omitempty"`
}

// NewEnvelope creates an envelope of the given kind with payload marshaled into Data.
// The timestamp is left zero; the connection manager stamps it on send.
func NewEnvelope(kind EventKind, payload interface{}) (Envelope, error) {
	env := Envelope{Type: kind}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	env.Data = data
	return env, nil
}

// MarshalJSON encodes the envelope in its wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Type:     e.Type,
		Data:     e.Data,
		UserID:   e.UserID,
		StreamID: e.StreamID,
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UnixMilli()
	}
	if len(w.Data) == 0 {
		w.Data = json.RawMessage("null")
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. An absent or zero timestamp decodes as the zero time.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return ErrMissingType
	}
	*e = Envelope{
		Type:     w.Type,
		Data:     w.Data,
		UserID:   w.UserID,
		StreamID: w.StreamID,
	}
	if w.Timestamp != 0 {
		e.Timestamp = time.UnixMilli(w.Timestamp)
	}
	return nil
}

// ParseEnvelope decodes a single inbound frame.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return env, nil
}
