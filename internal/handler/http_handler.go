package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/realtime/internal/connection"
	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime/internal/feed"
	"github.com/weiawesome/wes-io-live/realtime/internal/room"
	"github.com/weiawesome/wes-io-live/realtime/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime/pkg/response"
)

// Connection is the part of connection.Manager the status surface needs.
type Connection interface {
	State() domain.ConnectionState
	Attempts() int
	Connect(ctx context.Context) error
}

// Session is the part of room.Session the status surface needs.
type Session interface {
	Current() (string, bool)
	SendChatMessage(streamID, text string) error
	SendReaction(streamID, reaction string) error
}

// Events is the aggregate feed.
type Events interface {
	Records() []feed.Record
	Connected() bool
}

// Stream is the feed of the followed stream.
type Stream interface {
	StreamID() string
	ViewerCount() (int, bool)
	Messages() []domain.Envelope
}

// Handler serves the local status and control surface of the realtime client.
type Handler struct {
	ctx     context.Context
	conn    Connection
	session Session
	events  Events
	stream  Stream
}

// NewHandler creates a handler. ctx bounds reconnects started over HTTP.
// stream may be nil when no stream is followed.
func NewHandler(ctx context.Context, conn Connection, session Session, events Events, stream Stream) *Handler {
	return &Handler{
		ctx:     ctx,
		conn:    conn,
		session: session,
		events:  events,
		stream:  stream,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	r.GET("/events", h.ListEvents)
	r.POST("/reconnect", h.Reconnect)

	streams := r.Group("/streams/current")
	{
		streams.GET("", h.GetStream)
		streams.POST("/chat", h.SendChat)
		streams.POST("/reactions", h.SendReaction)
	}
}

func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// StatusResponse describes the connection.
type StatusResponse struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Attempts  int    `json:"attempts"`
	StreamID  string `json:"streamId,omitempty"`
}

// Status reports the connection state and the joined stream.
func (h *Handler) Status(c *gin.Context) {
	state := h.conn.State()
	streamID, _ := h.session.Current()
	response.Success(c, StatusResponse{
		State:     state.String(),
		Connected: state == domain.StateConnected,
		Attempts:  h.conn.Attempts(),
		StreamID:  streamID,
	})
}

// ListEvents returns the aggregate feed, newest first. ?limit= trims it.
func (h *Handler) ListEvents(c *gin.Context) {
	records := h.events.Records()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		if limit < len(records) {
			records = records[:limit]
		}
	}
	response.Success(c, gin.H{
		"connected": h.events.Connected(),
		"records":   records,
	})
}

// StreamResponse is the view of the followed stream.
type StreamResponse struct {
	StreamID    string            `json:"streamId"`
	ViewerCount *int              `json:"viewerCount"`
	Messages    []domain.Envelope `json:"messages"`
}

func (h *Handler) GetStream(c *gin.Context) {
	if h.stream == nil {
		response.NotFound(c, "no stream is followed")
		return
	}
	resp := StreamResponse{
		StreamID: h.stream.StreamID(),
		Messages: h.stream.Messages(),
	}
	if count, ok := h.stream.ViewerCount(); ok {
		resp.ViewerCount = &count
	}
	response.Success(c, resp)
}

type chatRequest struct {
	Text string `json:"text" binding:"required"`
}

type reactionRequest struct {
	Reaction string `json:"reaction" binding:"required"`
}

func (h *Handler) SendChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.sendToStream(c, "chat", func(streamID string) error {
		return h.session.SendChatMessage(streamID, req.Text)
	})
}

func (h *Handler) SendReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.sendToStream(c, "reaction", func(streamID string) error {
		return h.session.SendReaction(streamID, req.Reaction)
	})
}

func (h *Handler) sendToStream(c *gin.Context, what string, send func(streamID string) error) {
	streamID, ok := h.session.Current()
	if !ok {
		response.NotFound(c, "no stream is joined")
		return
	}
	l := log.WithStream(c, streamID)

	if err := send(streamID); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			response.ServiceUnavailable(c, "realtime connection is down, "+what+" dropped")
			return
		}
		if errors.Is(err, room.ErrEmptyStreamID) {
			response.BadRequest(c, err.Error())
			return
		}
		l.Error().Err(err).Msgf("failed to send %s", what)
		response.InternalError(c, "failed to send "+what)
		return
	}
	response.Accepted(c, gin.H{"streamId": streamID})
}

// Reconnect starts a connection attempt, including the explicit restart out
// of the failed state.
func (h *Handler) Reconnect(c *gin.Context) {
	l := log.Gin(c)

	switch state := h.conn.State(); state {
	case domain.StateConnected, domain.StateConnecting:
		response.Conflict(c, "connection is "+state.String())
		return
	}

	go func() {
		if err := h.conn.Connect(h.ctx); err != nil {
			l.Warn().Err(err).Msg("manual reconnect failed")
		}
	}()
	response.Accepted(c, gin.H{"state": domain.StateConnecting.String()})
}
