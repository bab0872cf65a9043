package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/auth"
	"github.com/vovakirdan/carelink/internal/core"
	"github.com/vovakirdan/carelink/internal/metrics"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/service/sessions"
	"github.com/vovakirdan/carelink/internal/store"
	"github.com/vovakirdan/carelink/internal/utils"
)

const maxFrameBytes = 1 << 20

// SessionAuthorizer checks that a user takes part in a video session.
type SessionAuthorizer interface {
	Authorize(ctx context.Context, token string, userID int64) (*store.VideoSession, error)
}

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub       *core.Hub
	auth      *auth.Service
	sessions  SessionAuthorizer
	channel   core.Channel
	rateLimit int
	log       *zerolog.Logger
}

// NewNotificationHandler serves /ws/notifications/:userId.
func NewNotificationHandler(hub *core.Hub, authService *auth.Service, rateLimit int, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, auth: authService, channel: core.ChannelNotifications, rateLimit: rateLimit, log: logger}
}

// NewSignalingHandler serves /ws/video-call/:token.
func NewSignalingHandler(hub *core.Hub, authService *auth.Service, sess SessionAuthorizer, rateLimit int, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, auth: authService, sessions: sess, channel: core.ChannelSignaling, rateLimit: rateLimit, log: logger}
}

// Handle authorizes the handshake, then serves the connection until either side closes it.
func (h *WSHandler) Handle(c *gin.Context) {
	client, status, err := h.authorize(c)
	if err != nil {
		h.log.Debug().Err(err).Str("channel", string(h.channel)).Msg("ws handshake rejected")
		c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	conn.SetReadLimit(maxFrameBytes)

	if err := h.hub.RegisterClient(client); err != nil {
		conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	defer h.hub.UnregisterClient(client)

	gauge := metrics.RelayConnections.WithLabelValues(string(h.channel))
	gauge.Inc()
	defer gauge.Dec()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	closeStatus := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			closeStatus = s
		}
		if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if closeStatus == websocket.StatusNormalClosure {
				closeStatus = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
		}
	}

	conn.Close(closeStatus, reason)
}

func (h *WSHandler) authorize(c *gin.Context) (*core.Client, int, error) {
	token, err := bearerToken(c.Request, true)
	if err != nil {
		return nil, stdhttp.StatusUnauthorized, err
	}
	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		return nil, stdhttp.StatusUnauthorized, errors.New("invalid token")
	}

	client := core.NewClient(utils.NewID(), claims.UserIDString(), claims.Username, h.channel)
	client.Role = claims.Role

	if h.channel == core.ChannelNotifications {
		if c.Param("userId") != client.UserID {
			return nil, stdhttp.StatusForbidden, errors.New("token does not belong to this user")
		}
		return client, 0, nil
	}

	client.Session = c.Param("token")
	if _, err := h.sessions.Authorize(c.Request.Context(), client.Session, claims.UserID); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			return nil, stdhttp.StatusNotFound, err
		case errors.Is(err, sessions.ErrNotParticipant):
			return nil, stdhttp.StatusForbidden, err
		case errors.Is(err, sessions.ErrSessionEnded):
			return nil, stdhttp.StatusGone, err
		default:
			return nil, stdhttp.StatusInternalServerError, errors.New("internal server error")
		}
	}
	return client, 0, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	limiter := newRateLimiter(h.rateLimit)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if !limiter.allow() {
			metrics.RelayRateLimitRejectionsTotal.Inc()
			if err := wsjson.Write(ctx, conn, errorFrame(client.Channel, &proto.Error{Code: "rate_limited", Msg: "too many frames"})); err != nil {
				return err
			}
			continue
		}

		cmd, protoErr := inboundToCommand(client.Channel, data)
		if protoErr != nil {
			h.log.Debug().Str("client_id", client.ID).Str("code", protoErr.Code).Msg(protoErr.Msg)
			if err := wsjson.Write(ctx, conn, errorFrame(client.Channel, protoErr)); err != nil {
				return err
			}
			continue
		}

		select {
		case client.Commands <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		select {
		case event, ok := <-client.Events:
			if !ok {
				return nil
			}
			frame := outboundFromEvent(client.Channel, event)
			if frame == nil {
				continue
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
