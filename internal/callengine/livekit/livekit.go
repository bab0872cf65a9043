// Package livekit issues LiveKit room join tokens for video sessions.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/vovakirdan/carelink/internal/callengine"
	"github.com/vovakirdan/carelink/internal/store"
)

const tokenValidity = time.Hour

var ErrNoRoom = errors.New("video session has no external room")

// Engine implements callengine.Engine on LiveKit.
type Engine struct {
	apiKey    string
	apiSecret string
	wsURL     string
}

// New creates a new Engine.
func New(apiKey, apiSecret, wsURL string) *Engine {
	return &Engine{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		wsURL:     wsURL,
	}
}

// RoomName is the LiveKit room of an appointment.
func RoomName(appointmentID int64) string {
	return fmt.Sprintf("carelink-appointment-%d", appointmentID)
}

// CreateRoom names the room; LiveKit creates it when the first participant joins.
func (e *Engine) CreateRoom(_ context.Context, session *store.VideoSession) (string, error) {
	return RoomName(session.AppointmentID), nil
}

// JoinInfo signs a room-join token for user.
func (e *Engine) JoinInfo(_ context.Context, session *store.VideoSession, user *store.User) (*callengine.JoinInfo, error) {
	if session.ExternalRoomID == nil {
		return nil, ErrNoRoom
	}
	identity := fmt.Sprintf("user-%d", user.ID)

	at := auth.NewAccessToken(e.apiKey, e.apiSecret)
	at.SetVideoGrant(&auth.VideoGrant{
		RoomJoin: true,
		Room:     *session.ExternalRoomID,
	}).
		SetIdentity(identity).
		SetName(user.DisplayName).
		SetValidFor(tokenValidity)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("sign livekit token: %w", err)
	}

	return &callengine.JoinInfo{
		URL:      e.wsURL,
		Token:    token,
		RoomName: *session.ExternalRoomID,
		Identity: identity,
	}, nil
}

var _ callengine.Engine = (*Engine)(nil)
