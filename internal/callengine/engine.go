// Package callengine abstracts an optional media backend that video
// sessions can hand out join credentials for.
package callengine

import (
	"context"

	"github.com/vovakirdan/carelink/internal/store"
)

// JoinInfo contains what a participant needs to join the media room.
type JoinInfo struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	RoomName string `json:"room"`
	Identity string `json:"identity"`
}

// Engine abstracts the media backend for video sessions.
type Engine interface {
	// CreateRoom returns the external room id stored in VideoSession.ExternalRoomID.
	CreateRoom(ctx context.Context, session *store.VideoSession) (string, error)

	// JoinInfo creates join credentials for one participant.
	JoinInfo(ctx context.Context, session *store.VideoSession, user *store.User) (*JoinInfo, error)
}
