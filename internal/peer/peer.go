package peer

import (
	"context"

	"github.com/vovakirdan/carelink/internal/media"
	"github.com/vovakirdan/carelink/internal/proto"
)

// ConnectionState is the transport state reported by a PeerConnection.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Sender is the outgoing side of one local track.
type Sender interface {
	// ReplaceTrack swaps the outgoing track without renegotiation.
	ReplaceTrack(t media.Track) error
}

// PeerConnection is the WebRTC peer connection used by the Negotiator.
type PeerConnection interface {
	AddTrack(t media.Track) (Sender, error)
	// AddReceiveOnly adds a transceiver that only receives kind.
	AddReceiveOnly(kind media.Kind) error

	CreateOffer(ctx context.Context) (proto.SessionDescription, error)
	CreateAnswer(ctx context.Context) (proto.SessionDescription, error)
	SetLocalDescription(sd proto.SessionDescription) error
	SetRemoteDescription(sd proto.SessionDescription) error
	AddICECandidate(c proto.ICECandidate) error

	// OnICECandidate is called per local candidate and with nil once gathering completes.
	OnICECandidate(f func(c *proto.ICECandidate))
	OnConnectionStateChange(f func(s ConnectionState))
	OnTrack(f func(t media.Track))

	Close() error
}

// Factory creates a fresh PeerConnection.
type Factory func() (PeerConnection, error)
