// Package rtc backs the peer negotiator with pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/carelink/internal/media"
	"github.com/vovakirdan/carelink/internal/peer"
	"github.com/vovakirdan/carelink/internal/proto"
)

// ErrForeignTrack is returned when a track was not produced by this package.
var ErrForeignTrack = errors.New("track not created by rtc")

// NewFactory returns a peer.Factory creating pion peer connections that use iceServers.
func NewFactory(iceServers []string) peer.Factory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), iceServers...)}}
	}
	return func() (peer.PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &PeerConnection{pc: pc}, nil
	}
}

// PeerConnection adapts *webrtc.PeerConnection to peer.PeerConnection.
type PeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *PeerConnection) AddTrack(t media.Track) (peer.Sender, error) {
	local, ok := t.(*Track)
	if !ok {
		return nil, ErrForeignTrack
	}
	sender, err := p.pc.AddTrack(local.local)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return &Sender{sender: sender}, nil
}

func (p *PeerConnection) AddReceiveOnly(kind media.Kind) error {
	_, err := p.pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (proto.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return proto.SessionDescription{}, err
	}
	sd, err := p.pc.CreateOffer(nil)
	if err != nil {
		return proto.SessionDescription{}, err
	}
	return toProto(sd), nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (proto.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return proto.SessionDescription{}, err
	}
	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return proto.SessionDescription{}, err
	}
	return toProto(sd), nil
}

func (p *PeerConnection) SetLocalDescription(sd proto.SessionDescription) error {
	return p.pc.SetLocalDescription(fromProto(sd))
}

func (p *PeerConnection) SetRemoteDescription(sd proto.SessionDescription) error {
	return p.pc.SetRemoteDescription(fromProto(sd))
}

func (p *PeerConnection) AddICECandidate(c proto.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *PeerConnection) OnICECandidate(f func(*proto.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&proto.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *PeerConnection) OnConnectionStateChange(f func(peer.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f(connectionState(s))
	})
}

func (p *PeerConnection) OnTrack(f func(media.Track)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t := newRemoteTrack(remote)
		go t.drain()
		f(t)
	})
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

// Sender adapts *webrtc.RTPSender.
type Sender struct {
	sender *webrtc.RTPSender
}

func (s *Sender) ReplaceTrack(t media.Track) error {
	if t == nil {
		return s.sender.ReplaceTrack(nil)
	}
	local, ok := t.(*Track)
	if !ok {
		return ErrForeignTrack
	}
	return s.sender.ReplaceTrack(local.local)
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func toProto(sd webrtc.SessionDescription) proto.SessionDescription {
	return proto.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func fromProto(sd proto.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}

func codecType(kind media.Kind) webrtc.RTPCodecType {
	if kind == media.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func connectionState(s webrtc.PeerConnectionState) peer.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return peer.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return peer.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return peer.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return peer.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return peer.ConnectionClosed
	default:
		return peer.ConnectionNew
	}
}

// remoteTrack is a received track. Its packets are read and discarded so the
// receive buffers keep moving; rendering is up to the embedding program.
type remoteTrack struct {
	remote *webrtc.TrackRemote
	once   sync.Once
	stop   chan struct{}
}

func newRemoteTrack(remote *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{remote: remote, stop: make(chan struct{})}
}

func (t *remoteTrack) ID() string { return t.remote.ID() }

func (t *remoteTrack) Kind() media.Kind {
	if t.remote.Kind() == webrtc.RTPCodecTypeAudio {
		return media.KindAudio
	}
	return media.KindVideo
}

func (t *remoteTrack) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *remoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		if _, _, err := t.remote.Read(buf); err != nil {
			return
		}
	}
}
