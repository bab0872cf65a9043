// Package peer negotiates a two-party WebRTC session over the call signaling
// channel: offer/answer, trickle ICE, media fallbacks, screen sharing and an
// exactly-once teardown.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/media"
	"github.com/vovakirdan/carelink/internal/metrics"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/reconnect"
	"github.com/vovakirdan/carelink/internal/wsconn"
)

const (
	leaveTimeout  = 2 * time.Second
	signalTimeout = 10 * time.Second
)

var (
	ErrAlreadyJoined  = errors.New("session already joined")
	ErrNotJoined      = errors.New("session not joined")
	ErrEnded          = errors.New("session ended")
	ErrNoVideoSender  = errors.New("no outgoing video track")
	ErrNotSharing     = errors.New("screen share not active")
	errSignalingDown  = errors.New("signaling channel not connected")
	errMissingPayload = errors.New("signal without payload")
)

// State of the session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateEnded        State = "ended"
)

// Identity names the local participant on the signaling channel.
type Identity struct {
	UserID string
	Name   string
}

// Config configures a Negotiator.
type Config struct {
	// SignalURL is the signaling root; the session token is appended as a path segment.
	SignalURL string
	NewPeer   Factory
	Media     media.Source
	Dialer    wsconn.Dialer
	Reconnect reconnect.Policy
	Clock     clock.Clock
	Logger    *zerolog.Logger

	OnState       func(State)
	OnRemoteTrack func(media.Track)
}

// Negotiator runs one call session. It is single use.
type Negotiator struct {
	cfg   Config
	clock clock.Clock
	log   *zerolog.Logger

	mu          sync.Mutex
	state       State
	joined      bool
	token       string
	self        Identity
	pc          PeerConnection
	conn        wsconn.Conn
	remote      string
	offered     map[string]bool
	remoteSet   bool
	pending     []proto.ICECandidate
	local       []media.Track
	camera      media.Track
	screen      media.Track
	videoSender Sender
	remoteTrack []media.Track

	writeMu sync.Mutex

	cancel   context.CancelFunc
	ended    bool
	teardown sync.Once
	done     chan struct{}
}

// New builds a negotiator. NewPeer is required.
func New(cfg Config) (*Negotiator, error) {
	if cfg.NewPeer == nil {
		return nil, errors.New("peer: peer connection factory is required")
	}
	if cfg.SignalURL == "" {
		return nil, errors.New("peer: signal url is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = wsconn.NewDialer(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Negotiator{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		state:   StateIdle,
		offered: make(map[string]bool),
		done:    make(chan struct{}),
	}, nil
}

// Join acquires media, creates the peer connection and starts signaling for
// sessionToken. It returns once the session is set up; connection progress is
// reported through OnState.
func (n *Negotiator) Join(ctx context.Context, sessionToken string, id Identity) error {
	if sessionToken == "" {
		return errors.New("peer: session token is required")
	}

	n.mu.Lock()
	if n.state == StateEnded || n.state == StateFailed {
		n.mu.Unlock()
		return ErrEnded
	}
	if n.joined {
		n.mu.Unlock()
		return ErrAlreadyJoined
	}
	n.joined = true
	n.token = sessionToken
	n.self = id
	logger := n.log.With().Str("session_token", sessionToken).Str("user_id", id.UserID).Logger()
	n.log = &logger
	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.mu.Unlock()

	n.setState(StateConnecting)

	// End during setup cancels loopCtx, which also aborts a pending UserMedia.
	mediaCtx, stopMedia := context.WithCancel(ctx)
	stopWatch := context.AfterFunc(loopCtx, stopMedia)
	ok := n.acquireMedia(mediaCtx)
	stopWatch()
	stopMedia()
	if !ok {
		return ErrEnded
	}
	if err := n.newPeer(); err != nil {
		if errors.Is(err, ErrEnded) {
			return err
		}
		n.fail(err)
		return err
	}

	if n.isEnded() {
		return ErrEnded
	}
	go n.run(loopCtx)
	return nil
}

// acquireMedia never fails: without a camera it falls back to placeholders,
// and without placeholders the session only receives. It reports false when
// the session ended meanwhile; the tracks are stopped in that case.
func (n *Negotiator) acquireMedia(ctx context.Context) bool {
	if n.cfg.Media == nil {
		n.log.Warn().Msg("no media source, joining receive-only")
		return true
	}

	tracks, err := n.cfg.Media.UserMedia(ctx)
	if n.isEnded() {
		media.StopAll(tracks)
		return false
	}
	if err != nil || len(tracks) == 0 {
		n.log.Warn().Err(err).Msg("camera or microphone unavailable, using placeholder tracks")
		media.StopAll(tracks)
		tracks = nil
		for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
			t, perr := n.cfg.Media.Placeholder(kind)
			if perr != nil {
				n.log.Warn().Err(perr).Str("kind", string(kind)).Msg("placeholder track unavailable")
				continue
			}
			tracks = append(tracks, t)
		}
	}

	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		media.StopAll(tracks)
		return false
	}
	n.local = tracks
	for _, t := range tracks {
		if t.Kind() == media.KindVideo && n.camera == nil {
			n.camera = t
		}
	}
	n.mu.Unlock()
	return true
}

func (n *Negotiator) isEnded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ended
}

// newPeer creates a peer connection carrying the local tracks, replacing any
// previous one. After teardown it closes the new connection and returns ErrEnded.
func (n *Negotiator) newPeer() error {
	pc, err := n.cfg.NewPeer()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	n.mu.Lock()
	local := append([]media.Track(nil), n.local...)
	camera := n.camera
	n.mu.Unlock()

	var videoSender Sender
	hasKind := map[media.Kind]bool{}
	for _, t := range local {
		s, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		hasKind[t.Kind()] = true
		if t == camera {
			videoSender = s
		}
	}
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		if hasKind[kind] {
			continue
		}
		if err := pc.AddReceiveOnly(kind); err != nil {
			_ = pc.Close()
			return fmt.Errorf("add receive-only %s: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *proto.ICECandidate) {
		// nil marks the end of gathering and is not forwarded.
		if c == nil {
			return
		}
		if err := n.sendToRemote(proto.Signal{Type: proto.SignalICECandidate, Candidate: c}); err != nil {
			n.log.Debug().Err(err).Msg("dropping local ice candidate")
		}
	})
	pc.OnConnectionStateChange(func(s ConnectionState) { n.onConnectionState(pc, s) })
	pc.OnTrack(func(t media.Track) {
		n.mu.Lock()
		if n.pc != pc {
			n.mu.Unlock()
			t.Stop()
			return
		}
		n.remoteTrack = append(n.remoteTrack, t)
		n.mu.Unlock()
		if n.cfg.OnRemoteTrack != nil {
			n.cfg.OnRemoteTrack(t)
		}
	})

	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		_ = pc.Close()
		return ErrEnded
	}
	old := n.pc
	oldRemote := n.remoteTrack
	n.pc = pc
	n.videoSender = videoSender
	n.remoteSet = false
	n.pending = nil
	n.remoteTrack = nil
	if n.screen != nil && videoSender != nil {
		_ = videoSender.ReplaceTrack(n.screen)
	}
	n.mu.Unlock()

	if old != nil {
		media.StopAll(oldRemote)
		_ = old.Close()
	}
	return nil
}

func (n *Negotiator) onConnectionState(pc PeerConnection, s ConnectionState) {
	n.mu.Lock()
	current := n.pc == pc
	n.mu.Unlock()
	if !current {
		return
	}

	switch s {
	case ConnectionConnected:
		n.setState(StateConnected)
	case ConnectionDisconnected:
		n.setState(StateDisconnected)
	case ConnectionFailed:
		n.fail(errors.New("peer connection failed"))
	}
}

func (n *Negotiator) endpoint() string {
	return strings.TrimRight(n.cfg.SignalURL, "/") + "/" + url.PathEscape(n.token)
}

func (n *Negotiator) run(ctx context.Context) {
	sched := reconnect.NewSchedule(n.cfg.Reconnect)
	for {
		conn, err := n.cfg.Dialer(ctx, n.endpoint())
		if err == nil {
			sched.Reset()
			err = n.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		delay, attempt, ok := sched.Next()
		if !ok {
			n.fail(fmt.Errorf("signaling lost: %w", err))
			return
		}
		timer := n.clock.Timer(delay)
		n.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("signaling reconnecting")

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (n *Negotiator) serve(ctx context.Context, conn wsconn.Conn) error {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		_ = conn.Close("call ended")
		return ErrEnded
	}
	n.conn = conn
	self := n.self
	token := n.token
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if n.conn == conn {
			n.conn = nil
		}
		n.mu.Unlock()
		_ = conn.Close("signaling closed")
	}()

	if err := n.write(ctx, conn, proto.Signal{
		Type:         proto.SignalJoin,
		SessionToken: token,
		UserID:       self.UserID,
		UserName:     self.Name,
	}); err != nil {
		return err
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var sig proto.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			metrics.FramesDroppedTotal.WithLabelValues("signaling", "malformed").Inc()
			n.log.Warn().Err(err).Msg("dropping signaling frame")
			continue
		}
		if err := n.handle(ctx, sig); err != nil {
			n.log.Warn().Err(err).Str("type", sig.Type).Str("from", sig.From).Msg("signaling frame not applied")
		}
	}
}

func (n *Negotiator) handle(ctx context.Context, sig proto.Signal) error {
	switch sig.Type {
	case proto.SignalJoined:
		n.log.Debug().Msg("joined signaling session")
		return nil
	case proto.SignalUserJoined:
		return n.onUserJoined(ctx, sig)
	case proto.SignalOffer:
		return n.onOffer(ctx, sig)
	case proto.SignalAnswer:
		return n.onAnswer(sig)
	case proto.SignalICECandidate:
		return n.onRemoteCandidate(sig)
	case proto.SignalUserLeft:
		return n.onUserLeft(sig)
	case proto.SignalError:
		if sig.Error != nil {
			return fmt.Errorf("relay error %s: %s", sig.Error.Code, sig.Error.Msg)
		}
		return errors.New("relay error")
	default:
		metrics.FramesDroppedTotal.WithLabelValues("signaling", "unknown_type").Inc()
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

func (n *Negotiator) onUserJoined(ctx context.Context, sig proto.Signal) error {
	n.mu.Lock()
	if sig.UserID == "" || sig.UserID == n.self.UserID {
		n.mu.Unlock()
		return nil
	}
	if n.offered[sig.UserID] || (n.remote == sig.UserID && n.state == StateConnected) {
		n.mu.Unlock()
		return nil
	}
	n.offered[sig.UserID] = true
	n.remote = sig.UserID
	pc := n.pc
	n.mu.Unlock()

	n.log.Info().Str("remote", sig.UserID).Msg("participant joined, sending offer")

	offerCtx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	offer, err := pc.CreateOffer(offerCtx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return n.sendToRemote(proto.Signal{Type: proto.SignalOffer, SDP: &offer})
}

func (n *Negotiator) onOffer(ctx context.Context, sig proto.Signal) error {
	if sig.SDP == nil {
		return errMissingPayload
	}
	n.mu.Lock()
	if sig.From != "" {
		n.remote = sig.From
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(*sig.SDP); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.flushCandidates(pc)

	answerCtx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	answer, err := pc.CreateAnswer(answerCtx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return n.sendToRemote(proto.Signal{Type: proto.SignalAnswer, SDP: &answer})
}

func (n *Negotiator) onAnswer(sig proto.Signal) error {
	if sig.SDP == nil {
		return errMissingPayload
	}
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(*sig.SDP); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.flushCandidates(pc)
	return nil
}

func (n *Negotiator) onRemoteCandidate(sig proto.Signal) error {
	if sig.Candidate == nil {
		return errMissingPayload
	}
	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, *sig.Candidate)
		n.mu.Unlock()
		return nil
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.AddICECandidate(*sig.Candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// flushCandidates marks the remote description set and applies queued candidates.
func (n *Negotiator) flushCandidates(pc PeerConnection) {
	n.mu.Lock()
	n.remoteSet = true
	queued := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			n.log.Warn().Err(err).Msg("queued ice candidate rejected")
		}
	}
}

func (n *Negotiator) onUserLeft(sig proto.Signal) error {
	n.mu.Lock()
	if sig.UserID != "" && sig.UserID != n.remote {
		n.mu.Unlock()
		return nil
	}
	delete(n.offered, n.remote)
	n.remote = ""
	n.mu.Unlock()

	n.log.Info().Str("remote", sig.UserID).Msg("participant left")
	// A returning participant negotiates from scratch.
	err := n.newPeer()
	n.setState(StateDisconnected)
	return err
}

func (n *Negotiator) sendToRemote(sig proto.Signal) error {
	n.mu.Lock()
	conn := n.conn
	sig.Target = n.remote
	n.mu.Unlock()
	if conn == nil {
		return errSignalingDown
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	return n.write(ctx, conn, sig)
}

func (n *Negotiator) write(ctx context.Context, conn wsconn.Conn, sig proto.Signal) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return conn.WriteJSON(ctx, sig)
}

// ShareScreen replaces the outgoing video with a screen capture.
func (n *Negotiator) ShareScreen(ctx context.Context) error {
	n.mu.Lock()
	if !n.joined {
		n.mu.Unlock()
		return ErrNotJoined
	}
	sender := n.videoSender
	src := n.cfg.Media
	n.mu.Unlock()
	if sender == nil || src == nil {
		return ErrNoVideoSender
	}

	screen, err := src.DisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("capture screen: %w", err)
	}
	if err := sender.ReplaceTrack(screen); err != nil {
		screen.Stop()
		return fmt.Errorf("replace video track: %w", err)
	}

	n.mu.Lock()
	prev := n.screen
	n.screen = screen
	n.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return nil
}

// StopScreenShare restores the camera track.
func (n *Negotiator) StopScreenShare() error {
	n.mu.Lock()
	screen := n.screen
	sender := n.videoSender
	camera := n.camera
	n.screen = nil
	n.mu.Unlock()

	if screen == nil {
		return ErrNotSharing
	}
	defer screen.Stop()
	if sender == nil {
		return ErrNoVideoSender
	}
	return sender.ReplaceTrack(camera)
}

// State returns the session state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Remote returns the user id of the other participant, if known.
func (n *Negotiator) Remote() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remote
}

// LocalTracks returns the tracks being sent.
func (n *Negotiator) LocalTracks() []media.Track {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]media.Track(nil), n.local...)
}

// RemoteTracks returns the tracks received so far.
func (n *Negotiator) RemoteTracks() []media.Track {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]media.Track(nil), n.remoteTrack...)
}

// Done is closed after teardown.
func (n *Negotiator) Done() <-chan struct{} {
	return n.done
}

// End leaves the session. Only the first call has an effect.
func (n *Negotiator) End() {
	n.shutdown(StateEnded, nil)
}

func (n *Negotiator) fail(err error) {
	n.shutdown(StateFailed, err)
}

func (n *Negotiator) shutdown(final State, cause error) {
	n.teardown.Do(func() {
		n.mu.Lock()
		n.ended = true
		local := append([]media.Track(nil), n.local...)
		screen := n.screen
		remote := n.remoteTrack
		pc := n.pc
		conn := n.conn
		cancel := n.cancel
		token := n.token
		self := n.self
		n.screen = nil
		n.remoteTrack = nil
		n.conn = nil
		n.mu.Unlock()

		media.StopAll(local)
		if screen != nil {
			screen.Stop()
		}
		media.StopAll(remote)
		if pc != nil {
			if err := pc.Close(); err != nil {
				n.log.Debug().Err(err).Msg("close peer connection")
			}
		}
		if conn != nil {
			ctx, cancelLeave := context.WithTimeout(context.Background(), leaveTimeout)
			if err := n.write(ctx, conn, proto.Signal{Type: proto.SignalLeave, SessionToken: token, UserID: self.UserID}); err != nil {
				n.log.Debug().Err(err).Msg("leave not delivered")
			}
			cancelLeave()
			_ = conn.Close("call ended")
		}
		if cancel != nil {
			cancel()
		}

		if cause != nil {
			n.log.Error().Err(cause).Msg("call session failed")
		} else {
			n.log.Info().Msg("call session ended")
		}
		n.setState(final)
		close(n.done)
	})
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	if n.state == s || n.state == StateEnded || n.state == StateFailed {
		n.mu.Unlock()
		return
	}
	n.state = s
	n.mu.Unlock()

	metrics.PeerStatesTotal.WithLabelValues(string(s)).Inc()
	if n.cfg.OnState != nil {
		n.cfg.OnState(s)
	}
}
