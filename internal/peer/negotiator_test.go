package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/carelink/internal/media"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/reconnect"
	"github.com/vovakirdan/carelink/internal/wsconn"
)

type fakeTrack struct {
	id      string
	kind    media.Kind
	stopped atomic.Bool
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) Kind() media.Kind { return t.kind }
func (t *fakeTrack) Stop()            { t.stopped.Store(true) }

type fakeSender struct {
	mu      sync.Mutex
	current media.Track
}

func (s *fakeSender) ReplaceTrack(t media.Track) error {
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type fakePC struct {
	mu          sync.Mutex
	tracks      []media.Track
	senders     []*fakeSender
	recvOnly    []media.Kind
	local       []proto.SessionDescription
	remote      []proto.SessionDescription
	candidates  []string
	closed      bool
	offers      int
	onCandidate func(*proto.ICECandidate)
	onState     func(ConnectionState)
	onTrack     func(media.Track)
}

func (pc *fakePC) AddTrack(t media.Track) (Sender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	s := &fakeSender{current: t}
	pc.tracks = append(pc.tracks, t)
	pc.senders = append(pc.senders, s)
	return s, nil
}

func (pc *fakePC) AddReceiveOnly(kind media.Kind) error {
	pc.mu.Lock()
	pc.recvOnly = append(pc.recvOnly, kind)
	pc.mu.Unlock()
	return nil
}

func (pc *fakePC) CreateOffer(context.Context) (proto.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.offers++
	return proto.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", pc.offers)}, nil
}

func (pc *fakePC) CreateAnswer(context.Context) (proto.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.remote) == 0 {
		return proto.SessionDescription{}, errors.New("no remote offer")
	}
	return proto.SessionDescription{Type: "answer", SDP: "answer-to-" + pc.remote[len(pc.remote)-1].SDP}, nil
}

func (pc *fakePC) SetLocalDescription(sd proto.SessionDescription) error {
	pc.mu.Lock()
	pc.local = append(pc.local, sd)
	pc.mu.Unlock()
	return nil
}

func (pc *fakePC) SetRemoteDescription(sd proto.SessionDescription) error {
	pc.mu.Lock()
	pc.remote = append(pc.remote, sd)
	pc.mu.Unlock()
	return nil
}

func (pc *fakePC) AddICECandidate(c proto.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.remote) == 0 {
		return errors.New("remote description not set")
	}
	pc.candidates = append(pc.candidates, c.Candidate)
	return nil
}

func (pc *fakePC) OnICECandidate(f func(*proto.ICECandidate)) {
	pc.mu.Lock()
	pc.onCandidate = f
	pc.mu.Unlock()
}

func (pc *fakePC) OnConnectionStateChange(f func(ConnectionState)) {
	pc.mu.Lock()
	pc.onState = f
	pc.mu.Unlock()
}

func (pc *fakePC) OnTrack(f func(media.Track)) {
	pc.mu.Lock()
	pc.onTrack = f
	pc.mu.Unlock()
}

func (pc *fakePC) Close() error {
	pc.mu.Lock()
	pc.closed = true
	pc.mu.Unlock()
	return nil
}

func (pc *fakePC) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePC) candidateList() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]string(nil), pc.candidates...)
}

func (pc *fakePC) emitCandidate(c *proto.ICECandidate) {
	pc.mu.Lock()
	f := pc.onCandidate
	pc.mu.Unlock()
	f(c)
}

func (pc *fakePC) emitState(s ConnectionState) {
	pc.mu.Lock()
	f := pc.onState
	pc.mu.Unlock()
	f(s)
}

func (pc *fakePC) emitTrack(t media.Track) {
	pc.mu.Lock()
	f := pc.onTrack
	pc.mu.Unlock()
	f(t)
}

type fakeSource struct {
	userErr        error
	placeholderErr error
	mic, cam       *fakeTrack
	screen         *fakeTrack
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		mic:    &fakeTrack{id: "mic", kind: media.KindAudio},
		cam:    &fakeTrack{id: "cam", kind: media.KindVideo},
		screen: &fakeTrack{id: "screen", kind: media.KindVideo},
	}
}

func (s *fakeSource) UserMedia(context.Context) ([]media.Track, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	return []media.Track{s.mic, s.cam}, nil
}

func (s *fakeSource) DisplayMedia(context.Context) (media.Track, error) {
	return s.screen, nil
}

func (s *fakeSource) Placeholder(kind media.Kind) (media.Track, error) {
	if s.placeholderErr != nil {
		return nil, s.placeholderErr
	}
	return &fakeTrack{id: "placeholder-" + string(kind), kind: kind}, nil
}

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, sig proto.Signal) {
	t.Helper()
	data, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.in <- data
}

func (c *fakeConn) next(t *testing.T) proto.Signal {
	t.Helper()
	select {
	case data := <-c.out:
		var sig proto.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return sig
	case <-time.After(2 * time.Second):
		t.Fatalf("no signaling frame written")
		return proto.Signal{}
	}
}

func (c *fakeConn) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type scriptedDialer struct {
	results chan dialResult
	urls    chan string
	// ignoreCtx makes dial wait for a result even after cancellation.
	ignoreCtx bool
}

func newScriptedDialer() *scriptedDialer {
	return &scriptedDialer{
		results: make(chan dialResult, 32),
		urls:    make(chan string, 32),
	}
}

func (d *scriptedDialer) dial(ctx context.Context, url string) (wsconn.Conn, error) {
	d.urls <- url
	if d.ignoreCtx {
		r := <-d.results
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	}
	select {
	case r := <-d.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type harness struct {
	n      *Negotiator
	source *fakeSource
	dialer *scriptedDialer
	clock  *clock.Mock
	pcs    chan *fakePC
	states chan State
}

func newHarness(t *testing.T, source media.Source, policy reconnect.Policy) *harness {
	t.Helper()
	h := &harness{
		dialer: newScriptedDialer(),
		clock:  clock.NewMock(),
		pcs:    make(chan *fakePC, 8),
		states: make(chan State, 32),
	}
	if fs, ok := source.(*fakeSource); ok {
		h.source = fs
	}
	n, err := New(Config{
		SignalURL: "ws://relay/ws/video-call/",
		NewPeer: func() (PeerConnection, error) {
			pc := &fakePC{}
			h.pcs <- pc
			return pc, nil
		},
		Media:     source,
		Dialer:    h.dialer.dial,
		Reconnect: policy,
		Clock:     h.clock,
		OnState:   func(s State) { h.states <- s },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h.n = n
	t.Cleanup(n.End)
	return h
}

// join starts the session and returns its peer connection and signaling conn
// with the join frame already consumed.
func (h *harness) join(t *testing.T) (*fakePC, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}
	if err := h.n.Join(context.Background(), "tok-1", Identity{UserID: "1", Name: "Dr. Ada"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	pc := h.nextPC(t)
	if sig := conn.next(t); sig.Type != proto.SignalJoin {
		t.Fatalf("expected join frame, got %+v", sig)
	}
	return pc, conn
}

func (h *harness) nextPC(t *testing.T) *fakePC {
	t.Helper()
	select {
	case pc := <-h.pcs:
		return pc
	case <-time.After(2 * time.Second):
		t.Fatalf("no peer connection created")
		return nil
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s not reached, now %s", want, h.n.State())
		}
	}
}

// advanceUntil moves the mock clock until ch delivers; the reconnect timer
// may not exist yet on the first step.
func advanceUntil[T any](t *testing.T, mock *clock.Mock, step time.Duration, ch <-chan T) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v := <-ch:
			return v
		case <-deadline:
			t.Fatalf("nothing arrived while advancing clock")
			var zero T
			return zero
		case <-time.After(5 * time.Millisecond):
			mock.Add(step)
		}
	}
}

func TestJoinSendsJoinFrame(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}

	if err := h.n.Join(context.Background(), "tok 1", Identity{UserID: "7", Name: "Pat"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if url := <-h.dialer.urls; url != "ws://relay/ws/video-call/tok%201" {
		t.Fatalf("unexpected url %q", url)
	}
	sig := conn.next(t)
	if sig.Type != proto.SignalJoin || sig.SessionToken != "tok 1" || sig.UserID != "7" || sig.UserName != "Pat" {
		t.Fatalf("unexpected join frame %+v", sig)
	}

	pc := h.nextPC(t)
	if len(pc.tracks) != 2 {
		t.Fatalf("expected camera and microphone tracks, got %d", len(pc.tracks))
	}
	if err := h.n.Join(context.Background(), "tok 1", Identity{UserID: "7"}); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestOffersOnceWhenParticipantJoins(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	pc, conn := h.join(t)

	conn.push(t, proto.Signal{Type: proto.SignalUserJoined, UserID: "1"})
	conn.push(t, proto.Signal{Type: proto.SignalUserJoined, UserID: "2", UserName: "Sam"})

	sig := conn.next(t)
	if sig.Type != proto.SignalOffer || sig.Target != "2" || sig.SDP == nil || sig.SDP.SDP != "offer-1" {
		t.Fatalf("unexpected offer %+v", sig)
	}
	pc.mu.Lock()
	local := pc.local
	pc.mu.Unlock()
	if len(local) != 1 || local[0].Type != "offer" {
		t.Fatalf("offer not applied locally: %+v", local)
	}

	conn.push(t, proto.Signal{Type: proto.SignalUserJoined, UserID: "2"})
	conn.expectQuiet(t)
	if got := h.n.Remote(); got != "2" {
		t.Fatalf("remote = %q", got)
	}
}

func TestAnswersEveryOffer(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	_, conn := h.join(t)

	for i := 1; i <= 2; i++ {
		sdp := fmt.Sprintf("remote-offer-%d", i)
		conn.push(t, proto.Signal{Type: proto.SignalOffer, From: "2", SDP: &proto.SessionDescription{Type: "offer", SDP: sdp}})
		sig := conn.next(t)
		if sig.Type != proto.SignalAnswer || sig.Target != "2" || sig.SDP.SDP != "answer-to-"+sdp {
			t.Fatalf("unexpected answer %+v", sig)
		}
	}
}

func TestQueuesCandidatesUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	pc, conn := h.join(t)

	conn.push(t, proto.Signal{Type: proto.SignalICECandidate, From: "2", Candidate: &proto.ICECandidate{Candidate: "c1"}})
	conn.push(t, proto.Signal{Type: proto.SignalICECandidate, From: "2", Candidate: &proto.ICECandidate{Candidate: "c2"}})
	conn.push(t, proto.Signal{Type: proto.SignalOffer, From: "2", SDP: &proto.SessionDescription{Type: "offer", SDP: "o"}})

	if sig := conn.next(t); sig.Type != proto.SignalAnswer {
		t.Fatalf("expected answer, got %+v", sig)
	}
	if got := pc.candidateList(); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("queued candidates not applied in order: %v", got)
	}

	conn.push(t, proto.Signal{Type: proto.SignalICECandidate, From: "2", Candidate: &proto.ICECandidate{Candidate: "c3"}})
	deadline := time.After(2 * time.Second)
	for len(pc.candidateList()) != 3 {
		select {
		case <-deadline:
			t.Fatalf("late candidate not applied: %v", pc.candidateList())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestForwardsLocalCandidates(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	pc, conn := h.join(t)

	conn.push(t, proto.Signal{Type: proto.SignalUserJoined, UserID: "2"})
	if sig := conn.next(t); sig.Type != proto.SignalOffer {
		t.Fatalf("expected offer, got %+v", sig)
	}

	pc.emitCandidate(nil)
	mid := "0"
	pc.emitCandidate(&proto.ICECandidate{Candidate: "local-1", SDPMid: &mid})

	sig := conn.next(t)
	if sig.Type != proto.SignalICECandidate || sig.Target != "2" || sig.Candidate.Candidate != "local-1" {
		t.Fatalf("unexpected candidate frame %+v", sig)
	}
	conn.expectQuiet(t)
}

func TestMediaFallsBackToPlaceholders(t *testing.T) {
	src := newFakeSource()
	src.userErr = media.ErrUnavailable
	h := newHarness(t, src, reconnect.Policy{})
	pc, _ := h.join(t)

	if len(pc.tracks) != 2 || len(pc.recvOnly) != 0 {
		t.Fatalf("expected two placeholder tracks, got %d tracks %v recv-only", len(pc.tracks), pc.recvOnly)
	}
	for _, tr := range pc.tracks {
		if tr.ID() != "placeholder-"+string(tr.Kind()) {
			t.Fatalf("unexpected track %s", tr.ID())
		}
	}
}

func TestMediaFallsBackToReceiveOnly(t *testing.T) {
	src := newFakeSource()
	src.userErr = media.ErrUnavailable
	src.placeholderErr = media.ErrUnavailable
	h := newHarness(t, src, reconnect.Policy{})
	pc, _ := h.join(t)

	if len(pc.tracks) != 0 {
		t.Fatalf("expected no local tracks, got %d", len(pc.tracks))
	}
	if len(pc.recvOnly) != 2 || pc.recvOnly[0] != media.KindAudio || pc.recvOnly[1] != media.KindVideo {
		t.Fatalf("expected receive-only audio and video, got %v", pc.recvOnly)
	}
	if err := h.n.ShareScreen(context.Background()); !errors.Is(err, ErrNoVideoSender) {
		t.Fatalf("expected ErrNoVideoSender, got %v", err)
	}
}

func TestScreenShareReplacesAndRestoresCamera(t *testing.T) {
	src := newFakeSource()
	h := newHarness(t, src, reconnect.Policy{})
	pc, _ := h.join(t)

	videoSender := pc.senders[1]
	if err := h.n.ShareScreen(context.Background()); err != nil {
		t.Fatalf("share: %v", err)
	}
	if videoSender.track() != src.screen {
		t.Fatalf("screen not sent")
	}

	if err := h.n.StopScreenShare(); err != nil {
		t.Fatalf("stop share: %v", err)
	}
	if videoSender.track() != src.cam {
		t.Fatalf("camera not restored")
	}
	if !src.screen.stopped.Load() || src.cam.stopped.Load() {
		t.Fatalf("expected screen stopped and camera live")
	}
	if err := h.n.StopScreenShare(); !errors.Is(err, ErrNotSharing) {
		t.Fatalf("expected ErrNotSharing, got %v", err)
	}
}

func TestConnectionFailureTearsDown(t *testing.T) {
	src := newFakeSource()
	h := newHarness(t, src, reconnect.Policy{})
	pc, conn := h.join(t)
	h.waitState(t, StateConnecting)

	pc.emitState(ConnectionConnected)
	h.waitState(t, StateConnected)

	pc.emitState(ConnectionFailed)
	h.waitState(t, StateFailed)

	select {
	case <-h.n.Done():
	case <-time.After(time.Second):
		t.Fatalf("session not torn down")
	}
	if !pc.isClosed() || !src.mic.stopped.Load() || !src.cam.stopped.Load() {
		t.Fatalf("expected peer closed and local tracks stopped")
	}
	if sig := conn.next(t); sig.Type != proto.SignalLeave {
		t.Fatalf("expected leave, got %+v", sig)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	src := newFakeSource()
	h := newHarness(t, src, reconnect.Policy{})
	pc, conn := h.join(t)

	remote := &fakeTrack{id: "remote-video", kind: media.KindVideo}
	pc.emitTrack(remote)
	if got := h.n.RemoteTracks(); len(got) != 1 {
		t.Fatalf("expected one remote track, got %d", len(got))
	}

	h.n.End()
	h.n.End()

	if sig := conn.next(t); sig.Type != proto.SignalLeave || sig.SessionToken != "tok-1" || sig.UserID != "1" {
		t.Fatalf("unexpected leave frame %+v", sig)
	}
	conn.expectQuiet(t)
	select {
	case <-conn.closed:
	default:
		t.Fatalf("signaling not closed")
	}
	if !pc.isClosed() || !remote.stopped.Load() || !src.mic.stopped.Load() || !src.cam.stopped.Load() {
		t.Fatalf("teardown incomplete")
	}
	if h.n.State() != StateEnded {
		t.Fatalf("state = %s", h.n.State())
	}
	if err := h.n.Join(context.Background(), "tok-1", Identity{UserID: "1"}); !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded after end, got %v", err)
	}
}

func TestUserLeftResetsPeer(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	first, conn := h.join(t)

	conn.push(t, proto.Signal{Type: proto.SignalUserJoined, UserID: "2"})
	if sig := conn.next(t); sig.Type != proto.SignalOffer {
		t.Fatalf("expected offer, got %+v", sig)
	}

	conn.push(t, proto.Signal{Type: proto.SignalUserLeft, UserID: "2"})
	second := h.nextPC(t)
	h.waitState(t, StateDisconnected)
	if !first.isClosed() {
		t.Fatalf("old peer connection not closed")
	}
	second.mu.Lock()
	readded := len(second.tracks)
	second.mu.Unlock()
	if readded != 2 {
		t.Fatalf("local tracks not re-added, got %d", readded)
	}

	conn.push(t, proto.Signal{Type: proto.SignalUserJoined, UserID: "2"})
	if sig := conn.next(t); sig.Type != proto.SignalOffer || sig.Target != "2" {
		t.Fatalf("expected new offer after rejoin, got %+v", sig)
	}
	second.mu.Lock()
	offers := second.offers
	second.mu.Unlock()
	if offers != 1 {
		t.Fatalf("offer not created on the fresh peer connection")
	}
}

func TestSignalingReconnectRejoins(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	_, first := h.join(t)
	<-h.dialer.urls

	second := newFakeConn()
	h.dialer.results <- dialResult{conn: second}
	_ = first.Close("drop")

	advanceUntil(t, h.clock, time.Second, h.dialer.urls)
	if sig := second.next(t); sig.Type != proto.SignalJoin || sig.SessionToken != "tok-1" {
		t.Fatalf("expected join after reconnect, got %+v", sig)
	}
}

func TestSignalingExhaustionFails(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{MaxAttempts: 2})
	pc, first := h.join(t)
	<-h.dialer.urls

	for i := 0; i < 2; i++ {
		h.dialer.results <- dialResult{err: errors.New("refused")}
	}
	_ = first.Close("drop")

	advanceUntil(t, h.clock, 30*time.Second, h.n.Done())
	if h.n.State() != StateFailed {
		t.Fatalf("state = %s", h.n.State())
	}
	if !pc.isClosed() {
		t.Fatalf("peer connection not closed")
	}
}

func (d *scriptedDialer) expectNoDial(t *testing.T) {
	t.Helper()
	select {
	case url := <-d.urls:
		t.Fatalf("unexpected signaling dial to %s", url)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitDone(t *testing.T, n *Negotiator) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session not torn down")
	}
}

// blockingSource holds UserMedia until release is closed.
type blockingSource struct {
	*fakeSource
	honorCtx bool
	entered  chan struct{}
	release  chan struct{}
}

func newBlockingSource(honorCtx bool) *blockingSource {
	return &blockingSource{
		fakeSource: newFakeSource(),
		honorCtx:   honorCtx,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (s *blockingSource) UserMedia(ctx context.Context) ([]media.Track, error) {
	close(s.entered)
	if s.honorCtx {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-s.release
	}
	return []media.Track{s.mic, s.cam}, nil
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s not reached", what)
	}
}

func TestEndDuringMediaAcquisition(t *testing.T) {
	src := newBlockingSource(false)
	h := newHarness(t, src, reconnect.Policy{})

	joined := make(chan error, 1)
	go func() {
		joined <- h.n.Join(context.Background(), "tok-1", Identity{UserID: "1"})
	}()
	waitClosed(t, src.entered, "user media request")

	h.n.End()
	close(src.release)

	select {
	case err := <-joined:
		if !errors.Is(err, ErrEnded) {
			t.Fatalf("expected ErrEnded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("join did not return")
	}
	if !src.mic.stopped.Load() || !src.cam.stopped.Load() {
		t.Fatalf("tracks granted after end were not stopped")
	}
	select {
	case <-h.pcs:
		t.Fatalf("peer connection created after end")
	default:
	}
	h.dialer.expectNoDial(t)
	waitDone(t, h.n)
	if h.n.State() != StateEnded {
		t.Fatalf("state = %s", h.n.State())
	}
}

func TestEndCancelsPendingUserMedia(t *testing.T) {
	src := newBlockingSource(true)
	h := newHarness(t, src, reconnect.Policy{})

	joined := make(chan error, 1)
	go func() {
		joined <- h.n.Join(context.Background(), "tok-1", Identity{UserID: "1"})
	}()
	waitClosed(t, src.entered, "user media request")
	h.n.End()

	select {
	case err := <-joined:
		if !errors.Is(err, ErrEnded) {
			t.Fatalf("expected ErrEnded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending media request was not cancelled")
	}
	h.dialer.expectNoDial(t)
}

func TestEndWhileCreatingPeerConnection(t *testing.T) {
	src := newFakeSource()
	dialer := newScriptedDialer()
	entered := make(chan struct{})
	release := make(chan struct{})
	pc := &fakePC{}
	n, err := New(Config{
		SignalURL: "ws://relay/ws/video-call/",
		NewPeer: func() (PeerConnection, error) {
			close(entered)
			<-release
			return pc, nil
		},
		Media:  src,
		Dialer: dialer.dial,
		Clock:  clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(n.End)

	joined := make(chan error, 1)
	go func() {
		joined <- n.Join(context.Background(), "tok-1", Identity{UserID: "1"})
	}()
	waitClosed(t, entered, "peer connection factory")
	n.End()
	close(release)

	if err := <-joined; !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
	if !pc.isClosed() {
		t.Fatalf("peer connection created during end was left open")
	}
	if !src.mic.stopped.Load() || !src.cam.stopped.Load() {
		t.Fatalf("local tracks not stopped")
	}
	dialer.expectNoDial(t)
	if n.State() != StateEnded {
		t.Fatalf("state = %s", n.State())
	}
}

func TestEndDuringSignalingDial(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	h.dialer.ignoreCtx = true
	if err := h.n.Join(context.Background(), "tok-1", Identity{UserID: "1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	pc := h.nextPC(t)
	select {
	case <-h.dialer.urls:
	case <-time.After(2 * time.Second):
		t.Fatalf("signaling not dialed")
	}

	h.n.End()
	waitDone(t, h.n)

	late := newFakeConn()
	h.dialer.results <- dialResult{conn: late}
	waitClosed(t, late.closed, "late signaling close")
	late.expectQuiet(t)
	h.dialer.expectNoDial(t)
	if !pc.isClosed() {
		t.Fatalf("peer connection not closed")
	}
}

func TestEndDuringReconnectBackoff(t *testing.T) {
	h := newHarness(t, newFakeSource(), reconnect.Policy{})
	_, first := h.join(t)
	<-h.dialer.urls

	_ = first.Close("drop")
	h.n.End()
	waitDone(t, h.n)

	h.clock.Add(time.Minute)
	h.dialer.expectNoDial(t)
	if h.n.State() != StateEnded {
		t.Fatalf("state = %s", h.n.State())
	}
}

// memRelay forwards signaling between fake connections the way the session
// hub does for a single session.
type memRelay struct {
	mu      sync.Mutex
	members map[string]*fakeConn
	offers  map[string]int
	answers map[string]int
}

func newMemRelay() *memRelay {
	return &memRelay{
		members: make(map[string]*fakeConn),
		offers:  make(map[string]int),
		answers: make(map[string]int),
	}
}

func (r *memRelay) dial(context.Context, string) (wsconn.Conn, error) {
	c := newFakeConn()
	go r.pump(c)
	return c, nil
}

func (r *memRelay) pump(c *fakeConn) {
	var self string
	for {
		var data []byte
		select {
		case data = <-c.out:
		case <-c.closed:
			return
		}
		var sig proto.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			continue
		}

		r.mu.Lock()
		switch {
		case sig.Type == proto.SignalJoin:
			self = sig.UserID
			r.members[self] = c
			r.send(c, proto.Signal{Type: proto.SignalJoined, UserID: self})
			r.broadcast(self, proto.Signal{Type: proto.SignalUserJoined, UserID: self, UserName: sig.UserName})
		case sig.Type == proto.SignalLeave:
			delete(r.members, self)
			r.broadcast(self, proto.Signal{Type: proto.SignalUserLeft, UserID: self})
		case sig.Relayed():
			switch sig.Type {
			case proto.SignalOffer:
				r.offers[self]++
			case proto.SignalAnswer:
				r.answers[self]++
			}
			sig.From = self
			if to, ok := r.members[sig.Target]; ok && sig.Target != self {
				r.send(to, sig)
			} else if sig.Target == "" {
				r.broadcast(self, sig)
			}
		}
		r.mu.Unlock()
	}
}

func (r *memRelay) broadcast(except string, sig proto.Signal) {
	for id, c := range r.members {
		if id != except {
			r.send(c, sig)
		}
	}
}

func (r *memRelay) send(c *fakeConn, sig proto.Signal) {
	data, _ := json.Marshal(sig)
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

func (r *memRelay) counts() (offers, answers map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	offers = make(map[string]int)
	answers = make(map[string]int)
	for k, v := range r.offers {
		offers[k] = v
	}
	for k, v := range r.answers {
		answers[k] = v
	}
	return offers, answers
}

func (r *memRelay) waitMember(t *testing.T, id string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		_, ok := r.members[id]
		r.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("%s never joined the relay", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTwoParticipantsNegotiateOnce(t *testing.T) {
	for _, order := range [][2]string{{"1", "2"}, {"2", "1"}} {
		first, second := order[0], order[1]
		t.Run("first_"+first, func(t *testing.T) {
			relay := newMemRelay()
			pcs := map[string]chan *fakePC{}
			negotiators := map[string]*Negotiator{}
			for _, id := range []string{first, second} {
				made := make(chan *fakePC, 4)
				pcs[id] = made
				n, err := New(Config{
					SignalURL: "ws://relay/ws/video-call/",
					NewPeer: func() (PeerConnection, error) {
						pc := &fakePC{}
						made <- pc
						return pc, nil
					},
					Media:  newFakeSource(),
					Dialer: relay.dial,
					Clock:  clock.NewMock(),
				})
				if err != nil {
					t.Fatalf("new: %v", err)
				}
				t.Cleanup(n.End)
				negotiators[id] = n
			}

			if err := negotiators[first].Join(context.Background(), "tok-1", Identity{UserID: first}); err != nil {
				t.Fatalf("join %s: %v", first, err)
			}
			relay.waitMember(t, first)
			if err := negotiators[second].Join(context.Background(), "tok-1", Identity{UserID: second}); err != nil {
				t.Fatalf("join %s: %v", second, err)
			}

			deadline := time.After(2 * time.Second)
			for {
				offers, answers := relay.counts()
				if offers[first] == 1 && answers[second] == 1 {
					break
				}
				select {
				case <-deadline:
					t.Fatalf("negotiation incomplete: offers %v answers %v", offers, answers)
				case <-time.After(5 * time.Millisecond):
				}
			}
			time.Sleep(50 * time.Millisecond)

			offers, answers := relay.counts()
			if offers[first] != 1 || offers[second] != 0 {
				t.Fatalf("expected a single offer from %s, got %v", first, offers)
			}
			if answers[second] != 1 || answers[first] != 0 {
				t.Fatalf("expected a single answer from %s, got %v", second, answers)
			}

			offerer := <-pcs[first]
			answerer := <-pcs[second]
			offerer.mu.Lock()
			gotAnswer := len(offerer.remote) == 1 && offerer.remote[0].Type == "answer"
			offerer.mu.Unlock()
			answerer.mu.Lock()
			gotOffer := len(answerer.remote) == 1 && answerer.remote[0].Type == "offer" && answerer.offers == 0
			answerer.mu.Unlock()
			if !gotAnswer || !gotOffer {
				t.Fatalf("descriptions not applied on both sides")
			}
		})
	}
}
