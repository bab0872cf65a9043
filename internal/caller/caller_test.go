package caller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/carelink/internal/api"
	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/redial"
	"github.com/vovakirdan/carelink/internal/winmon"
)

type fakeSessions struct {
	err   error
	calls atomic.Int32
}

func (s *fakeSessions) GetOrCreateVideoSession(_ context.Context, id int64) (*api.VideoSession, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &api.VideoSession{SessionToken: "sess-" + strconv.FormatInt(id, 10), AppointmentID: id, Status: "active"}, nil
}

type fakeWindow struct {
	closed atomic.Bool
}

func (w *fakeWindow) Closed() bool { return w.closed.Load() }

type fakeOpener struct {
	mu      sync.Mutex
	urls    []string
	windows []*fakeWindow
	err     error
}

func (o *fakeOpener) Open(_ context.Context, url string) (winmon.Window, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	w := &fakeWindow{}
	o.urls = append(o.urls, url)
	o.windows = append(o.windows, w)
	return w, nil
}

func (o *fakeOpener) last() (string, *fakeWindow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.urls[len(o.urls)-1], o.windows[len(o.windows)-1]
}

type outcome struct {
	id     string
	ok     bool
	reason error
}

type recordingReporter struct {
	outcomes chan outcome
}

func (r *recordingReporter) Fail(id string, reason error) { r.outcomes <- outcome{id: id, reason: reason} }
func (r *recordingReporter) Succeed(id string)            { r.outcomes <- outcome{id: id, ok: true} }

func (r *recordingReporter) next(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.outcomes:
		return o
	case <-time.After(2 * time.Second):
		t.Fatalf("no outcome reported")
		return outcome{}
	}
}

func (r *recordingReporter) expectNone(t *testing.T) {
	t.Helper()
	select {
	case o := <-r.outcomes:
		t.Fatalf("unexpected outcome %+v", o)
	case <-time.After(30 * time.Millisecond):
	}
}

type fixture struct {
	caller   *Caller
	sessions *fakeSessions
	opener   *fakeOpener
	reporter *recordingReporter
	clock    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions: &fakeSessions{},
		opener:   &fakeOpener{},
		reporter: &recordingReporter{outcomes: make(chan outcome, 8)},
		clock:    clock.NewMock(),
	}
	c, err := New(Config{
		Sessions: f.sessions,
		Opener:   f.opener,
		Monitor:  winmon.New(winmon.WithClock(f.clock)),
		CallURL:  "http://relay/call/",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Bind(f.reporter)
	t.Cleanup(c.Close)
	f.caller = c
	return f
}

func attempt(id string) redial.Attempt {
	return redial.Attempt{AppointmentID: id, Number: 1, Trigger: redial.TriggerManual}
}

func TestDialOpensWindowAndReportsClose(t *testing.T) {
	f := newFixture(t)
	if err := f.caller.Dial(context.Background(), attempt("42")); err != nil {
		t.Fatalf("dial: %v", err)
	}
	url, win := f.opener.last()
	if url != "http://relay/call/sess-42" {
		t.Fatalf("unexpected url %q", url)
	}
	if !f.caller.Pending("42") {
		t.Fatalf("attempt not pending")
	}

	f.clock.Add(time.Second)
	f.reporter.expectNone(t)

	win.closed.Store(true)
	f.clock.Add(time.Second)
	o := f.reporter.next(t)
	if o.id != "42" || o.ok || !errors.Is(o.reason, ErrWindowClosed) {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if f.caller.Pending("42") {
		t.Fatalf("attempt still pending")
	}
}

func TestDialErrors(t *testing.T) {
	f := newFixture(t)
	if err := f.caller.Dial(context.Background(), attempt("abc")); !errors.Is(err, ErrBadID) {
		t.Fatalf("expected ErrBadID, got %v", err)
	}

	f.sessions.err = errors.New("backend down")
	if err := f.caller.Dial(context.Background(), attempt("1")); err == nil {
		t.Fatalf("expected session error")
	}
	f.opener.mu.Lock()
	opened := len(f.opener.urls)
	f.opener.mu.Unlock()
	if opened != 0 {
		t.Fatalf("window opened without a session")
	}

	f.sessions.err = nil
	f.opener.err = winmon.ErrWindowUnavailable
	if err := f.caller.Dial(context.Background(), attempt("1")); !errors.Is(err, winmon.ErrWindowUnavailable) {
		t.Fatalf("expected ErrWindowUnavailable, got %v", err)
	}
	if f.caller.Pending("1") {
		t.Fatalf("failed dial left a pending attempt")
	}
}

func TestResponsesReportOnce(t *testing.T) {
	f := newFixture(t)
	if err := f.caller.Dial(context.Background(), attempt("7")); err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, win := f.opener.last()

	f.caller.HandleResponse(event.CallResponse{SessionToken: "sess-7", Accepted: false, Reason: "declined"})
	o := f.reporter.next(t)
	if o.id != "7" || o.ok || !errors.Is(o.reason, ErrDeclined) {
		t.Fatalf("unexpected outcome %+v", o)
	}

	win.closed.Store(true)
	f.clock.Add(2 * time.Second)
	f.caller.HandleResponse(event.CallResponse{SessionToken: "sess-7", Accepted: true})
	f.reporter.expectNone(t)

	if err := f.caller.Dial(context.Background(), attempt("8")); err != nil {
		t.Fatalf("dial: %v", err)
	}
	f.caller.HandleResponse(event.CallResponse{AppointmentID: "8", Accepted: true})
	if o := f.reporter.next(t); o.id != "8" || !o.ok {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestDrivesRedialController(t *testing.T) {
	f := newFixture(t)
	snaps := make(chan redial.Snapshot, 64)
	ctrl, err := redial.New(redial.Config{
		MaxRetries: 3,
		RetryDelay: 30 * time.Second,
		Dialer:     f.caller,
		Clock:      f.clock,
		OnUpdate:   func(s redial.Snapshot) { snaps <- s },
	})
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer ctrl.Close()
	f.caller.Bind(ctrl)

	if _, err := ctrl.Initiate(context.Background(), "5"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.caller.HandleResponse(event.CallResponse{SessionToken: "sess-5", Reason: "declined"})

	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-snaps:
			if s.Phase == redial.PhaseWaiting {
				if s.Attempt != 1 || s.Remaining != 30*time.Second {
					t.Fatalf("unexpected waiting snapshot %+v", s)
				}
				return
			}
		case <-timeout:
			t.Fatalf("controller never started the countdown")
		}
	}
}

func TestUnansweredWindowExpires(t *testing.T) {
	f := newFixture(t)
	if err := f.caller.Dial(context.Background(), attempt("9")); err != nil {
		t.Fatalf("dial: %v", err)
	}

	f.clock.Add(301 * time.Second)
	o := f.reporter.next(t)
	if o.id != "9" || o.ok || !errors.Is(o.reason, ErrUnanswered) {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if f.caller.Pending("9") {
		t.Fatalf("expired attempt still pending")
	}

	_, win := f.opener.last()
	win.closed.Store(true)
	f.clock.Add(2 * time.Second)
	f.reporter.expectNone(t)
}

func TestExpiredAttemptAllowsManualRedial(t *testing.T) {
	f := newFixture(t)
	snaps := make(chan redial.Snapshot, 64)
	ctrl, err := redial.New(redial.Config{
		MaxRetries: 3,
		RetryDelay: 30 * time.Second,
		Dialer:     f.caller,
		Clock:      f.clock,
		OnUpdate:   func(s redial.Snapshot) { snaps <- s },
	})
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer ctrl.Close()
	f.caller.Bind(ctrl)

	if _, err := ctrl.Initiate(context.Background(), "5"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.clock.Add(301 * time.Second)

	timeout := time.After(2 * time.Second)
wait:
	for {
		select {
		case s := <-snaps:
			if s.Phase == redial.PhaseWaiting {
				if s.LastError != ErrUnanswered.Error() {
					t.Fatalf("unexpected waiting snapshot %+v", s)
				}
				break wait
			}
		case <-timeout:
			t.Fatalf("attempt stayed %s after the window expired", ctrl.Snapshot("5").Phase)
		}
	}

	a, err := ctrl.Initiate(context.Background(), "5")
	if err != nil {
		t.Fatalf("manual redial rejected: %v", err)
	}
	if a.Number != 2 || a.Trigger != redial.TriggerManual {
		t.Fatalf("unexpected attempt %+v", a)
	}
	if !f.caller.Pending("5") {
		t.Fatalf("second attempt not pending")
	}
}
