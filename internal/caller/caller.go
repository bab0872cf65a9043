// Package caller places outbound video calls for appointments: it gets the
// session from the backend, opens the call window and reports the outcome
// of each attempt back to the redial controller.
package caller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/api"
	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/redial"
	"github.com/vovakirdan/carelink/internal/winmon"
)

var (
	ErrWindowClosed = errors.New("call window closed before the call was answered")
	ErrUnanswered   = errors.New("call not answered")
	ErrDeclined     = errors.New("call declined")
	ErrBadID        = errors.New("invalid appointment id")
)

// Sessions resolves the video session of an appointment.
type Sessions interface {
	GetOrCreateVideoSession(ctx context.Context, appointmentID int64) (*api.VideoSession, error)
}

// Reporter receives attempt outcomes. *redial.Controller implements it.
type Reporter interface {
	Fail(appointmentID string, reason error)
	Succeed(appointmentID string)
}

// Config configures a Caller.
type Config struct {
	Sessions Sessions
	Opener   winmon.Opener
	Monitor  *winmon.Monitor
	// CallURL is the page opened in the call window; the session token is appended.
	CallURL string
	Logger  *zerolog.Logger
}

type active struct {
	appointmentID string
	token         string
	watch         *winmon.Watch
}

// Caller implements redial.Dialer.
type Caller struct {
	cfg Config
	log *zerolog.Logger

	mu       sync.Mutex
	reporter Reporter
	byAppt   map[string]*active
	byToken  map[string]*active
}

var _ redial.Dialer = (*Caller)(nil)

// New builds a caller. Bind must be called before the first Dial.
func New(cfg Config) (*Caller, error) {
	if cfg.Sessions == nil || cfg.Opener == nil {
		return nil, errors.New("caller: sessions and opener are required")
	}
	if cfg.Monitor == nil {
		cfg.Monitor = winmon.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Caller{
		cfg:     cfg,
		log:     cfg.Logger,
		byAppt:  make(map[string]*active),
		byToken: make(map[string]*active),
	}, nil
}

// Bind sets where outcomes are reported.
func (c *Caller) Bind(r Reporter) {
	c.mu.Lock()
	c.reporter = r
	c.mu.Unlock()
}

// Dial places one attempt. It returns once the window is open; the outcome
// arrives later through the window monitor or a call response.
func (c *Caller) Dial(ctx context.Context, a redial.Attempt) error {
	id, err := strconv.ParseInt(a.AppointmentID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadID, a.AppointmentID)
	}

	session, err := c.cfg.Sessions.GetOrCreateVideoSession(ctx, id)
	if err != nil {
		return fmt.Errorf("get video session: %w", err)
	}

	window, err := c.cfg.Opener.Open(ctx, c.windowURL(session.SessionToken))
	if err != nil {
		return fmt.Errorf("open call window: %w", err)
	}

	call := &active{appointmentID: a.AppointmentID, token: session.SessionToken}
	c.mu.Lock()
	var prevWatch *winmon.Watch
	if prev := c.byAppt[a.AppointmentID]; prev != nil {
		delete(c.byToken, prev.token)
		prevWatch = prev.watch
	}
	c.byAppt[a.AppointmentID] = call
	c.byToken[call.token] = call
	c.mu.Unlock()
	if prevWatch != nil {
		prevWatch.Stop()
	}

	watch, err := c.cfg.Monitor.Watch(window, func(why winmon.Reason) {
		if _, ok := c.finish(call); !ok {
			return
		}
		reason := ErrWindowClosed
		if why == winmon.ReasonExpired {
			reason = ErrUnanswered
		}
		c.log.Info().Str("appointment_id", call.appointmentID).Stringer("reason", why).Msg("call attempt ended without answer")
		c.report(func(r Reporter) { r.Fail(call.appointmentID, reason) })
	})
	if err != nil {
		c.finish(call)
		return err
	}
	c.mu.Lock()
	if c.byAppt[a.AppointmentID] == call {
		call.watch = watch
		watch = nil
	}
	c.mu.Unlock()
	if watch != nil {
		// Answered before the watch was stored.
		watch.Stop()
	}

	c.log.Info().
		Str("appointment_id", a.AppointmentID).
		Str("session_token", session.SessionToken).
		Int("attempt", a.Number).
		Msg("call window opened")
	return nil
}

// HandleResponse applies a callee's answer to the matching attempt.
func (c *Caller) HandleResponse(resp event.CallResponse) {
	c.mu.Lock()
	call := c.byToken[resp.SessionToken]
	if call == nil && resp.AppointmentID != "" {
		call = c.byAppt[resp.AppointmentID]
	}
	c.mu.Unlock()
	if call == nil {
		c.log.Debug().Str("session_token", resp.SessionToken).Msg("call response without pending attempt")
		return
	}
	watch, ok := c.finish(call)
	if !ok {
		return
	}
	if watch != nil {
		watch.Stop()
	}

	if resp.Accepted {
		c.report(func(r Reporter) { r.Succeed(call.appointmentID) })
		return
	}
	reason := ErrDeclined
	if resp.Reason != "" {
		reason = fmt.Errorf("%w: %s", ErrDeclined, resp.Reason)
	}
	c.report(func(r Reporter) { r.Fail(call.appointmentID, reason) })
}

// Pending reports whether an attempt for appointmentID awaits its outcome.
func (c *Caller) Pending(appointmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byAppt[appointmentID]
	return ok
}

// Close stops watching every window.
func (c *Caller) Close() {
	c.mu.Lock()
	var watches []*winmon.Watch
	for _, call := range c.byAppt {
		if call.watch != nil {
			watches = append(watches, call.watch)
		}
	}
	c.byAppt = make(map[string]*active)
	c.byToken = make(map[string]*active)
	c.mu.Unlock()

	for _, w := range watches {
		w.Stop()
	}
}

// finish removes call from the pending set and returns its watch; false if
// it was already gone.
func (c *Caller) finish(call *active) (*winmon.Watch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byAppt[call.appointmentID] != call {
		return nil, false
	}
	delete(c.byAppt, call.appointmentID)
	delete(c.byToken, call.token)
	return call.watch, true
}

func (c *Caller) report(f func(Reporter)) {
	c.mu.Lock()
	r := c.reporter
	c.mu.Unlock()
	if r != nil {
		f(r)
	}
}

func (c *Caller) windowURL(token string) string {
	return strings.TrimRight(c.cfg.CallURL, "/") + "/" + url.PathEscape(token)
}
