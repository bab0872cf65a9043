// Package invite runs the callee side of an incoming call: it rings, shows a
// notice and ends every invitation exactly once by accept, decline, timeout
// or replacement.
package invite

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/metrics"
	"github.com/vovakirdan/carelink/internal/ringer"
	"github.com/vovakirdan/carelink/internal/surface"
)

// DefaultTimeout dismisses an unanswered invitation.
const DefaultTimeout = 30 * time.Second

const noticeTimeout = 5 * time.Second

// ErrNoInvitation is returned by Accept and Decline when nothing is ringing.
var ErrNoInvitation = errors.New("no pending invitation")

// State of the machine.
type State string

const (
	StateIdle    State = "idle"
	StateRinging State = "ringing"
)

// Outcome tells how an invitation ended.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDeclined Outcome = "declined"
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeMissed marks an invitation replaced by a newer one while ringing.
	OutcomeMissed Outcome = "missed"
)

// Invitation is one incoming call.
type Invitation struct {
	SessionToken    string
	CallerID        string
	CallerName      string
	AppointmentID   string
	AppointmentType string
	MeetingURL      string
	ReceivedAt      time.Time
}

// FromEvent extracts an invitation from a call invitation event.
func FromEvent(ev event.Event) (Invitation, bool) {
	p, ok := ev.Payload.(event.CallInvitation)
	if !ok {
		return Invitation{}, false
	}
	return Invitation{
		SessionToken:    p.SessionToken,
		CallerID:        p.CallerID,
		CallerName:      p.CallerName,
		AppointmentID:   p.AppointmentID,
		AppointmentType: p.AppointmentType,
		MeetingURL:      p.MeetingURL,
		ReceivedAt:      ev.Timestamp,
	}, true
}

// Result is reported once per invitation.
type Result struct {
	Invitation Invitation
	Outcome    Outcome
	EndedAt    time.Time
}

// Config configures a Machine. Every field is optional.
type Config struct {
	Timeout time.Duration
	Tone    ringer.Tone
	Surface surface.Surface
	Clock   clock.Clock
	Logger  *zerolog.Logger

	// OnAccept hands the accepted invitation to the call side.
	OnAccept func(Invitation)
	// OnEnd is called exactly once per invitation, before OnAccept.
	OnEnd func(Result)
}

// Machine is the invitation state machine. Handlers run without the
// machine's lock held and may call back into it.
type Machine struct {
	cfg   Config
	clock clock.Clock
	log   *zerolog.Logger

	mu      sync.Mutex
	state   State
	current Invitation
	gen     uint64
	timer   *clock.Timer
}

// New builds an idle machine.
func New(cfg Config) *Machine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Machine{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger,
		state: StateIdle,
	}
}

// Offer starts ringing for inv. A ringing invitation is replaced and ends as missed.
func (m *Machine) Offer(inv Invitation) {
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = m.clock.Now()
	}

	m.mu.Lock()
	var replaced *Result
	if m.state == StateRinging {
		r := m.endLocked(OutcomeMissed)
		replaced = &r
	}

	m.gen++
	gen := m.gen
	m.state = StateRinging
	m.current = inv
	m.timer = m.clock.AfterFunc(m.cfg.Timeout, func() { m.expire(gen) })
	if m.cfg.Tone != nil {
		m.cfg.Tone.Start()
	}
	m.mu.Unlock()

	m.log.Info().
		Str("session_token", inv.SessionToken).
		Str("appointment_id", inv.AppointmentID).
		Str("caller", inv.CallerName).
		Msg("incoming call")

	if replaced != nil {
		m.report(*replaced)
	}
	m.notify(inv)
}

func (m *Machine) notify(inv Invitation) {
	if m.cfg.Surface == nil {
		return
	}
	caller := inv.CallerName
	if caller == "" {
		caller = "Someone"
	}
	body := caller + " is calling"
	if inv.AppointmentID != "" {
		body += " about appointment #" + inv.AppointmentID
	}
	n := surface.Notice{
		Title:              "Incoming video call",
		Body:               body,
		RequireInteraction: true,
		Tag:                "call-" + inv.SessionToken,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
		defer cancel()
		if err := m.cfg.Surface.Show(ctx, n); err != nil {
			m.log.Warn().Err(err).Str("session_token", inv.SessionToken).Msg("failed to show call notice")
		}
	}()
}

// Accept answers the ringing invitation.
func (m *Machine) Accept() (Invitation, error) {
	m.mu.Lock()
	if m.state != StateRinging {
		m.mu.Unlock()
		return Invitation{}, ErrNoInvitation
	}
	r := m.endLocked(OutcomeAccepted)
	m.mu.Unlock()

	m.report(r)
	if m.cfg.OnAccept != nil {
		m.cfg.OnAccept(r.Invitation)
	}
	return r.Invitation, nil
}

// Decline rejects the ringing invitation.
func (m *Machine) Decline() (Invitation, error) {
	m.mu.Lock()
	if m.state != StateRinging {
		m.mu.Unlock()
		return Invitation{}, ErrNoInvitation
	}
	r := m.endLocked(OutcomeDeclined)
	m.mu.Unlock()

	m.report(r)
	return r.Invitation, nil
}

func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateRinging {
		m.mu.Unlock()
		return
	}
	r := m.endLocked(OutcomeTimedOut)
	m.mu.Unlock()

	m.report(r)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the ringing invitation, if any.
func (m *Machine) Current() (Invitation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.state == StateRinging
}

// Close silences the machine without reporting an outcome.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRinging {
		m.stopLocked()
		m.state = StateIdle
		m.current = Invitation{}
	}
}

func (m *Machine) stopLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cfg.Tone != nil {
		m.cfg.Tone.Stop()
	}
}

func (m *Machine) endLocked(o Outcome) Result {
	m.stopLocked()
	r := Result{Invitation: m.current, Outcome: o, EndedAt: m.clock.Now()}
	m.state = StateIdle
	m.current = Invitation{}
	metrics.InvitationOutcomesTotal.WithLabelValues(string(o)).Inc()
	return r
}

func (m *Machine) report(r Result) {
	m.log.Info().
		Str("session_token", r.Invitation.SessionToken).
		Str("outcome", string(r.Outcome)).
		Msg("invitation ended")
	if m.cfg.OnEnd != nil {
		m.cfg.OnEnd(r)
	}
}
