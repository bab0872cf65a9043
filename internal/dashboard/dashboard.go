// Package dashboard fans notification channel events out to the parts of
// the client that act on them, and holds what the user currently sees.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/api"
	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/invite"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/transport/notify"
)

const responseTimeout = 5 * time.Second

// Recorder stores notifications.
type Recorder interface {
	Record(ev event.Event) int
}

// Inviter rings for incoming calls.
type Inviter interface {
	Offer(inv invite.Invitation)
}

// Refresher reloads the appointment list.
type Refresher interface {
	Trigger(reason string)
}

// ResponseHandler consumes callee answers on the caller side.
type ResponseHandler interface {
	HandleResponse(resp event.CallResponse)
}

// Sender writes frames on the notification channel.
type Sender interface {
	Send(ctx context.Context, frame any) error
}

// Config wires a Dashboard. Nil handlers are skipped.
type Config struct {
	Notifications Recorder
	Invites       Inviter
	Refresh       Refresher
	Responses     ResponseHandler
	Channel       Sender
	// NotifyCaller sends call_accepted / call_declined back to the caller.
	NotifyCaller bool
	Logger       *zerolog.Logger
	// OnChange is called after the view changed.
	OnChange func(View)
}

// View is the visible dashboard state.
type View struct {
	Status       notify.Status
	Appointments []api.Appointment
	Unread       int
}

// Dashboard implements notify.Listener and notify.StatusListener.
type Dashboard struct {
	cfg Config
	log *zerolog.Logger

	mu           sync.Mutex
	status       notify.Status
	appointments []api.Appointment
	unread       int
}

var (
	_ notify.Listener       = (*Dashboard)(nil)
	_ notify.StatusListener = (*Dashboard)(nil)
)

// New builds a dashboard.
func New(cfg Config) *Dashboard {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Dashboard{
		cfg:    cfg,
		log:    cfg.Logger,
		status: notify.Status{State: notify.StateConnecting},
	}
}

// OnEvent routes one event.
func (d *Dashboard) OnEvent(ev event.Event) {
	if ev.Kind == event.KindHeartbeat {
		return
	}

	if d.cfg.Notifications != nil {
		unread := d.cfg.Notifications.Record(ev)
		d.mu.Lock()
		d.unread = unread
		d.mu.Unlock()
	}

	switch p := ev.Payload.(type) {
	case event.CallInvitation:
		if d.cfg.Invites != nil {
			inv, _ := invite.FromEvent(ev)
			d.cfg.Invites.Offer(inv)
		}
	case event.Appointment:
		if d.cfg.Refresh != nil {
			d.cfg.Refresh.Trigger(string(ev.Kind))
		}
	case event.CallResponse:
		if d.cfg.Responses != nil {
			d.cfg.Responses.HandleResponse(p)
		}
	case event.System:
		d.log.Debug().Str("kind", string(ev.Kind)).Msg("system event")
	}
	d.changed()
}

// OnStatus records the channel status.
func (d *Dashboard) OnStatus(st notify.Status) {
	d.mu.Lock()
	d.status = st
	d.mu.Unlock()
	d.changed()
}

// SetAppointments replaces the visible appointment list.
func (d *Dashboard) SetAppointments(list []api.Appointment) {
	d.mu.Lock()
	d.appointments = append([]api.Appointment(nil), list...)
	d.mu.Unlock()
	d.changed()
}

// SetUnread updates the unread badge after the user read notifications.
func (d *Dashboard) SetUnread(n int) {
	d.mu.Lock()
	d.unread = n
	d.mu.Unlock()
	d.changed()
}

// View returns a copy of the visible state.
func (d *Dashboard) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return View{
		Status:       d.status,
		Appointments: append([]api.Appointment(nil), d.appointments...),
		Unread:       d.unread,
	}
}

// InvitationEnded tells the caller how an invitation ended. It is meant as
// invite.Config.OnEnd.
func (d *Dashboard) InvitationEnded(r invite.Result) {
	if !d.cfg.NotifyCaller || d.cfg.Channel == nil || r.Invitation.SessionToken == "" {
		return
	}

	frame := proto.CallResponseFrame{
		Type:          proto.TypeCallDeclined,
		SessionToken:  r.Invitation.SessionToken,
		AppointmentID: proto.ID(r.Invitation.AppointmentID),
		CallerID:      r.Invitation.CallerID,
		Reason:        string(r.Outcome),
	}
	if r.Outcome == invite.OutcomeAccepted {
		frame.Type = proto.TypeCallAccepted
		frame.Reason = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()
	if err := d.cfg.Channel.Send(ctx, frame); err != nil {
		d.log.Warn().Err(err).
			Str("session_token", frame.SessionToken).
			Str("outcome", string(r.Outcome)).
			Msg("could not notify caller")
	}
}

func (d *Dashboard) changed() {
	if d.cfg.OnChange != nil {
		d.cfg.OnChange(d.View())
	}
}
