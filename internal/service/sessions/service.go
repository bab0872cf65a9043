// Package sessions manages the video sessions of appointments: one active
// session per appointment, invitations to the callee and access checks for
// the signaling channel.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/callengine"
	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/store"
)

// Common errors for video session operations.
var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSessionNotFound     = errors.New("video session not found")
	ErrSessionEnded        = errors.New("video session has ended")
	ErrNotParticipant      = errors.New("not a participant of this appointment")
	ErrNoCallee            = errors.New("appointment has no doctor assigned yet")
	ErrAppointmentClosed   = errors.New("appointment is closed")
)

// Notifier pushes a notification to every channel of a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n proto.Notification) error
}

// Result is a session as seen by the user who asked for it.
type Result struct {
	Session *store.VideoSession
	Created bool
	// Join is set when a media engine is configured.
	Join *callengine.JoinInfo
}

// Service provides video session business logic.
type Service struct {
	store    store.Store
	notifier Notifier
	engine   callengine.Engine
	log      *zerolog.Logger
	now      func() time.Time
}

// New creates a Service. engine and notifier may be nil.
func New(st store.Store, notifier Notifier, engine callengine.Engine, logger *zerolog.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{store: st, notifier: notifier, engine: engine, log: logger, now: time.Now}
}

// GetOrCreate returns the active session of an appointment, creating it when
// there is none, and rings the other participant. Every call rings again so a
// caller's retry reaches the callee; the session itself is reused.
func (s *Service) GetOrCreate(ctx context.Context, caller *store.User, appointmentID int64) (*Result, error) {
	a, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if a.Status == store.AppointmentCancelled || a.Status == store.AppointmentCompleted {
		return nil, ErrAppointmentClosed
	}
	calleeID, err := counterpart(a, caller.ID)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	res.Session, err = s.store.GetActiveVideoSession(ctx, appointmentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		res.Session, err = s.create(ctx, a, caller.ID, calleeID)
		if err != nil {
			// a concurrent request may have won the unique active-session index
			existing, getErr := s.store.GetActiveVideoSession(ctx, appointmentID)
			if getErr != nil {
				return nil, err
			}
			res.Session = existing
			break
		}
		res.Created = true
	case err != nil:
		return nil, fmt.Errorf("get active session: %w", err)
	}

	if s.engine != nil {
		res.Join, err = s.engine.JoinInfo(ctx, res.Session, caller)
		if err != nil {
			return nil, fmt.Errorf("media join info: %w", err)
		}
	}

	s.invite(ctx, res.Session, a, caller, calleeID)
	s.log.Info().
		Int64("appointment_id", appointmentID).
		Str("session_token", res.Session.Token).
		Bool("created", res.Created).
		Int64("callee_id", calleeID).
		Msg("video session requested")
	return res, nil
}

// Authorize returns the session of token if it is active and userID takes part in it.
func (s *Service) Authorize(ctx context.Context, token string, userID int64) (*store.VideoSession, error) {
	vs, err := s.store.GetVideoSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if vs.Status != store.VideoSessionActive {
		return nil, ErrSessionEnded
	}
	if vs.CallerID != userID && vs.CalleeID != userID {
		return nil, ErrNotParticipant
	}
	return vs, nil
}

// End marks the session ended so the next call creates a fresh one.
func (s *Service) End(ctx context.Context, user *store.User, token string) (*store.VideoSession, error) {
	vs, err := s.Authorize(ctx, token, user.ID)
	if err != nil {
		return nil, err
	}
	at := s.now().UTC()
	if err := s.store.EndVideoSession(ctx, token, at); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	vs.Status = store.VideoSessionEnded
	vs.EndedAt = &at
	s.log.Info().Str("session_token", token).Int64("user_id", user.ID).Msg("video session ended")
	return vs, nil
}

func (s *Service) create(ctx context.Context, a *store.Appointment, callerID, calleeID int64) (*store.VideoSession, error) {
	vs := &store.VideoSession{
		Token:         uuid.NewString(),
		AppointmentID: a.ID,
		CallerID:      callerID,
		CalleeID:      calleeID,
		Status:        store.VideoSessionActive,
		CreatedAt:     s.now().UTC(),
	}
	if s.engine != nil {
		room, err := s.engine.CreateRoom(ctx, vs)
		if err != nil {
			return nil, fmt.Errorf("create media room: %w", err)
		}
		vs.ExternalRoomID = &room
	}
	if err := s.store.CreateVideoSession(ctx, vs); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return vs, nil
}

func (s *Service) invite(ctx context.Context, vs *store.VideoSession, a *store.Appointment, caller *store.User, calleeID int64) {
	if s.notifier == nil {
		return
	}
	n := proto.Notification{
		Type:            string(event.KindVideoCallInvitation),
		SessionToken:    vs.Token,
		CallerID:        strconv.FormatInt(caller.ID, 10),
		CallerName:      caller.DisplayName,
		AppointmentID:   proto.ID(strconv.FormatInt(a.ID, 10)),
		AppointmentType: a.Type,
		PatientName:     a.PatientName,
	}
	if err := s.notifier.Notify(ctx, strconv.FormatInt(calleeID, 10), n); err != nil {
		s.log.Warn().Err(err).Str("session_token", vs.Token).Msg("push invitation")
	}
}

// counterpart returns the participant of a that userID would call.
func counterpart(a *store.Appointment, userID int64) (int64, error) {
	switch {
	case a.ProviderID == userID:
		if a.DoctorID == nil {
			return 0, ErrNoCallee
		}
		return *a.DoctorID, nil
	case a.DoctorID != nil && *a.DoctorID == userID:
		return a.ProviderID, nil
	default:
		return 0, ErrNotParticipant
	}
}
