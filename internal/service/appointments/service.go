// Package appointments holds the relay's appointment business logic and the
// notifications it pushes when appointments change.
package appointments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/store"
)

// Common errors for appointment operations.
var (
	ErrNotFound      = errors.New("appointment not found")
	ErrInvalidType   = errors.New("appointment type is required")
	ErrForbidden     = errors.New("not allowed for this role")
	ErrNotPending    = errors.New("appointment is not pending")
	ErrNotAssignedTo = errors.New("appointment belongs to another user")
)

// Notifier pushes a notification to every channel of a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n proto.Notification) error
}

// NewAppointment is what a provider submits.
type NewAppointment struct {
	Type        string
	PatientName string
	Emergency   bool
}

// Service provides appointment business logic.
type Service struct {
	store    store.Store
	notifier Notifier
	log      *zerolog.Logger
	now      func() time.Time
}

// New creates a Service. notifier may be nil.
func New(st store.Store, notifier Notifier, logger *zerolog.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{store: st, notifier: notifier, log: logger, now: time.Now}
}

// Create stores an appointment for provider and alerts every doctor.
func (s *Service) Create(ctx context.Context, provider *store.User, in NewAppointment) (*store.Appointment, error) {
	if provider.Role != config.RoleProvider && provider.Role != config.RoleAdmin {
		return nil, ErrForbidden
	}
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return nil, ErrInvalidType
	}

	now := s.now().UTC()
	a, err := s.store.CreateAppointment(ctx, &store.Appointment{
		Type:        in.Type,
		Status:      store.AppointmentPending,
		PatientName: strings.TrimSpace(in.PatientName),
		Emergency:   in.Emergency,
		ProviderID:  provider.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("save appointment: %w", err)
	}

	kind := event.KindNewAppointment
	if a.Emergency {
		kind = event.KindEmergencyAppointment
	}
	doctors, err := s.store.ListUsersByRole(ctx, config.RoleDoctor)
	if err != nil {
		s.log.Error().Err(err).Int64("appointment_id", a.ID).Msg("list doctors")
	}
	for _, id := range doctors {
		s.push(ctx, id, kind, a, "")
	}
	s.push(ctx, provider.ID, event.KindNewAppointmentCreated, a, "appointment submitted")

	s.log.Info().
		Int64("appointment_id", a.ID).
		Bool("emergency", a.Emergency).
		Int("doctors", len(doctors)).
		Msg("appointment created")
	return a, nil
}

// Get returns one appointment visible to user.
func (s *Service) Get(ctx context.Context, user *store.User, id int64) (*store.Appointment, error) {
	a, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if !visible(user, a) {
		return nil, ErrNotFound
	}
	return a, nil
}

// List returns the appointments visible to user, newest first. Providers see
// their own; doctors and admins see all.
func (s *Service) List(ctx context.Context, user *store.User) ([]*store.Appointment, error) {
	all, err := s.store.ListAppointments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	out := make([]*store.Appointment, 0, len(all))
	for _, a := range all {
		if visible(user, a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Accept assigns a pending appointment to doctor and tells the provider.
func (s *Service) Accept(ctx context.Context, doctor *store.User, id int64) (*store.Appointment, error) {
	if doctor.Role != config.RoleDoctor {
		return nil, ErrForbidden
	}
	a, err := s.Get(ctx, doctor, id)
	if err != nil {
		return nil, err
	}
	if a.Status != store.AppointmentPending {
		return nil, ErrNotPending
	}

	a.Status = store.AppointmentAccepted
	a.DoctorID = &doctor.ID
	a.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAppointment(ctx, a); err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	s.push(ctx, a.ProviderID, event.KindAppointmentAccepted, a, "accepted by "+doctor.DisplayName)
	for _, id := range s.otherDoctors(ctx, doctor.ID) {
		s.push(ctx, id, event.KindAppointmentUpdated, a, "")
	}
	return a, nil
}

// Cancel cancels an appointment of provider and tells the assigned doctor.
func (s *Service) Cancel(ctx context.Context, provider *store.User, id int64) (*store.Appointment, error) {
	a, err := s.Get(ctx, provider, id)
	if err != nil {
		return nil, err
	}
	if a.ProviderID != provider.ID && provider.Role != config.RoleAdmin {
		return nil, ErrNotAssignedTo
	}
	if a.Status != store.AppointmentPending && a.Status != store.AppointmentAccepted {
		return nil, ErrNotPending
	}

	a.Status = store.AppointmentCancelled
	a.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAppointment(ctx, a); err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	if a.DoctorID != nil {
		s.push(ctx, *a.DoctorID, event.KindAppointmentCancelled, a, "")
	} else {
		for _, id := range s.otherDoctors(ctx, 0) {
			s.push(ctx, id, event.KindAppointmentCancelled, a, "")
		}
	}
	return a, nil
}

func (s *Service) otherDoctors(ctx context.Context, except int64) []int64 {
	ids, err := s.store.ListUsersByRole(ctx, config.RoleDoctor)
	if err != nil {
		s.log.Error().Err(err).Msg("list doctors")
		return nil
	}
	out := ids[:0]
	for _, id := range ids {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) push(ctx context.Context, userID int64, kind event.Kind, a *store.Appointment, msg string) {
	if s.notifier == nil {
		return
	}
	n := proto.Notification{
		Type:            string(kind),
		AppointmentID:   proto.ID(strconv.FormatInt(a.ID, 10)),
		AppointmentType: a.Type,
		PatientName:     a.PatientName,
		Status:          string(a.Status),
		Message:         msg,
	}
	if err := s.notifier.Notify(ctx, strconv.FormatInt(userID, 10), n); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Str("type", n.Type).Msg("push notification")
	}
}

func visible(user *store.User, a *store.Appointment) bool {
	if user.Role == config.RoleProvider {
		return a.ProviderID == user.ID
	}
	return true
}
