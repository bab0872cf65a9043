package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// KVStore is the local persistent key-value store used by the client for the
// auth token, the cached profile and the per-user notification log.
type KVStore interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// User is an account known to the relay.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	DisplayName  string
	CreatedAt    time.Time
}

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentAccepted  AppointmentStatus = "accepted"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Appointment is a consultation request from a field provider.
type Appointment struct {
	ID          int64
	Type        string
	Status      AppointmentStatus
	PatientName string
	Emergency   bool
	ProviderID  int64
	DoctorID    *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VideoSessionStatus is the lifecycle state of a video session.
type VideoSessionStatus string

const (
	VideoSessionActive VideoSessionStatus = "active"
	VideoSessionEnded  VideoSessionStatus = "ended"
)

// VideoSession binds a session token to an appointment.
type VideoSession struct {
	Token          string
	AppointmentID  int64
	CallerID       int64
	CalleeID       int64
	Status         VideoSessionStatus
	ExternalRoomID *string
	CreatedAt      time.Time
	EndedAt        *time.Time
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, u *User) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// ListUsersByRole lists user IDs having role.
	ListUsersByRole(ctx context.Context, role string) ([]int64, error)
}

// AppointmentStore handles appointment persistence.
type AppointmentStore interface {
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	ListAppointments(ctx context.Context) ([]*Appointment, error)
	UpdateAppointment(ctx context.Context, a *Appointment) error
}

// VideoSessionStore handles video session persistence.
type VideoSessionStore interface {
	// CreateVideoSession stores a new active session.
	CreateVideoSession(ctx context.Context, s *VideoSession) error

	// GetActiveVideoSession returns the active session for an appointment or ErrNotFound.
	GetActiveVideoSession(ctx context.Context, appointmentID int64) (*VideoSession, error)

	// GetVideoSession retrieves a session by token.
	GetVideoSession(ctx context.Context, token string) (*VideoSession, error)

	// EndVideoSession marks a session ended.
	EndVideoSession(ctx context.Context, token string, at time.Time) error
}

// Store aggregates all storage interfaces.
type Store interface {
	KVStore
	UserStore
	AppointmentStore
	VideoSessionStore

	// Close closes the underlying database connection.
	Close() error
}
