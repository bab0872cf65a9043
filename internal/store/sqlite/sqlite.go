package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/carelink/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS appointments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	patient_name TEXT NOT NULL DEFAULT '',
	emergency    BOOLEAN NOT NULL DEFAULT 0,
	provider_id  INTEGER NOT NULL,
	doctor_id    INTEGER,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS video_sessions (
	token            TEXT PRIMARY KEY,
	appointment_id   INTEGER NOT NULL,
	caller_id        INTEGER NOT NULL,
	callee_id        INTEGER NOT NULL,
	status           TEXT NOT NULL,
	external_room_id TEXT,
	created_at       DATETIME NOT NULL,
	ended_at         DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_video_sessions_active
	ON video_sessions(appointment_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with single connection; it also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== KVStore implementation ====

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("key %q: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query key: %w", err)
	}
	return value, nil
}

// Set stores value under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return fmt.Errorf("upsert key: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// ==== UserStore implementation ====

// CreateUser inserts u and returns the stored record.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *store.User) (*store.User, error) {
	query := `
		INSERT INTO users (username, password_hash, role, display_name)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, u.Username, u.PasswordHash, u.Role, u.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, role, display_name, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, role, display_name, created_at
		FROM users
		WHERE username = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Role,
		&user.DisplayName,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// ListUsersByRole lists user IDs having role.
func (s *SQLiteStore) ListUsersByRole(ctx context.Context, role string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE role = ? ORDER BY id`, role)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ==== AppointmentStore implementation ====

// CreateAppointment inserts a and returns the stored record.
func (s *SQLiteStore) CreateAppointment(ctx context.Context, a *store.Appointment) (*store.Appointment, error) {
	query := `
		INSERT INTO appointments (type, status, patient_name, emergency, provider_id, doctor_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		a.Type, string(a.Status), a.PatientName, a.Emergency, a.ProviderID, a.DoctorID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	return s.GetAppointment(ctx, id)
}

// GetAppointment retrieves an appointment by ID.
func (s *SQLiteStore) GetAppointment(ctx context.Context, id int64) (*store.Appointment, error) {
	query := `
		SELECT id, type, status, patient_name, emergency, provider_id, doctor_id, created_at, updated_at
		FROM appointments
		WHERE id = ?
	`
	a, err := scanAppointment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("appointment %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query appointment: %w", err)
	}
	return a, nil
}

// ListAppointments returns all appointments, newest first.
func (s *SQLiteStore) ListAppointments(ctx context.Context) ([]*store.Appointment, error) {
	query := `
		SELECT id, type, status, patient_name, emergency, provider_id, doctor_id, created_at, updated_at
		FROM appointments
		ORDER BY id DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var list []*store.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// UpdateAppointment writes status, doctor and updated_at of a.
func (s *SQLiteStore) UpdateAppointment(ctx context.Context, a *store.Appointment) error {
	query := `
		UPDATE appointments
		SET status = ?, doctor_id = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, string(a.Status), a.DoctorID, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("appointment %d: %w", a.ID, store.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (*store.Appointment, error) {
	var (
		a        store.Appointment
		status   string
		doctorID sql.NullInt64
	)
	err := row.Scan(
		&a.ID,
		&a.Type,
		&status,
		&a.PatientName,
		&a.Emergency,
		&a.ProviderID,
		&doctorID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = store.AppointmentStatus(status)
	if doctorID.Valid {
		id := doctorID.Int64
		a.DoctorID = &id
	}
	return &a, nil
}

// ==== VideoSessionStore implementation ====

// CreateVideoSession stores a new session.
func (s *SQLiteStore) CreateVideoSession(ctx context.Context, vs *store.VideoSession) error {
	query := `
		INSERT INTO video_sessions (token, appointment_id, caller_id, callee_id, status, external_room_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		vs.Token, vs.AppointmentID, vs.CallerID, vs.CalleeID, string(vs.Status), vs.ExternalRoomID, vs.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert video session: %w", err)
	}
	return nil
}

// GetActiveVideoSession returns the active session for an appointment.
func (s *SQLiteStore) GetActiveVideoSession(ctx context.Context, appointmentID int64) (*store.VideoSession, error) {
	query := `
		SELECT token, appointment_id, caller_id, callee_id, status, external_room_id, created_at, ended_at
		FROM video_sessions
		WHERE appointment_id = ? AND status = 'active'
	`
	vs, err := scanVideoSession(s.db.QueryRowContext(ctx, query, appointmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active session for appointment %d: %w", appointmentID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query video session: %w", err)
	}
	return vs, nil
}

// GetVideoSession retrieves a session by token.
func (s *SQLiteStore) GetVideoSession(ctx context.Context, token string) (*store.VideoSession, error) {
	query := `
		SELECT token, appointment_id, caller_id, callee_id, status, external_room_id, created_at, ended_at
		FROM video_sessions
		WHERE token = ?
	`
	vs, err := scanVideoSession(s.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("video session: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query video session: %w", err)
	}
	return vs, nil
}

// EndVideoSession marks a session ended. Ending an ended session is a no-op.
func (s *SQLiteStore) EndVideoSession(ctx context.Context, token string, at time.Time) error {
	query := `
		UPDATE video_sessions
		SET status = 'ended', ended_at = ?
		WHERE token = ? AND status = 'active'
	`
	if _, err := s.db.ExecContext(ctx, query, at, token); err != nil {
		return fmt.Errorf("end video session: %w", err)
	}
	return nil
}

func scanVideoSession(row rowScanner) (*store.VideoSession, error) {
	var (
		vs         store.VideoSession
		status     string
		externalID sql.NullString
		endedAt    sql.NullTime
	)
	err := row.Scan(
		&vs.Token,
		&vs.AppointmentID,
		&vs.CallerID,
		&vs.CalleeID,
		&status,
		&externalID,
		&vs.CreatedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}
	vs.Status = store.VideoSessionStatus(status)
	if externalID.Valid {
		id := externalID.String
		vs.ExternalRoomID = &id
	}
	if endedAt.Valid {
		t := endedAt.Time
		vs.EndedAt = &t
	}
	return &vs, nil
}

var _ store.Store = (*SQLiteStore)(nil)
