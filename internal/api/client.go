// Package api is the REST client for the appointment backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/store"
)

// Keys under which credentials are kept in the local store.
const (
	TokenKey   = "auth_token"
	ProfileKey = "user_profile"
)

const defaultTimeout = 15 * time.Second

var (
	// ErrUnauthorized is returned when the backend rejects the bearer token.
	// Stored credentials are already cleared when it is returned.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotLoggedIn is returned by calls that need a token when none is stored.
	ErrNotLoggedIn = errors.New("not logged in")
)

// StatusError is a non-2xx response other than 401.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Profile is the signed-in user.
type Profile struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

// UserID returns the id in the form used on the notification channel.
func (p Profile) UserID() string {
	return strconv.FormatInt(p.ID, 10)
}

// Name returns the display name, falling back to the username.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// Appointment is a consultation as returned by the backend.
type Appointment struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	PatientName string    `json:"patient_name"`
	Emergency   bool      `json:"emergency"`
	ProviderID  int64     `json:"provider_id"`
	DoctorID    *int64    `json:"doctor_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewAppointment is the body of an appointment request.
type NewAppointment struct {
	Type        string `json:"type"`
	PatientName string `json:"patient_name"`
	Emergency   bool   `json:"emergency"`
}

// VideoSession is the signaling session of an appointment.
type VideoSession struct {
	SessionToken  string       `json:"session_token"`
	AppointmentID int64        `json:"appointment_id"`
	CallerID      int64        `json:"caller_id"`
	CalleeID      int64        `json:"callee_id"`
	Status        string       `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	LiveKit       *LiveKitJoin `json:"livekit,omitempty"`
}

// LiveKitJoin holds SFU join credentials when the relay has them enabled.
type LiveKitJoin struct {
	URL   string `json:"url"`
	Room  string `json:"room"`
	Token string `json:"token"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string  `json:"token"`
	User  Profile `json:"user"`
}

type appointmentsResponse struct {
	Appointments []Appointment `json:"appointments"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithUnauthorizedHook sets the function run after a 401 cleared the credentials.
func WithUnauthorizedHook(f func()) Option {
	return func(c *Client) { c.onUnauthorized = f }
}

// Client talks to the backend REST API. Credentials live in the key-value store.
type Client struct {
	base           string
	http           *http.Client
	kv             store.KVStore
	log            *zerolog.Logger
	onUnauthorized func()

	mu      sync.Mutex
	token   string
	profile *Profile
}

// New builds a client for baseURL, for example http://localhost:8080/api.
func New(baseURL string, kv store.KVStore, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: defaultTimeout},
		kv:   kv,
		log:  log.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore loads stored credentials. Unreadable values are removed.
func (c *Client) Restore(ctx context.Context) (Profile, bool) {
	token, err := c.kv.Get(ctx, TokenKey)
	if err != nil || len(token) == 0 {
		return Profile{}, false
	}
	raw, err := c.kv.Get(ctx, ProfileKey)
	if err != nil {
		return Profile{}, false
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == 0 || p.Role == "" {
		c.log.Warn().Err(err).Msg("stored profile unreadable, clearing credentials")
		c.clearCredentials(ctx)
		return Profile{}, false
	}

	c.mu.Lock()
	c.token = string(token)
	c.profile = &p
	c.mu.Unlock()
	return p, true
}

// Login exchanges credentials for a token and stores both token and profile.
func (c *Client) Login(ctx context.Context, username, password string) (Profile, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{Username: username, Password: password}, &resp, false); err != nil {
		return Profile{}, err
	}
	if resp.Token == "" {
		return Profile{}, errors.New("login response without token")
	}

	profile, err := json.Marshal(resp.User)
	if err != nil {
		return Profile{}, fmt.Errorf("encode profile: %w", err)
	}
	if err := c.kv.Set(ctx, TokenKey, []byte(resp.Token)); err != nil {
		return Profile{}, fmt.Errorf("store token: %w", err)
	}
	if err := c.kv.Set(ctx, ProfileKey, profile); err != nil {
		return Profile{}, fmt.Errorf("store profile: %w", err)
	}

	c.mu.Lock()
	c.token = resp.Token
	p := resp.User
	c.profile = &p
	c.mu.Unlock()

	c.log.Info().Str("username", username).Str("role", resp.User.Role).Msg("logged in")
	return resp.User, nil
}

// Logout forgets the stored credentials.
func (c *Client) Logout(ctx context.Context) {
	c.clearCredentials(ctx)
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Profile returns the signed-in user, if any.
func (c *Client) Profile() (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return Profile{}, false
	}
	return *c.profile, true
}

// ListAppointments returns the appointments visible to the user.
func (c *Client) ListAppointments(ctx context.Context) ([]Appointment, error) {
	var resp appointmentsResponse
	if err := c.do(ctx, http.MethodGet, "/appointments", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Appointments, nil
}

// GetAppointment returns one appointment.
func (c *Client) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	var a Appointment
	if err := c.do(ctx, http.MethodGet, "/appointments/"+strconv.FormatInt(id, 10), nil, &a, true); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAppointment requests a consultation.
func (c *Client) CreateAppointment(ctx context.Context, req NewAppointment) (*Appointment, error) {
	var a Appointment
	if err := c.do(ctx, http.MethodPost, "/appointments", req, &a, true); err != nil {
		return nil, err
	}
	return &a, nil
}

// AcceptAppointment assigns a pending appointment to the signed-in doctor.
func (c *Client) AcceptAppointment(ctx context.Context, id int64) (*Appointment, error) {
	var a Appointment
	if err := c.do(ctx, http.MethodPost, "/appointments/"+strconv.FormatInt(id, 10)+"/accept", nil, &a, true); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOrCreateVideoSession returns the active session of an appointment,
// creating it (and inviting the other side) when there is none.
func (c *Client) GetOrCreateVideoSession(ctx context.Context, appointmentID int64) (*VideoSession, error) {
	var s VideoSession
	path := "/appointments/" + strconv.FormatInt(appointmentID, 10) + "/video-session"
	if err := c.do(ctx, http.MethodPost, path, nil, &s, true); err != nil {
		return nil, err
	}
	if s.SessionToken == "" {
		return nil, errors.New("video session response without token")
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token := c.Token()
		if token == "" {
			return ErrNotLoggedIn
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && authed {
		c.log.Warn().Str("path", path).Msg("token rejected, clearing credentials")
		c.clearCredentials(ctx)
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)
		return &StatusError{Code: resp.StatusCode, Message: er.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) clearCredentials(ctx context.Context) {
	c.mu.Lock()
	c.token = ""
	c.profile = nil
	c.mu.Unlock()

	for _, key := range []string{TokenKey, ProfileKey} {
		if err := c.kv.Delete(ctx, key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("failed to clear credential")
		}
	}
}
