package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/api"
	"github.com/vovakirdan/carelink/internal/auth"
	"github.com/vovakirdan/carelink/internal/service/appointments"
	"github.com/vovakirdan/carelink/internal/service/sessions"
)

// APIHandlers provides HTTP handlers for REST API endpoints.
type APIHandlers struct {
	authService  *auth.Service
	appointments *appointments.Service
	sessions     *sessions.Service
	log          *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(authService *auth.Service, appts *appointments.Service, sess *sessions.Service, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		authService:  authService,
		appointments: appts,
		sessions:     sess,
		log:          logger,
	}
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the bearer token and the profile of the user.
type LoginResponse struct {
	Token string      `json:"token"`
	User  api.Profile `json:"user"`
}

// AppointmentRequest represents the create appointment request body.
type AppointmentRequest struct {
	Type        string `json:"type" binding:"required"`
	PatientName string `json:"patient_name"`
	Emergency   bool   `json:"emergency"`
}

// AppointmentsResponse wraps an appointment list.
type AppointmentsResponse struct {
	Appointments []api.Appointment `json:"appointments"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Login handles user login.
// POST /api/auth/login
func (h *APIHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid login request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, user, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
			return
		}
		h.log.Error().Err(err).Str("username", req.Username).Msg("failed to login user")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.log.Info().Int64("user_id", user.ID).Str("role", user.Role).Msg("user logged in")
	c.JSON(http.StatusOK, LoginResponse{Token: token, User: profileResponse(user)})
}

// Me returns the authenticated profile.
// GET /api/me
func (h *APIHandlers) Me(c *gin.Context) {
	c.JSON(http.StatusOK, profileResponse(currentUser(c)))
}

// ListAppointments returns the appointments visible to the user.
// GET /api/appointments
func (h *APIHandlers) ListAppointments(c *gin.Context) {
	list, err := h.appointments.List(c.Request.Context(), currentUser(c))
	if err != nil {
		h.internalError(c, err, "list appointments")
		return
	}
	resp := AppointmentsResponse{Appointments: make([]api.Appointment, 0, len(list))}
	for _, a := range list {
		resp.Appointments = append(resp.Appointments, appointmentResponse(a))
	}
	c.JSON(http.StatusOK, resp)
}

// CreateAppointment submits a new appointment.
// POST /api/appointments
func (h *APIHandlers) CreateAppointment(c *gin.Context) {
	var req AppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	a, err := h.appointments.Create(c.Request.Context(), currentUser(c), appointments.NewAppointment{
		Type:        req.Type,
		PatientName: req.PatientName,
		Emergency:   req.Emergency,
	})
	if err != nil {
		h.appointmentError(c, err, "create appointment")
		return
	}
	c.JSON(http.StatusCreated, appointmentResponse(a))
}

// GetAppointment returns one appointment.
// GET /api/appointments/:id
func (h *APIHandlers) GetAppointment(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	a, err := h.appointments.Get(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.appointmentError(c, err, "get appointment")
		return
	}
	c.JSON(http.StatusOK, appointmentResponse(a))
}

// AcceptAppointment assigns a pending appointment to the calling doctor.
// POST /api/appointments/:id/accept
func (h *APIHandlers) AcceptAppointment(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	a, err := h.appointments.Accept(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.appointmentError(c, err, "accept appointment")
		return
	}
	c.JSON(http.StatusOK, appointmentResponse(a))
}

// CancelAppointment cancels an appointment of the calling provider.
// POST /api/appointments/:id/cancel
func (h *APIHandlers) CancelAppointment(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	a, err := h.appointments.Cancel(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.appointmentError(c, err, "cancel appointment")
		return
	}
	c.JSON(http.StatusOK, appointmentResponse(a))
}

// VideoSession returns the active session of an appointment, creating it when
// needed, and rings the other participant.
// POST /api/appointments/:id/video-session
func (h *APIHandlers) VideoSession(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	res, err := h.sessions.GetOrCreate(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.sessionError(c, err, "get or create video session")
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, sessionResponse(res.Session, res.Join))
}

// EndVideoSession ends a session.
// POST /api/video-sessions/:token/end
func (h *APIHandlers) EndVideoSession(c *gin.Context) {
	vs, err := h.sessions.End(c.Request.Context(), currentUser(c), c.Param("token"))
	if err != nil {
		h.sessionError(c, err, "end video session")
		return
	}
	c.JSON(http.StatusOK, sessionResponse(vs, nil))
}

func (h *APIHandlers) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid appointment id"})
		return 0, false
	}
	return id, true
}

func (h *APIHandlers) appointmentError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, appointments.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, appointments.ErrInvalidType):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, appointments.ErrForbidden), errors.Is(err, appointments.ErrNotAssignedTo):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	case errors.Is(err, appointments.ErrNotPending):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		h.internalError(c, err, op)
	}
}

func (h *APIHandlers) sessionError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, sessions.ErrAppointmentNotFound), errors.Is(err, sessions.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, sessions.ErrNotParticipant):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	case errors.Is(err, sessions.ErrNoCallee), errors.Is(err, sessions.ErrAppointmentClosed), errors.Is(err, sessions.ErrSessionEnded):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		h.internalError(c, err, op)
	}
}

func (h *APIHandlers) internalError(c *gin.Context, err error, op string) {
	h.log.Error().Err(err).Str("path", c.FullPath()).Msg(op)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}
