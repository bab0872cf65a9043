// Package http is the relay's HTTP surface: the REST API, the notification
// and signaling websockets, health and metrics.
package http

import (
	stdhttp "net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/auth"
	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/core"
	"github.com/vovakirdan/carelink/internal/service/appointments"
	"github.com/vovakirdan/carelink/internal/service/sessions"
	"github.com/vovakirdan/carelink/internal/store"
)

var ginModeOnce sync.Once

// Deps are the relay components the HTTP layer serves.
type Deps struct {
	Hub          *core.Hub
	Auth         *auth.Service
	Store        store.Store
	Appointments *appointments.Service
	Sessions     *sessions.Service
}

// NewServer builds the relay HTTP server.
func NewServer(deps Deps, cfg config.ServerConfig, logger *zerolog.Logger) *stdhttp.Server {
	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })

	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	notifications := NewNotificationHandler(deps.Hub, deps.Auth, cfg.FrameRateLimit, logger)
	signaling := NewSignalingHandler(deps.Hub, deps.Auth, deps.Sessions, cfg.FrameRateLimit, logger)
	router.GET("/ws/notifications/:userId", notifications.Handle)
	router.GET("/ws/video-call/:token", signaling.Handle)

	handlers := NewAPIHandlers(deps.Auth, deps.Appointments, deps.Sessions, logger)
	apiGroup := router.Group("/api")
	apiGroup.POST("/auth/login", handlers.Login)

	authed := apiGroup.Group("", AuthMiddleware(deps.Auth, deps.Store, logger))
	authed.GET("/me", handlers.Me)
	authed.GET("/appointments", handlers.ListAppointments)
	authed.POST("/appointments", handlers.CreateAppointment)
	authed.GET("/appointments/:id", handlers.GetAppointment)
	authed.POST("/appointments/:id/accept", handlers.AcceptAppointment)
	authed.POST("/appointments/:id/cancel", handlers.CancelAppointment)
	authed.POST("/appointments/:id/video-session", handlers.VideoSession)
	authed.POST("/video-sessions/:token/end", handlers.EndVideoSession)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
