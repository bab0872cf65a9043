// Package app wires the relay: store, auth, hub, services and HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/auth"
	"github.com/vovakirdan/carelink/internal/callengine"
	"github.com/vovakirdan/carelink/internal/callengine/livekit"
	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/core"
	"github.com/vovakirdan/carelink/internal/metrics"
	"github.com/vovakirdan/carelink/internal/service/appointments"
	"github.com/vovakirdan/carelink/internal/service/sessions"
	"github.com/vovakirdan/carelink/internal/store"
	"github.com/vovakirdan/carelink/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/carelink/internal/transport/http"
)

// App is a runnable relay.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the relay from cfg.
func New(ctx context.Context, cfg config.ServerConfig, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	}, logger)
	if err := authService.Seed(ctx, cfg.Users); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seed users: %w", err)
	}

	var engine callengine.Engine
	if cfg.LiveKit.Enabled {
		engine = livekit.New(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.URL)
		logger.Info().Str("url", cfg.LiveKit.URL).Msg("livekit join credentials enabled")
	}

	metrics.InitRelayMetrics()

	hub := core.NewHub(logger)
	server := transporthttp.NewServer(transporthttp.Deps{
		Hub:          hub,
		Auth:         authService,
		Store:        st,
		Appointments: appointments.New(st, hub, logger),
		Sessions:     sessions.New(st, hub, engine, logger),
	}, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the hub and the HTTP server and blocks until ctx is cancelled
// or the server fails.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go a.hub.Run(hubCtx)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("relay listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		stopHub()
		<-a.hub.Done()
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)
		<-a.hub.Done()
		a.cleanup()
		if err != nil {
			return err
		}
		return <-serverErr
	}
}

func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
