package main

import (
	"context"
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/metrics"
	"github.com/vovakirdan/carelink/internal/notifications"
	"github.com/vovakirdan/carelink/internal/transport/notify"
)

// channel is the notification side every client command runs.
type channel struct {
	transport *notify.Transport
	notes     *notifications.Store
}

func openChannel(ctx context.Context, cfg config.ClientConfig, s *session, logger *zerolog.Logger) (*channel, error) {
	transport, err := notify.New(notify.Config{
		URL:       cfg.NotifyURL,
		UserID:    s.profile.UserID(),
		Token:     s.client.Token(),
		Role:      s.profile.Role,
		Heartbeat: cfg.Heartbeat,
		Reconnect: cfg.Reconnect,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	notes := notifications.Open(ctx, s.kv, s.profile.UserID(),
		notifications.WithCap(cfg.NotificationCap),
		notifications.WithLogger(logger),
	)
	return &channel{transport: transport, notes: notes}, nil
}

// serveMetrics exposes client metrics on addr until ctx is done. Empty addr disables it.
func serveMetrics(ctx context.Context, addr string, logger *zerolog.Logger) {
	metrics.InitClientMetrics()
	if addr == "" {
		return
	}
	mux := stdhttp.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &stdhttp.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
