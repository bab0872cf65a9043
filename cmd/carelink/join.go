package main

import (
	"context"
	"fmt"
	"io"
	stdhttp "net/http"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/media"
	"github.com/vovakirdan/carelink/internal/peer"
	"github.com/vovakirdan/carelink/internal/rtc"
	"github.com/vovakirdan/carelink/internal/wsconn"
)

func joinCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join <session-token>",
		Short: "Join a video session as a headless peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			s, err := opts.signIn(cmd.Context(), cfg.Client, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			serveMetrics(cmd.Context(), opts.metricsAddr, logger)

			return runSession(cmd.Context(), cfg.Client, s, args[0], cmd.OutOrStdout(), logger)
		},
	}
}

// runSession joins token and blocks until the session ends or ctx is done.
func runSession(ctx context.Context, cfg config.ClientConfig, s *session, token string, out io.Writer, logger *zerolog.Logger) error {
	header := stdhttp.Header{}
	header.Set("Authorization", "Bearer "+s.client.Token())

	n, err := peer.New(peer.Config{
		SignalURL: cfg.SignalURL,
		NewPeer:   rtc.NewFactory(cfg.ICEServers),
		Media:     rtc.Source{},
		Dialer:    wsconn.NewDialer(header),
		Reconnect: cfg.Reconnect,
		Logger:    logger,
		OnState: func(st peer.State) {
			fmt.Fprintf(out, "call %s\n", st)
		},
		OnRemoteTrack: func(t media.Track) {
			fmt.Fprintf(out, "receiving %s from the other participant\n", t.Kind())
		},
	})
	if err != nil {
		return err
	}

	if err := n.Join(ctx, token, peer.Identity{UserID: s.profile.UserID(), Name: s.profile.Name()}); err != nil {
		return fmt.Errorf("join session: %w", err)
	}

	select {
	case <-n.Done():
	case <-ctx.Done():
		n.End()
		<-n.Done()
	}
	if n.State() == peer.StateFailed {
		return fmt.Errorf("call session %s failed", token)
	}
	return nil
}
