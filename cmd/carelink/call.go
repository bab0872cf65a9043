package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/carelink/internal/caller"
	"github.com/vovakirdan/carelink/internal/dashboard"
	"github.com/vovakirdan/carelink/internal/redial"
	"github.com/vovakirdan/carelink/internal/winmon"
)

func callCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <appointment-id>",
		Short: "Call the other participant of an appointment, redialing on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("appointment id must be a number: %q", args[0])
			}
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s, err := opts.signIn(ctx, cfg.Client, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			serveMetrics(ctx, opts.metricsAddr, logger)

			ch, err := openChannel(ctx, cfg.Client, s, logger)
			if err != nil {
				return err
			}
			defer ch.transport.Close()

			monitor := winmon.New(
				winmon.WithInterval(cfg.Client.Window.PollInterval),
				winmon.WithCeiling(cfg.Client.Window.Ceiling),
				winmon.WithLogger(logger),
			)
			c, err := caller.New(caller.Config{
				Sessions: s.client,
				Opener:   winmon.CommandOpener{Command: cfg.Client.Window.Command},
				Monitor:  monitor,
				CallURL:  cfg.Client.CallURL,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			final := make(chan redial.Snapshot, 1)
			ctrl, err := redial.New(redial.Config{
				MaxRetries: cfg.Client.Redial.MaxRetries,
				RetryDelay: cfg.Client.Redial.RetryDelay,
				Dialer:     c,
				Logger:     logger,
				OnUpdate: func(snap redial.Snapshot) {
					printSnapshot(out, snap)
					if snap.Phase == redial.PhaseConnected || snap.Phase == redial.PhaseExhausted {
						select {
						case final <- snap:
						default:
						}
					}
				},
			})
			if err != nil {
				return err
			}
			defer ctrl.Close()
			c.Bind(ctrl)

			d := dashboard.New(dashboard.Config{Notifications: ch.notes, Responses: c, Logger: logger})
			ch.transport.Subscribe(d)
			ch.transport.Start(ctx)

			if _, err := ctrl.Initiate(ctx, args[0]); err != nil && !errors.Is(err, redial.ErrInProgress) {
				logger.Warn().Err(err).Msg("first attempt failed")
			}

			select {
			case snap := <-final:
				if snap.Phase == redial.PhaseExhausted {
					return fmt.Errorf("%w: %s", redial.ErrExhausted, snap.LastError)
				}
				return nil
			case <-ctx.Done():
				return nil
			}
		},
	}
}

func printSnapshot(out io.Writer, snap redial.Snapshot) {
	switch snap.Phase {
	case redial.PhaseDialing:
		fmt.Fprintf(out, "calling (attempt %d of %d)\n", snap.Attempt, snap.MaxRetries)
	case redial.PhaseWaiting:
		fmt.Fprintf(out, "no answer, retrying in %s (%s)\n", snap.Remaining, snap.LastError)
	case redial.PhaseConnected:
		fmt.Fprintln(out, "call answered")
	case redial.PhaseExhausted:
		fmt.Fprintf(out, "giving up after %d attempts\n", snap.Attempt)
	}
}
