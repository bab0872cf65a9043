package main

import (
	"github.com/spf13/cobra"

	"github.com/vovakirdan/carelink/internal/app"
	"github.com/vovakirdan/carelink/internal/config"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development relay (REST API, notification and signaling websockets)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd,
				config.Binding{Key: "server.addr", Flag: cmd.Flags().Lookup("addr")},
				config.Binding{Key: "server.database_path", Flag: cmd.Flags().Lookup("db")},
			)
			if err != nil {
				return err
			}

			relay, err := app.New(cmd.Context(), cfg.Server, logger)
			if err != nil {
				return err
			}
			if err := relay.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Info().Msg("relay stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("db", "", "relay database path")
	return cmd
}
