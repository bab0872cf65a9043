package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/carelink/internal/api"
	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/store/sqlite"
)

type rootOptions struct {
	configPath  string
	logLevel    string
	username    string
	password    string
	metricsAddr string
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "carelink",
		Short:         "Telehealth signaling relay and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default carelink.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&opts.username, "username", "u", "", "sign in as this user")
	rootCmd.PersistentFlags().StringVarP(&opts.password, "password", "p", "", "password for --username")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve client metrics on this address")

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(listenCmd(opts))
	rootCmd.AddCommand(callCmd(opts))
	rootCmd.AddCommand(joinCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "carelink:", err)
		os.Exit(1)
	}
}

// load resolves configuration and builds the logger for cmd.
func (o *rootOptions) load(cmd *cobra.Command, bindings ...config.Binding) (config.Config, *zerolog.Logger, error) {
	bootstrap := log.New("info")
	bindings = append(bindings, config.Binding{Key: "log_level", Flag: cmd.Flags().Lookup("log-level")})
	cfg, path, err := config.Load(bootstrap, o.configPath, bindings...)
	if err != nil {
		return cfg, bootstrap, err
	}
	logger := log.New(cfg.LogLevel)
	logger.Debug().Str("config", path).Msg("configuration loaded")
	return cfg, logger, nil
}

// session is a signed-in API client with its local key-value store.
type session struct {
	client  *api.Client
	profile api.Profile
	kv      *sqlite.SQLiteStore
}

func (s *session) Close() error {
	return s.kv.Close()
}

// signIn restores stored credentials, or logs in when --username is given.
func (o *rootOptions) signIn(ctx context.Context, cfg config.ClientConfig, logger *zerolog.Logger) (*session, error) {
	kv, err := sqlite.New(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open client store: %w", err)
	}
	client := api.New(cfg.APIURL, kv, api.WithLogger(logger))

	var profile api.Profile
	if o.username != "" {
		profile, err = client.Login(ctx, o.username, o.password)
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("login: %w", err)
		}
	} else {
		var ok bool
		profile, ok = client.Restore(ctx)
		if !ok {
			_ = kv.Close()
			return nil, errors.New("not signed in, pass --username and --password")
		}
	}
	if !config.ValidRole(profile.Role) {
		_ = kv.Close()
		return nil, fmt.Errorf("unsupported role %q", profile.Role)
	}

	logger.Info().Str("user_id", profile.UserID()).Str("role", profile.Role).Msg("signed in")
	return &session{client: client, profile: profile, kv: kv}, nil
}
