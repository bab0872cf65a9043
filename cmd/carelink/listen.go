package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/carelink/internal/api"
	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/dashboard"
	"github.com/vovakirdan/carelink/internal/invite"
	"github.com/vovakirdan/carelink/internal/notifications"
	"github.com/vovakirdan/carelink/internal/refresh"
	"github.com/vovakirdan/carelink/internal/ringer"
	"github.com/vovakirdan/carelink/internal/surface"
	"github.com/vovakirdan/carelink/internal/winmon"
)

const listenHelp = "commands: a accept, d decline, n notifications, r mark all read, l appointments, q quit"

func listenCmd(opts *rootOptions) *cobra.Command {
	var joinInline bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay online for notifications and incoming calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			l, err := newListener(ctx, cfg.Client, s, joinInline, cmd.OutOrStdout(), logger)
			if err != nil {
				return err
			}
			defer l.Close()

			fmt.Fprintln(cmd.OutOrStdout(), listenHelp)
			l.prompt(ctx, cancel, cmd.InOrStdin())
			cancel()
			return nil
		},
	}
	cmd.Flags().BoolVar(&joinInline, "join", false, "join accepted calls as a headless peer instead of opening the call window")
	return cmd
}

type listener struct {
	cfg  config.ClientConfig
	s    *session
	out  io.Writer
	log  *zerolog.Logger
	join bool

	channel   *channel
	machine   *invite.Machine
	dash      *dashboard.Dashboard
	refresher *refresh.Refresher[[]api.Appointment]

	printMu   sync.Mutex
	lastState string
	calls     sync.WaitGroup
}

func newListener(ctx context.Context, cfg config.ClientConfig, s *session, join bool, out io.Writer, logger *zerolog.Logger) (*listener, error) {
	l := &listener{cfg: cfg, s: s, out: out, log: logger, join: join}

	ch, err := openChannel(ctx, cfg, s, logger)
	if err != nil {
		return nil, err
	}
	l.channel = ch

	var loop ringer.Loop
	if len(cfg.RingtoneCommand) > 0 {
		loop = &ringer.CommandLoop{Command: cfg.RingtoneCommand}
	}
	tone := ringer.New(ringer.BellSynth{W: out}, loop, ringer.WithLogger(logger))

	var notices surface.Surface = &surface.Console{W: out}
	if len(cfg.DesktopNotify) > 0 {
		notices = surface.NewChain(surface.Exec{Command: cfg.DesktopNotify}, notices, logger)
	}

	l.refresher, err = refresh.New(refresh.Config[[]api.Appointment]{
		Fetch:    s.client.ListAppointments,
		Debounce: cfg.Refresh.Debounce,
		Interval: cfg.PollInterval(s.profile.Role),
		Logger:   logger,
		OnResult: func(list []api.Appointment) { l.dash.SetAppointments(list) },
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("appointment refresh failed")
		},
	})
	if err != nil {
		return nil, err
	}

	l.machine = invite.New(invite.Config{
		Timeout:  cfg.InviteTimeout,
		Tone:     tone,
		Surface:  notices,
		Logger:   logger,
		OnEnd:    func(r invite.Result) { l.dash.InvitationEnded(r) },
		OnAccept: func(inv invite.Invitation) { l.accepted(ctx, inv) },
	})

	l.dash = dashboard.New(dashboard.Config{
		Notifications: ch.notes,
		Invites:       l.machine,
		Refresh:       l.refresher,
		Channel:       ch.transport,
		NotifyCaller:  cfg.NotifyCaller,
		Logger:        logger,
		OnChange:      l.render,
	})
	l.dash.SetUnread(ch.notes.UnreadCount())

	ch.transport.Subscribe(l.dash)
	ch.transport.Start(ctx)
	l.refresher.Start(ctx)
	return l, nil
}

// accepted hands an answered call to the call side.
func (l *listener) accepted(ctx context.Context, inv invite.Invitation) {
	if l.join {
		l.calls.Add(1)
		go func() {
			defer l.calls.Done()
			if err := runSession(ctx, l.cfg, l.s, inv.SessionToken, l.out, l.log); err != nil {
				l.log.Error().Err(err).Str("session_token", inv.SessionToken).Msg("call ended with error")
			}
		}()
		return
	}

	target := inv.MeetingURL
	if target == "" {
		target = strings.TrimRight(l.cfg.CallURL, "/") + "/" + inv.SessionToken
	}
	opener := winmon.CommandOpener{Command: l.cfg.Window.Command}
	if _, err := opener.Open(ctx, target); err != nil {
		l.printf("open the call yourself: %s (%v)\n", target, err)
	}
}

func (l *listener) render(v dashboard.View) {
	line := fmt.Sprintf("[%s] %d appointments, %d unread", v.Status.State, len(v.Appointments), v.Unread)
	l.printMu.Lock()
	defer l.printMu.Unlock()
	if line == l.lastState {
		return
	}
	l.lastState = line
	fmt.Fprintln(l.out, line)
}

func (l *listener) printf(format string, args ...any) {
	l.printMu.Lock()
	defer l.printMu.Unlock()
	fmt.Fprintf(l.out, format, args...)
}

// prompt reads commands from in until quit or ctx is done.
func (l *listener) prompt(ctx context.Context, cancel context.CancelFunc, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.channel.transport.Done():
			l.printf("notification channel %s\n", l.channel.transport.Status().State)
			return
		case line, ok := <-lines:
			if !ok {
				// Input closed: keep listening until signalled.
				lines = nil
				continue
			}
			if !l.command(line) {
				cancel()
				return
			}
		}
	}
}

func (l *listener) command(line string) bool {
	switch line {
	case "":
	case "a":
		if inv, err := l.machine.Accept(); err != nil {
			l.printf("%v\n", err)
		} else {
			l.printf("accepted call from %s\n", inv.CallerName)
		}
	case "d":
		if _, err := l.machine.Decline(); err != nil {
			l.printf("%v\n", err)
		}
	case "n":
		for _, it := range l.channel.notes.List(notifications.FilterAll) {
			mark := " "
			if !it.IsRead {
				mark = "*"
			}
			l.printf("%s %s %s: %s\n", mark, it.Timestamp.Local().Format("15:04:05"), it.Title, it.Message)
		}
	case "r":
		l.dash.SetUnread(l.channel.notes.MarkAllRead())
	case "l":
		list, _ := l.refresher.Current()
		for _, a := range list {
			l.printf("#%d %s %s (%s)\n", a.ID, a.Type, a.PatientName, a.Status)
		}
	case "q":
		return false
	default:
		l.printf("%s\n", listenHelp)
	}
	return true
}

// Close stops every component and waits for joined calls to end.
func (l *listener) Close() {
	l.machine.Close()
	l.refresher.Close()
	l.channel.transport.Close()
	l.calls.Wait()
}
