// Package notify maintains the per-user notification channel: one websocket
// that reconnects with bounded backoff, keeps itself warm with heartbeats and
// fans parsed events out to subscribers.
package notify

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/metrics"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/reconnect"
	"github.com/vovakirdan/carelink/internal/wsconn"
)

const channelName = "notifications"

// ErrNotConnected is returned by Send while the channel is down.
var ErrNotConnected = errors.New("notification channel not connected")

// State is the connection state surfaced to listeners.
type State string

const (
	StateConnecting   State = "connecting"
	StateOnline       State = "online"
	StateReconnecting State = "reconnecting"
	// StateOffline is terminal: the reconnect budget is spent.
	StateOffline State = "offline"
	// StateClosed is terminal: Close was called.
	StateClosed State = "closed"
)

// Status describes the channel at one point in time. Attempt and Delay are
// set for StateReconnecting; Err carries the cause of the last drop.
type Status struct {
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Terminal reports whether no further status will follow.
func (s Status) Terminal() bool {
	return s.State == StateOffline || s.State == StateClosed
}

// Listener receives parsed events. Callbacks run on the transport goroutine
// and must not call Close.
type Listener interface {
	OnEvent(ev event.Event)
}

// StatusListener is implemented by listeners that also want status changes.
type StatusListener interface {
	OnStatus(st Status)
}

// Funcs adapts plain functions to Listener and StatusListener. Nil fields are skipped.
type Funcs struct {
	Event  func(event.Event)
	Status func(Status)
}

func (f Funcs) OnEvent(ev event.Event) {
	if f.Event != nil {
		f.Event(ev)
	}
}

func (f Funcs) OnStatus(st Status) {
	if f.Status != nil {
		f.Status(st)
	}
}

// Config configures a Transport.
type Config struct {
	// URL is the channel root, e.g. ws://host/ws/notifications.
	URL       string
	UserID    string
	Token     string
	Role      string
	Heartbeat time.Duration
	Reconnect reconnect.Policy

	Dialer wsconn.Dialer
	Clock  clock.Clock
	Logger *zerolog.Logger
}

type subscription struct {
	id int
	l  Listener
}

// Transport is a self-healing notification channel for one user.
type Transport struct {
	cfg   Config
	clock clock.Clock
	log   *zerolog.Logger

	mu        sync.Mutex
	listeners []subscription
	nextID    int
	status    Status
	conn      wsconn.Conn
	started   bool

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and builds an idle transport. Call Start to connect.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: url is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("notify: user id is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = wsconn.NewDialer(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	logger := cfg.Logger.With().Str("channel", channelName).Str("user_id", cfg.UserID).Logger()

	return &Transport{
		cfg:    cfg,
		clock:  cfg.Clock,
		log:    &logger,
		status: Status{State: StateConnecting},
		done:   make(chan struct{}),
	}, nil
}

// Dial builds a transport and starts connecting right away.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	t, err := New(cfg)
	if err != nil {
		return nil, err
	}
	t.Start(ctx)
	return t, nil
}

// Start launches the connection loop. It is a no-op after the first call.
func (t *Transport) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	go t.run(ctx)
}

// Close tears the channel down and waits for the loop to exit.
func (t *Transport) Close() {
	t.mu.Lock()
	cancel := t.cancel
	started := t.started
	t.started = true
	t.mu.Unlock()

	if !started {
		close(t.done)
		t.setStatus(Status{State: StateClosed})
		return
	}
	if cancel != nil {
		cancel()
	}
	<-t.done
}

// Done is closed once the transport reached a terminal state.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Subscribe registers l and returns a function that removes it.
func (t *Transport) Subscribe(l Listener) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, subscription{id: id, l: l})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.listeners {
				if s.id == id {
					t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Status returns the current channel status.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Send writes one frame on the open channel.
func (t *Transport) Send(ctx context.Context, frame any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return t.write(ctx, conn, frame)
}

func (t *Transport) write(ctx context.Context, conn wsconn.Conn, frame any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(ctx, frame)
}

func (t *Transport) endpoint() string {
	u := strings.TrimRight(t.cfg.URL, "/") + "/" + url.PathEscape(t.cfg.UserID)
	if t.cfg.Token != "" {
		u += "?token=" + url.QueryEscape(t.cfg.Token)
	}
	return u
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)

	sched := reconnect.NewSchedule(t.cfg.Reconnect)
	for {
		t.setStatus(Status{State: StateConnecting})

		conn, err := t.cfg.Dialer(ctx, t.endpoint())
		if err == nil {
			sched.Reset()
			err = t.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			t.setStatus(Status{State: StateClosed})
			return
		}

		delay, attempt, ok := sched.Next()
		if !ok {
			t.log.Error().Err(err).Int("attempts", sched.Attempts()).Msg("notification channel gave up reconnecting")
			t.setStatus(Status{State: StateOffline, Err: err})
			return
		}

		// The timer exists before the status goes out so observers can
		// advance a mock clock right after seeing it.
		timer := t.clock.Timer(delay)
		t.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("notification channel reconnecting")
		t.setStatus(Status{State: StateReconnecting, Attempt: attempt, Delay: delay, Err: err})

		select {
		case <-ctx.Done():
			timer.Stop()
			t.setStatus(Status{State: StateClosed})
			return
		case <-timer.C:
		}
	}
}

// serve runs one open connection until it drops or ctx ends.
func (t *Transport) serve(ctx context.Context, conn wsconn.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
	}()

	heartbeat := t.clock.Ticker(t.cfg.Heartbeat)
	defer heartbeat.Stop()

	t.log.Info().Msg("notification channel open")
	t.setStatus(Status{State: StateOnline})

	if err := t.write(connCtx, conn, proto.StatusFrame{
		Type:   proto.TypeStatus,
		Status: proto.StatusOnline,
		Role:   t.cfg.Role,
		UserID: t.cfg.UserID,
	}); err != nil {
		_ = conn.Close("status write failed")
		return err
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.Read(connCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-connCtx.Done():
				readErr <- connCtx.Err()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close("client closing")
			cancel()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			_ = conn.Close("read failed")
			if wsconn.IsNormalClosure(err) {
				t.log.Info().Msg("notification channel closed by server")
			}
			return err
		case data := <-frames:
			t.handleFrame(data)
		case <-heartbeat.C:
			frame := proto.HeartbeatFrame{Type: proto.TypeHeartbeat, Timestamp: t.clock.Now().UTC()}
			if err := t.write(connCtx, conn, frame); err != nil {
				_ = conn.Close("heartbeat failed")
				cancel()
				<-readErr
				return err
			}
		}
	}
}

func (t *Transport) handleFrame(data []byte) {
	ev, err := event.Parse(data, t.clock.Now())
	if err != nil {
		reason := "malformed"
		if errors.Is(err, event.ErrUnknownKind) {
			reason = "unknown_type"
		}
		metrics.FramesDroppedTotal.WithLabelValues(channelName, reason).Inc()
		t.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping notification frame")
		return
	}
	if ev.Kind == event.KindHeartbeat {
		return
	}

	for _, s := range t.snapshot() {
		s.l.OnEvent(ev)
	}
}

func (t *Transport) snapshot() []subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]subscription, len(t.listeners))
	copy(out, t.listeners)
	return out
}

func (t *Transport) setStatus(st Status) {
	t.mu.Lock()
	t.status = st
	t.mu.Unlock()

	metrics.TransportStatusTotal.WithLabelValues(channelName, string(st.State)).Inc()
	for _, s := range t.snapshot() {
		if sl, ok := s.l.(StatusListener); ok {
			sl.OnStatus(st)
		}
	}
}
