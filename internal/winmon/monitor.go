// Package winmon watches an external call window and reports when the user
// closes it.
package winmon

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/log"
)

const (
	// DefaultInterval is how often a window is polled.
	DefaultInterval = time.Second
	// DefaultCeiling bounds a watch when WithCeiling is not given.
	DefaultCeiling = 5 * time.Minute
)

// Reason tells why a watch ended on its own.
type Reason int

const (
	// ReasonClosed means the user closed the window.
	ReasonClosed Reason = iota + 1
	// ReasonExpired means the ceiling passed with the window still open.
	ReasonExpired
)

func (r Reason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ErrWindowUnavailable is returned when no window could be opened.
var ErrWindowUnavailable = errors.New("call window unavailable")

// Window is an external call window whose liveness can be polled.
type Window interface {
	Closed() bool
}

// Monitor polls windows.
type Monitor struct {
	clock    clock.Clock
	interval time.Duration
	ceiling  time.Duration
	log      *zerolog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock driving polls and the ceiling.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithInterval sets the poll interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithCeiling bounds how long a window is watched. Non-positive values are ignored.
func WithCeiling(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.ceiling = d
		}
	}
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zerolog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// New builds a monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		clock:    clock.New(),
		interval: DefaultInterval,
		ceiling:  DefaultCeiling,
		log:      log.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch is one running watch.
type Watch struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Stop ends the watch without calling onEnd.
func (w *Watch) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

// Done is closed when the watch ended for any reason.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Watch polls w until it closes or the ceiling passes, then calls onEnd once
// with the reason. Stop suppresses the call.
func (m *Monitor) Watch(w Window, onEnd func(Reason)) (*Watch, error) {
	if w == nil {
		return nil, ErrWindowUnavailable
	}

	watch := &Watch{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	ticker := m.clock.Ticker(m.interval)
	ceiling := m.clock.Timer(m.ceiling)

	go func() {
		defer close(watch.done)
		defer ticker.Stop()
		defer ceiling.Stop()

		for {
			select {
			case <-watch.stop:
				return
			case <-ceiling.C:
				m.log.Debug().Dur("ceiling", m.ceiling).Msg("call window watch expired")
				if onEnd != nil {
					onEnd(ReasonExpired)
				}
				return
			case <-ticker.C:
				if w.Closed() {
					if onEnd != nil {
						onEnd(ReasonClosed)
					}
					return
				}
			}
		}
	}()
	return watch, nil
}
