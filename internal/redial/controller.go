// Package redial retries outbound calls for an appointment a bounded number
// of times, with a visible countdown between attempts.
package redial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/log"
	"github.com/vovakirdan/carelink/internal/metrics"
)

const (
	// DefaultMaxRetries is the number of attempts when MaxRetries is unset.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the countdown between attempts when RetryDelay is unset.
	DefaultRetryDelay = 30 * time.Second
)

var (
	// ErrExhausted is returned by Initiate once every attempt failed; Reset clears it.
	ErrExhausted = errors.New("call attempts exhausted")
	// ErrInProgress is returned by Initiate while an attempt is being dialed.
	ErrInProgress = errors.New("call attempt in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("redial controller closed")
)

// Phase of one appointment's call.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDialing   Phase = "dialing"
	PhaseWaiting   Phase = "waiting"
	PhaseConnected Phase = "connected"
	PhaseExhausted Phase = "exhausted"
)

// Trigger tells who started an attempt.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// Attempt is one dial of an appointment.
type Attempt struct {
	AppointmentID string
	Number        int
	Trigger       Trigger
}

// Dialer places one call attempt. A returned error counts as a failed attempt.
type Dialer interface {
	Dial(ctx context.Context, a Attempt) error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, a Attempt) error

func (f DialerFunc) Dial(ctx context.Context, a Attempt) error { return f(ctx, a) }

// Snapshot is the visible state of one appointment's call.
type Snapshot struct {
	AppointmentID string
	Phase         Phase
	Attempt       int
	MaxRetries    int
	// Remaining is the countdown to the next automatic attempt while waiting.
	Remaining time.Duration
	LastError string
}

// Config configures a Controller.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	// Tick is the countdown granularity.
	Tick   time.Duration
	Dialer Dialer
	Clock  clock.Clock
	Logger *zerolog.Logger
	// OnUpdate receives every state change and countdown tick.
	OnUpdate func(Snapshot)
}

type entry struct {
	phase    Phase
	attempt  int
	trigger  Trigger
	lastErr  string
	gen      uint64
	ticker   *clock.Ticker
	deadline time.Time
}

// Controller tracks call attempts per appointment.
type Controller struct {
	cfg   Config
	clock clock.Clock
	log   *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New builds a controller. cfg.Dialer is required.
func New(cfg Config) (*Controller, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("redial: dialer is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}, nil
}

func (c *Controller) entryLocked(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{phase: PhaseIdle}
		c.entries[id] = e
	}
	return e
}

// Initiate dials the next attempt for appointmentID. A pending countdown is
// cancelled first. A dial error is recorded as a failure and also returned.
func (c *Controller) Initiate(ctx context.Context, appointmentID string) (Attempt, error) {
	return c.initiate(ctx, appointmentID, TriggerManual)
}

func (c *Controller) initiate(ctx context.Context, id string, trigger Trigger) (Attempt, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Attempt{}, ErrClosed
	}
	e := c.entryLocked(id)
	c.stopCountdownLocked(e)

	switch e.phase {
	case PhaseExhausted:
		c.mu.Unlock()
		return Attempt{}, ErrExhausted
	case PhaseDialing:
		c.mu.Unlock()
		return Attempt{}, ErrInProgress
	case PhaseConnected:
		// A new call after a successful one starts a fresh series.
		e.attempt = 0
	}

	e.attempt++
	e.phase = PhaseDialing
	e.trigger = trigger
	e.lastErr = ""
	a := Attempt{AppointmentID: id, Number: e.attempt, Trigger: trigger}
	snap := c.snapshotLocked(id, e)
	c.mu.Unlock()

	metrics.CallAttemptsTotal.WithLabelValues(string(trigger), "started").Inc()
	c.log.Info().Str("appointment_id", id).Int("attempt", a.Number).Str("trigger", string(trigger)).Msg("dialing")
	c.publish(snap)

	if err := c.cfg.Dialer.Dial(ctx, a); err != nil {
		c.Fail(id, err)
		return a, fmt.Errorf("attempt %d: %w", a.Number, err)
	}
	return a, nil
}

// Fail records that the current attempt failed. Without remaining attempts
// the appointment becomes exhausted; otherwise a countdown starts. Failures
// reported outside an attempt are ignored.
func (c *Controller) Fail(appointmentID string, reason error) {
	c.mu.Lock()
	e, ok := c.entries[appointmentID]
	if !ok || e.phase != PhaseDialing || c.closed {
		c.mu.Unlock()
		return
	}

	if reason != nil {
		e.lastErr = reason.Error()
	}
	metrics.CallAttemptsTotal.WithLabelValues(string(e.trigger), "failed").Inc()

	if e.attempt >= c.cfg.MaxRetries {
		e.phase = PhaseExhausted
		snap := c.snapshotLocked(appointmentID, e)
		trigger := e.trigger
		c.mu.Unlock()

		metrics.CallAttemptsTotal.WithLabelValues(string(trigger), "exhausted").Inc()
		c.log.Warn().Str("appointment_id", appointmentID).Int("attempt", snap.Attempt).Str("reason", snap.LastError).Msg("call attempts exhausted")
		c.publish(snap)
		return
	}

	e.phase = PhaseWaiting
	e.gen++
	e.deadline = c.clock.Now().Add(c.cfg.RetryDelay)
	e.ticker = c.clock.Ticker(c.cfg.Tick)
	go c.countdown(appointmentID, e.gen, e.ticker)
	snap := c.snapshotLocked(appointmentID, e)
	c.mu.Unlock()

	c.log.Info().Str("appointment_id", appointmentID).Int("attempt", snap.Attempt).Dur("retry_in", snap.Remaining).Str("reason", snap.LastError).Msg("call attempt failed")
	c.publish(snap)
}

func (c *Controller) countdown(id string, gen uint64, ticker *clock.Ticker) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		e, ok := c.entries[id]
		if !ok || e.gen != gen || e.phase != PhaseWaiting {
			c.mu.Unlock()
			return
		}
		if c.clock.Now().Before(e.deadline) {
			snap := c.snapshotLocked(id, e)
			c.mu.Unlock()
			c.publish(snap)
			continue
		}
		c.stopCountdownLocked(e)
		e.phase = PhaseIdle
		c.mu.Unlock()

		if _, err := c.initiate(c.ctx, id, TriggerAuto); err != nil {
			c.log.Debug().Err(err).Str("appointment_id", id).Msg("automatic attempt failed")
		}
		return
	}
}

// Succeed marks the current attempt connected.
func (c *Controller) Succeed(appointmentID string) {
	c.mu.Lock()
	e, ok := c.entries[appointmentID]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	c.stopCountdownLocked(e)
	e.phase = PhaseConnected
	e.lastErr = ""
	snap := c.snapshotLocked(appointmentID, e)
	trigger := e.trigger
	c.mu.Unlock()

	metrics.CallAttemptsTotal.WithLabelValues(string(trigger), "succeeded").Inc()
	c.log.Info().Str("appointment_id", appointmentID).Int("attempt", snap.Attempt).Msg("call connected")
	c.publish(snap)
}

// CancelPendingRetry drops a running countdown. The attempt number is kept.
func (c *Controller) CancelPendingRetry(appointmentID string) {
	c.mu.Lock()
	e, ok := c.entries[appointmentID]
	if !ok || e.phase != PhaseWaiting {
		c.mu.Unlock()
		return
	}
	c.stopCountdownLocked(e)
	e.phase = PhaseIdle
	snap := c.snapshotLocked(appointmentID, e)
	c.mu.Unlock()

	c.publish(snap)
}

// Reset forgets every attempt made for appointmentID.
func (c *Controller) Reset(appointmentID string) {
	c.mu.Lock()
	e := c.entryLocked(appointmentID)
	c.stopCountdownLocked(e)
	e.phase = PhaseIdle
	e.attempt = 0
	e.lastErr = ""
	snap := c.snapshotLocked(appointmentID, e)
	c.mu.Unlock()

	c.publish(snap)
}

// Snapshot returns the visible state of appointmentID.
func (c *Controller) Snapshot(appointmentID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[appointmentID]
	if !ok {
		return Snapshot{AppointmentID: appointmentID, Phase: PhaseIdle, MaxRetries: c.cfg.MaxRetries}
	}
	return c.snapshotLocked(appointmentID, e)
}

// Close stops every countdown. Later calls return ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	for _, e := range c.entries {
		c.stopCountdownLocked(e)
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Controller) stopCountdownLocked(e *entry) {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	e.gen++
}

func (c *Controller) snapshotLocked(id string, e *entry) Snapshot {
	s := Snapshot{
		AppointmentID: id,
		Phase:         e.phase,
		Attempt:       e.attempt,
		MaxRetries:    c.cfg.MaxRetries,
		LastError:     e.lastErr,
	}
	if e.phase == PhaseWaiting {
		if rem := e.deadline.Sub(c.clock.Now()); rem > 0 {
			s.Remaining = rem
		}
	}
	return s
}

func (c *Controller) publish(s Snapshot) {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(s)
	}
}
