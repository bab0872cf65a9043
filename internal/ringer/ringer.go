// Package ringer plays the incoming call alert: a two-tone pattern repeated
// every period, with a looping fallback when tones cannot be synthesized.
package ringer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/log"
)

// DefaultPeriod is the gap between two starts of the pattern.
const DefaultPeriod = 2 * time.Second

// Note is one tone of the pattern.
type Note struct {
	Frequency float64
	Duration  time.Duration
}

// Pattern is the two-tone alert.
var Pattern = []Note{
	{Frequency: 800, Duration: 400 * time.Millisecond},
	{Frequency: 600, Duration: 400 * time.Millisecond},
}

// Tone is anything that can alert the user until told to stop.
type Tone interface {
	Start()
	Stop()
}

// Synth renders a pattern once. Play must not block for the pattern duration.
type Synth interface {
	Play(notes []Note) error
}

// Loop is a fallback sound that repeats by itself until stopped.
type Loop interface {
	StartLoop() error
	StopLoop()
}

// Ringer is the default Tone.
type Ringer struct {
	synth  Synth
	loop   Loop
	clock  clock.Clock
	period time.Duration
	log    *zerolog.Logger

	mu      sync.Mutex
	gen     uint64
	ticker  *clock.Ticker
	stop    chan struct{}
	looping bool
}

// Option configures a Ringer.
type Option func(*Ringer)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Ringer) { r.clock = c }
}

// WithPeriod overrides DefaultPeriod.
func WithPeriod(d time.Duration) Option {
	return func(r *Ringer) {
		if d > 0 {
			r.period = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(r *Ringer) {
		if l != nil {
			r.log = l
		}
	}
}

// New builds a ringer. synth and loop may each be nil.
func New(synth Synth, loop Loop, opts ...Option) *Ringer {
	r := &Ringer{
		synth:  synth,
		loop:   loop,
		clock:  clock.New(),
		period: DefaultPeriod,
		log:    log.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins ringing. Calling Start while ringing restarts the pattern.
func (r *Ringer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.gen++

	if r.synth == nil || r.synth.Play(Pattern) != nil {
		r.startLoopLocked()
		return
	}

	r.ticker = r.clock.Ticker(r.period)
	r.stop = make(chan struct{})
	go r.tick(r.gen, r.ticker, r.stop)
}

func (r *Ringer) tick(gen uint64, ticker *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.gen != gen {
				r.mu.Unlock()
				return
			}
			if err := r.synth.Play(Pattern); err != nil {
				r.log.Warn().Err(err).Msg("tone synthesis failed, switching to loop")
				r.stopTickerLocked()
				r.startLoopLocked()
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
	}
}

func (r *Ringer) startLoopLocked() {
	if r.loop == nil {
		r.log.Warn().Msg("no alert sound available")
		return
	}
	if err := r.loop.StartLoop(); err != nil {
		r.log.Warn().Err(err).Msg("alert loop failed to start")
		return
	}
	r.looping = true
}

// Stop silences the ringer. It is safe to call when not ringing.
func (r *Ringer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.stopLocked()
}

// Active reports whether a pattern or loop is currently running.
func (r *Ringer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticker != nil || r.looping
}

func (r *Ringer) stopLocked() {
	r.stopTickerLocked()
	if r.looping {
		r.loop.StopLoop()
		r.looping = false
	}
}

func (r *Ringer) stopTickerLocked() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

var _ Tone = (*Ringer)(nil)
