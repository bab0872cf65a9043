// Package reconnect holds the bounded exponential backoff shared by every
// channel that reconnects on its own: 1s, 2s, 4s, ... capped, with a ceiling
// on consecutive attempts.
package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes the reconnect schedule.
type Policy struct {
	Initial     time.Duration `mapstructure:"initial" yaml:"initial"`
	Max         time.Duration `mapstructure:"max" yaml:"max"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DefaultPolicy returns the schedule used by the notification and signaling channels.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Schedule hands out successive delays for one connection.
// It is not safe for concurrent use; each reconnect loop owns one.
type Schedule struct {
	policy   Policy
	backoff  *backoff.ExponentialBackOff
	attempts int
}

// NewSchedule builds a schedule for p; zero fields fall back to DefaultPolicy.
func NewSchedule(p Policy) *Schedule {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Max,
	}
	b.Reset()

	return &Schedule{policy: p, backoff: b}
}

// Next returns the delay before the next attempt and its 1-based number.
// ok is false once MaxAttempts consecutive attempts have been handed out.
func (s *Schedule) Next() (delay time.Duration, attempt int, ok bool) {
	if s.attempts >= s.policy.MaxAttempts {
		return 0, s.attempts, false
	}
	s.attempts++
	return s.backoff.NextBackOff(), s.attempts, true
}

// Reset is called after a successful open.
func (s *Schedule) Reset() {
	s.attempts = 0
	s.backoff.Reset()
}

// Attempts returns the number of consecutive attempts handed out since the last Reset.
func (s *Schedule) Attempts() int {
	return s.attempts
}
