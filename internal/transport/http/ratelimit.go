package http

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter caps inbound frames of one connection at limit per minute with
// a burst of limit. It is used only from the connection's read loop.
type rateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	if limit <= 0 {
		return nil
	}
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit),
		now:     time.Now,
	}
}

func (r *rateLimiter) allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.AllowN(r.now(), 1)
}
