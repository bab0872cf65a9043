// Package refresh keeps one visible dataset current from a single debounced
// fetch, fed by push events and a fallback poll.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/carelink/internal/log"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultInterval = 30 * time.Second

	flightKey = "refresh"
)

var ErrClosed = errors.New("refresher closed")

// Fetcher loads a fresh copy of the dataset.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Config configures a Refresher.
type Config[T any] struct {
	Fetch Fetcher[T]
	// Debounce is how long Trigger waits for more triggers before fetching.
	Debounce time.Duration
	// Interval is the fallback poll period; the per-role value comes from config.
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zerolog.Logger

	// OnResult receives every applied result.
	OnResult func(T)
	OnError  func(error)
}

// Refresher coalesces refresh requests into single fetches and keeps the
// last result.
type Refresher[T any] struct {
	cfg   Config[T]
	clock clock.Clock
	log   *zerolog.Logger
	group singleflight.Group

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timer   *clock.Timer
	gen     uint64
	current T
	loaded  bool
	fetches int
	closed  bool

	wg sync.WaitGroup
}

// New builds a refresher. Fetch is required.
func New[T any](cfg Config[T]) (*Refresher[T], error) {
	if cfg.Fetch == nil {
		return nil, errors.New("refresh: fetch is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher[T]{
		cfg:    cfg,
		clock:  cfg.Clock,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start performs the initial fetch and starts the poll loop. The loop stops
// when ctx is done or Close is called.
func (r *Refresher[T]) Start(ctx context.Context) {
	ticker := r.clock.Ticker(r.cfg.Interval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()

		r.refreshLogged("initial")
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.refreshLogged("poll")
			}
		}
	}()
}

// Trigger asks for a refresh. Triggers arriving within the debounce window
// of each other result in one fetch.
func (r *Refresher[T]) Trigger(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = r.clock.AfterFunc(r.cfg.Debounce, func() {
		r.mu.Lock()
		stale := gen != r.gen || r.closed
		if !stale {
			r.timer = nil
		}
		r.mu.Unlock()
		if stale {
			return
		}
		r.refreshLogged(reason)
	})
}

// Refresh fetches now. Calls made while a fetch is running share its result.
func (r *Refresher[T]) Refresh(ctx context.Context) (T, error) {
	var zero T
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return zero, ErrClosed
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(flightKey, func() (any, error) {
		r.mu.Lock()
		r.fetches++
		r.mu.Unlock()

		val, err := r.cfg.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.apply(val)
		return val, nil
	})
	if err != nil {
		if r.cfg.OnError != nil {
			r.cfg.OnError(err)
		}
		return zero, err
	}
	return v.(T), nil
}

func (r *Refresher[T]) refreshLogged(reason string) {
	if _, err := r.Refresh(r.ctx); err != nil && !errors.Is(err, ErrClosed) && r.ctx.Err() == nil {
		r.log.Warn().Err(err).Str("reason", reason).Msg("refresh failed")
		return
	}
	r.log.Debug().Str("reason", reason).Msg("refreshed")
}

func (r *Refresher[T]) apply(val T) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.current = val
	r.loaded = true
	r.mu.Unlock()

	if r.cfg.OnResult != nil {
		r.cfg.OnResult(val)
	}
}

// Current returns the last applied result; ok is false before the first one.
func (r *Refresher[T]) Current() (val T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.loaded
}

// Fetches returns how many fetches were run.
func (r *Refresher[T]) Fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

// Close stops the poll loop and any pending trigger.
func (r *Refresher[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
