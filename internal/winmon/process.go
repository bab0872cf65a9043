package winmon

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDetachGrace is how soon a successful exit counts as a launcher
// handing the URL to an already running program.
const DefaultDetachGrace = 2 * time.Second

// Opener opens a call URL in an external window.
type Opener interface {
	Open(ctx context.Context, url string) (Window, error)
}

// CommandOpener runs Command with the URL appended as the last argument.
type CommandOpener struct {
	Command     []string
	DetachGrace time.Duration
	Clock       clock.Clock
}

func (o CommandOpener) Open(_ context.Context, url string) (Window, error) {
	if len(o.Command) == 0 {
		return nil, fmt.Errorf("%w: no window command configured", ErrWindowUnavailable)
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.New()
	}
	grace := o.DetachGrace
	if grace <= 0 {
		grace = DefaultDetachGrace
	}

	args := append(append([]string{}, o.Command[1:]...), url)
	// The window outlives the request that opened it.
	cmd := exec.Command(o.Command[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWindowUnavailable, err)
	}

	w := &ProcessWindow{
		cmd:     cmd,
		started: clk.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		w.mu.Lock()
		w.err = err
		// Launchers such as xdg-open exit at once; the real window is
		// out of reach, so liveness is unknown from here on.
		w.detached = err == nil && clk.Since(w.started) < grace
		w.mu.Unlock()
		close(w.done)
	}()
	return w, nil
}

// ProcessWindow is a call window backed by a child process.
type ProcessWindow struct {
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	err      error
	detached bool
}

// Closed reports whether the process exited. A detached launcher never reports closed.
func (w *ProcessWindow) Closed() bool {
	select {
	case <-w.done:
	default:
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.detached
}

// Detached reports whether the launcher handed the URL off and exited.
func (w *ProcessWindow) Detached() bool {
	select {
	case <-w.done:
	default:
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.detached
}

// Close kills the process if it is still running.
func (w *ProcessWindow) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	if err := w.cmd.Process.Kill(); err != nil {
		return err
	}
	<-w.done
	return nil
}
