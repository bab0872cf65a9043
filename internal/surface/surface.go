// Package surface shows desktop notifications for events that need the
// user's attention, routing through a preferred surface with a fallback.
package surface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/log"
)

// ErrPermissionDenied is returned by Show when the surface may not display notices.
var ErrPermissionDenied = errors.New("notification permission denied")

// Permission is the display permission of a surface.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Notice is one desktop notification.
type Notice struct {
	Title string
	Body  string
	Icon  string
	// RequireInteraction keeps the notice visible until dismissed.
	RequireInteraction bool
	// Tag groups notices; a newer notice with the same tag replaces the older one.
	Tag string
}

// Surface displays notices.
type Surface interface {
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n Notice) error
}

// Chain tries Primary first and falls back to Fallback on any error.
type Chain struct {
	Primary  Surface
	Fallback Surface
	Log      *zerolog.Logger
}

// NewChain builds a Chain; either surface may be nil.
func NewChain(primary, fallback Surface, logger *zerolog.Logger) *Chain {
	if logger == nil {
		logger = log.Nop()
	}
	return &Chain{Primary: primary, Fallback: fallback, Log: logger}
}

func (c *Chain) RequestPermission(ctx context.Context) (Permission, error) {
	if c.Primary != nil {
		p, err := c.Primary.RequestPermission(ctx)
		if err == nil && p == PermissionGranted {
			return p, nil
		}
	}
	if c.Fallback != nil {
		return c.Fallback.RequestPermission(ctx)
	}
	return PermissionDenied, nil
}

func (c *Chain) Show(ctx context.Context, n Notice) error {
	var primaryErr error
	if c.Primary != nil {
		if primaryErr = c.Primary.Show(ctx, n); primaryErr == nil {
			return nil
		}
		c.Log.Debug().Err(primaryErr).Str("tag", n.Tag).Msg("primary surface failed, using fallback")
	}
	if c.Fallback == nil {
		if primaryErr != nil {
			return primaryErr
		}
		return errors.New("no notification surface configured")
	}
	return c.Fallback.Show(ctx, n)
}

// Console prints notices to a writer. It never needs permission.
type Console struct {
	mu sync.Mutex
	W  io.Writer
}

func (c *Console) RequestPermission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (c *Console) Show(_ context.Context, n Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	marker := ""
	if n.RequireInteraction {
		marker = " (!)"
	}
	_, err := fmt.Fprintf(c.W, "[%s]%s %s\n", n.Title, marker, n.Body)
	return err
}

// Exec shows notices through a desktop notifier command such as notify-send.
// The title and body are appended as the last two arguments.
type Exec struct {
	Command []string
}

func (e Exec) RequestPermission(context.Context) (Permission, error) {
	if len(e.Command) == 0 {
		return PermissionDenied, nil
	}
	if _, err := exec.LookPath(e.Command[0]); err != nil {
		return PermissionDenied, nil
	}
	return PermissionGranted, nil
}

func (e Exec) Show(ctx context.Context, n Notice) error {
	if len(e.Command) == 0 {
		return ErrPermissionDenied
	}
	args := append([]string{}, e.Command[1:]...)
	if n.RequireInteraction {
		args = append(args, "--urgency=critical")
	}
	if n.Icon != "" {
		args = append(args, "--icon="+n.Icon)
	}
	args = append(args, n.Title, n.Body)

	if out, err := exec.CommandContext(ctx, e.Command[0], args...).CombinedOutput(); err != nil {
		return fmt.Errorf("notify command: %w: %s", err, out)
	}
	return nil
}
