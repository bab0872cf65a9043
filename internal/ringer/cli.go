package ringer

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// BellSynth "plays" a pattern by writing one terminal bell per note.
type BellSynth struct {
	W io.Writer
}

func (b BellSynth) Play(notes []Note) error {
	if b.W == nil {
		return errors.New("bell synth: no output")
	}
	_, err := io.WriteString(b.W, strings.Repeat("\a", len(notes)))
	return err
}

// CommandLoop runs an external player command over and over until stopped,
// e.g. ["paplay", "/usr/share/sounds/freedesktop/stereo/phone-incoming-call.oga"].
type CommandLoop struct {
	Command []string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *CommandLoop) StartLoop() error {
	if len(l.Command) == 0 {
		return errors.New("command loop: no command configured")
	}
	if _, err := exec.LookPath(l.Command[0]); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		for ctx.Err() == nil {
			cmd := exec.CommandContext(ctx, l.Command[0], l.Command[1:]...)
			if err := cmd.Run(); err != nil && ctx.Err() == nil {
				// A player that fails immediately would spin; give up.
				return
			}
		}
	}()
	return nil
}

func (l *CommandLoop) StopLoop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
