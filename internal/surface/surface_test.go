package surface

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

type stubSurface struct {
	perm  Permission
	err   error
	shown []Notice
}

func (s *stubSurface) RequestPermission(context.Context) (Permission, error) {
	return s.perm, nil
}

func (s *stubSurface) Show(_ context.Context, n Notice) error {
	if s.err != nil {
		return s.err
	}
	s.shown = append(s.shown, n)
	return nil
}

func TestChainPrefersPrimary(t *testing.T) {
	primary := &stubSurface{perm: PermissionGranted}
	fallback := &stubSurface{perm: PermissionGranted}
	c := NewChain(primary, fallback, nil)

	if err := c.Show(context.Background(), Notice{Title: "Incoming video call"}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if len(primary.shown) != 1 || len(fallback.shown) != 0 {
		t.Fatalf("expected primary only, got %d/%d", len(primary.shown), len(fallback.shown))
	}
}

func TestChainFallsBackOnError(t *testing.T) {
	primary := &stubSurface{perm: PermissionDenied, err: ErrPermissionDenied}
	fallback := &stubSurface{perm: PermissionGranted}
	c := NewChain(primary, fallback, nil)

	if p, _ := c.RequestPermission(context.Background()); p != PermissionGranted {
		t.Fatalf("expected fallback permission, got %s", p)
	}
	if err := c.Show(context.Background(), Notice{Title: "x"}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if len(fallback.shown) != 1 {
		t.Fatalf("expected fallback to display the notice")
	}
}

func TestChainWithoutFallbackReturnsPrimaryError(t *testing.T) {
	c := NewChain(&stubSurface{err: ErrPermissionDenied}, nil, nil)
	if err := c.Show(context.Background(), Notice{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected primary error, got %v", err)
	}
	if err := NewChain(nil, nil, nil).Show(context.Background(), Notice{}); err == nil {
		t.Fatalf("expected error with no surfaces")
	}
}

func TestConsoleMarksInteractiveNotices(t *testing.T) {
	var buf bytes.Buffer
	c := &Console{W: &buf}
	_ = c.Show(context.Background(), Notice{Title: "Incoming video call", Body: "Dr. A is calling", RequireInteraction: true})
	if got := buf.String(); !strings.Contains(got, "[Incoming video call] (!) Dr. A is calling") {
		t.Fatalf("unexpected console output %q", got)
	}
}

func TestExecWithoutCommandIsDenied(t *testing.T) {
	e := Exec{}
	if p, _ := e.RequestPermission(context.Background()); p != PermissionDenied {
		t.Fatalf("expected denied, got %s", p)
	}
	if err := e.Show(context.Background(), Notice{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}
