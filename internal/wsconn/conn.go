// Package wsconn wraps client-side websocket connections behind a small
// interface so reconnecting channels can be tested with fakes.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const readLimit = 1 << 20

// Conn is one open websocket connection carrying JSON text frames.
type Conn interface {
	// Read blocks for the next frame and returns its raw bytes.
	Read(ctx context.Context) ([]byte, error)
	// WriteJSON encodes v as one frame.
	WriteJSON(ctx context.Context, v any) error
	// Close performs a normal closure.
	Close(reason string) error
}

// Dialer opens a connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// NewDialer returns a Dialer that sends header with every handshake.
func NewDialer(header http.Header) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		return Dial(ctx, url, header)
	}
}

// Dial opens a websocket connection.
func Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.SetReadLimit(readLimit)
	return &conn{c: c}, nil
}

type conn struct {
	c *websocket.Conn
}

func (w *conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (w *conn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.c, v)
}

func (w *conn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// IsNormalClosure reports whether err is an expected end of a connection.
func IsNormalClosure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
