package core

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/carelink/internal/proto"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	hub := NewHub(nil)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

func register(t *testing.T, hub *Hub, c *Client) *Client {
	t.Helper()
	if err := hub.RegisterClient(c); err != nil {
		t.Fatalf("register %s: %v", c.ID, err)
	}
	return c
}

func participant(t *testing.T, hub *Hub, id, userID, session string) *Client {
	t.Helper()
	c := NewClient(id, userID, "user "+userID, ChannelSignaling)
	c.Session = session
	return register(t, hub, c)
}

func signal(c *Client, sig proto.Signal) {
	c.Commands <- &Command{Kind: CommandSignal, Signal: sig}
}

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events closed while waiting for kind %v", kind)
			}
			if ev != nil && ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("expected event kind %v not received", kind)
			return nil
		}
	}
}

func mustSignal(t *testing.T, c *Client, typ string) *proto.Signal {
	t.Helper()
	ev := mustEvent(t, c.Events, EventSignal)
	if ev.Signal.Type != typ {
		t.Fatalf("%s: expected %s, got %+v", c.ID, typ, ev.Signal)
	}
	return ev.Signal
}

func mustError(t *testing.T, c *Client, code string) {
	t.Helper()
	ev := mustEvent(t, c.Events, EventError)
	if ev.Error == nil || ev.Error.Code != code {
		t.Fatalf("%s: expected %s error, got %+v", c.ID, code, ev.Error)
	}
}

func expectQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.Events:
		t.Fatalf("%s: unexpected event %+v", c.ID, ev)
	case <-time.After(30 * time.Millisecond):
	}
}

// flush waits until every command sent so far by c was processed.
func flush(t *testing.T, c *Client) {
	t.Helper()
	c.Commands <- &Command{Kind: CommandHeartbeat}
	mustEvent(t, c.Events, EventHeartbeat)
}
