package http

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/carelink/internal/api"
	"github.com/vovakirdan/carelink/internal/event"
	"github.com/vovakirdan/carelink/internal/store/sqlite"
	"github.com/vovakirdan/carelink/internal/transport/notify"
)

func loggedIn(t *testing.T, r *relay, username string) *api.Client {
	t.Helper()
	kv, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	c := api.New(r.ts.URL+"/api", kv)
	if _, err := c.Login(context.Background(), username, testPassword); err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return c
}

func TestClientsAgainstRelay(t *testing.T) {
	r := startRelay(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider := loggedIn(t, r, "paul")
	doctor := loggedIn(t, r, "ada")
	profile, _ := doctor.Profile()

	events := make(chan event.Event, 16)
	online := make(chan struct{}, 1)
	tr, err := notify.New(notify.Config{
		URL:    r.wsURL("/ws/notifications"),
		UserID: profile.UserID(),
		Token:  doctor.Token(),
		Role:   profile.Role,
	})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	tr.Subscribe(notify.Funcs{
		Event: func(ev event.Event) { events <- ev },
		Status: func(st notify.Status) {
			if st.State == notify.StateOnline {
				select {
				case online <- struct{}{}:
				default:
				}
			}
		},
	})
	tr.Start(ctx)
	defer tr.Close()

	select {
	case <-online:
	case <-ctx.Done():
		t.Fatalf("transport never came online")
	}
	r.waitOnline(t, profile.UserID())

	next := func(kind event.Kind) event.Event {
		t.Helper()
		for {
			select {
			case ev := <-events:
				if ev.Kind == kind {
					return ev
				}
			case <-ctx.Done():
				t.Fatalf("no %s event", kind)
			}
		}
	}

	a, err := provider.CreateAppointment(ctx, api.NewAppointment{Type: "consultation", PatientName: "Pat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := next(event.KindNewAppointment).Payload.(event.Appointment)
	if created.PatientName != "Pat" {
		t.Fatalf("unexpected appointment event %+v", created)
	}

	if _, err := doctor.AcceptAppointment(ctx, a.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	session, err := provider.GetOrCreateVideoSession(ctx, a.ID)
	if err != nil {
		t.Fatalf("video session: %v", err)
	}
	inv := next(event.KindVideoCallInvitation).Payload.(event.CallInvitation)
	if inv.SessionToken != session.SessionToken || inv.CallerID != "1" || inv.CallerName != "Paul Provider" {
		t.Fatalf("unexpected invitation %+v", inv)
	}

	list, err := doctor.ListAppointments(ctx)
	if err != nil || len(list) != 1 || list[0].Status != "accepted" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
}
