package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vovakirdan/carelink/internal/callengine/livekit"
	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/store"
	"github.com/vovakirdan/carelink/internal/store/sqlite"
)

type pushed struct {
	userID string
	n      proto.Notification
}

type recorder struct {
	mu   sync.Mutex
	sent []pushed
}

func (r *recorder) Notify(_ context.Context, userID string, n proto.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, pushed{userID: userID, n: n})
	return nil
}

type fixture struct {
	st       store.Store
	notes    *recorder
	provider *store.User
	doctor   *store.User
	stranger *store.User
	appt     *store.Appointment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	user := func(name, role string) *store.User {
		u, err := st.CreateUser(ctx, &store.User{Username: name, PasswordHash: "x", Role: role, DisplayName: "Dr. " + name})
		if err != nil {
			t.Fatalf("create user: %v", err)
		}
		return u
	}

	f := &fixture{st: st, notes: &recorder{}}
	f.provider = user("paul", config.RoleProvider)
	f.doctor = user("ada", config.RoleDoctor)
	f.stranger = user("sam", config.RoleDoctor)
	f.appt, err = st.CreateAppointment(ctx, &store.Appointment{
		Type: "consultation", Status: store.AppointmentAccepted, ProviderID: f.provider.ID, DoctorID: &f.doctor.ID,
	})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return f
}

func TestGetOrCreateReusesSessionAndRingsEachTime(t *testing.T) {
	f := newFixture(t)
	svc := New(f.st, f.notes, nil, nil)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, f.provider, f.appt.ID)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !first.Created || first.Session.CallerID != f.provider.ID || first.Session.CalleeID != f.doctor.ID || first.Join != nil {
		t.Fatalf("unexpected result %+v", first)
	}

	again, err := svc.GetOrCreate(ctx, f.provider, f.appt.ID)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if again.Created || again.Session.Token != first.Session.Token {
		t.Fatalf("session not reused: %+v", again.Session)
	}

	if len(f.notes.sent) != 2 {
		t.Fatalf("expected an invitation per call, got %+v", f.notes.sent)
	}
	inv := f.notes.sent[0]
	if inv.userID != "2" || inv.n.Type != "video_call_invitation" || inv.n.SessionToken != first.Session.Token ||
		inv.n.CallerID != "1" || inv.n.CallerName != "Dr. paul" || inv.n.AppointmentID.String() != "1" {
		t.Fatalf("unexpected invitation %+v", inv)
	}

	// the doctor calling back rings the provider on the same session
	back, err := svc.GetOrCreate(ctx, f.doctor, f.appt.ID)
	if err != nil || back.Session.Token != first.Session.Token {
		t.Fatalf("call back: %+v %v", back, err)
	}
	if last := f.notes.sent[2]; last.userID != "1" || last.n.CallerID != "2" {
		t.Fatalf("unexpected call back invitation %+v", last)
	}
}

func TestGetOrCreateErrors(t *testing.T) {
	f := newFixture(t)
	svc := New(f.st, f.notes, nil, nil)
	ctx := context.Background()

	if _, err := svc.GetOrCreate(ctx, f.provider, 99); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
	if _, err := svc.GetOrCreate(ctx, f.stranger, f.appt.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	pending, _ := f.st.CreateAppointment(ctx, &store.Appointment{Type: "consultation", Status: store.AppointmentPending, ProviderID: f.provider.ID})
	if _, err := svc.GetOrCreate(ctx, f.provider, pending.ID); !errors.Is(err, ErrNoCallee) {
		t.Fatalf("expected ErrNoCallee, got %v", err)
	}
	if len(f.notes.sent) != 0 {
		t.Fatalf("failed calls rang someone: %+v", f.notes.sent)
	}
}

func TestAuthorizeAndEnd(t *testing.T) {
	f := newFixture(t)
	svc := New(f.st, nil, nil, nil)
	ctx := context.Background()

	res, err := svc.GetOrCreate(ctx, f.provider, f.appt.ID)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	token := res.Session.Token

	if _, err := svc.Authorize(ctx, token, f.doctor.ID); err != nil {
		t.Fatalf("callee not authorized: %v", err)
	}
	if _, err := svc.Authorize(ctx, token, f.stranger.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.Authorize(ctx, "nope", f.doctor.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	ended, err := svc.End(ctx, f.doctor, token)
	if err != nil || ended.Status != store.VideoSessionEnded || ended.EndedAt == nil {
		t.Fatalf("end: %+v %v", ended, err)
	}
	if _, err := svc.Authorize(ctx, token, f.doctor.ID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}

	fresh, err := svc.GetOrCreate(ctx, f.provider, f.appt.ID)
	if err != nil || !fresh.Created || fresh.Session.Token == token {
		t.Fatalf("expected a new session after end: %+v %v", fresh, err)
	}
}

func TestJoinInfoWithMediaEngine(t *testing.T) {
	f := newFixture(t)
	svc := New(f.st, nil, livekit.New("key", "secret-secret-secret-secret-secret", "ws://lk"), nil)

	res, err := svc.GetOrCreate(context.Background(), f.provider, f.appt.ID)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if res.Session.ExternalRoomID == nil || *res.Session.ExternalRoomID != "carelink-appointment-1" {
		t.Fatalf("unexpected room %v", res.Session.ExternalRoomID)
	}
	if res.Join == nil || res.Join.Identity != "user-1" || res.Join.Token == "" {
		t.Fatalf("unexpected join info %+v", res.Join)
	}
}
