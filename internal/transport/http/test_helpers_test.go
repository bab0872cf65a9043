package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/auth"
	"github.com/vovakirdan/carelink/internal/config"
	"github.com/vovakirdan/carelink/internal/core"
	"github.com/vovakirdan/carelink/internal/proto"
	"github.com/vovakirdan/carelink/internal/service/appointments"
	"github.com/vovakirdan/carelink/internal/service/sessions"
	"github.com/vovakirdan/carelink/internal/store"
	"github.com/vovakirdan/carelink/internal/store/sqlite"
)

const testPassword = "password123"

// Seeded in this order: paul is user 1, ada 2, bob 3.
var testUsers = []config.SeedUser{
	{Username: "paul", Password: testPassword, Role: config.RoleProvider, DisplayName: "Paul Provider"},
	{Username: "ada", Password: testPassword, Role: config.RoleDoctor, DisplayName: "Dr. Ada"},
	{Username: "bob", Password: testPassword, Role: config.RoleDoctor, DisplayName: "Dr. Bob"},
}

type relay struct {
	ts    *httptest.Server
	hub   *core.Hub
	store store.Store
	auth  *auth.Service
}

func startRelay(t *testing.T, rateLimit int) *relay {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	}, &logger)
	if err := authService.Seed(context.Background(), testUsers); err != nil {
		t.Fatalf("seed users: %v", err)
	}

	hub := core.NewHub(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := NewServer(Deps{
		Hub:          hub,
		Auth:         authService,
		Store:        st,
		Appointments: appointments.New(st, hub, &logger),
		Sessions:     sessions.New(st, hub, nil, &logger),
	}, config.ServerConfig{
		Addr:              ":0",
		ReadHeaderTimeout: time.Second,
		FrameRateLimit:    rateLimit,
	}, &logger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-hub.Done()
	})

	return &relay{ts: ts, hub: hub, store: st, auth: authService}
}

func (r *relay) token(t *testing.T, username string) string {
	t.Helper()
	token, _, err := r.auth.Login(context.Background(), username, testPassword)
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return token
}

func (r *relay) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := stdhttp.NewRequest(method, r.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (r *relay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + path
}

func (r *relay) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, r.wsURL(path)+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// waitOnline blocks until the hub registered a notification channel of userID.
func (r *relay) waitOnline(t *testing.T, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if on, _ := r.hub.Online(context.Background(), userID); on {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("user %s never came online", userID)
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

// readFrame reads frames until one of type typ arrives.
func readFrame(t *testing.T, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s frame: %v", typ, err)
		}
		if decode[proto.Envelope](t, data).Type == typ {
			return data
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	data, _ := json.Marshal(frame)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}
