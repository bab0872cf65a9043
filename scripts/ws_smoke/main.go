package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/carelink/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

type loginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID   int64  `json:"id"`
		Role string `json:"role"`
	} `json:"user"`
}

func run() error {
	base := flag.String("base", "http://localhost:8080", "relay base URL")
	user := flag.String("user", "ada", "username")
	password := flag.String("password", "password123", "password")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	login, err := signIn(ctx, *base, *user, *password)
	if err != nil {
		return err
	}
	userID := strconv.FormatInt(login.User.ID, 10)

	wsBase := "ws" + strings.TrimPrefix(strings.TrimRight(*base, "/"), "http")
	addr := wsBase + "/ws/notifications/" + userID + "?token=" + url.QueryEscape(login.Token)
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, proto.StatusFrame{
		Type:   proto.TypeStatus,
		Status: proto.StatusOnline,
		Role:   login.User.Role,
		UserID: userID,
	}); err != nil {
		return fmt.Errorf("send status: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.HeartbeatFrame{Type: proto.TypeHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env proto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		fmt.Printf("received %s: %s\n", env.Type, raw)

		switch env.Type {
		case proto.TypeHeartbeat:
			return nil
		case proto.TypeError:
			var frame proto.ErrorFrame
			if err := json.Unmarshal(raw, &frame); err == nil && frame.Error != nil {
				return fmt.Errorf("relay error %s: %s", frame.Error.Code, frame.Error.Msg)
			}
		}
	}
}

func signIn(ctx context.Context, base, user, password string) (*loginResponse, error) {
	body, err := json.Marshal(map[string]string{"username": user, "password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login: %w", err)
	}
	return &out, nil
}
