// Command smoke drives a running API end to end: two principals log in,
// open realtime connections, exchange a direct message and read it back
// from history.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/relay"
	"wastelink.org/internal/room"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type session struct {
	AccessToken string         `json:"accessToken"`
	User        auth.Principal `json:"user"`
}

func main() {
	log.SetFlags(0)
	var (
		base     = pflag.String("base", envOr("WASTELINK_SMOKE_URL", "http://localhost:8080"), "API base URL")
		emailA   = pflag.String("a", "admin@example.org", "first principal email")
		emailB   = pflag.String("b", "collector@example.org", "second principal email")
		password = pflag.String("password", os.Getenv("WASTELINK_SMOKE_PASSWORD"), "password of both principals")
	)
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := login(ctx, *base, *emailA, *password)
	if err != nil {
		log.Fatalf("login %s: %v", *emailA, err)
	}
	b, err := login(ctx, *base, *emailB, *password)
	if err != nil {
		log.Fatalf("login %s: %v", *emailB, err)
	}

	wa, err := dial(ctx, *base, a.AccessToken)
	if err != nil {
		log.Fatalf("dial as %s: %v", a.User.ID, err)
	}
	defer wa.Close(websocket.StatusNormalClosure, "")
	wb, err := dial(ctx, *base, b.AccessToken)
	if err != nil {
		log.Fatalf("dial as %s: %v", b.User.ID, err)
	}
	defer wb.Close(websocket.StatusNormalClosure, "")

	dm := room.DMRoom(a.User.ID, b.User.ID)
	for _, c := range []*websocket.Conn{wa, wb} {
		if err := wsjson.Write(ctx, c, map[string]any{"event": "join_room", "data": map[string]string{"room": dm}}); err != nil {
			log.Fatalf("join %s: %v", dm, err)
		}
		if _, err := await(ctx, c, "room_joined"); err != nil {
			log.Fatalf("join %s: %v", dm, err)
		}
	}

	body := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	if err := wsjson.Write(ctx, wa, map[string]any{"event": "send_message", "data": map[string]string{"room": dm, "message": body}}); err != nil {
		log.Fatalf("send: %v", err)
	}
	if _, err := await(ctx, wa, "message_sent"); err != nil {
		log.Fatalf("ack: %v", err)
	}
	raw, err := await(ctx, wb, "new_message")
	if err != nil {
		log.Fatalf("delivery: %v", err)
	}
	var got relay.Message
	if err := json.Unmarshal(raw, &got); err != nil || got.Body != body {
		log.Fatalf("unexpected delivery %s (%v)", raw, err)
	}

	history, err := fetchHistory(ctx, *base, b.AccessToken, dm)
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	if len(history) == 0 || history[len(history)-1].ID != got.ID {
		log.Fatalf("message %s missing from history", got.ID)
	}

	fmt.Printf("smoke test passed: room=%s message=%s\n", dm, got.ID)
}

func login(ctx context.Context, base, email, password string) (session, error) {
	payload, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/auth/login", bytes.NewReader(payload))
	if err != nil {
		return session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return session{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return session{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var s session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return session{}, err
	}
	return s, nil
}

func dial(ctx context.Context, base, token string) (*websocket.Conn, error) {
	u := strings.Replace(base, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(token)
	c, _, err := websocket.Dial(ctx, u, nil)
	return c, err
}

// await reads frames until one named event arrives. An error frame aborts.
func await(ctx context.Context, c *websocket.Conn, event string) (json.RawMessage, error) {
	for {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return nil, err
		}
		switch f.Event {
		case event:
			return f.Data, nil
		case "error":
			return nil, fmt.Errorf("server error: %s", f.Data)
		}
	}
}

func fetchHistory(ctx context.Context, base, token, name string) ([]relay.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/rooms/history?room="+url.QueryEscape(name), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out struct {
		Messages []relay.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
