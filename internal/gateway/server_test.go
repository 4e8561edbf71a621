package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/realtime"
	"wastelink.org/internal/relay"
	"wastelink.org/internal/room"
)

type harness struct {
	srv    *httptest.Server
	gw     *Server
	hub    *Hub
	auth   *auth.Service
	store  *auth.InMemory
	relay  *relay.Relay
	tokens map[string]string
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := auth.NewInMemory()
	svc, err := auth.NewService(store, auth.WithSecrets("a-secret", "r-secret"))
	require.NoError(t, err)
	hub := NewHub()
	rel, err := relay.New(relay.NewInMemory(), hub)
	require.NoError(t, err)
	gw, err := NewServer(svc, hub, rel, cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, gw: gw, hub: hub, auth: svc, store: store, relay: rel, tokens: map[string]string{}}
}

func (h *harness) principal(t *testing.T, email string, role auth.Role, loc *auth.Coordinates) auth.Principal {
	t.Helper()
	p := h.store.PutAccount(auth.Account{Principal: auth.Principal{Email: email, Role: role, Active: true, Location: loc}})
	pair, err := h.auth.Issue(context.Background(), p.ID)
	require.NoError(t, err)
	h.tokens[p.ID] = pair.AccessToken
	return p
}

func (h *harness) wsURL() string { return "ws" + strings.TrimPrefix(h.srv.URL, "http") }

func (h *harness) dial(t *testing.T, p auth.Principal) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, h.wsURL()+"?token="+h.tokens[p.ID], nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	require.Eventually(t, func() bool {
		return len(h.hub.Members(room.UserRoom(p.ID))) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))
}

// expect reads frames until one named event arrives, failing on any error
// frame unless error is what was asked for.
func expect(t *testing.T, ws *websocket.Conn, event string) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err, "waiting for %s", event)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Event == event {
			return f
		}
		if f.Event == realtime.Error {
			t.Fatalf("unexpected error frame while waiting for %s: %s", event, f.Data)
		}
	}
}

func errorMessage(t *testing.T, f frame) string {
	t.Helper()
	var e ErrorEvent
	require.NoError(t, json.Unmarshal(f.Data, &e))
	return e.Message
}

func TestRejectsUnauthenticatedConnections(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.PutAccount(auth.Account{Principal: auth.Principal{ID: "idle", Email: "idle@x", Role: auth.RoleResident, Active: true}})
	pair, err := h.auth.Issue(context.Background(), "idle")
	require.NoError(t, err)
	h.store.SetActive("idle", false)

	cases := []struct {
		query  string
		reason string
	}{
		{"", ReasonNoToken},
		{"?token=not-a-jwt", ReasonInvalidToken},
		{"?token=" + pair.AccessToken, ReasonInactive},
	}
	for _, tc := range cases {
		resp, err := http.Get(h.srv.URL + tc.query)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.JSONEq(t, `{"error":"`+tc.reason+`"}`, string(body))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, dresp, err := websocket.Dial(ctx, h.wsURL()+tc.query, nil)
		cancel()
		require.Error(t, err)
		require.NotNil(t, dresp)
		require.Equal(t, http.StatusUnauthorized, dresp.StatusCode)
	}
	require.Zero(t, h.hub.Online())
}

func TestImplicitRoomsAndJoinPolicy(t *testing.T) {
	h := newHarness(t, Config{})
	loc := &auth.Coordinates{Latitude: 43.23891, Longitude: 76.88971}
	alice := h.principal(t, "alice@x", auth.RoleResident, loc)
	bob := h.principal(t, "bob@x", auth.RoleResident, nil)
	ws := h.dial(t, alice)

	require.Len(t, h.hub.Members("role:resident"), 1)
	require.Len(t, h.hub.Members("area:43.24,76.89"), 1)

	emit(t, ws, realtime.JoinRoom, "role:admin")
	require.Equal(t, "not authorized to join room", errorMessage(t, expect(t, ws, realtime.Error)))
	require.Empty(t, h.hub.Members("role:admin"))

	emit(t, ws, realtime.JoinRoom, map[string]string{"room": "user:" + bob.ID})
	require.Equal(t, "not authorized to join room", errorMessage(t, expect(t, ws, realtime.Error)))

	reversed := "dm:" + maxID(alice.ID, bob.ID) + ":" + minID(alice.ID, bob.ID)
	emit(t, ws, realtime.JoinRoom, reversed)
	require.Equal(t, "invalid room", errorMessage(t, expect(t, ws, realtime.Error)))

	dm := room.DMRoom(alice.ID, bob.ID)
	emit(t, ws, realtime.JoinRoom, dm)
	f := expect(t, ws, realtime.RoomJoined)
	require.JSONEq(t, `{"room":"`+dm+`"}`, string(f.Data))
	require.Len(t, h.hub.Members(dm), 1)

	emit(t, ws, realtime.LeaveRoom, map[string]string{"room": dm})
	expect(t, ws, realtime.RoomLeft)
	require.Empty(t, h.hub.Members(dm))
}

func TestMessageRelayAckAndBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.principal(t, "alice@x", auth.RoleResident, nil)
	bob := h.principal(t, "bob@x", auth.RoleResident, nil)
	wa := h.dial(t, alice)
	wb := h.dial(t, bob)
	dm := room.DMRoom(alice.ID, bob.ID)

	emit(t, wa, realtime.SendMessage, map[string]string{"room": dm, "message": "too early"})
	require.Equal(t, "not a member of room", errorMessage(t, expect(t, wa, realtime.Error)))

	for _, ws := range []*websocket.Conn{wa, wb} {
		emit(t, ws, realtime.JoinRoom, dm)
		expect(t, ws, realtime.RoomJoined)
	}

	emit(t, wa, realtime.SendMessage, map[string]string{"room": dm, "message": "bins are out", "type": "text"})
	ack := expect(t, wa, realtime.MessageSent)
	got := expect(t, wb, realtime.NewMessage)

	var sent, recv relay.Message
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	require.NoError(t, json.Unmarshal(got.Data, &recv))
	require.Equal(t, sent.ID, recv.ID)
	require.Equal(t, "bins are out", recv.Body)
	require.Equal(t, alice.ID, recv.SenderID)

	// The sender's next frame is the reply to this probe, not a copy of its
	// own message.
	emit(t, wa, "ping_probe", nil)
	_, data, err := wa.Read(context.Background())
	require.NoError(t, err)
	var next frame
	require.NoError(t, json.Unmarshal(data, &next))
	require.Equal(t, realtime.Error, next.Event)
	require.Equal(t, "unknown event", errorMessage(t, next))

	emit(t, wa, realtime.SendMessage, map[string]string{"room": dm, "message": "x", "type": "system"})
	require.Equal(t, "message type must be text", errorMessage(t, expect(t, wa, realtime.Error)))

	hist, err := h.relay.History(context.Background(), bob, dm, 1, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestTypingReachesOnlyCurrentMembers(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.principal(t, "alice@x", auth.RoleResident, nil)
	bob := h.principal(t, "bob@x", auth.RoleResident, nil)
	wa := h.dial(t, alice)
	wb := h.dial(t, bob)
	dm := room.DMRoom(alice.ID, bob.ID)

	emit(t, wa, realtime.JoinRoom, dm)
	expect(t, wa, realtime.RoomJoined)
	emit(t, wa, realtime.TypingStart, map[string]string{"room": dm})
	emit(t, wa, "sync_probe", nil)
	require.Equal(t, "unknown event", errorMessage(t, expect(t, wa, realtime.Error)))

	emit(t, wb, realtime.JoinRoom, dm)
	expect(t, wb, realtime.RoomJoined)
	emit(t, wa, realtime.TypingStop, map[string]string{"room": dm})

	_, data, err := wb.Read(context.Background())
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	require.Equal(t, realtime.UserStoppedTyping, f.Event, "no retroactive typing signal")
	var sig relay.TypingSignal
	require.NoError(t, json.Unmarshal(f.Data, &sig))
	require.Equal(t, alice.ID, sig.UserID)
}

func TestCollectorSignalsReachAdmins(t *testing.T) {
	h := newHarness(t, Config{})
	admin := h.principal(t, "admin@x", auth.RoleAdmin, nil)
	collector := h.principal(t, "c@x", auth.RoleCollector, &auth.Coordinates{Latitude: 10, Longitude: 10})
	resident := h.principal(t, "r@x", auth.RoleResident, nil)
	wa := h.dial(t, admin)
	wc := h.dial(t, collector)
	wr := h.dial(t, resident)

	emit(t, wc, realtime.LocationUpdate, map[string]float64{"latitude": 43.2389, "longitude": 76.8897, "accuracy": 5})
	f := expect(t, wa, realtime.CollectorLocationUpdate)
	var loc LocationEvent
	require.NoError(t, json.Unmarshal(f.Data, &loc))
	require.Equal(t, collector.ID, loc.CollectorID)
	require.Equal(t, "area:43.24,76.89", loc.Area)
	require.Empty(t, h.hub.Members("area:10.00,10.00"))
	require.Len(t, h.hub.Members("area:43.24,76.89"), 1)

	emit(t, wc, realtime.TaskStatusInput, map[string]string{"taskId": "t1", "status": "in_progress", "reportId": "r1"})
	f = expect(t, wa, realtime.TaskStatusChanged)
	require.Contains(t, string(f.Data), `"taskId":"t1"`)

	emit(t, wr, realtime.TaskStatusInput, map[string]string{"taskId": "t1", "status": "completed"})
	require.Equal(t, "only collectors can report task status", errorMessage(t, expect(t, wr, realtime.Error)))

	emit(t, wr, realtime.EmergencyInput, map[string]any{"message": "fire in bin", "location": map[string]float64{"latitude": 1, "longitude": 2}})
	f = expect(t, wa, realtime.EmergencyAlert)
	var alert EmergencyEvent
	require.NoError(t, json.Unmarshal(f.Data, &alert))
	require.Equal(t, "high", alert.Priority)
	require.Equal(t, resident.ID, alert.From)

	require.NoError(t, wc.Close(websocket.StatusNormalClosure, ""))
	f = expect(t, wa, realtime.CollectorOffline)
	require.Contains(t, string(f.Data), collector.ID)
	require.Eventually(t, func() bool { return h.hub.Online() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPerConnectionRateLimit(t *testing.T) {
	h := newHarness(t, Config{EventsPerSec: 0.001, EventBurst: 1})
	alice := h.principal(t, "alice@x", auth.RoleResident, nil)
	ws := h.dial(t, alice)

	emit(t, ws, realtime.JoinRoom, room.UserRoom(alice.ID))
	expect(t, ws, realtime.RoomJoined)
	emit(t, ws, realtime.JoinRoom, room.UserRoom(alice.ID))
	require.Equal(t, "rate limited", errorMessage(t, expect(t, ws, realtime.Error)))
}

func TestHubEmitExceptAndDrop(t *testing.T) {
	hub := NewHub()
	a := newConn("a", auth.Principal{ID: "pa"}, 1, nil)
	b := newConn("b", auth.Principal{ID: "pb"}, 1, nil)
	for _, c := range []*Conn{a, b} {
		hub.register(c)
		c.rooms["area:0.00,0.00"] = struct{}{}
		hub.join(c, "area:0.00,0.00")
	}

	hub.EmitExcept("area:0.00,0.00", "x", nil, "a")
	require.Len(t, a.out, 0)
	require.Len(t, b.out, 1)

	hub.Emit("area:0.00,0.00", "y", nil)
	require.Len(t, a.out, 1)
	require.Len(t, b.out, 1)

	hub.unregister(b)
	require.Equal(t, []string{"a"}, hub.Members("area:0.00,0.00"))
	require.Equal(t, 1, hub.Online())

	close(a.done)
	require.False(t, a.send(Outbound{Event: "z"}))
}

func minID(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func maxID(a, b string) string {
	if a > b {
		return a
	}
	return b
}
