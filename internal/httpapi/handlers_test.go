package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/gateway"
	"wastelink.org/internal/notify"
	"wastelink.org/internal/relay"
	"wastelink.org/internal/task"
)

const password = "correct horse"

type syncNotifier struct{ svc *notify.Service }

func (n syncNotifier) Enqueue(drafts ...notify.Draft) {
	for _, d := range drafts {
		_, _ = n.svc.Create(context.Background(), d)
	}
}

type apiClient struct {
	t       *testing.T
	baseURL string
	client  *http.Client

	admin, collector, resident auth.Principal
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	identities := auth.NewInMemory()
	sessions, err := auth.NewService(identities,
		auth.WithSecrets("access-secret", "refresh-secret"),
		auth.WithAccessTTL(time.Hour),
		auth.WithRefreshTTL(24*time.Hour),
	)
	require.NoError(t, err)

	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	seed := func(email string, role auth.Role) auth.Principal {
		return identities.PutAccount(auth.Account{
			Principal:    auth.Principal{Email: email, Name: email, Role: role, Active: true},
			PasswordHash: hash,
		})
	}

	hub := gateway.NewHub()
	messages, err := relay.New(relay.NewInMemory(), hub)
	require.NoError(t, err)
	notes, err := notify.NewService(notify.NewInMemory(), hub)
	require.NoError(t, err)
	tasks := task.NewInMemory()
	coord, err := task.NewCoordinator(tasks, identities, syncNotifier{notes}, hub)
	require.NoError(t, err)
	gw, err := gateway.NewServer(sessions, hub, messages, gateway.Config{})
	require.NoError(t, err)

	api := New(Deps{
		Sessions:      sessions,
		History:       messages,
		Tasks:         coord,
		Notifications: notes,
		Realtime:      gw,
	}, Options{Version: "test", RateBurst: 1000, RatePerSec: 1000})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	c := &apiClient{
		t:         t,
		baseURL:   srv.URL,
		client:    srv.Client(),
		admin:     seed("admin@example.org", auth.RoleAdmin),
		collector: seed("collector@example.org", auth.RoleCollector),
		resident:  seed("resident@example.org", auth.RoleResident),
	}
	tasks.PutReport(task.Report{ID: "rep-1", OwnerID: c.resident.ID})
	return c
}

func (c *apiClient) do(method, path, token string, body any) (*http.Response, map[string]any) {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (c *apiClient) login(email string) (access, refresh string) {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(c.t, http.StatusOK, resp.StatusCode, body)
	return body["accessToken"].(string), body["refreshToken"].(string)
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)
	resp, body := c.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = c.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])
}

func TestLoginRefreshLogout(t *testing.T) {
	c := newTestAPI(t)

	resp, body := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "resident@example.org", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "authentication_error", body["code"])

	access, refresh := c.login("resident@example.org")

	resp, body = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := body["refreshToken"].(string)
	require.NotEqual(t, refresh, rotated)

	resp, _ = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "consumed refresh token must not rotate twice")

	resp, _ = c.do(http.MethodPost, "/v1/auth/logout", access, map[string]string{"refreshToken": rotated})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refreshToken": rotated})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c.login("resident@example.org")
	c.login("resident@example.org")
	resp, body = c.do(http.MethodPost, "/v1/auth/logout-all", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["revoked"])
}

func TestProtectedRoutesNeedBearer(t *testing.T) {
	c := newTestAPI(t)
	resp, body := c.do(http.MethodGet, "/v1/notifications", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	require.Equal(t, "missing bearer token", body["error"])

	resp, body = c.do(http.MethodGet, "/v1/notifications", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "invalid token", body["error"])
}

func TestHistoryAppliesRoomPolicy(t *testing.T) {
	c := newTestAPI(t)
	access, _ := c.login("resident@example.org")

	resp, _ := c.do(http.MethodGet, "/v1/rooms/history?room=role:admin", access, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = c.do(http.MethodGet, "/v1/rooms/history?room=lobby", access, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := c.do(http.MethodGet, "/v1/rooms/history?room=user:"+c.resident.ID, access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body["messages"])

	resp, _ = c.do(http.MethodGet, "/v1/rooms/history?room=user:"+c.resident.ID+"&page=abc", access, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	adminTok, _ := c.login("admin@example.org")
	collectorTok, _ := c.login("collector@example.org")
	residentTok, _ := c.login("resident@example.org")

	assign := map[string]any{
		"reportId":          "rep-1",
		"collectorId":       c.collector.ID,
		"scheduledDate":     time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		"estimatedDuration": 30,
	}
	resp, _ := c.do(http.MethodPost, "/v1/tasks", residentTok, assign)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := c.do(http.MethodPost, "/v1/tasks", adminTok, assign)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["id"].(string)
	require.Equal(t, "scheduled", body["status"])

	resp, _ = c.do(http.MethodPost, "/v1/tasks/"+id+"/complete", collectorTok, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = c.do(http.MethodPost, "/v1/tasks/"+id+"/start", collectorTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "in_progress", body["status"])

	resp, body = c.do(http.MethodPost, "/v1/tasks/"+id+"/complete", collectorTok, map[string]any{"completionNotes": "done"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", body["status"])

	resp, _ = c.do(http.MethodPost, "/v1/tasks/"+id+"/cancel", adminTok, map[string]any{"reason": "late"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = c.do(http.MethodGet, "/v1/tasks/"+id, residentTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "done", body["completionNotes"])

	resp, _ = c.do(http.MethodGet, "/v1/tasks/missing", adminTok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = c.do(http.MethodGet, "/v1/notifications/unread-count", residentTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["count"], "assignment and completion")
}

func TestNotificationsOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	adminTok, _ := c.login("admin@example.org")
	residentTok, _ := c.login("resident@example.org")

	resp, body := c.do(http.MethodPost, "/v1/notifications/bulk", adminTok, map[string]any{
		"userIds":  []string{c.resident.ID, c.collector.ID, c.resident.ID},
		"type":     "system",
		"title":    "Holiday schedule",
		"message":  "No pickups on Monday",
		"priority": "high",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, float64(2), body["requested"])
	require.Equal(t, float64(2), body["created"])

	resp, _ = c.do(http.MethodPost, "/v1/notifications/bulk", residentTok, map[string]any{"userIds": []string{c.resident.ID}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = c.do(http.MethodPost, "/v1/notifications/bulk", adminTok, map[string]any{
		"userIds": []string{c.resident.ID}, "type": "system", "title": "t", "message": "m", "priority": "loud",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

	resp, body = c.do(http.MethodPost, "/v1/notifications/bulk", adminTok, map[string]any{
		"userIds": []string{c.resident.ID}, "type": "system", "title": "t", "message": "m",
		"expiresAt": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

	resp, body = c.do(http.MethodGet, "/v1/notifications?unread=true", residentTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["notifications"].([]any)
	require.Len(t, items, 1)
	id := items[0].(map[string]any)["id"].(string)

	resp, _ = c.do(http.MethodPost, "/v1/notifications/"+id+"/read", adminTok, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = c.do(http.MethodPost, "/v1/notifications/"+id+"/read", residentTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["isRead"])

	resp, body = c.do(http.MethodPost, "/v1/notifications/read-all", residentTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(0), body["updated"])
}

func TestUnknownFieldsRejected(t *testing.T) {
	c := newTestAPI(t)
	resp, body := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "a@b.c", "password": "x", "otp": "1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, body["error"])
}
