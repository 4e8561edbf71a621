// Package httpapi is the request-response surface: session endpoints, room
// history, task lifecycle and notifications, plus health and metrics. The
// realtime gateway is mounted at /ws behind the same middleware chain.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/notify"
	"wastelink.org/internal/obs"
	"wastelink.org/internal/relay"
	"wastelink.org/internal/task"
)

const serviceName = "wastelink-api"

// ReadyProbe checks that the database answers. A nil DB means the process
// runs on in-memory stores and is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Sessions is the credential and session manager.
type Sessions interface {
	TokenVerifier
	Login(ctx context.Context, email, password string) (auth.TokenPair, auth.Principal, error)
	Rotate(ctx context.Context, refreshToken string) (auth.TokenPair, auth.Principal, error)
	Revoke(ctx context.Context, principalID, refreshToken string) error
	RevokeAll(ctx context.Context, principalID string) (int, error)
}

// History reads persisted room messages.
type History interface {
	History(ctx context.Context, viewer auth.Principal, roomName string, page, limit int) ([]relay.Message, error)
}

// Tasks is the task lifecycle coordinator.
type Tasks interface {
	Assign(ctx context.Context, actor auth.Principal, in task.AssignInput) (task.Task, error)
	Get(ctx context.Context, actor auth.Principal, taskID string) (task.Task, error)
	Start(ctx context.Context, actor auth.Principal, taskID string) (task.Task, error)
	Complete(ctx context.Context, actor auth.Principal, taskID string, in task.CompleteInput) (task.Task, error)
	Cancel(ctx context.Context, actor auth.Principal, taskID, reason string) (task.Task, error)
	Reassign(ctx context.Context, actor auth.Principal, taskID string, in task.ReassignInput) (task.Task, error)
	Reschedule(ctx context.Context, actor auth.Principal, taskID string, in task.RescheduleInput) (task.Task, error)
}

// Notifications is the notification fan-out service.
type Notifications interface {
	List(ctx context.Context, owner string, f notify.ListFilter) ([]notify.Notification, error)
	UnreadCount(ctx context.Context, owner string) (int, error)
	MarkRead(ctx context.Context, id, requester string) (notify.Notification, error)
	MarkAllRead(ctx context.Context, owner string) (int, error)
	BulkSend(ctx context.Context, owners []string, template notify.Draft) (notify.BulkResult, error)
}

// Deps are the components the API serves.
type Deps struct {
	Sessions      Sessions
	History       History
	Tasks         Tasks
	Notifications Notifications
	// Realtime handles /ws. It authenticates on its own.
	Realtime http.Handler
	Ready    ReadyProbe
}

// Options tune the middleware chain. Zero values take defaults.
type Options struct {
	Version      string
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   float64
	Origins      []string
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	a := &API{mux: http.NewServeMux(), deps: deps, opts: opts}
	a.routes()
	return a
}

func (a *API) routes() {
	authn := Authenticate(a.deps.Sessions)
	admin := func(h http.HandlerFunc) http.Handler { return authn(RequireRole(auth.RoleAdmin)(h)) }
	user := func(h http.HandlerFunc) http.Handler { return authn(h) }

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.Handle("POST /v1/auth/logout", user(a.handleLogout))
	a.mux.Handle("POST /v1/auth/logout-all", user(a.handleLogoutAll))

	a.mux.Handle("GET /v1/rooms/history", user(a.handleHistory))

	a.mux.Handle("POST /v1/tasks", admin(a.handleAssign))
	a.mux.Handle("GET /v1/tasks/{id}", user(a.handleGetTask))
	a.mux.Handle("POST /v1/tasks/{id}/start", user(a.handleStart))
	a.mux.Handle("POST /v1/tasks/{id}/complete", user(a.handleComplete))
	a.mux.Handle("POST /v1/tasks/{id}/cancel", user(a.handleCancel))
	a.mux.Handle("POST /v1/tasks/{id}/reassign", user(a.handleReassign))
	a.mux.Handle("POST /v1/tasks/{id}/reschedule", user(a.handleReschedule))

	a.mux.Handle("GET /v1/notifications", user(a.handleListNotifications))
	a.mux.Handle("GET /v1/notifications/unread-count", user(a.handleUnreadCount))
	a.mux.Handle("POST /v1/notifications/{id}/read", user(a.handleMarkRead))
	a.mux.Handle("POST /v1/notifications/read-all", user(a.handleMarkAllRead))
	a.mux.Handle("POST /v1/notifications/bulk", admin(a.handleBulk))

	if a.deps.Realtime != nil {
		a.mux.Handle("GET /ws", a.deps.Realtime)
	}
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = CORS(a.opts.Origins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
