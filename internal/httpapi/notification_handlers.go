package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"wastelink.org/internal/audit"
	"wastelink.org/internal/notify"
	"wastelink.org/internal/obs"
)

type bulkRequest struct {
	UserIDs   []string       `json:"userIds"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Priority  string         `json:"priority"`
	ExpiresAt *time.Time     `json:"expiresAt"`
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(q.Get("limit"), 0)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, ok := intParam(q.Get("offset"), 0)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "offset must be an integer")
		return
	}
	unread, _ := strconv.ParseBool(strings.TrimSpace(q.Get("unread")))
	items, err := a.deps.Notifications.List(r.Context(), principal(r).ID, notify.ListFilter{
		UnreadOnly: unread,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Notifications.UnreadCount(r.Context(), principal(r).ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Notifications.MarkRead(r.Context(), r.PathValue("id"), principal(r).ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Notifications.MarkAllRead(r.Context(), principal(r).ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

// handleBulk answers 200 with per-recipient counts even when some inserts
// failed; only an invalid template or empty recipient list is an error.
func (a *API) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	prio, err := notify.ParsePriority(req.Priority)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	d := notify.Draft{
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Data:     req.Data,
		Priority: prio,
	}
	if req.ExpiresAt != nil {
		d.ExpiresAt = *req.ExpiresAt
	}
	res, err := a.deps.Notifications.BulkSend(r.Context(), req.UserIDs, d)
	if err != nil && res.Requested == 0 {
		writeDomainError(w, r, err)
		return
	}
	if err != nil {
		obs.Warn("bulk notification partially failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"failed":     res.Failed,
			"error":      err.Error(),
		})
	}
	audit.Record(r.Context(), audit.NotificationBulk, map[string]any{
		"requested": res.Requested,
		"created":   res.Created,
		"failed":    res.Failed,
		"type":      d.Type,
	})
	writeJSON(w, http.StatusOK, res)
}
