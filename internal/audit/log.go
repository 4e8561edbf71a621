// Package audit records security-relevant actions (sign-in, token rotation,
// task transitions, bulk sends) as JSON lines on the shared logger.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names.
const (
	AuthLogin        = "auth.login"
	AuthLoginFailed  = "auth.login_failed"
	AuthRefresh      = "auth.refresh"
	AuthLogout       = "auth.logout"
	AuthLogoutAll    = "auth.logout_all"
	TaskAssign       = "task.assign"
	TaskStart        = "task.start"
	TaskComplete     = "task.complete"
	TaskCancel       = "task.cancel"
	TaskReassign     = "task.reassign"
	TaskReschedule   = "task.reschedule"
	NotificationBulk = "notification.bulk_send"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request identifier attached by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the
// acting principal found in ctx.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestID(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["principal_id"] = p.ID
		entry["role"] = string(p.Role)
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Record is LogEvent for callers that have nowhere to return the error.
func Record(ctx context.Context, event string, fields map[string]any) {
	if err := LogEvent(ctx, event, fields); err != nil {
		obs.Error("audit log failed", err, map[string]any{"event": event})
	}
}
