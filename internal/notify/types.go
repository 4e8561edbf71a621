package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wastelink.org/internal/apperr"
)

// DefaultTTL is how long a notification stays readable after creation.
const DefaultTTL = 30 * 24 * time.Hour

// Priority orders notifications for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority accepts the four known priorities; empty means medium.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// Notification types emitted by this service.
const (
	TypeTaskAssigned    = "task_assigned"
	TypeTaskCompleted   = "task_completed"
	TypeTaskCancelled   = "task_cancelled"
	TypeTaskReassigned  = "task_reassigned"
	TypeTaskRescheduled = "task_rescheduled"
	TypeSystem          = "system"
)

var (
	ErrNotFound        = fmt.Errorf("%w: notification", apperr.ErrNotFound)
	ErrNotOwner        = fmt.Errorf("%w: notification belongs to another user", apperr.ErrAuthorization)
	ErrInvalidPriority = fmt.Errorf("%w: invalid priority", apperr.ErrValidation)
	ErrInvalidDraft    = fmt.Errorf("%w: notification requires owner, type, title and message", apperr.ErrValidation)
	ErrExpiryPast      = fmt.Errorf("%w: expiresAt must be in the future", apperr.ErrValidation)
)

// Notification is an append-only record; only the read state changes.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	IsRead    bool           `json:"isRead"`
	ReadAt    *time.Time     `json:"readAt,omitempty"`
	Data      map[string]any `json:"data"`
	Priority  Priority       `json:"priority"`
	ExpiresAt time.Time      `json:"expiresAt"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Draft is the input of Create. Zero ExpiresAt means now + TTL; a later
// expiry is clamped to now + TTL.
type Draft struct {
	UserID    string
	Type      string
	Title     string
	Message   string
	Data      map[string]any
	Priority  Priority
	ExpiresAt time.Time
}

// ListFilter narrows List results.
type ListFilter struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Store persists notifications. Every read ignores rows whose expiry is not
// after now.
type Store interface {
	InsertNotification(ctx context.Context, n Notification) error
	// MarkNotificationRead returns ErrNotFound when id is absent or expired
	// and ErrNotOwner when it belongs to someone other than owner.
	MarkNotificationRead(ctx context.Context, id, owner string, now time.Time) (Notification, error)
	MarkAllNotificationsRead(ctx context.Context, owner string, now time.Time) (int, error)
	UnreadNotificationCount(ctx context.Context, owner string, now time.Time) (int, error)
	ListNotifications(ctx context.Context, owner string, f ListFilter, now time.Time) ([]Notification, error)
	PurgeExpiredNotifications(ctx context.Context, now time.Time) (int, error)
}
