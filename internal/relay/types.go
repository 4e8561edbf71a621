package relay

import (
	"context"
	"fmt"
	"time"

	"wastelink.org/internal/apperr"
)

// Kind distinguishes user chat from server-authored messages.
type Kind string

const (
	KindText   Kind = "text"
	KindSystem Kind = "system"
)

const (
	MaxHistoryLimit = 200
	MaxBodyLength   = 4000
)

var (
	ErrEmptyBody   = fmt.Errorf("%w: message body is required", apperr.ErrValidation)
	ErrBodyTooLong = fmt.Errorf("%w: message body exceeds %d characters", apperr.ErrValidation, MaxBodyLength)
	ErrKind        = fmt.Errorf("%w: message type must be text", apperr.ErrValidation)
	ErrPagination  = fmt.Errorf("%w: page must be >= 1 and limit within [1,%d]", apperr.ErrValidation, MaxHistoryLimit)
)

// Message is an immutable chat or system record. SenderID is empty for
// system messages.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	SenderID  string    `json:"sender,omitempty"`
	Body      string    `json:"message"`
	Kind      Kind      `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists messages.
type Store interface {
	InsertMessage(ctx context.Context, m Message) error
	// RecentMessages returns up to limit messages of room, newest first,
	// skipping the offset most recent ones.
	RecentMessages(ctx context.Context, room string, offset, limit int) ([]Message, error)
}
