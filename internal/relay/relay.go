// Package relay persists room messages, broadcasts them to joined members,
// serves paginated history and forwards ephemeral typing signals.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/ids"
	"wastelink.org/internal/realtime"
	"wastelink.org/internal/room"
)

// Relay is safe for concurrent use.
type Relay struct {
	store Store
	bc    realtime.Broadcaster
	now   func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithClock overrides the server clock used for message timestamps.
func WithClock(fn func() time.Time) Option {
	return func(r *Relay) {
		if fn != nil {
			r.now = fn
		}
	}
}

// New wires a Relay to its store and broadcaster.
func New(store Store, bc realtime.Broadcaster, opts ...Option) (*Relay, error) {
	if store == nil {
		return nil, errors.New("relay: store is required")
	}
	if bc == nil {
		bc = realtime.Nop{}
	}
	r := &Relay{store: store, bc: bc, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Send persists a chat message from sender and broadcasts it as new_message
// to every member of the room except the sending connection. The caller is
// responsible for acknowledging the sender with the returned record.
func (r *Relay) Send(ctx context.Context, sender auth.Principal, roomName, body string, kind Kind, senderConn string) (Message, error) {
	if kind == "" {
		kind = KindText
	}
	if kind != KindText {
		return Message{}, ErrKind
	}
	if _, err := room.Authorize(sender, roomName); err != nil {
		return Message{}, err
	}
	msg, err := r.persist(ctx, roomName, sender.ID, body, kind)
	if err != nil {
		return Message{}, err
	}
	r.bc.EmitExcept(roomName, realtime.NewMessage, msg, senderConn)
	return msg, nil
}

// System persists a server-authored message and broadcasts it to every
// member of the room.
func (r *Relay) System(ctx context.Context, roomName, body string) (Message, error) {
	if !room.Parse(roomName).Valid() {
		return Message{}, room.ErrInvalidRoom
	}
	msg, err := r.persist(ctx, roomName, "", body, KindSystem)
	if err != nil {
		return Message{}, err
	}
	r.bc.Emit(roomName, realtime.NewMessage, msg)
	return msg, nil
}

// History returns the page-th window of the limit most recent messages of a
// room, in ascending creation order. The room policy is applied first.
func (r *Relay) History(ctx context.Context, viewer auth.Principal, roomName string, page, limit int) ([]Message, error) {
	if _, err := room.Authorize(viewer, roomName); err != nil {
		return nil, err
	}
	if page < 1 || limit < 1 || limit > MaxHistoryLimit {
		return nil, ErrPagination
	}
	// page-1 windows of limit must fit in an int offset.
	if page-1 > (math.MaxInt-limit)/limit {
		return nil, ErrPagination
	}
	msgs, err := r.store.RecentMessages(ctx, roomName, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// TypingSignal is the payload of user_typing and user_stopped_typing.
type TypingSignal struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// Typing forwards a typing signal to the members joined right now, skipping
// the originating connection. Nothing is stored.
func (r *Relay) Typing(p auth.Principal, roomName, connID string, typing bool) {
	event := realtime.UserStoppedTyping
	if typing {
		event = realtime.UserTyping
	}
	r.bc.EmitExcept(roomName, event, TypingSignal{Room: roomName, UserID: p.ID, Name: p.Name}, connID)
}

func (r *Relay) persist(ctx context.Context, roomName, senderID, body string, kind Kind) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return Message{}, ErrBodyTooLong
	}
	now := r.now().UTC()
	msg := Message{
		ID:        ids.NewAt(now),
		Room:      roomName,
		SenderID:  senderID,
		Body:      body,
		Kind:      kind,
		CreatedAt: now,
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("persist message: %w", err)
	}
	return msg, nil
}
