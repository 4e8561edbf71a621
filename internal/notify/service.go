// Package notify creates notification records, tracks their read state,
// expires them and pushes each new one to its owner's realtime room.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"wastelink.org/internal/ids"
	"wastelink.org/internal/obs"
	"wastelink.org/internal/realtime"
	"wastelink.org/internal/room"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	bulkParallelism  = 8
)

// Service is safe for concurrent use.
type Service struct {
	store Store
	bc    realtime.Broadcaster
	now   func() time.Time
	ttl   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService wires the fan-out to its store and broadcaster.
func NewService(store Store, bc realtime.Broadcaster, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("notify: store is required")
	}
	if bc == nil {
		bc = realtime.Nop{}
	}
	s := &Service{store: store, bc: bc, now: time.Now, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create appends one notification and pushes it as new_notification.
func (s *Service) Create(ctx context.Context, d Draft) (Notification, error) {
	n, err := s.build(d)
	if err != nil {
		obs.NotificationResult("invalid")
		return Notification{}, err
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		obs.NotificationResult("failed")
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	obs.NotificationResult("created")
	s.bc.Emit(room.UserRoom(n.UserID), realtime.NewNotification, n)
	return n, nil
}

// MarkRead marks one notification read on behalf of requester.
func (s *Service) MarkRead(ctx context.Context, id, requester string) (Notification, error) {
	return s.store.MarkNotificationRead(ctx, id, requester, s.now().UTC())
}

// MarkAllRead marks every unread notification of owner and returns how many
// changed.
func (s *Service) MarkAllRead(ctx context.Context, owner string) (int, error) {
	return s.store.MarkAllNotificationsRead(ctx, owner, s.now().UTC())
}

// UnreadCount counts unexpired unread notifications of owner.
func (s *Service) UnreadCount(ctx context.Context, owner string) (int, error) {
	return s.store.UnreadNotificationCount(ctx, owner, s.now().UTC())
}

// List returns owner's unexpired notifications, newest first.
func (s *Service) List(ctx context.Context, owner string, f ListFilter) ([]Notification, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListNotifications(ctx, owner, f, s.now().UTC())
}

// BulkResult summarises a BulkSend.
type BulkResult struct {
	Requested int `json:"requested"`
	Created   int `json:"created"`
	Failed    int `json:"failed"`
}

// BulkSend creates one independent notification per owner from template.
// A failed insert does not stop the others; the joined errors are returned
// alongside the counts.
func (s *Service) BulkSend(ctx context.Context, owners []string, template Draft) (BulkResult, error) {
	template.UserID = "bulk"
	if _, err := s.build(template); err != nil {
		return BulkResult{}, err
	}
	owners = dedupe(owners)
	res := BulkResult{Requested: len(owners)}
	if len(owners) == 0 {
		return res, fmt.Errorf("%w: at least one recipient is required", ErrInvalidDraft)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkParallelism)
	for _, owner := range owners {
		d := template
		d.UserID = owner
		g.Go(func() error {
			_, err := s.Create(gctx, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("%s: %w", d.UserID, err))
				return nil
			}
			res.Created++
			return nil
		})
	}
	_ = g.Wait()
	return res, errors.Join(errs...)
}

// Purge removes expired notifications.
func (s *Service) Purge(ctx context.Context) (int, error) {
	return s.store.PurgeExpiredNotifications(ctx, s.now().UTC())
}

func (s *Service) build(d Draft) (Notification, error) {
	d.UserID = strings.TrimSpace(d.UserID)
	d.Type = strings.TrimSpace(d.Type)
	d.Title = strings.TrimSpace(d.Title)
	d.Message = strings.TrimSpace(d.Message)
	if d.UserID == "" || d.Type == "" || d.Title == "" || d.Message == "" {
		return Notification{}, ErrInvalidDraft
	}
	prio, err := ParsePriority(string(d.Priority))
	if err != nil {
		return Notification{}, err
	}
	now := s.now().UTC()
	// An explicit expiry may shorten the retention window, never extend it.
	exp := now.Add(s.ttl)
	if !d.ExpiresAt.IsZero() {
		if !d.ExpiresAt.After(now) {
			return Notification{}, ErrExpiryPast
		}
		if d.ExpiresAt.Before(exp) {
			exp = d.ExpiresAt
		}
	}
	data := make(map[string]any, len(d.Data))
	for k, v := range d.Data {
		data[k] = v
	}
	return Notification{
		ID:        ids.NewAt(now),
		UserID:    d.UserID,
		Type:      d.Type,
		Title:     d.Title,
		Message:   d.Message,
		Data:      data,
		Priority:  prio,
		ExpiresAt: exp.UTC(),
		CreatedAt: now,
	}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
