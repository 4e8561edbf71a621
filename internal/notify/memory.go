package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	items map[string]*Notification
}

// NewInMemory creates an empty notification store.
func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string]*Notification)}
}

func (s *InMemory) InsertNotification(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := n
	s.items[n.ID] = &cp
	return nil
}

func (s *InMemory) MarkNotificationRead(ctx context.Context, id, owner string, now time.Time) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok || !now.Before(n.ExpiresAt) {
		return Notification{}, ErrNotFound
	}
	if n.UserID != owner {
		return Notification{}, ErrNotOwner
	}
	if !n.IsRead {
		at := now
		n.IsRead = true
		n.ReadAt = &at
	}
	return *n, nil
}

func (s *InMemory) MarkAllNotificationsRead(ctx context.Context, owner string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.items {
		if n.UserID != owner || n.IsRead || !now.Before(n.ExpiresAt) {
			continue
		}
		at := now
		n.IsRead = true
		n.ReadAt = &at
		count++
	}
	return count, nil
}

func (s *InMemory) UnreadNotificationCount(ctx context.Context, owner string, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.items {
		if n.UserID == owner && !n.IsRead && now.Before(n.ExpiresAt) {
			count++
		}
	}
	return count, nil
}

func (s *InMemory) ListNotifications(ctx context.Context, owner string, f ListFilter, now time.Time) ([]Notification, error) {
	s.mu.RLock()
	var out []Notification
	for _, n := range s.items {
		if n.UserID != owner || !now.Before(n.ExpiresAt) {
			continue
		}
		if f.UnreadOnly && n.IsRead {
			continue
		}
		out = append(out, *n)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return []Notification{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemory) PurgeExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, n := range s.items {
		if !now.Before(n.ExpiresAt) {
			delete(s.items, id)
			count++
		}
	}
	return count, nil
}
