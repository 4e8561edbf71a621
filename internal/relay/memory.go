package relay

import (
	"context"
	"sort"
	"sync"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	rooms map[string][]Message
}

// NewInMemory creates an empty message store.
func NewInMemory() *InMemory {
	return &InMemory{rooms: make(map[string][]Message)}
}

func (s *InMemory) InsertMessage(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.rooms[m.Room], m)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	s.rooms[m.Room] = list
	return nil
}

func (s *InMemory) RecentMessages(ctx context.Context, room string, offset, limit int) ([]Message, error) {
	if offset < 0 || limit < 0 {
		return nil, ErrPagination
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.rooms[room]
	end := len(list) - offset
	if end <= 0 || limit <= 0 {
		return []Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
