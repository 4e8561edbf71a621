package notify

import (
	"context"
	"sync"
	"time"

	"wastelink.org/internal/obs"
)

const createTimeout = 5 * time.Second

// Queue hands drafts to background workers so callers never wait on
// notification inserts. A full queue drops the draft.
type Queue struct {
	svc     *Service
	ch      chan Draft
	workers int
}

// NewQueue creates a queue with the given buffer size and worker count.
func NewQueue(svc *Service, size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	return &Queue{svc: svc, ch: make(chan Draft, size), workers: workers}
}

// Enqueue never blocks.
func (q *Queue) Enqueue(drafts ...Draft) {
	for _, d := range drafts {
		select {
		case q.ch <- d:
		default:
			obs.NotificationResult("dropped")
			obs.Warn("notification queue full", map[string]any{"user_id": d.UserID, "type": d.Type})
		}
	}
}

// Run processes drafts until ctx is done, then drains what is already
// buffered and returns.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					q.drain(ctx)
					return
				case d := <-q.ch:
					q.create(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case d := <-q.ch:
			q.create(ctx, d)
		default:
			return
		}
	}
}

func (q *Queue) create(ctx context.Context, d Draft) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
	defer cancel()
	if _, err := q.svc.Create(cctx, d); err != nil {
		obs.Error("notification create failed", err, map[string]any{"user_id": d.UserID, "type": d.Type})
	}
}

// Janitor purges expired notifications every interval until ctx is done.
func (s *Service) Janitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				obs.Error("notification purge failed", err, nil)
				continue
			}
			if n > 0 {
				obs.Info("notifications purged", map[string]any{"count": n})
			}
		}
	}
}
