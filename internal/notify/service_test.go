package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wastelink.org/internal/apperr"
	"wastelink.org/internal/realtime"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, store Store) (*Service, *realtime.Recorder, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	rec := &realtime.Recorder{}
	svc, err := NewService(store, rec, WithClock(clk.Now))
	require.NoError(t, err)
	return svc, rec, clk
}

func TestCreateDefaultsAndPush(t *testing.T) {
	svc, rec, _ := newService(t, NewInMemory())
	n, err := svc.Create(context.Background(), Draft{
		UserID: "u1", Type: TypeSystem, Title: "Hello", Message: "Welcome",
	})
	require.NoError(t, err)
	require.Equal(t, PriorityMedium, n.Priority)
	require.False(t, n.IsRead)
	require.Equal(t, n.CreatedAt.Add(DefaultTTL), n.ExpiresAt)
	require.NotNil(t, n.Data)

	evts := rec.Named(realtime.NewNotification)
	require.Len(t, evts, 1)
	require.Equal(t, "user:u1", evts[0].Room)
}

func TestCreateValidation(t *testing.T) {
	svc, rec, _ := newService(t, NewInMemory())
	_, err := svc.Create(context.Background(), Draft{UserID: "u1", Type: "x", Title: "t"})
	require.ErrorIs(t, err, ErrInvalidDraft)

	_, err = svc.Create(context.Background(), Draft{UserID: "u1", Type: "x", Title: "t", Message: "m", Priority: "critical"})
	require.ErrorIs(t, err, ErrInvalidPriority)
	require.True(t, errors.Is(err, apperr.ErrValidation))
	require.Empty(t, rec.Events())
}

func TestCreateBoundsExplicitExpiry(t *testing.T) {
	svc, _, clk := newService(t, NewInMemory())
	ctx := context.Background()
	base := Draft{UserID: "u1", Type: TypeSystem, Title: "Hello", Message: "Welcome"}

	past := base
	past.ExpiresAt = clk.Now().Add(-time.Minute)
	_, err := svc.Create(ctx, past)
	require.ErrorIs(t, err, ErrExpiryPast)
	require.ErrorIs(t, err, apperr.ErrValidation)

	far := base
	far.ExpiresAt = clk.Now().Add(365 * 24 * time.Hour)
	n, err := svc.Create(ctx, far)
	require.NoError(t, err)
	require.Equal(t, n.CreatedAt.Add(DefaultTTL), n.ExpiresAt)

	soon := base
	soon.ExpiresAt = clk.Now().Add(time.Hour)
	n, err = svc.Create(ctx, soon)
	require.NoError(t, err)
	require.Equal(t, soon.ExpiresAt, n.ExpiresAt)

	res, err := svc.BulkSend(ctx, []string{"u1", "u2"}, past)
	require.ErrorIs(t, err, ErrExpiryPast)
	require.Zero(t, res.Requested)
}

func TestExpiredNotificationDisappears(t *testing.T) {
	svc, _, clk := newService(t, NewInMemory())
	ctx := context.Background()
	n, err := svc.Create(ctx, Draft{UserID: "u1", Type: TypeSystem, Title: "t", Message: "m"})
	require.NoError(t, err)

	count, err := svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	clk.Advance(DefaultTTL)

	list, err := svc.List(ctx, "u1", ListFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
	count, err = svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, count)
	_, err = svc.MarkRead(ctx, n.ID, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	purged, err := svc.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
}

func TestMarkReadOwnership(t *testing.T) {
	svc, _, _ := newService(t, NewInMemory())
	ctx := context.Background()
	n, err := svc.Create(ctx, Draft{UserID: "owner", Type: TypeSystem, Title: "t", Message: "m"})
	require.NoError(t, err)

	_, err = svc.MarkRead(ctx, n.ID, "intruder")
	require.ErrorIs(t, err, ErrNotOwner)
	require.True(t, errors.Is(err, apperr.ErrAuthorization))

	read, err := svc.MarkRead(ctx, n.ID, "owner")
	require.NoError(t, err)
	require.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	_, err = svc.MarkRead(ctx, "missing", "owner")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkAllReadAndList(t *testing.T) {
	svc, _, _ := newService(t, NewInMemory())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, Draft{UserID: "u1", Type: TypeSystem, Title: "t", Message: "m"})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, Draft{UserID: "u2", Type: TypeSystem, Title: "t", Message: "m"})
	require.NoError(t, err)

	list, err := svc.List(ctx, "u1", ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.True(t, list[0].CreatedAt.After(list[1].CreatedAt))

	n, err := svc.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	unread, err := svc.List(ctx, "u1", ListFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Empty(t, unread)

	count, err := svc.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

type flakyStore struct {
	*InMemory
	fail string
}

func (s *flakyStore) InsertNotification(ctx context.Context, n Notification) error {
	if n.UserID == s.fail {
		return errors.New("insert failed")
	}
	return s.InMemory.InsertNotification(ctx, n)
}

func TestBulkSendIsolatesFailures(t *testing.T) {
	store := &flakyStore{InMemory: NewInMemory(), fail: "u2"}
	svc, rec, _ := newService(t, store)
	ctx := context.Background()

	res, err := svc.BulkSend(ctx, []string{"u1", "u2", "u3", "u1", " "}, Draft{
		Type: TypeSystem, Title: "Holiday", Message: "No pickups on Monday", Priority: PriorityHigh,
	})
	require.Error(t, err)
	require.Equal(t, BulkResult{Requested: 3, Created: 2, Failed: 1}, res)
	require.Len(t, rec.Named(realtime.NewNotification), 2)

	for _, owner := range []string{"u1", "u3"} {
		list, err := svc.List(ctx, owner, ListFilter{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, PriorityHigh, list[0].Priority)
	}
}

func TestBulkSendValidatesTemplate(t *testing.T) {
	svc, _, _ := newService(t, NewInMemory())
	_, err := svc.BulkSend(context.Background(), []string{"u1"}, Draft{Type: "x", Title: "t"})
	require.ErrorIs(t, err, ErrInvalidDraft)
	_, err = svc.BulkSend(context.Background(), nil, Draft{Type: "x", Title: "t", Message: "m"})
	require.ErrorIs(t, err, ErrInvalidDraft)
}

func TestQueueDeliversInBackground(t *testing.T) {
	svc, _, _ := newService(t, NewInMemory())
	q := NewQueue(svc, 4, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	q.Enqueue(
		Draft{UserID: "u1", Type: TypeSystem, Title: "a", Message: "m"},
		Draft{UserID: "u1", Type: TypeSystem, Title: "b", Message: "m"},
	)
	require.Eventually(t, func() bool {
		n, _ := svc.UnreadCount(context.Background(), "u1")
		return n == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestQueueDropsWhenFull(t *testing.T) {
	svc, _, _ := newService(t, NewInMemory())
	q := NewQueue(svc, 1, 1)
	q.Enqueue(
		Draft{UserID: "u1", Type: TypeSystem, Title: "a", Message: "m"},
		Draft{UserID: "u1", Type: TypeSystem, Title: "b", Message: "m"},
	)
	require.Len(t, q.ch, 1)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	require.Equal(t, PriorityMedium, p)
	p, err = ParsePriority(" URGENT ")
	require.NoError(t, err)
	require.Equal(t, PriorityUrgent, p)
	_, err = ParsePriority("meh")
	require.ErrorIs(t, err, ErrInvalidPriority)
}
