package introspect

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"postpilot/internal/content"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func ts(d time.Duration) *time.Time {
	v := now.Add(d)
	return &v
}

func TestCompute(t *testing.T) {
	t.Parallel()

	items := []content.Item{
		{ID: "p1", Status: content.StatusApproved},
		{ID: "p2", Status: content.StatusApproved},
		{ID: "over", Status: content.StatusScheduled, ScheduledTime: ts(-time.Hour)},
		{ID: "soon", Status: content.StatusScheduled, ScheduledTime: ts(2 * time.Hour), RetryCount: 1},
		{ID: "far", Status: content.StatusScheduled, ScheduledTime: ts(48 * time.Hour)},
		{ID: "broken", Status: content.StatusScheduled},
		{ID: "wait", Status: content.StatusRetryWait, RetryCount: 2},
		{ID: "dead", Status: content.StatusError, RetryCount: 3},
		{ID: "done", Status: content.StatusPosted},
	}
	s := Compute("u1", items, now)

	if s.TotalPending != 2 || s.TotalScheduled != 4 {
		t.Fatalf("pending=%d scheduled=%d", s.TotalPending, s.TotalScheduled)
	}
	if s.NextPublishTime == nil || !s.NextPublishTime.Equal(now.Add(-time.Hour)) {
		t.Fatalf("next = %v", s.NextPublishTime)
	}
	if s.OverdueCount != 1 || s.Upcoming24h != 1 {
		t.Fatalf("overdue=%d upcoming=%d", s.OverdueCount, s.Upcoming24h)
	}
	if s.RetryQueueSize != 2 {
		t.Fatalf("retry queue = %d, want 2", s.RetryQueueSize)
	}
	if s.QueueByStatus["scheduled"] != 4 || s.QueueByStatus["error"] != 1 {
		t.Fatalf("by status = %v", s.QueueByStatus)
	}
}

func TestComputeEmpty(t *testing.T) {
	t.Parallel()

	s := Compute("", nil, now)
	if s.NextPublishTime != nil || s.TotalScheduled != 0 || s.QueueByStatus == nil {
		t.Fatalf("empty snapshot = %+v", s)
	}
}

func seed(t *testing.T) storage.Store {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	for _, it := range []content.Item{
		{ID: "a", UserID: "u1", Status: content.StatusScheduled, ScheduledTime: ts(time.Hour)},
		{ID: "b", UserID: "u1", Status: content.StatusApproved},
		{ID: "c", UserID: "u2", Status: content.StatusScheduled, ScheduledTime: ts(-time.Minute)},
		{ID: "d", UserID: "u1", Status: content.StatusPosted, PostedAt: ts(-time.Hour), PostedExternalID: "x", Platform: "telegram", RetryCount: 1},
		{ID: "e", UserID: "u1", Status: content.StatusError, Platform: "telegram", RetryCount: 3, LastError: "boom"},
		{ID: "f", UserID: "u1", Status: content.StatusPosted, PostedAt: ts(-2 * time.Hour), PostedExternalID: "y"},
	} {
		if _, err := st.Create(ctx, it); err != nil {
			t.Fatalf("create %s: %v", it.ID, err)
		}
	}
	return st
}

func TestQueuePerUserAndGlobal(t *testing.T) {
	t.Parallel()

	in := New(seed(t), logx.Nop(), Options{Now: func() time.Time { return now }})
	s, err := in.Queue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if s.TotalScheduled != 1 || s.TotalPending != 1 || s.OverdueCount != 0 {
		t.Fatalf("u1 snapshot = %+v", s)
	}
	all, err := in.Queue(context.Background(), "")
	if err != nil {
		t.Fatalf("Queue all: %v", err)
	}
	if all.TotalScheduled != 2 || all.OverdueCount != 1 {
		t.Fatalf("global snapshot = %+v", all)
	}
}

func TestQueueUsesCacheWithinTTL(t *testing.T) {
	t.Parallel()

	st := seed(t)
	cache := NewMemoryCache()
	in := New(st, logx.Nop(), Options{Cache: cache, TTL: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	first, err := in.Queue(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Create(ctx, content.Item{ID: "g", UserID: "u1", Status: content.StatusApproved}); err != nil {
		t.Fatal(err)
	}
	second, err := in.Queue(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if second.TotalPending != first.TotalPending {
		t.Fatalf("cache bypassed: %d vs %d", second.TotalPending, first.TotalPending)
	}

	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	third, err := in.Queue(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if third.TotalPending != first.TotalPending+1 {
		t.Fatalf("expired entry served: %d", third.TotalPending)
	}
}

func TestRedisCache(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCache(client, "test:")
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("miss = %v %v", ok, err)
	}
	want := Compute("u1", []content.Item{{ID: "a", Status: content.StatusScheduled, ScheduledTime: ts(time.Hour)}}, now)
	if err := c.Set(ctx, "k", want, 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := mr.TTL("test:k"); ttl != 10*time.Second {
		t.Fatalf("ttl = %v", ttl)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("hit = %v %v", ok, err)
	}
	if got.TotalScheduled != 1 || !got.NextPublishTime.Equal(*want.NextPublishTime) {
		t.Fatalf("got %+v", got)
	}

	mr.FastForward(11 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("entry must expire")
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	in := New(seed(t), logx.Nop(), Options{Now: func() time.Time { return now }})
	items, err := in.History(context.Background(), "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("history len = %d", len(items))
	}
	for _, it := range items {
		if it.Status != content.StatusPosted && it.Status != content.StatusError {
			t.Fatalf("unexpected status %s", it.Status)
		}
	}
	limited, err := in.History(context.Background(), "u1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited = %d %v", len(limited), err)
	}
}

func TestAnalytics(t *testing.T) {
	t.Parallel()

	in := New(seed(t), logx.Nop(), Options{Now: func() time.Time { return time.Now() }})
	a, err := in.Analytics(context.Background(), "u1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalPosted != 2 || a.TotalFailed != 1 {
		t.Fatalf("totals = %d/%d", a.TotalPosted, a.TotalFailed)
	}
	if a.SuccessRate != 66.67 {
		t.Fatalf("success rate = %v", a.SuccessRate)
	}
	if a.AverageRetries != 1.33 {
		t.Fatalf("average retries = %v", a.AverageRetries)
	}
	tg := a.ByPlatform["telegram"]
	if tg.Posted != 1 || tg.Failed != 1 || a.ByPlatform[content.DefaultPlatform].Posted != 1 {
		t.Fatalf("by platform = %v", a.ByPlatform)
	}
}
