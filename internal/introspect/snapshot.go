// Package introspect reports queue state, history and analytics. It only reads.
package introspect

import (
	"context"
	"fmt"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/metrics"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Snapshot is a point-in-time view of one user's queue, or of every user's
// when UserID is empty.
type Snapshot struct {
	UserID          string         `json:"user_id,omitempty"`
	TotalPending    int            `json:"total_pending"`
	TotalScheduled  int            `json:"total_scheduled"`
	NextPublishTime *time.Time     `json:"next_publish_time"`
	OverdueCount    int            `json:"overdue_count"`
	RetryQueueSize  int            `json:"retry_queue_size"`
	Upcoming24h     int            `json:"upcoming_24h"`
	QueueByStatus   map[string]int `json:"queue_by_status"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// Compute aggregates items as of now.
func Compute(userID string, items []content.Item, now time.Time) Snapshot {
	now = now.UTC()
	s := Snapshot{UserID: userID, QueueByStatus: map[string]int{}, GeneratedAt: now}
	horizon := now.Add(24 * time.Hour)
	for _, it := range items {
		s.QueueByStatus[string(it.Status)]++
		if it.RetryCount > 0 && !it.Status.Terminal() {
			s.RetryQueueSize++
		}
		switch it.Status {
		case content.StatusApproved:
			s.TotalPending++
		case content.StatusScheduled:
			s.TotalScheduled++
			if it.ScheduledTime == nil {
				continue
			}
			at := it.ScheduledTime.UTC()
			if s.NextPublishTime == nil || at.Before(*s.NextPublishTime) {
				s.NextPublishTime = &at
			}
			if !at.After(now) {
				s.OverdueCount++
			} else if !at.After(horizon) {
				s.Upcoming24h++
			}
		}
	}
	return s
}

// Lister is the store subset introspection reads.
type Lister interface {
	ListItems(ctx context.Context, f storage.Filter) ([]content.Item, error)
}

type Options struct {
	// Cache, when set, holds snapshots for TTL. Dispatch never reads it.
	Cache Cache
	TTL   time.Duration
	Now   func() time.Time
}

type Introspector struct {
	store Lister
	cache Cache
	ttl   time.Duration
	now   func() time.Time
	log   logx.Logger
}

func New(store Lister, log logx.Logger, opt Options) *Introspector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.TTL <= 0 {
		opt.TTL = 5 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Introspector{store: store, cache: opt.Cache, ttl: opt.TTL, now: opt.Now, log: log.With(logx.Comp("introspect"))}
}

func cacheKey(userID string) string {
	if userID == "" {
		return "postpilot:queue:_all"
	}
	return "postpilot:queue:" + userID
}

// Queue returns the snapshot for userID; empty means all users.
func (in *Introspector) Queue(ctx context.Context, userID string) (Snapshot, error) {
	key := cacheKey(userID)
	if in.cache != nil {
		s, ok, err := in.cache.Get(ctx, key)
		if err != nil {
			in.log.Warn("snapshot cache read failed", logx.String("key", key), logx.Err(err))
		} else if ok {
			return s, nil
		}
	}

	items, err := in.store.ListItems(ctx, storage.Filter{UserID: userID})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list items: %w", err)
	}
	s := Compute(userID, items, in.now())
	if userID == "" {
		metrics.SetQueue(s.QueueByStatus, s.OverdueCount)
	}
	if in.cache != nil {
		if err := in.cache.Set(ctx, key, s, in.ttl); err != nil {
			in.log.Warn("snapshot cache write failed", logx.String("key", key), logx.Err(err))
		}
	}
	return s, nil
}
