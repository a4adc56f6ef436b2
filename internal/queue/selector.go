// Package queue selects due content for dispatch.
package queue

import (
	"context"
	"fmt"
	"time"

	"postpilot/internal/content"
	logx "postpilot/pkg/logx"
)

// DefaultLimit is the batch size when the caller passes none.
const DefaultLimit = 50

// Source is the store subset the selector reads.
type Source interface {
	GetDueItems(ctx context.Context, now time.Time, limit int) ([]content.Item, error)
}

// Selector yields the bounded, ordered set of items ready for dispatch.
// It only reads.
type Selector struct {
	src Source
	log logx.Logger
}

func NewSelector(src Source, log logx.Logger) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{src: src, log: log.With(logx.Comp("queue"))}
}

// Due returns scheduled items with scheduled_time <= now, priority desc then
// time asc. Items with an undecodable scheduled_time are logged and left in
// place for a later pass.
func (s *Selector) Due(ctx context.Context, now time.Time, limit int) ([]content.Item, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	now = now.UTC()
	raw, err := s.src.GetDueItems(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due items: %w", err)
	}
	out := make([]content.Item, 0, len(raw))
	for _, it := range raw {
		if it.ScheduleErr != nil || it.ScheduledTime == nil {
			s.log.Warn("due item skipped: malformed scheduled_time",
				logx.Item(it.ID), logx.User(it.UserID), logx.Err(it.ScheduleErr))
			continue
		}
		if it.Status != content.StatusScheduled || it.ScheduledTime.After(now) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}
