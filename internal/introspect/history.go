package introspect

import (
	"context"
	"fmt"
	"math"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/storage"
)

const (
	DefaultHistoryLimit  = 50
	MaxHistoryLimit      = 500
	DefaultAnalyticsDays = 30
)

var finished = []content.Status{content.StatusPosted, content.StatusError}

// History returns the user's recent posted or failed items, newest first.
func (in *Introspector) History(ctx context.Context, userID string, limit int) ([]content.Item, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	items, err := in.store.ListItems(ctx, storage.Filter{
		UserID:      userID,
		Statuses:    finished,
		Limit:       limit,
		NewestFirst: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return items, nil
}

type PlatformStats struct {
	Posted int `json:"posted"`
	Failed int `json:"failed"`
}

type Analytics struct {
	UserID         string                   `json:"user_id"`
	Days           int                      `json:"days"`
	From           time.Time                `json:"from"`
	To             time.Time                `json:"to"`
	TotalPosted    int                      `json:"total_posted"`
	TotalFailed    int                      `json:"total_failed"`
	SuccessRate    float64                  `json:"success_rate"`
	AverageRetries float64                  `json:"average_retries"`
	ByPlatform     map[string]PlatformStats `json:"by_platform"`
}

// Analytics summarises outcomes of items finished in the last days.
func (in *Introspector) Analytics(ctx context.Context, userID string, days int) (Analytics, error) {
	if days <= 0 {
		days = DefaultAnalyticsDays
	}
	now := in.now().UTC()
	from := now.Add(-time.Duration(days) * 24 * time.Hour)
	items, err := in.store.ListItems(ctx, storage.Filter{UserID: userID, Statuses: finished, UpdatedSince: from})
	if err != nil {
		return Analytics{}, fmt.Errorf("list analytics: %w", err)
	}
	return summarize(userID, days, from, now, items), nil
}

func summarize(userID string, days int, from, to time.Time, items []content.Item) Analytics {
	a := Analytics{UserID: userID, Days: days, From: from, To: to, ByPlatform: map[string]PlatformStats{}}
	retries := 0
	for _, it := range items {
		ps := a.ByPlatform[it.Platform]
		if it.Status == content.StatusPosted {
			a.TotalPosted++
			ps.Posted++
		} else {
			a.TotalFailed++
			ps.Failed++
		}
		a.ByPlatform[it.Platform] = ps
		retries += it.RetryCount
	}
	if n := a.TotalPosted + a.TotalFailed; n > 0 {
		a.SuccessRate = math.Round(float64(a.TotalPosted)/float64(n)*10000) / 100
		a.AverageRetries = math.Round(float64(retries)/float64(n)*100) / 100
	}
	return a
}
