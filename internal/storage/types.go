package storage

import (
	"context"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/rules"
)

// ErrUnavailable marks connectivity-level failures. Callers test it with errors.Is.
var ErrUnavailable = content.ErrStoreUnavailable

// DefaultDueLimit bounds GetDueItems when the caller passes no limit.
const DefaultDueLimit = 50

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "postgres".
// Empty means "memory".
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpenConn int           // postgres only; 0 means default
}

// Filter selects items for listing. Zero fields do not filter.
type Filter struct {
	UserID       string
	Statuses     []content.Status
	UpdatedSince time.Time
	Limit        int
	NewestFirst  bool
}

// Store is the persistence API used by the engine.
type Store interface {
	Create(ctx context.Context, it content.Item) (content.Item, error)
	GetByID(ctx context.Context, id string) (content.Item, error)
	ListItems(ctx context.Context, f Filter) ([]content.Item, error)

	// GetDueItems returns scheduled, unclaimed items due at now, ordered by
	// priority desc then scheduled_time asc. Items whose scheduled_time
	// cannot be decoded are included with ScheduleErr set.
	GetDueItems(ctx context.Context, now time.Time, limit int) ([]content.Item, error)

	// UpdateStatus applies u only if the item is still in expected and the
	// claim in u matches. It reports false when another writer won.
	UpdateStatus(ctx context.Context, id string, expected content.Status, u content.Update) (bool, error)

	// Claim leases an item in expected status until the given time. The
	// current holder may claim again with its token to move the lease.
	Claim(ctx context.Context, id string, expected content.Status, token string, until, now time.Time) (bool, error)

	CountPostsInWindow(ctx context.Context, q rules.PostQuery) (int, error)
	PostTimesInWindow(ctx context.Context, q rules.PostQuery) ([]time.Time, error)
	GetLastPostTime(ctx context.Context, userID string, before time.Time, excludeID string) (*time.Time, error)
	RecentPostTexts(ctx context.Context, q rules.PostQuery) ([]string, error)

	PutRule(ctx context.Context, r rules.Rule) error
	ListRules(ctx context.Context, userID string) ([]rules.Rule, error)
	DeleteRule(ctx context.Context, userID, id string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// postStatuses are the statuses counted as posting history.
var postStatuses = []content.Status{content.StatusPosted, content.StatusScheduled}

func isPostStatus(s content.Status) bool {
	return s == content.StatusPosted || s == content.StatusScheduled
}

func prepareRule(r rules.Rule) (rules.Rule, error) {
	if r.ID == "" {
		r.ID = content.NewID()
	}
	if r.UserID == "" {
		return r, errRuleUser
	}
	if r.Conditions == nil {
		r.Conditions = map[string]any{}
	}
	return r, nil
}
