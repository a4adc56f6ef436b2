package content

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type tags what kind of post an item is.
type Type string

const (
	TypePost   Type = "post"
	TypeReply  Type = "reply"
	TypeThread Type = "thread"
	TypeQuote  Type = "quote"
)

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "":
		return TypePost, nil
	case TypePost, TypeReply, TypeThread, TypeQuote:
		return t, nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

const (
	MinPriority       = 1
	MaxPriority       = 10
	DefaultPriority   = 5
	DefaultMaxRetries = 3
	DefaultPlatform   = "primary"
)

// Item is one unit of schedulable content.
type Item struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Text              string `json:"text"`
	Type              Type   `json:"content_type"`
	ReplyToExternalID string `json:"reply_to_external_id,omitempty"`

	Platform       string     `json:"platform"`
	Priority       int        `json:"priority"`
	Status         Status     `json:"status"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty"`
	SkipRulesCheck bool       `json:"skip_rules_check,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	PostedAt         *time.Time `json:"posted_at,omitempty"`
	PostedExternalID string     `json:"posted_external_id,omitempty"`

	Tags []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ScheduleErr is set by the store when scheduled_time could not be decoded.
	ScheduleErr error `json:"-"`
}

// NewID returns a fresh opaque item id.
func NewID() string { return uuid.NewString() }

// Normalize fills defaults and converts timestamps to UTC.
func (it *Item) Normalize() {
	if strings.TrimSpace(it.ID) == "" {
		it.ID = NewID()
	}
	if it.Type == "" {
		it.Type = TypePost
	}
	if strings.TrimSpace(it.Platform) == "" {
		it.Platform = DefaultPlatform
	}
	if it.Priority == 0 {
		it.Priority = DefaultPriority
	}
	if it.MaxRetries <= 0 {
		it.MaxRetries = DefaultMaxRetries
	}
	if it.Status == "" {
		it.Status = StatusApproved
	}
	it.ScheduledTime = UTCPtr(it.ScheduledTime)
	it.PostedAt = UTCPtr(it.PostedAt)
	if !it.CreatedAt.IsZero() {
		it.CreatedAt = it.CreatedAt.UTC()
	}
	if !it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.UpdatedAt.UTC()
	}
}

// Validate checks the item invariants.
func (it Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("id required")
	}
	if strings.TrimSpace(it.UserID) == "" {
		return fmt.Errorf("user_id required")
	}
	if !it.Status.Valid() {
		return fmt.Errorf("unknown status %q", it.Status)
	}
	if it.Priority < MinPriority || it.Priority > MaxPriority {
		return fmt.Errorf("priority must be %d..%d, got %d", MinPriority, MaxPriority, it.Priority)
	}
	if it.RetryCount < 0 || it.RetryCount > it.MaxRetries {
		return fmt.Errorf("retry_count %d outside 0..%d", it.RetryCount, it.MaxRetries)
	}
	switch it.Status {
	case StatusScheduled:
		if it.ScheduledTime == nil {
			return fmt.Errorf("scheduled item requires scheduled_time")
		}
	case StatusPosted:
		if it.PostedAt == nil || it.PostedExternalID == "" {
			return fmt.Errorf("posted item requires posted_at and posted_external_id")
		}
	}
	return nil
}

// PostTime is posted_at, falling back to scheduled_time.
func (it Item) PostTime() (time.Time, bool) {
	if it.PostedAt != nil {
		return *it.PostedAt, true
	}
	if it.ScheduledTime != nil {
		return *it.ScheduledTime, true
	}
	return time.Time{}, false
}

// Update is the set of fields written by a conditional status update.
// Nil pointers leave the stored value untouched.
type Update struct {
	Status Status

	ScheduledTime    *time.Time
	Priority         *int
	SkipRulesCheck   *bool
	RetryCount       *int
	LastError        *string
	PostedAt         *time.Time
	PostedExternalID *string

	// Claim is the lease token held by the writer. Empty means the row must be
	// unclaimed (or its lease expired) at At.
	Claim string
	At    time.Time
}

// Apply writes u onto it. The caller validates the transition first.
func (u Update) Apply(it *Item) {
	it.Status = u.Status
	if u.ScheduledTime != nil {
		it.ScheduledTime = UTCPtr(u.ScheduledTime)
	}
	if u.Priority != nil {
		it.Priority = *u.Priority
	}
	if u.SkipRulesCheck != nil {
		it.SkipRulesCheck = *u.SkipRulesCheck
	}
	if u.RetryCount != nil {
		it.RetryCount = *u.RetryCount
	}
	if u.LastError != nil {
		it.LastError = *u.LastError
	}
	if u.PostedAt != nil {
		it.PostedAt = UTCPtr(u.PostedAt)
	}
	if u.PostedExternalID != nil {
		it.PostedExternalID = *u.PostedExternalID
	}
	if !u.At.IsZero() {
		it.UpdatedAt = u.At.UTC()
	}
}

// UTCPtr returns a UTC copy of t, or nil.
func UTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// Ptr is a small helper for building Updates.
func Ptr[T any](v T) *T { return &v }
