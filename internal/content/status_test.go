package content

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPendingReview, StatusApproved, true},
		{StatusPendingReview, StatusScheduled, false},
		{StatusApproved, StatusScheduled, true},
		{StatusApproved, StatusPosted, true},
		{StatusApproved, StatusCancelled, true},
		{StatusApproved, StatusRetryWait, false},
		{StatusScheduled, StatusPosted, true},
		{StatusScheduled, StatusRetryWait, true},
		{StatusScheduled, StatusError, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusScheduled, false},
		{StatusRetryWait, StatusScheduled, true},
		{StatusRetryWait, StatusPosted, false},
		{StatusPosted, StatusScheduled, false},
		{StatusError, StatusScheduled, false},
		{StatusCancelled, StatusApproved, false},
		{Status("bogus"), StatusPosted, false},
	}
	for _, tc := range cases {
		err := Transition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s -> %s: expected error", tc.from, tc.to)
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: error %v is not ErrInvalidTransition", tc.from, tc.to, err)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusPosted, StatusError, StatusCancelled, StatusRejected} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusApproved, StatusScheduled, StatusRetryWait, StatusPendingReview} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus(" Scheduled ")
	if err != nil || s != StatusScheduled {
		t.Fatalf("got %q, %v", s, err)
	}
	if _, err := ParseStatus("draft"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestItemNormalizeAndValidate(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 7*3600)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)
	it := Item{UserID: "u1", Status: StatusScheduled, ScheduledTime: &at}
	it.Normalize()

	if it.ID == "" || it.Platform != DefaultPlatform || it.Priority != DefaultPriority || it.MaxRetries != DefaultMaxRetries {
		t.Fatalf("defaults not applied: %+v", it)
	}
	if it.ScheduledTime.Location() != time.UTC || !it.ScheduledTime.Equal(at) {
		t.Fatalf("scheduled_time not normalized: %v", it.ScheduledTime)
	}
	if err := it.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	it.ScheduledTime = nil
	if err := it.Validate(); err == nil {
		t.Fatalf("scheduled without time must fail")
	}

	posted := Item{ID: "x", UserID: "u1", Status: StatusPosted, Priority: 5, MaxRetries: 3}
	if err := posted.Validate(); err == nil {
		t.Fatalf("posted without result fields must fail")
	}

	over := Item{ID: "x", UserID: "u1", Status: StatusApproved, Priority: 5, MaxRetries: 3, RetryCount: 4}
	if err := over.Validate(); err == nil {
		t.Fatalf("retry_count above max must fail")
	}
}

func TestPostTimeFallsBackToScheduled(t *testing.T) {
	t.Parallel()

	sched := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	posted := sched.Add(time.Minute)

	it := Item{ScheduledTime: &sched}
	if got, ok := it.PostTime(); !ok || !got.Equal(sched) {
		t.Fatalf("got %v %v", got, ok)
	}
	it.PostedAt = &posted
	if got, _ := it.PostTime(); !got.Equal(posted) {
		t.Fatalf("got %v want posted_at", got)
	}
	if _, ok := (Item{}).PostTime(); ok {
		t.Fatalf("empty item has no post time")
	}
}

func TestDecodeMillis(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)
	ms := ToMillis(want)

	for _, v := range []any{ms, []byte("1777710600000"), " 1777710600000 "} {
		got, err := DecodeMillis(v)
		if err != nil {
			t.Fatalf("DecodeMillis(%v): %v", v, err)
		}
		if !got.Equal(want) {
			t.Fatalf("DecodeMillis(%v)=%v want %v", v, got, want)
		}
	}
	if _, err := DecodeMillis("2026-05-02 08:30"); !errors.Is(err, ErrMalformedSchedule) {
		t.Fatalf("expected ErrMalformedSchedule, got %v", err)
	}
	if _, err := DecodeMillis(true); !errors.Is(err, ErrMalformedSchedule) {
		t.Fatalf("expected ErrMalformedSchedule, got %v", err)
	}
}
