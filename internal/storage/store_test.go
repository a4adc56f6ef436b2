package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/rules"
	logx "postpilot/pkg/logx"
)

var base = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "pp.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pp.sqlite")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
}

func mustCreate(t *testing.T, st Store, it content.Item) content.Item {
	t.Helper()
	got, err := st.Create(context.Background(), it)
	if err != nil {
		t.Fatalf("Create(%s): %v", it.ID, err)
	}
	return got
}

func at(d time.Duration) *time.Time {
	v := base.Add(d)
	return &v
}

func ids(items []content.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStoreContract(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			t.Run("create and get", func(t *testing.T) { testCreateGet(t, open(t)) })
			t.Run("due ordering", func(t *testing.T) { testDueOrdering(t, open(t)) })
			t.Run("claim and update", func(t *testing.T) { testClaimUpdate(t, open(t)) })
			t.Run("post history", func(t *testing.T) { testPostHistory(t, open(t)) })
			t.Run("rules", func(t *testing.T) { testRules(t, open(t)) })
			t.Run("list items", func(t *testing.T) { testListItems(t, open(t)) })
		})
	}
}

func testCreateGet(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()

	it := mustCreate(t, st, content.Item{
		ID: "c1", UserID: "u1", Text: "hello", Type: content.TypeReply, ReplyToExternalID: "ext-9",
		Status: content.StatusScheduled, ScheduledTime: at(time.Hour), Tags: []string{"launch"},
	})
	if it.Priority != content.DefaultPriority || it.MaxRetries != content.DefaultMaxRetries {
		t.Fatalf("defaults not applied: %+v", it)
	}

	got, err := st.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Text != "hello" || got.ReplyToExternalID != "ext-9" || got.Type != content.TypeReply {
		t.Fatalf("payload mismatch: %+v", got)
	}
	if got.ScheduledTime == nil || !got.ScheduledTime.Equal(base.Add(time.Hour)) {
		t.Fatalf("scheduled_time = %v", got.ScheduledTime)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "launch" {
		t.Fatalf("tags = %v", got.Tags)
	}

	if _, err := st.GetByID(ctx, "missing"); !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.Create(ctx, content.Item{ID: "bad", UserID: "u1", Status: content.StatusScheduled}); err == nil {
		t.Fatal("scheduled item without time must be rejected")
	}
}

func testDueOrdering(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()

	mustCreate(t, st, content.Item{ID: "low-early", UserID: "u1", Priority: 3, Status: content.StatusScheduled, ScheduledTime: at(-3 * time.Hour)})
	mustCreate(t, st, content.Item{ID: "high-late", UserID: "u1", Priority: 9, Status: content.StatusScheduled, ScheduledTime: at(-time.Minute)})
	mustCreate(t, st, content.Item{ID: "high-early", UserID: "u2", Priority: 9, Status: content.StatusScheduled, ScheduledTime: at(-2 * time.Hour)})
	mustCreate(t, st, content.Item{ID: "mid", UserID: "u2", Priority: 5, Status: content.StatusScheduled, ScheduledTime: at(0)})
	mustCreate(t, st, content.Item{ID: "future", UserID: "u1", Priority: 10, Status: content.StatusScheduled, ScheduledTime: at(time.Minute)})
	mustCreate(t, st, content.Item{ID: "approved", UserID: "u1", Priority: 10, Status: content.StatusApproved, ScheduledTime: at(-time.Hour)})

	first, err := st.GetDueItems(ctx, base, 50)
	if err != nil {
		t.Fatalf("GetDueItems: %v", err)
	}
	want := []string{"high-early", "high-late", "mid", "low-early"}
	if got := ids(first); !equalIDs(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	second, err := st.GetDueItems(ctx, base, 50)
	if err != nil {
		t.Fatalf("GetDueItems: %v", err)
	}
	if !equalIDs(ids(first), ids(second)) {
		t.Fatalf("selection not idempotent: %v vs %v", ids(first), ids(second))
	}

	limited, err := st.GetDueItems(ctx, base, 2)
	if err != nil {
		t.Fatalf("GetDueItems: %v", err)
	}
	if got := ids(limited); !equalIDs(got, want[:2]) {
		t.Fatalf("limited = %v", got)
	}
}

func testClaimUpdate(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	mustCreate(t, st, content.Item{ID: "c1", UserID: "u1", Status: content.StatusScheduled, ScheduledTime: at(-time.Minute)})

	ok, err := st.Claim(ctx, "c1", content.StatusScheduled, "tok-a", base.Add(time.Minute), base)
	if err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	if ok, _ := st.Claim(ctx, "c1", content.StatusScheduled, "tok-b", base.Add(time.Minute), base); ok {
		t.Fatal("second claim must lose")
	}
	due, _ := st.GetDueItems(ctx, base, 10)
	if len(due) != 0 {
		t.Fatalf("claimed item must not be due: %v", ids(due))
	}

	// Cancel without the lease conflicts.
	ok, err = st.UpdateStatus(ctx, "c1", content.StatusScheduled, content.Update{Status: content.StatusCancelled, At: base})
	if err != nil || ok {
		t.Fatalf("unclaimed writer must lose: %v %v", ok, err)
	}

	ok, err = st.UpdateStatus(ctx, "c1", content.StatusScheduled, content.Update{
		Status:     content.StatusRetryWait,
		RetryCount: content.Ptr(1),
		LastError:  content.Ptr("timeout"),
		Claim:      "tok-a",
		At:         base,
	})
	if err != nil || !ok {
		t.Fatalf("lease holder update: %v %v", ok, err)
	}

	// The lease is released, so the re-arm needs no token.
	ok, err = st.UpdateStatus(ctx, "c1", content.StatusRetryWait, content.Update{
		Status:        content.StatusScheduled,
		ScheduledTime: at(5 * time.Minute),
		At:            base,
	})
	if err != nil || !ok {
		t.Fatalf("re-arm: %v %v", ok, err)
	}
	got, _ := st.GetByID(ctx, "c1")
	if got.Status != content.StatusScheduled || got.RetryCount != 1 || got.LastError != "timeout" {
		t.Fatalf("state after retry: %+v", got)
	}
	if !got.ScheduledTime.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("scheduled_time = %v", got.ScheduledTime)
	}

	// Stale expectation.
	ok, err = st.UpdateStatus(ctx, "c1", content.StatusApproved, content.Update{Status: content.StatusScheduled, ScheduledTime: at(0), At: base})
	if err != nil || ok {
		t.Fatalf("stale expected status must lose: %v %v", ok, err)
	}
	_, err = st.UpdateStatus(ctx, "c1", content.StatusScheduled, content.Update{Status: content.StatusApproved, At: base})
	if !errors.Is(err, content.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// An expired lease can be taken over.
	if ok, _ := st.Claim(ctx, "c1", content.StatusScheduled, "tok-c", base.Add(time.Second), base); !ok {
		t.Fatal("claim after re-arm")
	}
	if ok, _ := st.Claim(ctx, "c1", content.StatusScheduled, "tok-d", base.Add(time.Hour), base.Add(2*time.Second)); !ok {
		t.Fatal("expired lease must be reclaimable")
	}

	// The holder may move its own lease; nobody else can take it meanwhile.
	if ok, _ := st.Claim(ctx, "c1", content.StatusScheduled, "tok-d", base.Add(10*time.Hour), base.Add(3*time.Second)); !ok {
		t.Fatal("holder must be able to extend its lease")
	}
	if ok, _ := st.Claim(ctx, "c1", content.StatusScheduled, "tok-e", base.Add(3*time.Hour), base.Add(2*time.Hour)); ok {
		t.Fatal("extended lease must still be held")
	}
}

func testPostHistory(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()

	mustCreate(t, st, content.Item{ID: "p1", UserID: "u1", Text: "one", Status: content.StatusPosted,
		PostedAt: at(-24 * time.Hour), PostedExternalID: "x1"})
	mustCreate(t, st, content.Item{ID: "p2", UserID: "u1", Text: "two", Status: content.StatusPosted,
		ScheduledTime: at(-5 * time.Hour), PostedAt: at(-2 * time.Hour), PostedExternalID: "x2"})
	mustCreate(t, st, content.Item{ID: "s1", UserID: "u1", Text: "three", Status: content.StatusScheduled, ScheduledTime: at(0)})
	mustCreate(t, st, content.Item{ID: "e1", UserID: "u1", Status: content.StatusError, ScheduledTime: at(-time.Hour)})
	mustCreate(t, st, content.Item{ID: "o1", UserID: "u2", Status: content.StatusScheduled, ScheduledTime: at(-time.Hour)})

	q := rules.PostQuery{UserID: "u1", After: base.Add(-24 * time.Hour), Until: base}
	times, err := st.PostTimesInWindow(ctx, q)
	if err != nil {
		t.Fatalf("PostTimesInWindow: %v", err)
	}
	if len(times) != 2 || !times[0].Equal(base.Add(-2*time.Hour)) || !times[1].Equal(base) {
		t.Fatalf("times = %v", times)
	}
	n, err := st.CountPostsInWindow(ctx, q)
	if err != nil || n != 2 {
		t.Fatalf("count = %d %v", n, err)
	}

	q.ExcludeID = "s1"
	if n, _ := st.CountPostsInWindow(ctx, q); n != 1 {
		t.Fatalf("count with exclude = %d", n)
	}
	texts, err := st.RecentPostTexts(ctx, q)
	if err != nil || len(texts) != 1 || texts[0] != "two" {
		t.Fatalf("texts = %v %v", texts, err)
	}

	last, err := st.GetLastPostTime(ctx, "u1", base, "")
	if err != nil || last == nil || !last.Equal(base.Add(-2*time.Hour)) {
		t.Fatalf("last = %v %v", last, err)
	}
	none, err := st.GetLastPostTime(ctx, "u3", base, "")
	if err != nil || none != nil {
		t.Fatalf("unknown user last = %v %v", none, err)
	}
}

func testRules(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()

	r1 := rules.Rule{ID: "r1", UserID: "u1", Name: "limit", Type: rules.TypeFrequencyLimit, Enabled: true, Priority: 2,
		Conditions: map[string]any{"max_posts": 3}}
	r2 := rules.Rule{ID: "r2", UserID: "u1", Type: rules.TypeContentSpacing, Enabled: false, Priority: 1,
		Conditions: map[string]any{"min_minutes": 30}, Action: rules.ActionWarn}
	for _, r := range []rules.Rule{r1, r2} {
		if err := st.PutRule(ctx, r); err != nil {
			t.Fatalf("PutRule: %v", err)
		}
	}
	got, err := st.ListRules(ctx, "u1")
	if err != nil || len(got) != 2 {
		t.Fatalf("ListRules: %v %v", got, err)
	}
	if got[0].ID != "r2" || got[0].Enabled || got[0].Action != rules.ActionWarn {
		t.Fatalf("first rule = %+v", got[0])
	}
	if err := got[1].Validate(); err != nil {
		t.Fatalf("conditions did not survive storage: %v", err)
	}

	r1.Priority = 9
	if err := st.PutRule(ctx, r1); err != nil {
		t.Fatalf("update rule: %v", err)
	}
	stolen := r1
	stolen.UserID = "u2"
	if err := st.PutRule(ctx, stolen); !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("foreign overwrite must fail, got %v", err)
	}

	if ok, _ := st.DeleteRule(ctx, "u2", "r1"); ok {
		t.Fatal("foreign delete must fail")
	}
	if ok, err := st.DeleteRule(ctx, "u1", "r1"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	got, _ = st.ListRules(ctx, "u1")
	if len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("after delete = %+v", got)
	}
}

func testListItems(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()

	mustCreate(t, st, content.Item{ID: "a", UserID: "u1", Status: content.StatusApproved, CreatedAt: base, UpdatedAt: base})
	mustCreate(t, st, content.Item{ID: "b", UserID: "u1", Status: content.StatusError, CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(3 * time.Minute)})
	mustCreate(t, st, content.Item{ID: "c", UserID: "u1", Status: content.StatusPosted, PostedAt: at(0), PostedExternalID: "x",
		CreatedAt: base.Add(2 * time.Minute), UpdatedAt: base.Add(2 * time.Minute)})
	mustCreate(t, st, content.Item{ID: "d", UserID: "u2", Status: content.StatusApproved, CreatedAt: base, UpdatedAt: base})

	all, err := st.ListItems(ctx, Filter{UserID: "u1"})
	if err != nil || !equalIDs(ids(all), []string{"a", "b", "c"}) {
		t.Fatalf("all = %v %v", ids(all), err)
	}
	hist, err := st.ListItems(ctx, Filter{UserID: "u1", Statuses: []content.Status{content.StatusPosted, content.StatusError}, NewestFirst: true, Limit: 1})
	if err != nil || !equalIDs(ids(hist), []string{"b"}) {
		t.Fatalf("history = %v %v", ids(hist), err)
	}
	since, _ := st.ListItems(ctx, Filter{UpdatedSince: base.Add(time.Minute)})
	if !equalIDs(ids(since), []string{"b", "c"}) {
		t.Fatalf("since = %v", ids(since))
	}
}

func TestMemoryStoreClosedIsUnavailable(t *testing.T) {
	t.Parallel()

	st := NewMemory()
	_ = st.Close()
	if _, err := st.GetDueItems(context.Background(), base, 10); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := st.Ping(context.Background()); !errors.Is(err, content.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}
