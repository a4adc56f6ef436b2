package storage

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"postpilot/internal/content"
	logx "postpilot/pkg/logx"
)

func newMockStore(t *testing.T, d dialect) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, d, logx.Nop()), mock
}

func TestSQLStoreConnectivityIsUnavailable(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t, dialectPostgres)
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	mock.ExpectQuery("SELECT .* FROM content_items").WillReturnError(refused)

	_, err := st.GetDueItems(context.Background(), base, 10)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreQueryErrorIsNotUnavailable(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t, dialectSQLite)
	mock.ExpectQuery("SELECT .* FROM content_items").WillReturnError(errors.New("no such column"))

	_, err := st.GetByID(context.Background(), "c1")
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("plain query error must not be unavailable: %v", err)
	}
}

func TestSQLStoreUpdateConflict(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t, dialectPostgres)
	mock.ExpectExec(`UPDATE content_items SET status = \$1`).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.UpdateStatus(context.Background(), "c1", content.StatusScheduled, content.Update{
		Status: content.StatusCancelled, At: base,
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if ok {
		t.Fatal("zero rows affected must report a lost race")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreInvalidTransitionSkipsSQL(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t, dialectSQLite)
	_, err := st.UpdateStatus(context.Background(), "c1", content.StatusPosted, content.Update{Status: content.StatusScheduled})
	if !errors.Is(err, content.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreClaimArgs(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t, dialectSQLite)
	until := base.Add(time.Minute)
	mock.ExpectExec("UPDATE content_items SET claim_token").
		WithArgs("tok", content.ToMillis(until), "c1", "scheduled", content.ToMillis(base), "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.Claim(context.Background(), "c1", content.StatusScheduled, "tok", until, base)
	if err != nil || !ok {
		t.Fatalf("Claim: %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	if got := dialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)"
	if got := dialectPostgres.rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"net", &net.OpError{Op: "read", Err: errors.New("reset")}, true},
		{"pq connection", &pq.Error{Code: "08006"}, true},
		{"pq unique", &pq.Error{Code: "23505"}, false},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tc := range cases {
		if got := errors.Is(classify(tc.err), ErrUnavailable); got != tc.want {
			t.Fatalf("%s: unavailable=%v want %v", tc.name, got, tc.want)
		}
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) must be nil")
	}
}

func TestSQLiteMalformedScheduleIsSurfaced(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pp.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	mustCreate(t, st, content.Item{ID: "good", UserID: "u1", Status: content.StatusScheduled, ScheduledTime: at(-time.Minute)})
	mustCreate(t, st, content.Item{ID: "bad", UserID: "u1", Status: content.StatusScheduled, ScheduledTime: at(-time.Hour)})

	db := st.(*sqlStore).db
	if _, err := db.Exec(`UPDATE content_items SET scheduled_time = 'next tuesday' WHERE id = 'bad'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	due, err := st.GetDueItems(ctx, base, 10)
	if err != nil {
		t.Fatalf("GetDueItems: %v", err)
	}
	if len(due) != 2 || due[0].ID != "good" {
		t.Fatalf("due = %v", ids(due))
	}
	if !errors.Is(due[1].ScheduleErr, content.ErrMalformedSchedule) || due[1].ScheduledTime != nil {
		t.Fatalf("bad row = %+v", due[1])
	}
}

func TestSQLiteMalformedRowsDoNotCrowdOutDueWork(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pp.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	for _, id := range []string{"bad1", "bad2", "bad3"} {
		mustCreate(t, st, content.Item{ID: id, UserID: "u1", Priority: 10, Status: content.StatusScheduled, ScheduledTime: at(-time.Hour)})
	}
	mustCreate(t, st, content.Item{ID: "good", UserID: "u1", Priority: 5, Status: content.StatusScheduled, ScheduledTime: at(-time.Minute)})

	db := st.(*sqlStore).db
	if _, err := db.Exec(`UPDATE content_items SET scheduled_time = 'garbage' WHERE id LIKE 'bad%'`); err != nil {
		t.Fatalf("corrupt rows: %v", err)
	}

	for pass := 0; pass < 3; pass++ {
		due, err := st.GetDueItems(ctx, base, 3)
		if err != nil {
			t.Fatalf("GetDueItems: %v", err)
		}
		if len(due) != 3 || due[0].ID != "good" {
			t.Fatalf("pass %d: due = %v", pass, ids(due))
		}
		for _, it := range due[1:] {
			if !errors.Is(it.ScheduleErr, content.ErrMalformedSchedule) {
				t.Fatalf("pass %d: %s should be malformed", pass, it.ID)
			}
		}
	}
}

func TestSortDuePutsMalformedLast(t *testing.T) {
	t.Parallel()

	items := []content.Item{
		{ID: "broken", Priority: 10},
		{ID: "late", Priority: 1, ScheduledTime: at(-time.Minute)},
		{ID: "undecodable", Priority: 9, ScheduledTime: at(-time.Hour), ScheduleErr: content.ErrMalformedSchedule},
		{ID: "early", Priority: 1, ScheduledTime: at(-time.Hour)},
	}
	sortDue(items)
	want := []string{"early", "late", "broken", "undecodable"}
	if got := ids(items); !equalIDs(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestSQLiteBadTagsAreLoggedAndDropped(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pp.sqlite")}, logx.FromZerolog(zerolog.New(&buf)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	mustCreate(t, st, content.Item{ID: "c1", UserID: "u1", Status: content.StatusApproved, Tags: []string{"launch"}})

	db := st.(*sqlStore).db
	if _, err := db.Exec(`UPDATE content_items SET tags = '{not json' WHERE id = 'c1'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	got, err := st.GetByID(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Tags != nil {
		t.Fatalf("tags = %v", got.Tags)
	}
	if out := buf.String(); !strings.Contains(out, "item tags skipped") || !strings.Contains(out, `"item":"c1"`) {
		t.Fatalf("log = %s", out)
	}
}
