package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/rules"
	logx "postpilot/pkg/logx"
)

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "pp.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustCreate(t, st, content.Item{ID: "c1", UserID: "u1", Text: "hi", Status: content.StatusApproved})
	if ok, err := st.UpdateStatus(ctx, "c1", content.StatusApproved, content.Update{
		Status: content.StatusScheduled, ScheduledTime: at(time.Hour), At: base,
	}); err != nil || !ok {
		t.Fatalf("schedule: %v %v", ok, err)
	}
	if err := st.PutRule(ctx, rules.Rule{ID: "r1", UserID: "u1", Type: rules.TypeContentSpacing, Enabled: true,
		Conditions: map[string]any{"min_minutes": 15}}); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	// Simulate a crash: no Close, so only the journal has the data.
	fs := st.(*fileStore)
	if err := fs.journal.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	re, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	got, err := re.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID after reopen: %v", err)
	}
	if got.Status != content.StatusScheduled || !got.ScheduledTime.Equal(base.Add(time.Hour)) {
		t.Fatalf("state after reopen: %+v", got)
	}
	rs, _ := re.ListRules(ctx, "u1")
	if len(rs) != 1 || rs[0].Validate() != nil {
		t.Fatalf("rules after reopen: %+v", rs)
	}
}

func TestFileStoreCompactsJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pp.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs := st.(*fileStore)
	fs.compactEvery = 3

	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, st, content.Item{ID: id, UserID: "u1", Status: content.StatusApproved})
	}
	info, err := os.Stat(filepath.Join(dir, "pp.journal.jsonl"))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("journal should be truncated after compaction, size=%d", info.Size())
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	re, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	all, _ := re.ListItems(context.Background(), Filter{})
	if len(all) != 3 {
		t.Fatalf("items after compaction = %v", ids(all))
	}
}
