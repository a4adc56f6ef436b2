package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"postpilot/internal/rules"
	logx "postpilot/pkg/logx"
)

// fileStore is the memory store made durable without a database.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of items and rules)
//   - <prefix>.journal.jsonl (append-only journal of mutations)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type fileSnapshot struct {
	Items []itemRecord  `json:"items"`
	Rules []rules.Rule `json:"rules"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		writes:       n,
		compactEvery: 1000,
	}
	mem.persist = fs.appendLocked
	log.Debug("file store opened", logx.Int("items", len(mem.items)), logx.Int("rules", len(mem.rules)), logx.Int("journal", n))
	return fs, nil
}

// appendLocked runs under memStore.mu.
func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// The caller applies op after we return; applying it early is idempotent.
		s.apply(op)
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Items: make([]itemRecord, 0, len(s.items)),
		Rules: make([]rules.Rule, 0, len(s.rules)),
	}
	for _, rec := range s.items {
		snap.Items = append(snap.Items, rec)
	}
	for _, r := range s.rules {
		snap.Rules = append(snap.Rules, r)
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].Item.ID < snap.Items[j].Item.ID })
	sort.Slice(snap.Rules, func(i, j int) bool { return snap.Rules[i].ID < snap.Rules[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for i := range snap.Items {
		into.apply(journalOp{Op: opItem, Item: &snap.Items[i]})
	}
	for i := range snap.Rules {
		into.apply(journalOp{Op: opRule, Rule: &snap.Rules[i]})
	}
	return nil
}

func replayJournal(path string, into *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn last line after a crash is expected.
			continue
		}
		into.apply(op)
		n++
	}
	return n, sc.Err()
}
