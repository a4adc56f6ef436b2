package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/rules"
)

// itemRecord is an item plus its dispatch lease.
type itemRecord struct {
	Item       content.Item `json:"item"`
	ClaimToken string       `json:"claim_token,omitempty"`
	ClaimUntil int64        `json:"claim_until,omitempty"` // unix milli
}

func (r itemRecord) claimedAt(now time.Time) bool {
	return r.ClaimToken != "" && r.ClaimUntil > content.ToMillis(now)
}

// journalOp is one mutation, written by the file driver before it is applied.
type journalOp struct {
	Op     string      `json:"op"`
	Item   *itemRecord `json:"item,omitempty"`
	Rule   *rules.Rule `json:"rule,omitempty"`
	RuleID string      `json:"rule_id,omitempty"`
}

const (
	opItem       = "item"
	opRule       = "rule"
	opRuleDelete = "rule_delete"
)

// memStore keeps everything in maps. It backs the memory and file drivers.
type memStore struct {
	mu     sync.Mutex
	items  map[string]itemRecord
	rules  map[string]rules.Rule
	closed bool

	now     func() time.Time
	persist func(op journalOp) error // called under mu before a mutation is applied
}

// NewMemory returns an empty process-local store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		items: map[string]itemRecord{},
		rules: map[string]rules.Rule{},
		now:   time.Now,
	}
}

func (s *memStore) write(op journalOp) error {
	if s.persist == nil {
		return nil
	}
	return s.persist(op)
}

func (s *memStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	return nil
}

func (s *memStore) Create(_ context.Context, it content.Item) (content.Item, error) {
	it.Normalize()
	now := s.now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.CreatedAt
	}
	if err := it.Validate(); err != nil {
		return content.Item{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return content.Item{}, err
	}
	if _, ok := s.items[it.ID]; ok {
		return content.Item{}, fmt.Errorf("item %s already exists", it.ID)
	}
	rec := itemRecord{Item: cloneItem(it)}
	if err := s.write(journalOp{Op: opItem, Item: &rec}); err != nil {
		return content.Item{}, err
	}
	s.items[it.ID] = rec
	return cloneItem(it), nil
}

func (s *memStore) GetByID(_ context.Context, id string) (content.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return content.Item{}, err
	}
	rec, ok := s.items[id]
	if !ok {
		return content.Item{}, content.ErrNotFound
	}
	return cloneItem(rec.Item), nil
}

func (s *memStore) ListItems(_ context.Context, f Filter) ([]content.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]content.Item, 0)
	for _, rec := range s.items {
		it := rec.Item
		if f.UserID != "" && it.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, it.Status) {
			continue
		}
		if !f.UpdatedSince.IsZero() && it.UpdatedAt.Before(f.UpdatedSince) {
			continue
		}
		out = append(out, cloneItem(it))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.NewestFirst {
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return a.ID < b.ID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) GetDueItems(_ context.Context, now time.Time, limit int) ([]content.Item, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]content.Item, 0)
	for _, rec := range s.items {
		it := rec.Item
		if it.Status != content.StatusScheduled || rec.claimedAt(now) {
			continue
		}
		if it.ScheduledTime != nil && it.ScheduledTime.After(now) {
			continue
		}
		if it.ScheduledTime == nil {
			it.ScheduleErr = fmt.Errorf("%w: missing", content.ErrMalformedSchedule)
		}
		out = append(out, cloneItem(it))
	}
	sortDue(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortDue puts undecodable times after every valid row so they never crowd
// out due work under the limit. Valid rows go by priority desc, then
// scheduled_time asc, then id.
func sortDue(items []content.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		am, bm := malformed(a), malformed(b)
		if am != bm {
			return bm
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !am && !a.ScheduledTime.Equal(*b.ScheduledTime) {
			return a.ScheduledTime.Before(*b.ScheduledTime)
		}
		return a.ID < b.ID
	})
}

func malformed(it content.Item) bool {
	return it.ScheduledTime == nil || it.ScheduleErr != nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, expected content.Status, u content.Update) (bool, error) {
	if err := content.Transition(expected, u.Status); err != nil {
		return false, err
	}
	if u.At.IsZero() {
		u.At = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	rec, ok := s.items[id]
	if !ok {
		return false, nil
	}
	if rec.Item.Status != expected {
		return false, nil
	}
	if u.Claim != "" {
		if rec.ClaimToken != u.Claim {
			return false, nil
		}
	} else if rec.claimedAt(u.At) {
		return false, nil
	}

	next := itemRecord{Item: cloneItem(rec.Item)}
	u.Apply(&next.Item)
	if err := s.write(journalOp{Op: opItem, Item: &next}); err != nil {
		return false, err
	}
	s.items[id] = next
	return true, nil
}

func (s *memStore) Claim(_ context.Context, id string, expected content.Status, token string, until, now time.Time) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, fmt.Errorf("claim token required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	rec, ok := s.items[id]
	if !ok {
		return false, nil
	}
	if rec.Item.Status != expected || (rec.claimedAt(now) && rec.ClaimToken != token) {
		return false, nil
	}
	next := rec
	next.Item = cloneItem(rec.Item)
	next.ClaimToken = token
	next.ClaimUntil = content.ToMillis(until)
	if err := s.write(journalOp{Op: opItem, Item: &next}); err != nil {
		return false, err
	}
	s.items[id] = next
	return true, nil
}

// postTimes returns post times in (q.After, q.Until], with their texts.
func (s *memStore) postTimes(q rules.PostQuery) ([]time.Time, []string) {
	var times []time.Time
	var texts []string
	for _, rec := range s.items {
		it := rec.Item
		if it.UserID != q.UserID || it.ID == q.ExcludeID || !isPostStatus(it.Status) {
			continue
		}
		at, ok := it.PostTime()
		if !ok || !at.After(q.After) || at.After(q.Until) {
			continue
		}
		times = append(times, at)
		texts = append(texts, it.Text)
	}
	return times, texts
}

func (s *memStore) CountPostsInWindow(_ context.Context, q rules.PostQuery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	times, _ := s.postTimes(q)
	return len(times), nil
}

func (s *memStore) PostTimesInWindow(_ context.Context, q rules.PostQuery) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	times, _ := s.postTimes(q)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times, nil
}

func (s *memStore) RecentPostTexts(_ context.Context, q rules.PostQuery) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	_, texts := s.postTimes(q)
	return texts, nil
}

func (s *memStore) GetLastPostTime(_ context.Context, userID string, before time.Time, excludeID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var last *time.Time
	for _, rec := range s.items {
		it := rec.Item
		if it.UserID != userID || it.ID == excludeID || !isPostStatus(it.Status) {
			continue
		}
		at, ok := it.PostTime()
		if !ok || !at.Before(before) {
			continue
		}
		if last == nil || at.After(*last) {
			v := at.UTC()
			last = &v
		}
	}
	return last, nil
}

func (s *memStore) PutRule(_ context.Context, r rules.Rule) error {
	r, err := prepareRule(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if old, ok := s.rules[r.ID]; ok && old.UserID != r.UserID {
		return content.ErrNotFound
	}
	r = cloneRule(r)
	if err := s.write(journalOp{Op: opRule, Rule: &r}); err != nil {
		return err
	}
	s.rules[r.ID] = r
	return nil
}

func (s *memStore) ListRules(_ context.Context, userID string) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]rules.Rule, 0)
	for _, r := range s.rules {
		if r.UserID == userID {
			out = append(out, cloneRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) DeleteRule(_ context.Context, userID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	r, ok := s.rules[id]
	if !ok || r.UserID != userID {
		return false, nil
	}
	if err := s.write(journalOp{Op: opRuleDelete, RuleID: id}); err != nil {
		return false, err
	}
	delete(s.rules, id)
	return true, nil
}

func (s *memStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpen()
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// apply replays a journal op without persisting it again.
func (s *memStore) apply(op journalOp) {
	switch op.Op {
	case opItem:
		if op.Item != nil && op.Item.Item.ID != "" {
			s.items[op.Item.Item.ID] = *op.Item
		}
	case opRule:
		if op.Rule != nil && op.Rule.ID != "" {
			s.rules[op.Rule.ID] = *op.Rule
		}
	case opRuleDelete:
		delete(s.rules, op.RuleID)
	}
}

func hasStatus(list []content.Status, s content.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneItem(it content.Item) content.Item {
	it.ScheduledTime = content.UTCPtr(it.ScheduledTime)
	it.PostedAt = content.UTCPtr(it.PostedAt)
	if it.Tags != nil {
		it.Tags = append([]string(nil), it.Tags...)
	}
	return it
}

func cloneRule(r rules.Rule) rules.Rule {
	if r.Conditions != nil {
		m := make(map[string]any, len(r.Conditions))
		for k, v := range r.Conditions {
			m[k] = v
		}
		r.Conditions = m
	}
	return r
}
