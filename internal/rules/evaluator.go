package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"postpilot/internal/content"
	logx "postpilot/pkg/logx"
)

const frequencyWindow = 24 * time.Hour

// PostQuery selects a user's posted or scheduled items whose post time
// (posted_at, else scheduled_time) lies in (After, Until].
type PostQuery struct {
	UserID    string
	After     time.Time
	Until     time.Time
	ExcludeID string
}

// History is the read-only posting history the evaluator consults.
type History interface {
	PostTimesInWindow(ctx context.Context, q PostQuery) ([]time.Time, error)
	GetLastPostTime(ctx context.Context, userID string, before time.Time, excludeID string) (*time.Time, error)
	RecentPostTexts(ctx context.Context, q PostQuery) ([]string, error)
}

// Source loads a user's configured rules.
type Source interface {
	ListRules(ctx context.Context, userID string) ([]Rule, error)
}

type Options struct {
	// Location is used for wall-clock rules and suggestions. Default UTC.
	Location *time.Location
	// PreferredTimes are "HH:MM" suggestion slots. Default 09:00, 13:00, 17:00.
	PreferredTimes []string
	SuggestDays    int
	SuggestLimit   int
	// Defaults apply when a user has no rules. Nil means DefaultRules().
	Defaults []Rule
	Now      func() time.Time
}

// Request is one evaluation. Rules, when non-nil, are used as-is so callers
// can load them once per batch or tick.
type Request struct {
	UserID      string
	Candidate   time.Time
	ContentType content.Type
	Text        string
	ExcludeID   string
	Rules       []Rule
	Suggest     bool
}

// Decision is the evaluation outcome.
type Decision struct {
	CanPublish        bool        `json:"can_publish"`
	Violations        []string    `json:"violations"`
	Recommendations   []string    `json:"recommendations"`
	SuggestedTimes    []time.Time `json:"suggested_times"`
	NextAvailableSlot *time.Time  `json:"next_available_slot"`
	CurrentDailyCount int         `json:"current_daily_count"`
	DailyLimit        int         `json:"daily_limit"`
	SkippedRules      []string    `json:"skipped_rules,omitempty"`
}

// Err returns a *content.RuleViolationError when publishing is blocked.
func (d Decision) Err() error {
	if d.CanPublish {
		return nil
	}
	return &content.RuleViolationError{Violations: d.Violations, NextAvailableSlot: d.NextAvailableSlot}
}

type Evaluator struct {
	hist History
	src  Source
	log  logx.Logger
	opt  Options
}

func New(hist History, src Source, log logx.Logger, opt Options) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	if len(opt.PreferredTimes) == 0 {
		opt.PreferredTimes = []string{"09:00", "13:00", "17:00"}
	}
	if opt.SuggestDays <= 0 {
		opt.SuggestDays = 7
	}
	if opt.SuggestLimit <= 0 {
		opt.SuggestLimit = 10
	}
	if opt.Defaults == nil {
		opt.Defaults = DefaultRules()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Evaluator{hist: hist, src: src, log: log, opt: opt}
}

// RulesFor returns the user's rules, or the defaults when none are configured.
func (e *Evaluator) RulesFor(ctx context.Context, userID string) ([]Rule, error) {
	if e.src != nil {
		rs, err := e.src.ListRules(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		if len(rs) > 0 {
			return rs, nil
		}
	}
	out := make([]Rule, len(e.opt.Defaults))
	copy(out, e.opt.Defaults)
	return out, nil
}

// result is one rule's contribution to a Decision.
type result struct {
	violated bool
	message  string
	hint     string
	next     *time.Time
}

// Evaluate runs every enabled rule in ascending priority. It only reads.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	d := Decision{
		Violations:      []string{},
		Recommendations: []string{},
		SuggestedTimes:  []time.Time{},
	}
	req.Candidate = req.Candidate.UTC()

	rs := req.Rules
	if rs == nil {
		var err error
		if rs, err = e.RulesFor(ctx, req.UserID); err != nil {
			return d, err
		}
		req.Rules = rs
	}
	ordered := sortedEnabled(rs)

	for _, r := range ordered {
		cond, err := parseConditions(r)
		if err != nil {
			// A broken rule must not block every publish: treat it as disabled.
			e.log.Warn("rule skipped: malformed", logx.String("rule", r.ID), logx.User(req.UserID), logx.Err(err))
			d.SkippedRules = append(d.SkippedRules, r.ID)
			continue
		}
		res, err := e.check(ctx, r, cond, req, &d)
		if err != nil {
			return d, err
		}
		if !res.violated {
			continue
		}
		msg := r.label() + ": " + res.message
		if r.EffectiveAction() == ActionWarn {
			d.Recommendations = append(d.Recommendations, msg)
			continue
		}
		d.Violations = append(d.Violations, msg)
		if res.hint != "" {
			d.Recommendations = append(d.Recommendations, res.hint)
		}
		if res.next != nil && (d.NextAvailableSlot == nil || res.next.After(*d.NextAvailableSlot)) {
			next := *res.next
			d.NextAvailableSlot = &next
		}
	}
	d.CanPublish = len(d.Violations) == 0

	if req.Suggest {
		times, err := e.suggest(ctx, req, ordered)
		if err != nil {
			return d, err
		}
		d.SuggestedTimes = times
	}
	return d, nil
}

func sortedEnabled(rs []Rule) []Rule {
	out := make([]Rule, 0, len(rs))
	for _, r := range rs {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Evaluator) check(ctx context.Context, r Rule, c conditions, req Request, d *Decision) (result, error) {
	switch r.Type {
	case TypeFrequencyLimit:
		return e.checkFrequency(ctx, c, req, d)
	case TypeContentSpacing:
		return e.checkSpacing(ctx, c, req)
	case TypeTimeWindow:
		return e.checkTimeWindow(c, req), nil
	case TypeWeekend:
		return e.checkWeekend(c, req), nil
	case TypeDuplicate:
		return e.checkDuplicate(ctx, c, req)
	}
	return result{}, nil
}

func (e *Evaluator) checkFrequency(ctx context.Context, c conditions, req Request, d *Decision) (result, error) {
	times, err := e.hist.PostTimesInWindow(ctx, PostQuery{
		UserID:    req.UserID,
		After:     req.Candidate.Add(-frequencyWindow),
		Until:     req.Candidate,
		ExcludeID: req.ExcludeID,
	})
	if err != nil {
		return result{}, fmt.Errorf("frequency history: %w", err)
	}
	if d.DailyLimit == 0 || c.maxPosts < d.DailyLimit {
		d.DailyLimit = c.maxPosts
		d.CurrentDailyCount = len(times)
	}
	if len(times) < c.maxPosts {
		return result{}, nil
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	// The slot is when len-max+1 posts have left the window; with len == max
	// that is the oldest post.
	next := times[len(times)-c.maxPosts].UTC().Add(frequencyWindow)
	return result{
		violated: true,
		message:  fmt.Sprintf("%d posts in the last 24h (limit %d)", len(times), c.maxPosts),
		hint:     "Schedule for " + next.Format(time.RFC3339),
		next:     &next,
	}, nil
}

func (e *Evaluator) checkSpacing(ctx context.Context, c conditions, req Request) (result, error) {
	last, err := e.hist.GetLastPostTime(ctx, req.UserID, req.Candidate, req.ExcludeID)
	if err != nil {
		return result{}, fmt.Errorf("spacing history: %w", err)
	}
	if last == nil {
		return result{}, nil
	}
	gap := req.Candidate.Sub(*last)
	if gap >= c.minInterval {
		return result{}, nil
	}
	next := last.UTC().Add(c.minInterval)
	return result{
		violated: true,
		message: fmt.Sprintf("minimum interval %s not met (%s remaining)",
			c.minInterval, (c.minInterval - gap).Round(time.Minute)),
		hint: "Schedule for " + next.Format(time.RFC3339),
		next: &next,
	}, nil
}

func (e *Evaluator) location(c conditions) *time.Location {
	if c.location != nil {
		return c.location
	}
	return e.opt.Location
}

func (e *Evaluator) checkTimeWindow(c conditions, req Request) result {
	loc := e.location(c)
	local := req.Candidate.In(loc)
	at := local.Hour()*60 + local.Minute()
	start, end := c.windowStart.minutes(), c.windowEnd.minutes()

	var inside bool
	if start > end {
		inside = at >= start || at < end
	} else {
		inside = at >= start && at < end
	}
	if !inside {
		return result{}
	}
	day := time.Date(local.Year(), local.Month(), local.Day(), c.windowEnd.hour, c.windowEnd.minute, 0, 0, loc)
	if !day.After(local) {
		day = day.AddDate(0, 0, 1)
	}
	next := day.UTC()
	return result{
		violated: true,
		message: fmt.Sprintf("inside quiet hours (%02d:%02d-%02d:%02d)",
			c.windowStart.hour, c.windowStart.minute, c.windowEnd.hour, c.windowEnd.minute),
		hint: "Consider scheduling during active hours",
		next: &next,
	}
}

func (e *Evaluator) checkWeekend(c conditions, req Request) result {
	if c.allowWeekends {
		return result{}
	}
	local := req.Candidate.In(e.opt.Location)
	wd := local.Weekday()
	if wd != time.Saturday && wd != time.Sunday {
		return result{}
	}
	days := 1
	if wd == time.Saturday {
		days = 2
	}
	monday := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.opt.Location).AddDate(0, 0, days)
	next := monday.UTC()
	return result{
		violated: true,
		message:  "weekend posting is disabled",
		hint:     "Schedule for a weekday",
		next:     &next,
	}
}

func (e *Evaluator) checkDuplicate(ctx context.Context, c conditions, req Request) (result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return result{}, nil
	}
	texts, err := e.hist.RecentPostTexts(ctx, PostQuery{
		UserID:    req.UserID,
		After:     req.Candidate.Add(-c.period),
		Until:     req.Candidate,
		ExcludeID: req.ExcludeID,
	})
	if err != nil {
		return result{}, fmt.Errorf("duplicate history: %w", err)
	}
	for _, t := range texts {
		if Similarity(req.Text, t) > c.threshold {
			return result{
				violated: true,
				message:  "similar content was posted recently",
				hint:     "Consider modifying the content to make it more unique",
			}, nil
		}
	}
	return result{}, nil
}
