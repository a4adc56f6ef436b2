package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type names a rule kind.
type Type string

const (
	TypeFrequencyLimit Type = "frequency_limit"
	TypeContentSpacing Type = "content_spacing"
	TypeTimeWindow     Type = "time_window"
	TypeWeekend        Type = "weekend_restriction"
	TypeDuplicate      Type = "duplicate_check"
)

// Action decides whether a failing rule blocks publishing or only warns.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
)

// Rule is a user-owned publishing constraint. The evaluator only reads rules.
type Rule struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	Name       string         `json:"name"`
	Type       Type           `json:"rule_type"`
	Conditions map[string]any `json:"conditions"`
	Action     Action         `json:"action,omitempty"`
	Enabled    bool           `json:"enabled"`
	Priority   int            `json:"priority"`
}

// EffectiveAction returns the configured action or the per-type default.
func (r Rule) EffectiveAction() Action {
	switch Action(strings.ToLower(string(r.Action))) {
	case ActionBlock:
		return ActionBlock
	case ActionWarn:
		return ActionWarn
	}
	switch r.Type {
	case TypeTimeWindow, TypeDuplicate:
		return ActionWarn
	default:
		return ActionBlock
	}
}

func (r Rule) label() string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return string(r.Type)
}

// Validate reports configuration errors without evaluating the rule.
func (r Rule) Validate() error {
	_, err := parseConditions(r)
	return err
}

// DefaultRules is the rule set used for users without their own rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "default-daily-limit", Name: "Daily Posting Limit", Type: TypeFrequencyLimit,
			Enabled: true, Priority: 1, Action: ActionBlock,
			Conditions: map[string]any{"max_posts": 5},
		},
		{
			ID: "default-min-interval", Name: "Minimum Interval", Type: TypeContentSpacing,
			Enabled: true, Priority: 2, Action: ActionBlock,
			Conditions: map[string]any{"min_minutes": 60},
		},
		{
			ID: "default-quiet-hours", Name: "Quiet Hours", Type: TypeTimeWindow,
			Enabled: true, Priority: 3, Action: ActionWarn,
			Conditions: map[string]any{"start_time": "22:00", "end_time": "08:00"},
		},
		{
			ID: "default-weekend", Name: "Weekend Restriction", Type: TypeWeekend,
			Enabled: false, Priority: 4, Action: ActionBlock,
			Conditions: map[string]any{"allow_weekends": false},
		},
		{
			ID: "default-duplicate", Name: "Content Duplication", Type: TypeDuplicate,
			Enabled: true, Priority: 5, Action: ActionWarn,
			Conditions: map[string]any{"similarity_threshold": 0.8, "check_period_days": 7},
		},
	}
}

// conditions is the parsed, typed form of Rule.Conditions.
type conditions struct {
	maxPosts      int
	minInterval   time.Duration
	windowStart   clock
	windowEnd     clock
	location      *time.Location
	allowWeekends bool
	threshold     float64
	period        time.Duration
}

type clock struct{ hour, minute int }

func (c clock) minutes() int { return c.hour*60 + c.minute }

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return clock{}, fmt.Errorf("invalid HH:MM %q", s)
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}

func parseConditions(r Rule) (conditions, error) {
	var c conditions
	switch r.Type {
	case TypeFrequencyLimit:
		n, ok, err := intCond(r.Conditions, "max_posts", "max_posts_per_day")
		if err != nil {
			return c, err
		}
		if !ok || n < 1 {
			return c, fmt.Errorf("frequency_limit requires max_posts >= 1")
		}
		c.maxPosts = n
	case TypeContentSpacing:
		n, ok, err := intCond(r.Conditions, "min_minutes", "min_interval_minutes")
		if err != nil {
			return c, err
		}
		if !ok || n < 1 {
			return c, fmt.Errorf("content_spacing requires min_minutes >= 1")
		}
		c.minInterval = time.Duration(n) * time.Minute
	case TypeTimeWindow:
		start, _ := r.Conditions["start_time"].(string)
		end, _ := r.Conditions["end_time"].(string)
		var err error
		if c.windowStart, err = parseClock(start); err != nil {
			return c, fmt.Errorf("time_window start_time: %w", err)
		}
		if c.windowEnd, err = parseClock(end); err != nil {
			return c, fmt.Errorf("time_window end_time: %w", err)
		}
		if c.windowStart == c.windowEnd {
			return c, fmt.Errorf("time_window start_time equals end_time")
		}
		if tz, _ := r.Conditions["timezone"].(string); strings.TrimSpace(tz) != "" {
			loc, err := time.LoadLocation(strings.TrimSpace(tz))
			if err != nil {
				return c, fmt.Errorf("time_window timezone: %w", err)
			}
			c.location = loc
		}
	case TypeWeekend:
		if v, ok := r.Conditions["allow_weekends"]; ok {
			b, isBool := v.(bool)
			if !isBool {
				return c, fmt.Errorf("weekend_restriction allow_weekends must be a bool")
			}
			c.allowWeekends = b
		}
	case TypeDuplicate:
		c.threshold = 0.8
		c.period = 7 * 24 * time.Hour
		if f, ok, err := floatCond(r.Conditions, "similarity_threshold"); err != nil {
			return c, err
		} else if ok {
			if f <= 0 || f > 1 {
				return c, fmt.Errorf("duplicate_check similarity_threshold must be in (0,1]")
			}
			c.threshold = f
		}
		if n, ok, err := intCond(r.Conditions, "check_period_days"); err != nil {
			return c, err
		} else if ok {
			if n < 1 {
				return c, fmt.Errorf("duplicate_check check_period_days must be >= 1")
			}
			c.period = time.Duration(n) * 24 * time.Hour
		}
	default:
		return c, fmt.Errorf("unknown rule_type %q", r.Type)
	}
	return c, nil
}

func intCond(m map[string]any, keys ...string) (int, bool, error) {
	f, ok, err := floatCond(m, keys...)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != float64(int(f)) {
		return 0, true, fmt.Errorf("%s must be an integer", keys[0])
	}
	return int(f), true, nil
}

func floatCond(m map[string]any, keys ...string) (float64, bool, error) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case float64:
			return x, true, nil
		case float32:
			return float64(x), true, nil
		case int:
			return float64(x), true, nil
		case int64:
			return float64(x), true, nil
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return 0, true, fmt.Errorf("%s: %w", k, err)
			}
			return f, true, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return 0, true, fmt.Errorf("%s: not a number %q", k, x)
			}
			return f, true, nil
		default:
			return 0, true, fmt.Errorf("%s: unsupported value %T", k, v)
		}
	}
	return 0, false, nil
}
