// Package batch schedules or publishes lists of content items.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/content"
	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/rules"
	logx "postpilot/pkg/logx"
)

// MaxItems bounds one batch request.
const MaxItems = 50

var (
	ErrEmpty   = errors.New("batch has no content ids")
	ErrTooMany = fmt.Errorf("batch exceeds %d content ids", MaxItems)
)

// Store is the store subset batches use.
type Store interface {
	GetByID(ctx context.Context, id string) (content.Item, error)
	UpdateStatus(ctx context.Context, id string, expected content.Status, u content.Update) (bool, error)
}

// Publisher publishes one item synchronously.
type Publisher interface {
	PublishItem(ctx context.Context, it content.Item, opt dispatch.PublishOptions) (dispatch.Outcome, error)
}

// ItemResult is one id's outcome.
type ItemResult struct {
	ItemID            string         `json:"item_id"`
	Success           bool           `json:"success"`
	Status            content.Status `json:"status,omitempty"`
	ScheduledTime     *time.Time     `json:"scheduled_time,omitempty"`
	ExternalID        string         `json:"external_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	Violations        []string       `json:"violations,omitempty"`
	NextAvailableSlot *time.Time     `json:"next_available_slot,omitempty"`
}

// Result reports every id in input order.
type Result struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

func (r *Result) add(ir ItemResult) {
	r.Total++
	if ir.Success {
		r.Succeeded++
	} else {
		r.Failed++
	}
	r.Items = append(r.Items, ir)
}

// ScheduleOptions controls one scheduling call.
type ScheduleOptions struct {
	// SkipRules stores the item with skip_rules_check so dispatch skips it too.
	SkipRules bool
	// AdjustOnce retries a blocked time once at next_available_slot.
	AdjustOnce bool
	// Rules, when non-nil, are used instead of loading the user's rules.
	Rules []rules.Rule
}

type Coordinator struct {
	store Store
	check dispatch.Checker
	pub   Publisher
	bus   eventbus.Bus
	log   logx.Logger
}

func New(store Store, check dispatch.Checker, pub Publisher, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Coordinator{store: store, check: check, pub: pub, bus: bus, log: log.With(logx.Comp("batch"))}
}

func checkIDs(ids []string) error {
	switch {
	case len(ids) == 0:
		return ErrEmpty
	case len(ids) > MaxItems:
		return ErrTooMany
	}
	return nil
}

// Item loads id for userID. Items owned by someone else are not found.
func (c *Coordinator) Item(ctx context.Context, userID, id string) (content.Item, error) {
	it, err := c.store.GetByID(ctx, id)
	if err != nil {
		return content.Item{}, err
	}
	if userID != "" && it.UserID != userID {
		return content.Item{}, content.ErrNotFound
	}
	return it, nil
}

// ScheduleItem moves an approved item to scheduled at the given time.
// A rule violation returns a *content.RuleViolationError and the decision.
func (c *Coordinator) ScheduleItem(ctx context.Context, it content.Item, at time.Time, opt ScheduleOptions) (time.Time, *rules.Decision, error) {
	at = at.UTC()
	if err := content.Transition(it.Status, content.StatusScheduled); err != nil {
		return time.Time{}, nil, err
	}

	var dec *rules.Decision
	if !opt.SkipRules {
		rs := opt.Rules
		if rs == nil {
			var err error
			if rs, err = c.check.RulesFor(ctx, it.UserID); err != nil {
				return time.Time{}, nil, err
			}
		}
		d, err := c.evaluate(ctx, it, at, rs)
		if err != nil {
			return time.Time{}, nil, err
		}
		if !d.CanPublish && opt.AdjustOnce && d.NextAvailableSlot != nil {
			c.log.Debug("slot adjusted", logx.Item(it.ID), logx.Time("from", at), logx.Time("to", *d.NextAvailableSlot))
			at = d.NextAvailableSlot.UTC()
			if d, err = c.evaluate(ctx, it, at, rs); err != nil {
				return time.Time{}, nil, err
			}
		}
		dec = &d
		if !d.CanPublish {
			return time.Time{}, dec, d.Err()
		}
	}

	ok, err := c.store.UpdateStatus(ctx, it.ID, it.Status, content.Update{
		Status:         content.StatusScheduled,
		ScheduledTime:  &at,
		SkipRulesCheck: content.Ptr(opt.SkipRules),
	})
	if err != nil {
		return time.Time{}, dec, err
	}
	if !ok {
		return time.Time{}, dec, content.ErrConcurrencyConflict
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeItemScheduled, UserID: it.UserID, ItemID: it.ID, Data: map[string]any{"scheduled_time": at}})
	return at, dec, nil
}

func (c *Coordinator) evaluate(ctx context.Context, it content.Item, at time.Time, rs []rules.Rule) (rules.Decision, error) {
	return c.check.Evaluate(ctx, rules.Request{
		UserID:      it.UserID,
		Candidate:   at,
		ContentType: it.Type,
		Text:        it.Text,
		ExcludeID:   it.ID,
		Rules:       rs,
	})
}

// Schedule assigns start + i*stagger to the i-th id, moving a blocked time
// once to its next available slot. Rules are loaded once per batch; items
// scheduled earlier in the batch count against later ones.
func (c *Coordinator) Schedule(ctx context.Context, userID string, ids []string, start time.Time, stagger time.Duration) (Result, error) {
	if err := checkIDs(ids); err != nil {
		return Result{}, err
	}
	if stagger < 0 {
		return Result{}, fmt.Errorf("stagger must not be negative")
	}
	rs, err := c.check.RulesFor(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	res := Result{Items: make([]ItemResult, 0, len(ids))}
	for i, id := range ids {
		ir := ItemResult{ItemID: id}
		it, err := c.Item(ctx, userID, id)
		if err != nil {
			if errors.Is(err, content.ErrStoreUnavailable) {
				return res, err
			}
			ir.Error = err.Error()
			res.add(ir)
			continue
		}
		at, dec, err := c.ScheduleItem(ctx, it, start.Add(time.Duration(i)*stagger), ScheduleOptions{AdjustOnce: true, Rules: rs})
		if err != nil {
			if errors.Is(err, content.ErrStoreUnavailable) {
				return res, err
			}
			ir.Status = it.Status
			ir.Error = err.Error()
			if dec != nil {
				ir.Violations = dec.Violations
				ir.NextAvailableSlot = dec.NextAvailableSlot
			}
			res.add(ir)
			continue
		}
		ir.Success = true
		ir.Status = content.StatusScheduled
		ir.ScheduledTime = &at
		res.add(ir)
	}
	c.log.Info("batch scheduled", logx.User(userID), logx.Int("total", res.Total), logx.Int("failed", res.Failed))
	return res, nil
}

// Publish publishes ids now, one after another in input order.
func (c *Coordinator) Publish(ctx context.Context, userID string, ids []string, opt dispatch.PublishOptions) (Result, error) {
	if err := checkIDs(ids); err != nil {
		return Result{}, err
	}
	res := Result{Items: make([]ItemResult, 0, len(ids))}
	for _, id := range ids {
		ir := ItemResult{ItemID: id}
		it, err := c.Item(ctx, userID, id)
		if err != nil {
			if errors.Is(err, content.ErrStoreUnavailable) {
				return res, err
			}
			ir.Error = err.Error()
			res.add(ir)
			continue
		}
		o, err := c.pub.PublishItem(ctx, it, opt)
		ir.Status = o.Status
		ir.ExternalID = o.ExternalID
		ir.Violations = o.Violations
		ir.NextAvailableSlot = o.NextAvailableSlot
		ir.ScheduledTime = o.NextTry
		if err != nil {
			if errors.Is(err, content.ErrStoreUnavailable) {
				return res, err
			}
			ir.Error = err.Error()
		}
		ir.Success = err == nil
		res.add(ir)
	}
	c.log.Info("batch published", logx.User(userID), logx.Int("total", res.Total), logx.Int("failed", res.Failed))
	return res, nil
}
