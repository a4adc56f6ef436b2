package rules

import (
	"context"
	"time"
)

// suggest proposes future times that pass every blocking rule.
func (e *Evaluator) suggest(ctx context.Context, req Request, ordered []Rule) ([]time.Time, error) {
	blocking := make([]Rule, 0, len(ordered))
	for _, r := range ordered {
		if r.EffectiveAction() != ActionBlock {
			continue
		}
		if _, err := parseConditions(r); err != nil {
			continue
		}
		blocking = append(blocking, r)
	}

	slots := make([]clock, 0, len(e.opt.PreferredTimes))
	for _, s := range e.opt.PreferredTimes {
		c, err := parseClock(s)
		if err != nil {
			e.log.Debug("preferred time ignored: " + err.Error())
			continue
		}
		slots = append(slots, c)
	}

	loc := e.opt.Location
	now := e.opt.Now().In(loc)
	out := make([]time.Time, 0, e.opt.SuggestLimit)
	for day := 0; day < e.opt.SuggestDays && len(out) < e.opt.SuggestLimit; day++ {
		d := now.AddDate(0, 0, day)
		for _, s := range slots {
			if len(out) >= e.opt.SuggestLimit {
				break
			}
			at := time.Date(d.Year(), d.Month(), d.Day(), s.hour, s.minute, 0, 0, loc)
			if !at.After(now) {
				continue
			}
			dec, err := e.Evaluate(ctx, Request{
				UserID:      req.UserID,
				Candidate:   at,
				ContentType: req.ContentType,
				Text:        req.Text,
				ExcludeID:   req.ExcludeID,
				Rules:       blocking,
			})
			if err != nil {
				return nil, err
			}
			if dec.CanPublish {
				out = append(out, at.UTC())
			}
		}
	}
	return out, nil
}
