// Package dispatch publishes due content and applies the outcome to the store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"

	"postpilot/internal/content"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/publisher"
	"postpilot/internal/queue"
	"postpilot/internal/rules"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// ErrStoreUnavailable aborts a whole tick. It is distinct from every item failing.
var ErrStoreUnavailable = errors.New("dispatch aborted: store unavailable")

// parkedLease holds an item whose post went out but whose status write was
// lost, so no later tick publishes it again.
const parkedLease = 10 * 365 * 24 * time.Hour

// Store is the store subset dispatch writes through.
type Store interface {
	queue.Source
	ListItems(ctx context.Context, f storage.Filter) ([]content.Item, error)
	UpdateStatus(ctx context.Context, id string, expected content.Status, u content.Update) (bool, error)
	Claim(ctx context.Context, id string, expected content.Status, token string, until, now time.Time) (bool, error)
}

// Checker evaluates publish rules.
type Checker interface {
	RulesFor(ctx context.Context, userID string) ([]rules.Rule, error)
	Evaluate(ctx context.Context, req rules.Request) (rules.Decision, error)
}

type Config struct {
	// Limit caps the items one tick selects. Default 50.
	Limit int
	// PublishTimeout bounds one publisher call. Default 30s.
	PublishTimeout time.Duration
	// ClaimTTL is the lease held while publishing. Default PublishTimeout + 30s.
	ClaimTTL time.Duration
	// Lanes is how many users are dispatched in parallel. Default 5.
	Lanes         int
	MaxTextLength int
	Backoff       Backoff
	Now           func() time.Time
}

func (c *Config) normalize() {
	if c.Limit <= 0 {
		c.Limit = queue.DefaultLimit
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.ClaimTTL <= c.PublishTimeout {
		c.ClaimTTL = c.PublishTimeout + 30*time.Second
	}
	if c.Lanes <= 0 {
		c.Lanes = 5
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = publisher.DefaultMaxTextLength
	}
	if len(c.Backoff.Steps) == 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Result names what happened to one item.
type Result string

const (
	ResultPosted   Result = "posted"
	ResultRetry    Result = "retry"
	ResultFailed   Result = "failed"
	ResultBlocked  Result = "blocked"
	ResultConflict Result = "conflict"

	// ResultError means the item never reached the publisher: a rule check
	// or claim failed.
	ResultError Result = "error"

	// ResultUnrecorded means the publisher was called but the outcome could
	// not be written back.
	ResultUnrecorded Result = "unrecorded"
)

// Outcome is the structured result of one publish attempt.
type Outcome struct {
	ItemID            string         `json:"item_id"`
	Result            Result         `json:"result"`
	Status            content.Status `json:"status"`
	ExternalID        string         `json:"external_id,omitempty"`
	RetryCount        int            `json:"retry_count"`
	NextTry           *time.Time     `json:"next_try,omitempty"`
	Error             string         `json:"error,omitempty"`
	ErrorKind         string         `json:"error_kind,omitempty"`
	Violations        []string       `json:"violations,omitempty"`
	NextAvailableSlot *time.Time     `json:"next_available_slot,omitempty"`
}

// Stats are one tick's counters. Attempted counts publisher calls; Retried
// is a subset of Failed and Unrecorded a subset of Attempted.
type Stats struct {
	Attempted  int           `json:"attempted"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Retried    int           `json:"retried"`
	Blocked    int           `json:"blocked"`
	Conflicts  int           `json:"conflicts"`
	Errors     int           `json:"errors"`
	Unrecorded int           `json:"unrecorded"`
	Rearmed    int           `json:"rearmed"`
	Aborted    bool          `json:"aborted"`
	Duration   time.Duration `json:"-"`
}

func (s *Stats) add(o Outcome) {
	switch o.Result {
	case ResultPosted:
		s.Attempted++
		s.Succeeded++
	case ResultRetry:
		s.Attempted++
		s.Failed++
		s.Retried++
	case ResultFailed:
		s.Attempted++
		s.Failed++
	case ResultBlocked:
		s.Blocked++
	case ResultConflict:
		s.Conflicts++
	case ResultError:
		s.Errors++
	case ResultUnrecorded:
		s.Attempted++
		s.Unrecorded++
	}
}

// PublishOptions apply to a user-directed publish.
type PublishOptions struct {
	// Force skips the rule check.
	Force bool
	// Text replaces the item text for this publish only.
	Text string
}

type Dispatcher struct {
	store Store
	sel   *queue.Selector
	check Checker
	pub   publisher.Publisher
	bus   eventbus.Bus
	log   logx.Logger
	cfg   Config

	// finalize retries the write that records a publish outcome.
	finalize retrypolicy.RetryPolicy[bool]

	// ticking serialises ticks in this process; the claim guards across processes.
	ticking sync.Mutex
}

func New(store Store, check Checker, pub publisher.Publisher, bus eventbus.Bus, log logx.Logger, cfg Config) *Dispatcher {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.Comp("dispatch"))
	return &Dispatcher{
		store:    store,
		sel:      queue.NewSelector(store, log),
		check:    check,
		pub:      pub,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		finalize: recordPolicy(),
	}
}

func recordPolicy() retrypolicy.RetryPolicy[bool] {
	return retrypolicy.NewBuilder[bool]().
		WithBackoff(50*time.Millisecond, 500*time.Millisecond).
		WithMaxRetries(3).
		ReturnLastFailure().
		Build()
}

// RunTick selects due items and publishes them, one lane per user. Per-item
// failures are counted; only store unavailability aborts the tick.
func (d *Dispatcher) RunTick(ctx context.Context, limit int) (Stats, error) {
	start := d.cfg.Now()
	if limit <= 0 {
		limit = d.cfg.Limit
	}
	var st Stats
	err := d.tick(ctx, start, limit, &st)
	st.Duration = time.Since(start)

	result := metrics.TickOK
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		st.Aborted = true
		result = metrics.TickStoreUnavailable
		d.log.Error("dispatch tick aborted: store unavailable", logx.Err(err))
	case err != nil:
		result = metrics.TickError
		d.log.Error("dispatch tick failed", logx.Err(err))
	}
	metrics.ObserveTick(result, st.Duration)
	d.log.Info("dispatch tick",
		logx.Int("attempted", st.Attempted),
		logx.Int("succeeded", st.Succeeded),
		logx.Int("failed", st.Failed),
		logx.Int("retried", st.Retried),
		logx.Int("blocked", st.Blocked),
		logx.Int("conflicts", st.Conflicts),
		logx.Int("errors", st.Errors),
		logx.Int("unrecorded", st.Unrecorded),
		logx.Int("rearmed", st.Rearmed),
		logx.Duration("took", st.Duration),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchTick, Data: st})
	return st, err
}

func (d *Dispatcher) tick(ctx context.Context, now time.Time, limit int, st *Stats) error {
	d.ticking.Lock()
	defer d.ticking.Unlock()

	n, err := d.rearmWaiting(ctx, now, limit)
	st.Rearmed = n
	if err != nil {
		return d.abortErr(err)
	}

	due, err := d.sel.Due(ctx, now, limit)
	if err != nil {
		return d.abortErr(err)
	}
	if len(due) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		aborted atomic.Bool
	)
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Lanes)
	for _, lane := range lanesByUser(due) {
		g.Go(func() error {
			rs, err := d.check.RulesFor(ctx, lane[0].UserID)
			if err != nil {
				if errors.Is(err, content.ErrStoreUnavailable) {
					aborted.Store(true)
					return d.abortErr(err)
				}
				d.log.Warn("lane skipped: rules unavailable", logx.User(lane[0].UserID), logx.Err(err))
				return nil
			}
			for _, it := range lane {
				if aborted.Load() || ctx.Err() != nil {
					return nil
				}
				o, err := d.process(ctx, it, rs, PublishOptions{Force: it.SkipRulesCheck})
				mu.Lock()
				st.add(o)
				mu.Unlock()
				if errors.Is(err, content.ErrStoreUnavailable) {
					aborted.Store(true)
					return d.abortErr(err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// rearmWaiting moves items left in retry_wait by an interrupted re-arm back to
// scheduled. Their retry time was written together with retry_wait.
func (d *Dispatcher) rearmWaiting(ctx context.Context, now time.Time, limit int) (int, error) {
	waiting, err := d.store.ListItems(ctx, storage.Filter{Statuses: []content.Status{content.StatusRetryWait}, Limit: limit})
	if err != nil {
		if errors.Is(err, content.ErrStoreUnavailable) {
			return 0, err
		}
		d.log.Warn("retry_wait sweep failed", logx.Err(err))
		return 0, nil
	}
	n := 0
	for _, it := range waiting {
		u := content.Update{Status: content.StatusScheduled, At: now}
		if it.ScheduledTime == nil {
			u.ScheduledTime = &now
		}
		ok, err := d.store.UpdateStatus(ctx, it.ID, content.StatusRetryWait, u)
		if err != nil {
			if errors.Is(err, content.ErrStoreUnavailable) {
				return n, err
			}
			d.log.Warn("stalled retry not re-armed", logx.Item(it.ID), logx.Err(err))
			continue
		}
		if ok {
			n++
			d.log.Info("stalled retry re-armed", logx.Item(it.ID), logx.User(it.UserID), logx.Int("retry_count", it.RetryCount))
		}
	}
	return n, nil
}

func (d *Dispatcher) abortErr(err error) error {
	if errors.Is(err, content.ErrStoreUnavailable) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

// lanesByUser groups items per user, keeping selector order inside each lane
// and ordering lanes by their first item.
func lanesByUser(items []content.Item) [][]content.Item {
	idx := map[string]int{}
	var lanes [][]content.Item
	for _, it := range items {
		i, ok := idx[it.UserID]
		if !ok {
			i = len(lanes)
			idx[it.UserID] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], it)
	}
	return lanes
}

// PublishItem publishes an approved or scheduled item now. The error is nil
// only when the item was posted; the Outcome is always filled.
func (d *Dispatcher) PublishItem(ctx context.Context, it content.Item, opt PublishOptions) (Outcome, error) {
	o := Outcome{ItemID: it.ID, Status: it.Status, RetryCount: it.RetryCount}
	if it.Status != content.StatusApproved && it.Status != content.StatusScheduled {
		o.Result = ResultError
		err := content.Transition(it.Status, content.StatusPosted)
		o.Error = err.Error()
		return o, err
	}
	var rs []rules.Rule
	if !opt.Force && !it.SkipRulesCheck {
		var err error
		if rs, err = d.check.RulesFor(ctx, it.UserID); err != nil {
			o.Result = ResultError
			o.Error = err.Error()
			return o, err
		}
	}
	opt.Force = opt.Force || it.SkipRulesCheck
	return d.process(ctx, it, rs, opt)
}

// process runs one item through check, claim, publish and outcome.
func (d *Dispatcher) process(ctx context.Context, it content.Item, rs []rules.Rule, opt PublishOptions) (Outcome, error) {
	o := Outcome{ItemID: it.ID, Status: it.Status, RetryCount: it.RetryCount}
	log := d.log.With(logx.Item(it.ID), logx.User(it.UserID))
	req := publisher.RequestFor(it, opt.Text)

	if !opt.Force {
		dec, err := d.check.Evaluate(ctx, rules.Request{
			UserID:      it.UserID,
			Candidate:   d.cfg.Now(),
			ContentType: it.Type,
			Text:        req.Text,
			ExcludeID:   it.ID,
			Rules:       rs,
		})
		if err != nil {
			o.Result = ResultError
			o.Error = err.Error()
			log.Warn("rule check failed", logx.Err(err))
			return o, fmt.Errorf("rule check: %w", err)
		}
		if !dec.CanPublish {
			o.Result = ResultBlocked
			o.Violations = dec.Violations
			o.NextAvailableSlot = dec.NextAvailableSlot
			metrics.ObservePublish(metrics.OutcomeBlocked, 0)
			log.Info("publish blocked by rules", logx.Strings("violations", dec.Violations))
			return o, dec.Err()
		}
	}

	now := d.cfg.Now()
	token := content.NewID()
	ok, err := d.store.Claim(ctx, it.ID, it.Status, token, now.Add(d.cfg.ClaimTTL), now)
	if err != nil {
		o.Result = ResultError
		o.Error = err.Error()
		log.Warn("claim failed", logx.Err(err))
		return o, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		o.Result = ResultConflict
		metrics.ObservePublish(metrics.OutcomeConflict, 0)
		log.Debug("item claimed elsewhere")
		return o, content.ErrConcurrencyConflict
	}

	started := time.Now()
	res, perr := d.publish(ctx, req)
	took := time.Since(started)
	if perr == nil {
		return d.posted(ctx, it, token, res, took, log)
	}
	return d.failed(ctx, it, token, publisher.Classify(perr), took, log)
}

func (d *Dispatcher) publish(ctx context.Context, req publisher.Request) (publisher.Result, error) {
	if err := publisher.CheckText(req.Text, d.cfg.MaxTextLength); err != nil {
		return publisher.Result{}, err
	}
	pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	return d.pub.Publish(pctx, req)
}

func (d *Dispatcher) posted(ctx context.Context, it content.Item, token string, res publisher.Result, took time.Duration, log logx.Logger) (Outcome, error) {
	now := d.cfg.Now()
	at := res.PostedAt
	if at.IsZero() {
		at = now
	}
	o := Outcome{ItemID: it.ID, RetryCount: it.RetryCount, ExternalID: res.ExternalID}
	ok, err := d.record(ctx, it, content.Update{
		Status:           content.StatusPosted,
		PostedAt:         &at,
		PostedExternalID: content.Ptr(res.ExternalID),
		LastError:        content.Ptr(""),
		Claim:            token,
		At:               now,
	})
	if err != nil || !ok {
		o.Result = ResultUnrecorded
		o.Status = it.Status
		o.Error = "published but status update lost"
		parked := d.park(ctx, it, token, now)
		log.Error("published but status update lost",
			logx.String("external_id", res.ExternalID), logx.Bool("parked", parked), logx.Err(err))
		if err == nil {
			err = content.ErrConcurrencyConflict
		}
		return o, err
	}
	o.Result = ResultPosted
	o.Status = content.StatusPosted
	metrics.ObservePublish(metrics.OutcomePosted, took)
	log.Info("published", logx.String("external_id", res.ExternalID), logx.Int("retry_count", it.RetryCount))
	d.emit(eventbus.TypePublishSucceeded, it, o)
	return o, nil
}

// record writes a publish outcome under the claim, retrying store errors.
// A false result means the claim or status changed underneath.
func (d *Dispatcher) record(ctx context.Context, it content.Item, u content.Update) (bool, error) {
	return failsafe.With(d.finalize).WithContext(ctx).Get(func() (bool, error) {
		return d.store.UpdateStatus(ctx, it.ID, it.Status, u)
	})
}

// park extends the claim for good. The item stays out of dispatch until an
// operator resolves it.
func (d *Dispatcher) park(ctx context.Context, it content.Item, token string, now time.Time) bool {
	ok, err := d.store.Claim(ctx, it.ID, it.Status, token, now.Add(parkedLease), now)
	return err == nil && ok
}

func (d *Dispatcher) failed(ctx context.Context, it content.Item, token string, perr *publisher.Error, took time.Duration, log logx.Logger) (Outcome, error) {
	now := d.cfg.Now()
	o := Outcome{
		ItemID:     it.ID,
		Result:     ResultFailed,
		Status:     content.StatusError,
		RetryCount: it.RetryCount,
		Error:      perr.Error(),
		ErrorKind:  perr.Kind.String(),
	}

	var ok bool
	var err error
	rc := it.RetryCount + 1
	switch {
	case perr.Kind == publisher.Permanent:
		ok, err = d.record(ctx, it, content.Update{
			Status: content.StatusError, LastError: content.Ptr(perr.Error()), Claim: token, At: now,
		})
	case rc > it.MaxRetries:
		o.RetryCount = it.MaxRetries
		o.Error = fmt.Sprintf("retries exhausted: %s", perr.Error())
		ok, err = d.record(ctx, it, content.Update{
			Status: content.StatusError, RetryCount: content.Ptr(it.MaxRetries), LastError: content.Ptr(o.Error), Claim: token, At: now,
		})
	default:
		next := now.Add(d.cfg.Backoff.Next(rc, perr.RetryAfter)).UTC()
		o.Result = ResultRetry
		o.Status = content.StatusScheduled
		o.RetryCount = rc
		o.NextTry = &next
		ok, err = d.rearm(ctx, it, token, rc, next, perr.Error(), now)
	}

	if err != nil || !ok {
		o.Result = ResultUnrecorded
		o.Status = it.Status
		log.Warn("publish failure not recorded", logx.String("publish_error", perr.Error()), logx.Err(err))
		if err == nil {
			err = content.ErrConcurrencyConflict
		}
		return o, err
	}

	switch o.Result {
	case ResultRetry:
		metrics.ObservePublish(metrics.OutcomeRetry, took)
		log.Warn("publish failed, retry scheduled",
			logx.String("code", perr.Code), logx.Int("retry_count", rc), logx.Time("next_try", *o.NextTry), logx.Err(perr))
		d.emit(eventbus.TypePublishRetry, it, o)
	default:
		metrics.ObservePublish(metrics.OutcomeError, took)
		log.Error("publish failed", logx.String("code", perr.Code), logx.String("kind", o.ErrorKind), logx.Err(perr))
		d.emit(eventbus.TypePublishFailed, it, o)
	}
	return o, perr
}

// rearm moves a transiently failed item back to scheduled at next.
// Scheduled items pass through retry_wait, which already carries the retry
// time; a lost second write is finished by the next tick's sweep. Approved
// items (publish now) go straight to scheduled.
func (d *Dispatcher) rearm(ctx context.Context, it content.Item, token string, rc int, next time.Time, msg string, now time.Time) (bool, error) {
	if it.Status == content.StatusApproved {
		return d.record(ctx, it, content.Update{
			Status: content.StatusScheduled, ScheduledTime: &next, RetryCount: content.Ptr(rc), LastError: content.Ptr(msg), Claim: token, At: now,
		})
	}
	ok, err := d.record(ctx, it, content.Update{
		Status: content.StatusRetryWait, ScheduledTime: &next, RetryCount: content.Ptr(rc), LastError: content.Ptr(msg), Claim: token, At: now,
	})
	if err != nil || !ok {
		return ok, err
	}
	ok, err = d.store.UpdateStatus(ctx, it.ID, content.StatusRetryWait, content.Update{
		Status: content.StatusScheduled, At: now,
	})
	if err != nil || !ok {
		d.log.Warn("re-arm left in retry_wait", logx.Item(it.ID), logx.Bool("raced", err == nil), logx.Err(err))
	}
	return true, nil
}

func (d *Dispatcher) emit(typ string, it content.Item, o Outcome) {
	d.bus.Publish(eventbus.Event{
		Type:   typ,
		UserID: it.UserID,
		ItemID: it.ID,
		Data: eventbus.PublishOutcome{
			Status:     string(o.Status),
			ExternalID: o.ExternalID,
			RetryCount: o.RetryCount,
			Error:      o.Error,
			ErrorKind:  o.ErrorKind,
			NextTry:    o.NextTry,
		},
	})
}
