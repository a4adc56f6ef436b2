// Package scheduling is the engine facade used by the HTTP API and the CLI.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/batch"
	"postpilot/internal/content"
	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/introspect"
	"postpilot/internal/publisher"
	"postpilot/internal/rules"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// ErrInvalidInput marks caller mistakes: bad ids, bad rules, bad times.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Config struct {
	Rules    rules.Options
	Dispatch dispatch.Config
	// Cache backs queue snapshots. Nil disables caching.
	Cache    introspect.Cache
	CacheTTL time.Duration
	Now      func() time.Time
}

type Service struct {
	store storage.Store
	eval  *rules.Evaluator
	disp  *dispatch.Dispatcher
	batch *batch.Coordinator
	intro *introspect.Introspector
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, pub publisher.Publisher, bus eventbus.Bus, log logx.Logger, cfg Config) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rules.Now == nil {
		cfg.Rules.Now = cfg.Now
	}
	if cfg.Dispatch.Now == nil {
		cfg.Dispatch.Now = cfg.Now
	}
	eval := rules.New(store, store, log.With(logx.Comp("rules")), cfg.Rules)
	disp := dispatch.New(store, eval, pub, bus, log, cfg.Dispatch)
	return &Service{
		store: store,
		eval:  eval,
		disp:  disp,
		batch: batch.New(store, eval, disp, bus, log),
		intro: introspect.New(store, log, introspect.Options{Cache: cfg.Cache, TTL: cfg.CacheTTL, Now: cfg.Now}),
		bus:   bus,
		log:   log.With(logx.Comp("scheduling")),
		now:   cfg.Now,
	}
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return invalid("user id is required")
	}
	return nil
}

// AddContent stores a new item handed over by the review workflow.
func (s *Service) AddContent(ctx context.Context, userID string, it content.Item) (content.Item, error) {
	if err := requireUser(userID); err != nil {
		return content.Item{}, err
	}
	it.UserID = userID
	if it.Status == "" {
		it.Status = content.StatusApproved
	}
	if it.Status != content.StatusApproved && it.Status != content.StatusPendingReview {
		return content.Item{}, invalid("new content must be approved or pending_review, got %s", it.Status)
	}
	if _, err := content.ParseType(string(it.Type)); err != nil {
		return content.Item{}, invalid("%v", err)
	}
	it.ScheduledTime = nil
	it.PostedAt = nil
	it.PostedExternalID = ""
	it.RetryCount = 0
	created, err := s.store.Create(ctx, it)
	if err != nil && !errors.Is(err, content.ErrStoreUnavailable) {
		return content.Item{}, invalid("%v", err)
	}
	return created, err
}

// Get returns the user's item.
func (s *Service) Get(ctx context.Context, userID, id string) (content.Item, error) {
	if err := requireUser(userID); err != nil {
		return content.Item{}, err
	}
	return s.batch.Item(ctx, userID, id)
}

// ScheduleResult answers schedule.
type ScheduleResult struct {
	Success           bool       `json:"success"`
	ItemID            string     `json:"item_id"`
	ScheduledTime     *time.Time `json:"scheduled_time,omitempty"`
	Violations        []string   `json:"violations,omitempty"`
	Recommendations   []string   `json:"recommendations,omitempty"`
	NextAvailableSlot *time.Time `json:"next_available_slot,omitempty"`
}

// Schedule assigns a publish time to an approved item. A rule violation is
// reported in the result, not as an error.
func (s *Service) Schedule(ctx context.Context, userID, id string, at time.Time, ruleCheck bool) (ScheduleResult, error) {
	res := ScheduleResult{ItemID: id}
	if at.IsZero() {
		return res, invalid("scheduled_time is required")
	}
	it, err := s.Get(ctx, userID, id)
	if err != nil {
		return res, err
	}
	when, dec, err := s.batch.ScheduleItem(ctx, it, at, batch.ScheduleOptions{SkipRules: !ruleCheck})
	if dec != nil {
		res.Recommendations = dec.Recommendations
	}
	var rv *content.RuleViolationError
	if errors.As(err, &rv) {
		res.Violations = rv.Violations
		res.NextAvailableSlot = rv.NextAvailableSlot
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Success = true
	res.ScheduledTime = &when
	s.log.Info("content scheduled", logx.Item(id), logx.User(userID), logx.Time("at", when), logx.Bool("rule_check", ruleCheck))
	return res, nil
}

// PublishResult answers publish_now.
type PublishResult struct {
	Success bool `json:"success"`
	dispatch.Outcome
}

// PublishNow publishes an approved or scheduled item immediately. Publish
// failures, rule violations and lost races are reported in the result.
func (s *Service) PublishNow(ctx context.Context, userID, id string, force bool, text string) (PublishResult, error) {
	it, err := s.Get(ctx, userID, id)
	if err != nil {
		return PublishResult{Outcome: dispatch.Outcome{ItemID: id}}, err
	}
	o, err := s.disp.PublishItem(ctx, it, dispatch.PublishOptions{Force: force, Text: text})
	res := PublishResult{Success: err == nil, Outcome: o}
	var (
		pe *publisher.Error
		rv *content.RuleViolationError
	)
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &pe), errors.As(err, &rv), errors.Is(err, content.ErrConcurrencyConflict):
		return res, nil
	}
	return res, err
}

// Cancel stops an approved or scheduled item that no dispatch holds.
// It reports false when the item changed or is being published.
func (s *Service) Cancel(ctx context.Context, userID, id string) (bool, error) {
	it, err := s.Get(ctx, userID, id)
	if err != nil {
		return false, err
	}
	if it.Status != content.StatusApproved && it.Status != content.StatusScheduled {
		return false, content.Transition(it.Status, content.StatusCancelled)
	}
	ok, err := s.store.UpdateStatus(ctx, id, it.Status, content.Update{Status: content.StatusCancelled, At: s.now()})
	if err != nil || !ok {
		return false, err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeItemCancelled, UserID: userID, ItemID: id})
	s.log.Info("content cancelled", logx.Item(id), logx.User(userID))
	return true, nil
}

// CheckRules evaluates a proposed time with suggestions. A zero time means now.
func (s *Service) CheckRules(ctx context.Context, userID string, at time.Time, typ content.Type, text string) (rules.Decision, error) {
	if err := requireUser(userID); err != nil {
		return rules.Decision{}, err
	}
	if at.IsZero() {
		at = s.now()
	}
	if typ == "" {
		typ = content.TypePost
	}
	return s.eval.Evaluate(ctx, rules.Request{UserID: userID, Candidate: at, ContentType: typ, Text: text, Suggest: true})
}

func (s *Service) BatchSchedule(ctx context.Context, userID string, ids []string, start time.Time, stagger time.Duration) (batch.Result, error) {
	if err := requireUser(userID); err != nil {
		return batch.Result{}, err
	}
	if start.IsZero() {
		start = s.now()
	}
	res, err := s.batch.Schedule(ctx, userID, ids, start, stagger)
	return res, batchErr(err)
}

func (s *Service) BatchPublish(ctx context.Context, userID string, ids []string, force bool, text string) (batch.Result, error) {
	if err := requireUser(userID); err != nil {
		return batch.Result{}, err
	}
	res, err := s.batch.Publish(ctx, userID, ids, dispatch.PublishOptions{Force: force, Text: text})
	return res, batchErr(err)
}

func batchErr(err error) error {
	if errors.Is(err, batch.ErrEmpty) || errors.Is(err, batch.ErrTooMany) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}

// QueueInfo returns the user's queue snapshot; an empty user means everyone.
func (s *Service) QueueInfo(ctx context.Context, userID string) (introspect.Snapshot, error) {
	return s.intro.Queue(ctx, userID)
}

func (s *Service) RunDispatchTick(ctx context.Context, limit int) (dispatch.Stats, error) {
	return s.disp.RunTick(ctx, limit)
}

// PutRule validates and stores a rule for userID, returning it with its id.
func (s *Service) PutRule(ctx context.Context, userID string, r rules.Rule) (rules.Rule, error) {
	if err := requireUser(userID); err != nil {
		return rules.Rule{}, err
	}
	if err := r.Validate(); err != nil {
		return rules.Rule{}, invalid("%v", err)
	}
	if a := r.Action; a != "" && a != rules.ActionBlock && a != rules.ActionWarn {
		return rules.Rule{}, invalid("unknown action %q", a)
	}
	r.UserID = userID
	if strings.TrimSpace(r.ID) == "" {
		r.ID = content.NewID()
	}
	if err := s.store.PutRule(ctx, r); err != nil {
		return rules.Rule{}, err
	}
	return r, nil
}

// ListRules returns the user's own rules; defaults are not included.
func (s *Service) ListRules(ctx context.Context, userID string) ([]rules.Rule, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.store.ListRules(ctx, userID)
}

func (s *Service) DeleteRule(ctx context.Context, userID, id string) (bool, error) {
	if err := requireUser(userID); err != nil {
		return false, err
	}
	return s.store.DeleteRule(ctx, userID, id)
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]content.Item, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.intro.History(ctx, userID, limit)
}

func (s *Service) Analytics(ctx context.Context, userID string, days int) (introspect.Analytics, error) {
	if err := requireUser(userID); err != nil {
		return introspect.Analytics{}, err
	}
	return s.intro.Analytics(ctx, userID, days)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
