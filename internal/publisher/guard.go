package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"

	logx "postpilot/pkg/logx"
)

// GuardConfig bounds calls into a Publisher.
type GuardConfig struct {
	// RatePerSec <= 0 disables rate limiting.
	RatePerSec float64
	Burst      int

	// Circuit opens after FailureThreshold transient failures out of
	// FailureExecutions calls, and probes again after Delay.
	CircuitEnabled    bool
	FailureThreshold  uint
	FailureExecutions uint
	Delay             time.Duration
	SuccessThreshold  uint
}

// Guard wraps a Publisher with a rate limiter and a circuit breaker.
// Only transient failures trip the breaker.
type Guard struct {
	next    Publisher
	limiter *rate.Limiter
	cb      circuitbreaker.CircuitBreaker[Result]
	delay   time.Duration
	log     logx.Logger
}

func NewGuard(next Publisher, cfg GuardConfig, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Guard{next: next, log: log.With(logx.Comp("publisher.guard"))}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	if cfg.CircuitEnabled {
		if cfg.FailureExecutions == 0 {
			cfg.FailureExecutions = 10
		}
		if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.FailureExecutions {
			cfg.FailureThreshold = (cfg.FailureExecutions + 1) / 2
		}
		if cfg.Delay <= 0 {
			cfg.Delay = time.Minute
		}
		if cfg.SuccessThreshold == 0 {
			cfg.SuccessThreshold = 1
		}
		g.delay = cfg.Delay
		g.cb = circuitbreaker.NewBuilder[Result]().
			HandleIf(func(_ Result, err error) bool {
				return err != nil && !IsPermanent(err)
			}).
			WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureExecutions).
			WithDelay(cfg.Delay).
			WithSuccessThreshold(cfg.SuccessThreshold).
			OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
				g.log.Warn("publisher circuit state changed",
					logx.String("from", stateName(e.OldState)), logx.String("to", stateName(e.NewState)))
			}).
			Build()
	}
	return g
}

func (g *Guard) Publish(ctx context.Context, req Request) (Result, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, NewTransient("rate_limited", "local rate limit wait aborted", err)
		}
	}
	if g.cb == nil {
		return g.next.Publish(ctx, req)
	}
	res, err := failsafe.With(g.cb).WithContext(ctx).Get(func() (Result, error) {
		return g.next.Publish(ctx, req)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		e := NewTransient("circuit_open", "publisher circuit is open", err)
		e.RetryAfter = g.delay
		return Result{}, e
	}
	return res, err
}

// CircuitOpen reports whether calls are currently rejected.
func (g *Guard) CircuitOpen() bool {
	return g.cb != nil && g.cb.IsOpen()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
