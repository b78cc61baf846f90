package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/techconnect/boardflow/internal/github"
	"github.com/techconnect/boardflow/internal/orchestrator"
	"github.com/techconnect/boardflow/internal/pipeline"
)

// Evaluator runs one detection round for an issue. Satisfied by
// *orchestrator.Orchestrator.
type Evaluator interface {
	Evaluate(ctx context.Context, ref pipeline.IssueRef) (orchestrator.EvalResult, error)
}

// RateSource exposes the last-observed GitHub rate budget.
type RateSource interface {
	RateLimit() github.RateLimit
}

// Options carries the parsed polling configuration.
type Options struct {
	// Interval is the base sleep between ticks.
	Interval time.Duration
	// Jitter is the maximum random slack added to each sleep.
	Jitter time.Duration
	// Workers bounds concurrent per-issue evaluations within a tick.
	Workers int
	// EvalTimeout bounds one evaluation, GitHub calls included.
	EvalTimeout time.Duration
	// RateLimitFloor extends the next interval when the remaining GitHub
	// budget drops below it.
	RateLimitFloor int
	// CooldownBase and CooldownMax shape the exponential skip window applied
	// to records whose last evaluation failed.
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// Stats is a snapshot of the scheduler's counters.
type Stats struct {
	Ticks       int64 `json:"ticks"`
	Evaluations int64 `json:"evaluations"`
	Transitions int64 `json:"transitions"`
	Failures    int64 `json:"failures"`
	Skipped     int64 `json:"skipped"`
}

// Scheduler is the cooperative polling loop: each tick it re-evaluates every
// eligible tracked issue through the orchestrator on a bounded worker pool,
// prunes the store, then sleeps with jitter. Stopping is cancellation of the
// Run context; in-flight evaluations complete before Run returns.
type Scheduler struct {
	store  *pipeline.Store
	orch   Evaluator
	rates  RateSource
	opts   Options
	logger *slog.Logger

	ticks       atomic.Int64
	evaluations atomic.Int64
	transitions atomic.Int64
	failures    atomic.Int64
	skipped     atomic.Int64
}

// New creates a Scheduler.
func New(store *pipeline.Store, orch Evaluator, rates RateSource, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 30 * time.Second
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 30 * time.Second
	}
	if opts.CooldownMax <= 0 {
		opts.CooldownMax = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		orch:   orch,
		rates:  rates,
		opts:   opts,
		logger: logger.With("component", "scheduler"),
	}
}

// Run drives the polling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"interval", s.opts.Interval, "workers", s.opts.Workers, "eval_timeout", s.opts.EvalTimeout)
	for {
		s.tick(ctx)
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}
		timer := time.NewTimer(s.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		}
	}
}

// tick evaluates every eligible non-terminal record, waits for the pool to
// drain, then prunes the store.
func (s *Scheduler) tick(ctx context.Context) {
	s.ticks.Add(1)
	now := time.Now().UTC()

	var eligible []pipeline.IssueRef
	for _, rec := range s.store.Active() {
		if rec.Failing {
			s.skipped.Add(1)
			continue
		}
		if rec.RetryCount > 0 && now.Before(rec.LastCheckedAt.Add(s.cooldown(rec.RetryCount))) {
			s.skipped.Add(1)
			continue
		}
		eligible = append(eligible, rec.ID)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, ref := range eligible {
		g.Go(func() error {
			s.evaluate(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	if evicted := s.store.Prune(); evicted > 0 {
		s.logger.Info("store pruned", "evicted", evicted)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, ref pipeline.IssueRef) (orchestrator.EvalResult, error) {
	ectx, cancel := context.WithTimeout(ctx, s.opts.EvalTimeout)
	defer cancel()

	s.evaluations.Add(1)
	res, err := s.orch.Evaluate(ectx, ref)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("evaluation error", "issue", ref.String(), "err", err)
		return res, err
	}
	switch res.Action {
	case orchestrator.ActionAdvanced, orchestrator.ActionStalled:
		s.transitions.Add(1)
	case orchestrator.ActionDetectionFailed, orchestrator.ActionEffectFailed, orchestrator.ActionInvariant:
		s.failures.Add(1)
	case orchestrator.ActionSkipped:
		s.skipped.Add(1)
	}
	return res, nil
}

// Trigger forces an out-of-cycle reevaluation of one issue, clearing its
// failing latch and retry count first. It runs on the caller's goroutine
// under the same claim discipline as the loop, so a tick evaluating the same
// issue concurrently makes one of the two a no-op.
func (s *Scheduler) Trigger(ctx context.Context, ref pipeline.IssueRef) (orchestrator.EvalResult, error) {
	err := s.store.Update(ref, func(r *pipeline.TrackedIssue) error {
		r.Failing = false
		r.RetryCount = 0
		return nil
	})
	if err != nil {
		return orchestrator.EvalResult{}, err
	}
	s.logger.Info("manual reevaluation", "issue", ref.String())
	return s.evaluate(ctx, ref)
}

// cooldown is the per-record skip window after retries consecutive failed
// rounds: base doubled per failure, capped.
func (s *Scheduler) cooldown(retries int) time.Duration {
	d := s.opts.CooldownBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= s.opts.CooldownMax {
			return s.opts.CooldownMax
		}
	}
	return min(d, s.opts.CooldownMax)
}

// nextDelay is the sleep before the next tick: interval plus jitter,
// stretched to the rate-limit reset when the remaining budget is below the
// configured floor.
func (s *Scheduler) nextDelay() time.Duration {
	delay := s.opts.Interval
	if s.opts.Jitter > 0 {
		delay += rand.N(s.opts.Jitter)
	}
	if s.rates == nil || s.opts.RateLimitFloor <= 0 {
		return delay
	}
	rate := s.rates.RateLimit()
	if rate.Limit > 0 && rate.Remaining < s.opts.RateLimitFloor {
		if until := time.Until(rate.Reset); until > delay {
			s.logger.Warn("rate budget low, extending interval",
				"remaining", rate.Remaining, "reset", rate.Reset.Format(time.RFC3339))
			delay = until
			if s.opts.Jitter > 0 {
				delay += rand.N(s.opts.Jitter)
			}
		}
	}
	return delay
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:       s.ticks.Load(),
		Evaluations: s.evaluations.Load(),
		Transitions: s.transitions.Load(),
		Failures:    s.failures.Load(),
		Skipped:     s.skipped.Load(),
	}
}
