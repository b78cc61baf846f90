package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/techconnect/boardflow/internal/db"
	"github.com/techconnect/boardflow/internal/github"
	"github.com/techconnect/boardflow/internal/pipeline"
)

// ErrStageConflict is returned when a computed transition loses the
// compare-and-set on the recorded stage. The losing evaluation discards its
// result; it never retries blindly.
var ErrStageConflict = errors.New("stage changed concurrently")

// SideEffectError reports a GitHub side effect that failed after exhausting
// its retry schedule. The stage is never advanced past a failed side effect.
type SideEffectError struct {
	Ref    pipeline.IssueRef
	Effect string
	Err    error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("side effect %s for %s: %v", e.Effect, e.Ref, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }

// Detector classifies a tracked issue's GitHub state into one signal.
type Detector interface {
	Detect(ctx context.Context, rec pipeline.TrackedIssue) (pipeline.Signal, error)
}

// Options carries the parsed configuration the orchestrator needs.
type Options struct {
	// Agent is the login assigned when Assign is called without one.
	Agent string
	// Reviewer is asked for code review when work completes.
	Reviewer string
	// Statuses maps each stage to its board status label.
	Statuses map[pipeline.Stage]string
	// Backoff is the side-effect retry schedule, one wait per attempt.
	Backoff []time.Duration
	// RetryCap is how many consecutive detection failures latch a record as
	// failing.
	RetryCap int
}

// Orchestrator owns the pipeline state machine: it consumes detector signals,
// applies the transition table, executes GitHub side effects, and commits
// stage changes to the store. All record mutation in the service goes through
// it.
type Orchestrator struct {
	store    *pipeline.Store
	detector Detector
	gh       github.Client
	events   *db.DB
	effects  *pipeline.BoundedCache[string]
	opts     Options
	logger   *slog.Logger
}

// New creates an Orchestrator. events may be nil (persistence disabled).
func New(store *pipeline.Store, detector Detector, gh github.Client, events *db.DB, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.RetryCap <= 0 {
		opts.RetryCap = 3
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if opts.Statuses == nil {
		opts.Statuses = map[pipeline.Stage]string{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		detector: detector,
		gh:       gh,
		events:   events,
		effects:  pipeline.NewBoundedCache[string](4096, 0.75),
		opts:     opts,
		logger:   logger.With("component", "orchestrator"),
	}
}

// EvalResult describes what one evaluation did.
type EvalResult struct {
	Issue     pipeline.IssueRef `json:"issue"`
	EvalID    string            `json:"eval_id"`
	Action    string            `json:"action"`
	Stage     pipeline.Stage    `json:"stage"`
	NextStage pipeline.Stage    `json:"next_stage,omitempty"`
	Signal    string            `json:"signal,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Actions reported in EvalResult.
const (
	ActionNoChange        = "no_change"
	ActionProgress        = "progress"
	ActionAdvanced        = "advanced"
	ActionStalled         = "stalled"
	ActionSkipped         = "skipped"
	ActionDiscarded       = "discarded"
	ActionDetectionFailed = "detection_failed"
	ActionEffectFailed    = "side_effect_failed"
	ActionInvariant       = "invariant_violation"
)

const annotationTruncated = "pagination cap exceeded; classified from partial scan"

// Evaluate runs one detection round for ref: claim the record, detect,
// decide the transition, execute side effects, commit. A second concurrent
// evaluation of the same issue is skipped, not queued. Detection and side
// effect failures are recorded on the record and reported in the result, not
// returned as errors; the error return is for unknown issues and store
// corruption only.
func (o *Orchestrator) Evaluate(ctx context.Context, ref pipeline.IssueRef) (EvalResult, error) {
	rec, ok := o.store.Get(ref)
	if !ok {
		return EvalResult{}, fmt.Errorf("%s: %w", ref, pipeline.ErrNotTracked)
	}

	res := EvalResult{Issue: ref, EvalID: uuid.NewString(), Stage: rec.Stage}
	if rec.Stage.Terminal() {
		res.Action = ActionNoChange
		return res, nil
	}

	if !o.store.Claim(ref) {
		res.Action = ActionSkipped
		res.Message = "evaluation already in flight"
		return res, nil
	}
	defer o.store.Release(ref)

	if err := rec.CheckInvariants(); err != nil {
		return o.quarantine(ctx, rec, res, err), nil
	}

	sig, err := o.detector.Detect(ctx, rec)
	if err != nil {
		return o.recordDetectionFailure(ctx, rec, res, err), nil
	}
	res.Signal = sig.Kind.String()

	next, hasRow := transitionFor(rec.Stage, sig.Kind)
	if !hasRow {
		return o.recordNoTransition(rec, res, sig), nil
	}

	// A found PR is remembered on the record so later rounds skip the search.
	prNumber, err := o.executeEffects(ctx, rec, sig, next)
	if err != nil {
		return o.recordEffectFailure(ctx, rec, res, sig, err), nil
	}

	now := time.Now().UTC()
	err = o.store.Update(ref, func(r *pipeline.TrackedIssue) error {
		if r.Stage != rec.Stage {
			return fmt.Errorf("%s: stage is %s, expected %s: %w", ref, r.Stage, rec.Stage, ErrStageConflict)
		}
		r.Stage = next
		r.LastCheckedAt = now
		r.RetryCount = 0
		r.Failing = false
		r.LastError = ""
		r.Annotation = ""
		if sig.Truncated {
			r.Annotation = annotationTruncated
		}
		if prNumber != 0 {
			r.PRNumber = prNumber
		}
		switch next {
		case pipeline.StageStalled:
			r.AssignedAgent = ""
			r.AgentAssignedSHA = ""
			r.Annotation = "agent unassigned without verifiable progress"
		case pipeline.StageInReview, pipeline.StageDone:
			if sig.Kind == pipeline.SignalUnassignedWithProgress || next == pipeline.StageDone {
				r.AssignedAgent = ""
				r.AgentAssignedSHA = ""
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStageConflict) {
			o.logger.Info("transition discarded", "issue", ref.String(), "eval", res.EvalID, "signal", res.Signal)
			o.logEvent(ctx, db.PipelineEvent{
				EvalID: res.EvalID, Issue: ref, Event: db.EventDiscarded,
				FromStage: string(rec.Stage), ToStage: string(next), Signal: res.Signal,
			})
			res.Action = ActionDiscarded
			res.Message = err.Error()
			return res, nil
		}
		return res, err
	}

	res.NextStage = next
	if next == pipeline.StageStalled {
		res.Action = ActionStalled
	} else {
		res.Action = ActionAdvanced
	}
	o.logger.Info("stage transition",
		"issue", ref.String(), "eval", res.EvalID,
		"from", rec.Stage, "to", next, "signal", res.Signal)
	o.logEvent(ctx, db.PipelineEvent{
		EvalID: res.EvalID, Issue: ref, Event: db.EventTransition,
		FromStage: string(rec.Stage), ToStage: string(next), Signal: res.Signal,
	})
	return res, nil
}

// transitionFor is the state machine table. No row means the signal does not
// move this stage, which is also the idempotency gate: a signal replayed
// after its transition already happened finds no row.
func transitionFor(stage pipeline.Stage, kind pipeline.SignalKind) (pipeline.Stage, bool) {
	switch {
	case stage == pipeline.StageInProgress && kind == pipeline.SignalUnassignedWithProgress:
		return pipeline.StageInReview, true
	case stage == pipeline.StageInProgress && kind == pipeline.SignalUnassignedNoProgress:
		return pipeline.StageStalled, true
	case stage == pipeline.StageInProgress && kind == pipeline.SignalReviewRequested:
		return pipeline.StageInReview, true
	case stage == pipeline.StageInReview && kind == pipeline.SignalReviewCompleted:
		return pipeline.StageDone, true
	}
	return "", false
}

// executeEffects runs the GitHub side effects for a decided transition and
// returns the PR number it resolved, when any. Effects already executed for
// this issue and observed SHA are skipped.
func (o *Orchestrator) executeEffects(ctx context.Context, rec pipeline.TrackedIssue, sig pipeline.Signal, next pipeline.Stage) (int, error) {
	repo := github.RepoOf(rec.ID)
	prNumber := 0

	if sig.Kind == pipeline.SignalUnassignedWithProgress {
		prNumber = rec.PRNumber
		if prNumber == 0 && rec.BranchRef != "" {
			var pr *github.PullRequest
			err := o.withRetry(ctx, func(ctx context.Context) error {
				var ferr error
				pr, ferr = o.gh.FindPRForBranch(ctx, repo, rec.BranchRef)
				return ferr
			})
			if err != nil {
				return 0, &SideEffectError{Ref: rec.ID, Effect: "find_pr", Err: err}
			}
			if pr != nil {
				prNumber = pr.Number
			}
		}
		if prNumber == 0 {
			o.logger.Warn("no pull request found for branch", "issue", rec.ID.String(), "branch", rec.BranchRef)
		} else {
			if err := o.runEffect(ctx, rec, sig, "convert_draft_pr", func(ctx context.Context) error {
				return o.gh.ConvertDraftPRToReady(ctx, repo, prNumber)
			}); err != nil {
				return prNumber, err
			}
			if o.opts.Reviewer != "" {
				if err := o.runEffect(ctx, rec, sig, "request_review", func(ctx context.Context) error {
					return o.gh.RequestReview(ctx, repo, prNumber, o.opts.Reviewer)
				}); err != nil {
					return prNumber, err
				}
			}
		}
	}

	// A stall is surfaced to the operator, never written to the board.
	if next == pipeline.StageStalled {
		return prNumber, nil
	}

	if status, ok := o.opts.Statuses[next]; ok {
		if err := o.runEffect(ctx, rec, sig, "board_status_"+string(next), func(ctx context.Context) error {
			return o.gh.UpdateBoardStatus(ctx, rec.ID, status)
		}); err != nil {
			return prNumber, err
		}
	}
	return prNumber, nil
}

// runEffect executes one deduplicated side effect with the retry schedule.
// The dedup key is only recorded after success, so a failed effect is
// attempted again on the next evaluation.
func (o *Orchestrator) runEffect(ctx context.Context, rec pipeline.TrackedIssue, sig pipeline.Signal, name string, fn func(context.Context) error) error {
	key := fmt.Sprintf("effect:%s:%s:%s", rec.ID, name, sig.ObservedSHA)
	if o.effects.Contains(key) {
		return nil
	}
	if err := o.withRetry(ctx, fn); err != nil {
		return &SideEffectError{Ref: rec.ID, Effect: name, Err: err}
	}
	o.effects.Add(key)
	return nil
}

// withRetry runs fn up to len(Backoff) times, waiting the scheduled duration
// between attempts. Rate-limit errors extend the wait to the server's
// retry-after hint when that is longer.
func (o *Orchestrator) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < len(o.opts.Backoff); attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == len(o.opts.Backoff)-1 {
			break
		}
		wait := o.opts.Backoff[attempt]
		var rl *github.RateLimitError
		if errors.As(err, &rl) {
			if w := rl.Wait(); w > wait {
				wait = w
			}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// quarantine handles an invariant violation: the record is stalled with an
// annotation and left for manual inspection. No GitHub side effects run.
func (o *Orchestrator) quarantine(ctx context.Context, rec pipeline.TrackedIssue, res EvalResult, verr error) EvalResult {
	o.logger.Error("invariant violated", "issue", rec.ID.String(), "err", verr)
	_ = o.store.Update(rec.ID, func(r *pipeline.TrackedIssue) error {
		r.Stage = pipeline.StageStalled
		r.AssignedAgent = ""
		r.AgentAssignedSHA = ""
		r.Annotation = verr.Error()
		r.LastCheckedAt = time.Now().UTC()
		return nil
	})
	o.logEvent(ctx, db.PipelineEvent{
		EvalID: res.EvalID, Issue: rec.ID, Event: db.EventInvariant,
		FromStage: string(rec.Stage), ToStage: string(pipeline.StageStalled), Detail: verr.Error(),
	})
	res.Action = ActionInvariant
	res.NextStage = pipeline.StageStalled
	res.Message = verr.Error()
	return res
}

// recordDetectionFailure bumps the retry counter; at the cap the record
// latches as failing and the scheduler stops polling it until a manual
// reevaluation. The stage is never touched.
func (o *Orchestrator) recordDetectionFailure(ctx context.Context, rec pipeline.TrackedIssue, res EvalResult, derr error) EvalResult {
	now := time.Now().UTC()
	retries := 0
	_ = o.store.Update(rec.ID, func(r *pipeline.TrackedIssue) error {
		r.RetryCount++
		retries = r.RetryCount
		r.LastError = derr.Error()
		r.LastCheckedAt = now
		if r.RetryCount >= o.opts.RetryCap {
			r.Failing = true
		}
		return nil
	})
	o.logger.Warn("detection failed", "issue", rec.ID.String(), "eval", res.EvalID, "retries", retries, "err", derr)
	o.logEvent(ctx, db.PipelineEvent{
		EvalID: res.EvalID, Issue: rec.ID, Event: db.EventDetectionFailed,
		FromStage: string(rec.Stage), Detail: derr.Error(),
	})
	res.Action = ActionDetectionFailed
	res.Message = derr.Error()
	return res
}

// recordEffectFailure surfaces a side effect that exhausted its retries. The
// stage stays put; the next evaluation round re-detects and re-attempts.
func (o *Orchestrator) recordEffectFailure(ctx context.Context, rec pipeline.TrackedIssue, res EvalResult, sig pipeline.Signal, eerr error) EvalResult {
	now := time.Now().UTC()
	_ = o.store.Update(rec.ID, func(r *pipeline.TrackedIssue) error {
		r.LastError = eerr.Error()
		r.LastCheckedAt = now
		return nil
	})
	o.logger.Warn("side effect failed", "issue", rec.ID.String(), "eval", res.EvalID, "err", eerr)
	o.logEvent(ctx, db.PipelineEvent{
		EvalID: res.EvalID, Issue: rec.ID, Event: db.EventSideEffectFailed,
		FromStage: string(rec.Stage), Signal: res.Signal, Detail: eerr.Error(),
	})
	res.Action = ActionEffectFailed
	res.Message = eerr.Error()
	return res
}

// recordNoTransition stamps the check time for a signal with no table row.
func (o *Orchestrator) recordNoTransition(rec pipeline.TrackedIssue, res EvalResult, sig pipeline.Signal) EvalResult {
	now := time.Now().UTC()
	_ = o.store.Update(rec.ID, func(r *pipeline.TrackedIssue) error {
		r.LastCheckedAt = now
		r.RetryCount = 0
		r.Failing = false
		r.LastError = ""
		if sig.Truncated {
			r.Annotation = annotationTruncated
		} else if r.Annotation == annotationTruncated {
			r.Annotation = ""
		}
		return nil
	})
	if sig.Kind == pipeline.SignalNewCommits {
		res.Action = ActionProgress
	} else {
		res.Action = ActionNoChange
	}
	return res
}

// TrackSpec describes an issue entering the pipeline.
type TrackSpec struct {
	Ref    pipeline.IssueRef
	Branch string
}

// Track admits an issue into the pipeline at ready.
func (o *Orchestrator) Track(ctx context.Context, spec TrackSpec) (pipeline.TrackedIssue, error) {
	rec := pipeline.TrackedIssue{
		ID:        spec.Ref,
		Stage:     pipeline.StageReady,
		BranchRef: spec.Branch,
	}
	if err := o.store.Create(rec); err != nil {
		return pipeline.TrackedIssue{}, err
	}
	o.logger.Info("issue tracked", "issue", spec.Ref.String(), "branch", spec.Branch)
	o.logEvent(ctx, db.PipelineEvent{
		Issue: spec.Ref, Event: db.EventTracked, ToStage: string(pipeline.StageReady),
	})
	created, _ := o.store.Get(spec.Ref)
	return created, nil
}

// Untrack removes an issue from the pipeline. Refused while an evaluation is
// in flight.
func (o *Orchestrator) Untrack(ctx context.Context, ref pipeline.IssueRef) error {
	if err := o.store.Delete(ref); err != nil {
		return err
	}
	o.logger.Info("issue untracked", "issue", ref.String())
	o.logEvent(ctx, db.PipelineEvent{Issue: ref, Event: db.EventUntracked})
	return nil
}

// Assign is the external "agent assignment requested" operation: ready →
// in_progress. The branch HEAD at this moment becomes the progress baseline.
func (o *Orchestrator) Assign(ctx context.Context, ref pipeline.IssueRef, agent string) (pipeline.TrackedIssue, error) {
	return o.assign(ctx, ref, agent, pipeline.StageReady, db.EventAssigned)
}

// Reassign is the manual stalled → in_progress reset. The SHA baseline is
// re-recorded and failure state cleared.
func (o *Orchestrator) Reassign(ctx context.Context, ref pipeline.IssueRef, agent string) (pipeline.TrackedIssue, error) {
	return o.assign(ctx, ref, agent, pipeline.StageStalled, db.EventReassigned)
}

func (o *Orchestrator) assign(ctx context.Context, ref pipeline.IssueRef, agent string, from pipeline.Stage, event string) (pipeline.TrackedIssue, error) {
	if agent == "" {
		agent = o.opts.Agent
	}
	if agent == "" {
		return pipeline.TrackedIssue{}, fmt.Errorf("assign %s: no agent login configured", ref)
	}
	rec, ok := o.store.Get(ref)
	if !ok {
		return pipeline.TrackedIssue{}, fmt.Errorf("%s: %w", ref, pipeline.ErrNotTracked)
	}
	if rec.Stage != from {
		return pipeline.TrackedIssue{}, fmt.Errorf("assign %s: stage is %s, expected %s: %w", ref, rec.Stage, from, ErrStageConflict)
	}
	if rec.BranchRef == "" {
		return pipeline.TrackedIssue{}, fmt.Errorf("assign %s: no working branch recorded", ref)
	}

	var sha string
	err := o.withRetry(ctx, func(ctx context.Context) error {
		var herr error
		sha, herr = o.gh.BranchHead(ctx, github.RepoOf(ref), rec.BranchRef)
		return herr
	})
	if err != nil {
		return pipeline.TrackedIssue{}, &SideEffectError{Ref: ref, Effect: "branch_head", Err: err}
	}

	if err := o.withRetry(ctx, func(ctx context.Context) error {
		return o.gh.AssignIssue(ctx, ref, agent)
	}); err != nil {
		return pipeline.TrackedIssue{}, &SideEffectError{Ref: ref, Effect: "assign_issue", Err: err}
	}
	if status, ok := o.opts.Statuses[pipeline.StageInProgress]; ok {
		if err := o.withRetry(ctx, func(ctx context.Context) error {
			return o.gh.UpdateBoardStatus(ctx, ref, status)
		}); err != nil {
			return pipeline.TrackedIssue{}, &SideEffectError{Ref: ref, Effect: "board_status_in_progress", Err: err}
		}
	}

	now := time.Now().UTC()
	err = o.store.Update(ref, func(r *pipeline.TrackedIssue) error {
		if r.Stage != from {
			return fmt.Errorf("assign %s: stage is %s, expected %s: %w", ref, r.Stage, from, ErrStageConflict)
		}
		r.Stage = pipeline.StageInProgress
		r.AssignedAgent = agent
		r.AgentAssignedSHA = sha
		r.AgentAssignedAt = now
		r.RetryCount = 0
		r.Failing = false
		r.LastError = ""
		r.Annotation = ""
		r.LastCheckedAt = now
		return nil
	})
	if err != nil {
		return pipeline.TrackedIssue{}, err
	}

	o.logger.Info("agent assigned", "issue", ref.String(), "agent", agent, "sha", sha)
	o.logEvent(ctx, db.PipelineEvent{
		Issue: ref, Event: event,
		FromStage: string(from), ToStage: string(pipeline.StageInProgress),
		Detail: fmt.Sprintf("agent=%s sha=%s", agent, sha),
	})
	updated, _ := o.store.Get(ref)
	return updated, nil
}

// logEvent appends to the event log, fire-and-forget. Log writes never block
// or fail a pipeline operation.
func (o *Orchestrator) logEvent(ctx context.Context, ev db.PipelineEvent) {
	if err := o.events.LogEvent(ctx, ev); err != nil {
		o.logger.Warn("event log write failed", "issue", ev.Issue.String(), "event", ev.Event, "err", err)
	}
}
