package detector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/techconnect/boardflow/internal/github"
	"github.com/techconnect/boardflow/internal/pipeline"
)

// Marker phrasings coding agents leave in comments when they consider the
// work done. Both map to a review request; completion itself is only ever
// inferred from commits actually landing.
var (
	finishedMarkerRe = regexp.MustCompile(`(?i)\b(work (is )?(finished|complete)|finished (the )?work|implementation (is )?complete|completed the requested (work|changes))\b`)
	reviewMarkerRe   = regexp.MustCompile(`(?i)\b(ready for review|please review|review requested|requesting (a )?review)\b`)
)

// Detector classifies the GitHub state of a tracked issue into exactly one
// completion signal. It never retries a failed GitHub call; retry and backoff
// policy belong to the caller.
type Detector struct {
	gh       github.Client
	maxPages int
	seen     *pipeline.BoundedCache[string]
	logger   *slog.Logger
}

// New creates a Detector. maxPages caps every paginated scan; a non-positive
// value defaults to 10 pages.
func New(gh github.Client, maxPages int, logger *slog.Logger) *Detector {
	if maxPages <= 0 {
		maxPages = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		gh:       gh,
		maxPages: maxPages,
		seen:     pipeline.NewBoundedCache[string](4096, 0.75),
		logger:   logger.With("component", "detector"),
	}
}

// Detect inspects rec's issue on GitHub and classifies the observation.
// The record is read-only here; the orchestrator owns all mutation. A signal
// with Truncated set was classified from partial data because a pagination
// scan hit the page cap.
//
// The bare fact that the agent was unassigned is never reported as progress:
// unassignment with the branch HEAD still at the assignment baseline comes
// back as SignalUnassignedNoProgress, and only a moved HEAD yields
// SignalUnassignedWithProgress.
func (d *Detector) Detect(ctx context.Context, rec pipeline.TrackedIssue) (pipeline.Signal, error) {
	switch rec.Stage {
	case pipeline.StageInProgress, pipeline.StageInReview:
	default:
		// Ready and stalled records only move via external operations,
		// done records not at all. No API traffic for them.
		return pipeline.Signal{Kind: pipeline.SignalNoChange, ObservedAt: time.Now().UTC()}, nil
	}

	repo := github.RepoOf(rec.ID)
	observedSHA := ""
	if rec.BranchRef != "" {
		sha, err := d.gh.BranchHead(ctx, repo, rec.BranchRef)
		if err != nil {
			return pipeline.Signal{}, fmt.Errorf("detect %s: %w", rec.ID, err)
		}
		observedSHA = sha
	}

	if rec.Stage == pipeline.StageInReview {
		return d.detectInReview(ctx, rec, repo, observedSHA)
	}
	return d.detectInProgress(ctx, rec, observedSHA)
}

// detectInProgress looks for unassignment, review requests and new commits,
// in that precedence order.
func (d *Detector) detectInProgress(ctx context.Context, rec pipeline.TrackedIssue, observedSHA string) (pipeline.Signal, error) {
	events, eventsTruncated, err := d.collectTimeline(ctx, rec.ID)
	if err != nil {
		return pipeline.Signal{}, fmt.Errorf("detect %s: %w", rec.ID, err)
	}
	comments, commentsTruncated, err := d.collectComments(ctx, rec.ID)
	if err != nil {
		return pipeline.Signal{}, fmt.Errorf("detect %s: %w", rec.ID, err)
	}
	truncated := eventsTruncated || commentsTruncated
	sig := pipeline.Signal{Kind: pipeline.SignalNoChange, ObservedSHA: observedSHA, ObservedAt: time.Now().UTC(), Truncated: truncated}

	// Progress means commits verifiably landed past the assignment baseline.
	// An unknown branch or baseline cannot verify anything.
	progressed := observedSHA != "" && rec.AgentAssignedSHA != "" && observedSHA != rec.AgentAssignedSHA

	if ev, ok := latestAssignmentEvent(events, rec.AssignedAgent, rec.AgentAssignedAt); ok && ev.Event == github.EventUnassigned {
		if progressed {
			sig.Kind = pipeline.SignalUnassignedWithProgress
		} else {
			sig.Kind = pipeline.SignalUnassignedNoProgress
		}
		sig.ObservedAt = ev.CreatedAt
		return sig, nil
	}

	if at, ok := reviewRequestedAt(events, comments, rec); ok {
		sig.Kind = pipeline.SignalReviewRequested
		sig.ObservedAt = at
		return sig, nil
	}

	if progressed {
		// Repeat sightings of the same HEAD are noise; only the first tick
		// reports the push.
		if d.seen.Add(rec.ID.String() + ":sha:" + observedSHA) {
			sig.Kind = pipeline.SignalNewCommits
		}
		return sig, nil
	}

	return sig, nil
}

// detectInReview looks for an approving review submitted after the
// assignment baseline.
func (d *Detector) detectInReview(ctx context.Context, rec pipeline.TrackedIssue, repo github.RepoRef, observedSHA string) (pipeline.Signal, error) {
	sig := pipeline.Signal{Kind: pipeline.SignalNoChange, ObservedSHA: observedSHA, ObservedAt: time.Now().UTC()}

	prNumber := rec.PRNumber
	if prNumber == 0 && rec.BranchRef != "" {
		pr, err := d.gh.FindPRForBranch(ctx, repo, rec.BranchRef)
		if err != nil {
			return pipeline.Signal{}, fmt.Errorf("detect %s: %w", rec.ID, err)
		}
		if pr != nil {
			prNumber = pr.Number
		}
	}
	if prNumber == 0 {
		return sig, nil
	}

	reviews, truncated, err := d.collectReviews(ctx, repo, prNumber)
	if err != nil {
		return pipeline.Signal{}, fmt.Errorf("detect %s: %w", rec.ID, err)
	}
	sig.Truncated = truncated

	for _, rv := range reviews {
		if rv.State != github.ReviewApproved {
			continue
		}
		if !rec.AgentAssignedAt.IsZero() && rv.SubmittedAt.Before(rec.AgentAssignedAt) {
			continue
		}
		sig.Kind = pipeline.SignalReviewCompleted
		sig.ObservedAt = rv.SubmittedAt
		return sig, nil
	}
	return sig, nil
}

// latestAssignmentEvent returns the newest assigned/unassigned event for
// agent at or after the cutoff. Events from before the current assignment
// epoch never count.
func latestAssignmentEvent(events []github.TimelineEvent, agent string, cutoff time.Time) (github.TimelineEvent, bool) {
	var latest github.TimelineEvent
	found := false
	for _, ev := range events {
		if ev.Event != github.EventAssigned && ev.Event != github.EventUnassigned {
			continue
		}
		if agent != "" && !loginMatches(agent, ev.Assignee) {
			continue
		}
		if !cutoff.IsZero() && ev.CreatedAt.Before(cutoff) {
			continue
		}
		if !found || ev.CreatedAt.After(latest.CreatedAt) {
			latest = ev
			found = true
		}
	}
	return latest, found
}

// reviewRequestedAt reports when a review request was observed, via a
// timeline event or a marker comment from the assigned agent.
func reviewRequestedAt(events []github.TimelineEvent, comments []github.IssueComment, rec pipeline.TrackedIssue) (time.Time, bool) {
	cutoff := rec.AgentAssignedAt
	for _, ev := range events {
		if ev.Event != github.EventReviewRequested {
			continue
		}
		if !cutoff.IsZero() && ev.CreatedAt.Before(cutoff) {
			continue
		}
		return ev.CreatedAt, true
	}
	for _, cm := range comments {
		if !cutoff.IsZero() && cm.CreatedAt.Before(cutoff) {
			continue
		}
		if rec.AssignedAgent != "" && !loginMatches(rec.AssignedAgent, cm.Author) {
			continue
		}
		if reviewMarkerRe.MatchString(cm.Body) || finishedMarkerRe.MatchString(cm.Body) {
			return cm.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// loginMatches compares logins, accepting GitHub's "[bot]" suffix variant of
// an app login.
func loginMatches(agent, login string) bool {
	return login == agent || strings.TrimSuffix(login, "[bot]") == agent
}

func (d *Detector) collectTimeline(ctx context.Context, issue pipeline.IssueRef) ([]github.TimelineEvent, bool, error) {
	var all []github.TimelineEvent
	page := 1
	for n := 0; n < d.maxPages; n++ {
		events, next, err := d.gh.TimelineEvents(ctx, issue, page)
		if err != nil {
			return nil, false, err
		}
		all = append(all, events...)
		if next == 0 {
			return all, false, nil
		}
		page = next
	}
	d.logger.Warn("timeline scan hit page cap", "issue", issue.String(), "pages", d.maxPages)
	return all, true, nil
}

func (d *Detector) collectComments(ctx context.Context, issue pipeline.IssueRef) ([]github.IssueComment, bool, error) {
	var all []github.IssueComment
	page := 1
	for n := 0; n < d.maxPages; n++ {
		comments, next, err := d.gh.IssueComments(ctx, issue, page)
		if err != nil {
			return nil, false, err
		}
		all = append(all, comments...)
		if next == 0 {
			return all, false, nil
		}
		page = next
	}
	d.logger.Warn("comment scan hit page cap", "issue", issue.String(), "pages", d.maxPages)
	return all, true, nil
}

func (d *Detector) collectReviews(ctx context.Context, repo github.RepoRef, number int) ([]github.Review, bool, error) {
	var all []github.Review
	page := 1
	for n := 0; n < d.maxPages; n++ {
		reviews, next, err := d.gh.PullRequestReviews(ctx, repo, number, page)
		if err != nil {
			return nil, false, err
		}
		all = append(all, reviews...)
		if next == 0 {
			return all, false, nil
		}
		page = next
	}
	d.logger.Warn("review scan hit page cap", "repo", repo.String(), "pr", number, "pages", d.maxPages)
	return all, true, nil
}
