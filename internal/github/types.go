package github

import (
	"fmt"
	"time"

	"github.com/techconnect/boardflow/internal/pipeline"
)

// RepoRef identifies a repository.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// RepoOf returns the repository an issue belongs to.
func RepoOf(issue pipeline.IssueRef) RepoRef {
	return RepoRef{Owner: issue.Owner, Name: issue.Repo}
}

// Timeline event names the pipeline cares about.
const (
	EventAssigned        = "assigned"
	EventUnassigned      = "unassigned"
	EventReviewRequested = "review_requested"
)

// TimelineEvent is one item from an issue's timeline.
type TimelineEvent struct {
	ID        int64
	Event     string
	Actor     string
	Assignee  string
	CommitID  string
	CreatedAt time.Time
}

// IssueComment is one comment on an issue.
type IssueComment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// Review states as GitHub reports them.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
)

// Review is a submitted pull request review.
type Review struct {
	ID          int64
	Reviewer    string
	State       string
	SubmittedAt time.Time
}

// PullRequest describes the pull request paired with a working branch.
type PullRequest struct {
	Number  int
	NodeID  string
	Title   string
	State   string
	Draft   bool
	HeadRef string
	HeadSHA string
}

// RateLimit is the last-observed core API budget. It is an eventually
// consistent hint shared across callers, not a lock.
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// RateLimitError reports a primary or secondary rate limit. RetryAfter is the
// server's hint for when the call may be retried; callers must respect it.
type RateLimitError struct {
	RetryAfter time.Duration
	Reset      time.Time
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("github rate limit hit, retry after %s", e.RetryAfter)
	}
	if !e.Reset.IsZero() {
		return fmt.Sprintf("github rate limit hit, resets at %s", e.Reset.Format(time.RFC3339))
	}
	return "github rate limit hit"
}

// Wait returns how long callers should hold off before the next attempt.
func (e *RateLimitError) Wait() time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if !e.Reset.IsZero() {
		if d := time.Until(e.Reset); d > 0 {
			return d
		}
	}
	return 0
}
