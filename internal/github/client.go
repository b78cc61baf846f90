package github

import (
	"context"

	"github.com/techconnect/boardflow/internal/pipeline"
)

// Client is the GitHub surface the pipeline consumes. The production
// implementation is REST; tests substitute fakes. Listing calls take a page
// number (1-based) and return the next page, 0 when the listing is exhausted.
// Any call may fail with a *RateLimitError carrying a retry-after hint.
type Client interface {
	// BranchHead returns the HEAD commit SHA of a branch.
	BranchHead(ctx context.Context, repo RepoRef, branch string) (string, error)

	// TimelineEvents lists one page of an issue's timeline.
	TimelineEvents(ctx context.Context, issue pipeline.IssueRef, page int) ([]TimelineEvent, int, error)

	// IssueComments lists one page of an issue's comments.
	IssueComments(ctx context.Context, issue pipeline.IssueRef, page int) ([]IssueComment, int, error)

	// PullRequestReviews lists one page of submitted reviews on a PR.
	PullRequestReviews(ctx context.Context, repo RepoRef, number, page int) ([]Review, int, error)

	// FindPRForBranch returns the pull request whose head is branch, or nil
	// when none exists.
	FindPRForBranch(ctx context.Context, repo RepoRef, branch string) (*PullRequest, error)

	// ConvertDraftPRToReady marks a draft pull request ready for review.
	// Converting a PR that is already ready is a no-op.
	ConvertDraftPRToReady(ctx context.Context, repo RepoRef, number int) error

	// RequestReview asks reviewer for a review on a PR.
	RequestReview(ctx context.Context, repo RepoRef, number int, reviewer string) error

	// UpdateBoardStatus replaces the issue's status label with the given one.
	UpdateBoardStatus(ctx context.Context, issue pipeline.IssueRef, status string) error

	// AssignIssue adds agent to the issue's assignees.
	AssignIssue(ctx context.Context, issue pipeline.IssueRef, agent string) error

	// UnassignIssue removes agent from the issue's assignees.
	UnassignIssue(ctx context.Context, issue pipeline.IssueRef, agent string) error

	// RateLimit returns the last rate budget observed on any call.
	RateLimit() RateLimit
}
