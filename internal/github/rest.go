package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	gh "github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"

	"github.com/techconnect/boardflow/internal/pipeline"
)

const defaultPageSize = 100

// readyForReviewMutation flips a draft PR to ready. The REST API has no
// endpoint for this, so it is the one GraphQL call the adapter makes.
const readyForReviewMutation = `mutation($id: ID!) { markPullRequestReadyForReview(input: {pullRequestId: $id}) { pullRequest { isDraft } } }`

// REST is the production Client over the GitHub REST and GraphQL APIs. The
// injected token source plays the auth provider role; the adapter never
// handles token refresh itself.
type REST struct {
	api          *gh.Client
	statusPrefix string
	pageSize     int

	mu   sync.Mutex
	rate RateLimit
}

// NewREST creates a client authenticated by ts; a nil ts yields an
// unauthenticated client. statusPrefix namespaces the board status labels,
// e.g. "status:".
func NewREST(ctx context.Context, ts oauth2.TokenSource, statusPrefix string) *REST {
	return NewRESTFromAPI(gh.NewClient(oauth2.NewClient(ctx, ts)), statusPrefix)
}

// NewRESTFromAPI wraps an already-configured go-github client. Tests use this
// to point the adapter at a local server.
func NewRESTFromAPI(api *gh.Client, statusPrefix string) *REST {
	if statusPrefix == "" {
		statusPrefix = "status:"
	}
	return &REST{api: api, statusPrefix: statusPrefix, pageSize: defaultPageSize}
}

func (c *REST) track(resp *gh.Response) {
	if resp == nil {
		return
	}
	c.mu.Lock()
	c.rate = RateLimit{
		Limit:     resp.Rate.Limit,
		Remaining: resp.Rate.Remaining,
		Reset:     resp.Rate.Reset.Time,
	}
	c.mu.Unlock()
}

// RateLimit returns the last budget observed on any call.
func (c *REST) RateLimit() RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// convertErr maps go-github's rate-limit errors onto the package's own type
// so callers can branch without importing the library.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	var primary *gh.RateLimitError
	if errors.As(err, &primary) {
		return &RateLimitError{Reset: primary.Rate.Reset.Time}
	}
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		e := &RateLimitError{}
		if abuse.RetryAfter != nil {
			e.RetryAfter = *abuse.RetryAfter
		}
		return e
	}
	return err
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var er *gh.ErrorResponse
	return errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusNotFound
}

// BranchHead returns the HEAD commit SHA of a branch.
func (c *REST) BranchHead(ctx context.Context, repo RepoRef, branch string) (string, error) {
	ref := "heads/" + strings.TrimPrefix(strings.TrimPrefix(branch, "refs/"), "heads/")
	r, resp, err := c.api.Git.GetRef(ctx, repo.Owner, repo.Name, ref)
	c.track(resp)
	if err != nil {
		return "", fmt.Errorf("branch head %s@%s: %w", repo, branch, convertErr(err))
	}
	return r.GetObject().GetSHA(), nil
}

// TimelineEvents lists one page of an issue's timeline.
func (c *REST) TimelineEvents(ctx context.Context, issue pipeline.IssueRef, page int) ([]TimelineEvent, int, error) {
	if page < 1 {
		page = 1
	}
	opts := &gh.ListOptions{Page: page, PerPage: c.pageSize}
	items, resp, err := c.api.Issues.ListIssueTimeline(ctx, issue.Owner, issue.Repo, issue.Number, opts)
	c.track(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("timeline %s page %d: %w", issue, page, convertErr(err))
	}
	events := make([]TimelineEvent, 0, len(items))
	for _, it := range items {
		events = append(events, TimelineEvent{
			ID:        it.GetID(),
			Event:     it.GetEvent(),
			Actor:     it.GetActor().GetLogin(),
			Assignee:  it.GetAssignee().GetLogin(),
			CommitID:  it.GetCommitID(),
			CreatedAt: it.GetCreatedAt().Time,
		})
	}
	return events, resp.NextPage, nil
}

// IssueComments lists one page of an issue's comments.
func (c *REST) IssueComments(ctx context.Context, issue pipeline.IssueRef, page int) ([]IssueComment, int, error) {
	if page < 1 {
		page = 1
	}
	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{Page: page, PerPage: c.pageSize}}
	items, resp, err := c.api.Issues.ListComments(ctx, issue.Owner, issue.Repo, issue.Number, opts)
	c.track(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("comments %s page %d: %w", issue, page, convertErr(err))
	}
	comments := make([]IssueComment, 0, len(items))
	for _, it := range items {
		comments = append(comments, IssueComment{
			ID:        it.GetID(),
			Author:    it.GetUser().GetLogin(),
			Body:      it.GetBody(),
			CreatedAt: it.GetCreatedAt().Time,
		})
	}
	return comments, resp.NextPage, nil
}

// PullRequestReviews lists one page of submitted reviews on a PR.
func (c *REST) PullRequestReviews(ctx context.Context, repo RepoRef, number, page int) ([]Review, int, error) {
	if page < 1 {
		page = 1
	}
	items, resp, err := c.api.PullRequests.ListReviews(ctx, repo.Owner, repo.Name, number, &gh.ListOptions{Page: page, PerPage: c.pageSize})
	c.track(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("reviews %s#%d page %d: %w", repo, number, page, convertErr(err))
	}
	reviews := make([]Review, 0, len(items))
	for _, it := range items {
		reviews = append(reviews, Review{
			ID:          it.GetID(),
			Reviewer:    it.GetUser().GetLogin(),
			State:       it.GetState(),
			SubmittedAt: it.GetSubmittedAt().Time,
		})
	}
	return reviews, resp.NextPage, nil
}

// FindPRForBranch returns the pull request whose head is branch, or nil when
// none exists.
func (c *REST) FindPRForBranch(ctx context.Context, repo RepoRef, branch string) (*PullRequest, error) {
	opts := &gh.PullRequestListOptions{
		Head:        repo.Owner + ":" + branch,
		State:       "all",
		ListOptions: gh.ListOptions{PerPage: 1},
	}
	prs, resp, err := c.api.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
	c.track(resp)
	if err != nil {
		return nil, fmt.Errorf("find pr for %s@%s: %w", repo, branch, convertErr(err))
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return mapPR(prs[0]), nil
}

func mapPR(pr *gh.PullRequest) *PullRequest {
	return &PullRequest{
		Number:  pr.GetNumber(),
		NodeID:  pr.GetNodeID(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		Draft:   pr.GetDraft(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
	}
}

// ConvertDraftPRToReady marks a draft pull request ready for review.
// Converting a PR that is already ready is a no-op.
func (c *REST) ConvertDraftPRToReady(ctx context.Context, repo RepoRef, number int) error {
	pr, resp, err := c.api.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	c.track(resp)
	if err != nil {
		return fmt.Errorf("get pr %s#%d: %w", repo, number, convertErr(err))
	}
	if !pr.GetDraft() {
		return nil
	}

	payload := struct {
		Query     string            `json:"query"`
		Variables map[string]string `json:"variables"`
	}{Query: readyForReviewMutation, Variables: map[string]string{"id": pr.GetNodeID()}}
	req, err := c.api.NewRequest("POST", "graphql", payload)
	if err != nil {
		return fmt.Errorf("mark ready %s#%d: %w", repo, number, err)
	}
	var out struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	resp, err = c.api.Do(ctx, req, &out)
	c.track(resp)
	if err != nil {
		return fmt.Errorf("mark ready %s#%d: %w", repo, number, convertErr(err))
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("mark ready %s#%d: %s", repo, number, out.Errors[0].Message)
	}
	return nil
}

// RequestReview asks reviewer for a review on a PR.
func (c *REST) RequestReview(ctx context.Context, repo RepoRef, number int, reviewer string) error {
	_, resp, err := c.api.PullRequests.RequestReviewers(ctx, repo.Owner, repo.Name, number, gh.ReviewersRequest{Reviewers: []string{reviewer}})
	c.track(resp)
	if err != nil {
		return fmt.Errorf("request review %s#%d from %s: %w", repo, number, reviewer, convertErr(err))
	}
	return nil
}

// UpdateBoardStatus replaces the issue's status label with the given one.
// Labels sharing the configured prefix are the board status namespace.
func (c *REST) UpdateBoardStatus(ctx context.Context, issue pipeline.IssueRef, status string) error {
	labels, resp, err := c.api.Issues.ListLabelsByIssue(ctx, issue.Owner, issue.Repo, issue.Number, &gh.ListOptions{PerPage: defaultPageSize})
	c.track(resp)
	if err != nil {
		return fmt.Errorf("list labels %s: %w", issue, convertErr(err))
	}

	present := false
	for _, l := range labels {
		name := l.GetName()
		if name == status {
			present = true
			continue
		}
		if !strings.HasPrefix(name, c.statusPrefix) {
			continue
		}
		rmResp, err := c.api.Issues.RemoveLabelForIssue(ctx, issue.Owner, issue.Repo, issue.Number, name)
		c.track(rmResp)
		if err != nil && !IsNotFound(err) {
			return fmt.Errorf("remove label %q from %s: %w", name, issue, convertErr(err))
		}
	}
	if present {
		return nil
	}

	_, addResp, err := c.api.Issues.AddLabelsToIssue(ctx, issue.Owner, issue.Repo, issue.Number, []string{status})
	c.track(addResp)
	if err != nil {
		return fmt.Errorf("add label %q to %s: %w", status, issue, convertErr(err))
	}
	return nil
}

// AssignIssue adds agent to the issue's assignees.
func (c *REST) AssignIssue(ctx context.Context, issue pipeline.IssueRef, agent string) error {
	_, resp, err := c.api.Issues.AddAssignees(ctx, issue.Owner, issue.Repo, issue.Number, []string{agent})
	c.track(resp)
	if err != nil {
		return fmt.Errorf("assign %s to %s: %w", agent, issue, convertErr(err))
	}
	return nil
}

// UnassignIssue removes agent from the issue's assignees.
func (c *REST) UnassignIssue(ctx context.Context, issue pipeline.IssueRef, agent string) error {
	_, resp, err := c.api.Issues.RemoveAssignees(ctx, issue.Owner, issue.Repo, issue.Number, []string{agent})
	c.track(resp)
	if err != nil {
		return fmt.Errorf("unassign %s from %s: %w", agent, issue, convertErr(err))
	}
	return nil
}
