package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/techconnect/boardflow/internal/github"
	"github.com/techconnect/boardflow/internal/pipeline"
)

var base = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func testRef() pipeline.IssueRef {
	return pipeline.IssueRef{Owner: "techconnect", Repo: "connect", Number: 42}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient scripts paginated GitHub responses and records which calls were
// made.
type fakeClient struct {
	head            string
	headErr         error
	timeline        [][]github.TimelineEvent
	comments        [][]github.IssueComment
	endlessComments bool
	reviews         [][]github.Review
	pr              *github.PullRequest
	calls           []string
}

func page[T any](pages [][]T, n int) ([]T, int) {
	if n < 1 {
		n = 1
	}
	if n > len(pages) {
		return nil, 0
	}
	next := 0
	if n < len(pages) {
		next = n + 1
	}
	return pages[n-1], next
}

func (f *fakeClient) BranchHead(ctx context.Context, repo github.RepoRef, branch string) (string, error) {
	f.calls = append(f.calls, "BranchHead")
	return f.head, f.headErr
}

func (f *fakeClient) TimelineEvents(ctx context.Context, issue pipeline.IssueRef, p int) ([]github.TimelineEvent, int, error) {
	f.calls = append(f.calls, fmt.Sprintf("TimelineEvents(%d)", p))
	evs, next := page(f.timeline, p)
	return evs, next, nil
}

func (f *fakeClient) IssueComments(ctx context.Context, issue pipeline.IssueRef, p int) ([]github.IssueComment, int, error) {
	f.calls = append(f.calls, fmt.Sprintf("IssueComments(%d)", p))
	if f.endlessComments {
		return []github.IssueComment{{ID: int64(p), Author: "chatter", Body: "noise", CreatedAt: base}}, p + 1, nil
	}
	cms, next := page(f.comments, p)
	return cms, next, nil
}

func (f *fakeClient) PullRequestReviews(ctx context.Context, repo github.RepoRef, number, p int) ([]github.Review, int, error) {
	f.calls = append(f.calls, fmt.Sprintf("PullRequestReviews(%d)", p))
	rvs, next := page(f.reviews, p)
	return rvs, next, nil
}

func (f *fakeClient) FindPRForBranch(ctx context.Context, repo github.RepoRef, branch string) (*github.PullRequest, error) {
	f.calls = append(f.calls, "FindPRForBranch")
	return f.pr, nil
}

func (f *fakeClient) ConvertDraftPRToReady(ctx context.Context, repo github.RepoRef, number int) error {
	f.calls = append(f.calls, "ConvertDraftPRToReady")
	return nil
}

func (f *fakeClient) RequestReview(ctx context.Context, repo github.RepoRef, number int, reviewer string) error {
	f.calls = append(f.calls, "RequestReview")
	return nil
}

func (f *fakeClient) UpdateBoardStatus(ctx context.Context, issue pipeline.IssueRef, status string) error {
	f.calls = append(f.calls, "UpdateBoardStatus")
	return nil
}

func (f *fakeClient) AssignIssue(ctx context.Context, issue pipeline.IssueRef, agent string) error {
	f.calls = append(f.calls, "AssignIssue")
	return nil
}

func (f *fakeClient) UnassignIssue(ctx context.Context, issue pipeline.IssueRef, agent string) error {
	f.calls = append(f.calls, "UnassignIssue")
	return nil
}

func (f *fakeClient) RateLimit() github.RateLimit {
	return github.RateLimit{}
}

func inProgressRecord() pipeline.TrackedIssue {
	return pipeline.TrackedIssue{
		ID:               testRef(),
		Stage:            pipeline.StageInProgress,
		AssignedAgent:    "copilot",
		BranchRef:        "copilot/issue-42",
		AgentAssignedSHA: "abc123",
		AgentAssignedAt:  base,
	}
}

func TestUnassignedNoProgress(t *testing.T) {
	fake := &fakeClient{
		head: "abc123",
		timeline: [][]github.TimelineEvent{{
			{ID: 1, Event: github.EventAssigned, Assignee: "copilot", CreatedAt: base},
			{ID: 2, Event: github.EventUnassigned, Assignee: "copilot", CreatedAt: base.Add(time.Hour)},
		}},
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalUnassignedNoProgress {
		t.Fatalf("Kind = %s, want unassigned_no_progress", sig.Kind)
	}
	if sig.ObservedSHA != "abc123" {
		t.Errorf("ObservedSHA = %q", sig.ObservedSHA)
	}
	if !sig.ObservedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("ObservedAt = %v, want the unassignment instant", sig.ObservedAt)
	}
}

func TestUnassignedWithProgress(t *testing.T) {
	fake := &fakeClient{
		head: "def456",
		timeline: [][]github.TimelineEvent{{
			{ID: 2, Event: github.EventUnassigned, Assignee: "copilot", CreatedAt: base.Add(time.Hour)},
		}},
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalUnassignedWithProgress {
		t.Fatalf("Kind = %s, want unassigned_with_progress", sig.Kind)
	}
}

func TestUnassignedUnknownBranchIsNoProgress(t *testing.T) {
	fake := &fakeClient{
		timeline: [][]github.TimelineEvent{{
			{ID: 2, Event: github.EventUnassigned, Assignee: "copilot", CreatedAt: base.Add(time.Hour)},
		}},
	}
	rec := inProgressRecord()
	rec.BranchRef = ""
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalUnassignedNoProgress {
		t.Fatalf("Kind = %s; progress must be verifiable, not assumed", sig.Kind)
	}
}

func TestUnassignmentFromEarlierEpochIgnored(t *testing.T) {
	fake := &fakeClient{
		head: "abc123",
		timeline: [][]github.TimelineEvent{{
			{ID: 1, Event: github.EventUnassigned, Assignee: "copilot", CreatedAt: base.Add(-time.Hour)},
		}},
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalNoChange {
		t.Fatalf("Kind = %s, want no_change for a pre-assignment event", sig.Kind)
	}
}

func TestReassignmentAfterUnassignmentWins(t *testing.T) {
	fake := &fakeClient{
		head: "abc123",
		timeline: [][]github.TimelineEvent{{
			{ID: 1, Event: github.EventUnassigned, Assignee: "copilot", CreatedAt: base.Add(10 * time.Minute)},
			{ID: 2, Event: github.EventAssigned, Assignee: "copilot", CreatedAt: base.Add(20 * time.Minute)},
		}},
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalNoChange {
		t.Fatalf("Kind = %s; the latest assignment event is an assignment, not an unassignment", sig.Kind)
	}
}

func genComments(n, markerAt int, author string, markerBody string) [][]github.IssueComment {
	var pages [][]github.IssueComment
	var cur []github.IssueComment
	for i := 1; i <= n; i++ {
		body := fmt.Sprintf("comment %d", i)
		who := "chatter"
		if i == markerAt {
			body = markerBody
			who = author
		}
		cur = append(cur, github.IssueComment{ID: int64(i), Author: who, Body: body, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		if len(cur) == 100 {
			pages = append(pages, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}
	return pages
}

func TestMarkerFoundDeepInComments(t *testing.T) {
	// 250 comments, the marker sits at #200 on the second page of 100.
	fake := &fakeClient{
		head:     "abc123",
		comments: genComments(250, 200, "copilot", "The work is finished and ready for review."),
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalReviewRequested {
		t.Fatalf("Kind = %s, want review_requested; a deep marker must not be missed", sig.Kind)
	}
	if sig.Truncated {
		t.Error("scan of 3 pages must not report truncation")
	}
}

func TestPaginationCapYieldsTruncatedNoChange(t *testing.T) {
	fake := &fakeClient{
		head:            "abc123",
		endlessComments: true,
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalNoChange {
		t.Fatalf("Kind = %s, want no_change", sig.Kind)
	}
	if !sig.Truncated {
		t.Fatal("hitting the page cap must mark the signal truncated")
	}
}

func TestMarkerFromStrangerIgnored(t *testing.T) {
	fake := &fakeClient{
		head:     "abc123",
		comments: [][]github.IssueComment{{{ID: 1, Author: "drive-by", Body: "ready for review!", CreatedAt: base.Add(time.Minute)}}},
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalNoChange {
		t.Fatalf("Kind = %s; only the assigned agent's markers count", sig.Kind)
	}
}

func TestMarkerFromBotVariantOfAgent(t *testing.T) {
	fake := &fakeClient{
		head:     "abc123",
		comments: [][]github.IssueComment{{{ID: 1, Author: "copilot[bot]", Body: "Implementation complete, please review.", CreatedAt: base.Add(time.Minute)}}},
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalReviewRequested {
		t.Fatalf("Kind = %s, want review_requested for the agent's bot login", sig.Kind)
	}
}

func TestReviewRequestedTimelineEvent(t *testing.T) {
	fake := &fakeClient{
		head: "abc123",
		timeline: [][]github.TimelineEvent{{
			{ID: 3, Event: github.EventReviewRequested, Actor: "copilot", CreatedAt: base.Add(time.Minute)},
		}},
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalReviewRequested {
		t.Fatalf("Kind = %s, want review_requested", sig.Kind)
	}
}

func TestUnassignmentOutranksMarker(t *testing.T) {
	fake := &fakeClient{
		head: "abc123",
		timeline: [][]github.TimelineEvent{{
			{ID: 2, Event: github.EventUnassigned, Assignee: "copilot", CreatedAt: base.Add(2 * time.Hour)},
		}},
		comments: [][]github.IssueComment{{{ID: 1, Author: "copilot", Body: "ready for review", CreatedAt: base.Add(time.Hour)}}},
	}
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), inProgressRecord())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalUnassignedNoProgress {
		t.Fatalf("Kind = %s; unassignment takes precedence over markers", sig.Kind)
	}
}

func TestNewCommitsReportedOnce(t *testing.T) {
	fake := &fakeClient{head: "def456"}
	d := New(fake, 10, discardLogger())
	rec := inProgressRecord()

	sig, err := d.Detect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalNewCommits {
		t.Fatalf("first Kind = %s, want new_commits", sig.Kind)
	}

	sig, err = d.Detect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalNoChange {
		t.Fatalf("second Kind = %s, want no_change for the same HEAD", sig.Kind)
	}

	fake.head = "fed789"
	sig, err = d.Detect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalNewCommits {
		t.Fatalf("Kind = %s, want new_commits for a fresh HEAD", sig.Kind)
	}
}

func TestReviewCompleted(t *testing.T) {
	fake := &fakeClient{
		head: "def456",
		reviews: [][]github.Review{{
			{ID: 1, Reviewer: "alice", State: github.ReviewChangesRequested, SubmittedAt: base.Add(time.Hour)},
			{ID: 2, Reviewer: "alice", State: github.ReviewApproved, SubmittedAt: base.Add(2 * time.Hour)},
		}},
	}
	rec := inProgressRecord()
	rec.Stage = pipeline.StageInReview
	rec.PRNumber = 9
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalReviewCompleted {
		t.Fatalf("Kind = %s, want review_completed", sig.Kind)
	}
	if !sig.ObservedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("ObservedAt = %v, want the approval instant", sig.ObservedAt)
	}
}

func TestStaleApprovalIgnored(t *testing.T) {
	fake := &fakeClient{
		head: "def456",
		reviews: [][]github.Review{{
			{ID: 1, Reviewer: "alice", State: github.ReviewApproved, SubmittedAt: base.Add(-time.Hour)},
		}},
	}
	rec := inProgressRecord()
	rec.Stage = pipeline.StageInReview
	rec.PRNumber = 9
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalNoChange {
		t.Fatalf("Kind = %s; approvals from before the assignment must not count", sig.Kind)
	}
}

func TestInReviewDiscoversPRFromBranch(t *testing.T) {
	fake := &fakeClient{
		head: "def456",
		pr:   &github.PullRequest{Number: 9, HeadRef: "copilot/issue-42"},
		reviews: [][]github.Review{{
			{ID: 2, Reviewer: "alice", State: github.ReviewApproved, SubmittedAt: base.Add(time.Hour)},
		}},
	}
	rec := inProgressRecord()
	rec.Stage = pipeline.StageInReview
	d := New(fake, 10, discardLogger())

	sig, err := d.Detect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if sig.Kind != pipeline.SignalReviewCompleted {
		t.Fatalf("Kind = %s, want review_completed via discovered PR", sig.Kind)
	}
}

func TestDetectionFailurePropagates(t *testing.T) {
	boom := errors.New("github is down")
	fake := &fakeClient{headErr: boom}
	d := New(fake, 10, discardLogger())

	_, err := d.Detect(context.Background(), inProgressRecord())
	if !errors.Is(err, boom) {
		t.Fatalf("Detect err = %v, want wrapped transport error", err)
	}
	if len(fake.calls) != 1 {
		t.Errorf("calls = %v; the detector must not retry on its own", fake.calls)
	}
}

func TestInactiveStagesMakeNoAPICalls(t *testing.T) {
	for _, stage := range []pipeline.Stage{pipeline.StageReady, pipeline.StageStalled, pipeline.StageDone} {
		fake := &fakeClient{}
		d := New(fake, 10, discardLogger())
		rec := inProgressRecord()
		rec.Stage = stage
		rec.AssignedAgent = ""
		rec.AgentAssignedSHA = ""

		sig, err := d.Detect(context.Background(), rec)
		if err != nil {
			t.Fatalf("Detect(%s): %v", stage, err)
		}
		if sig.Kind != pipeline.SignalNoChange {
			t.Errorf("Detect(%s) Kind = %s, want no_change", stage, sig.Kind)
		}
		if len(fake.calls) != 0 {
			t.Errorf("Detect(%s) made calls %v, want none", stage, fake.calls)
		}
	}
}
