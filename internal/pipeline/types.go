package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage is an issue's position in the board pipeline.
type Stage string

const (
	StageReady      Stage = "ready"
	StageInProgress Stage = "in_progress"
	StageInReview   Stage = "in_review"
	StageDone       Stage = "done"
	StageStalled    Stage = "stalled"
)

// Active reports whether the stage protects a record from eviction.
func (s Stage) Active() bool {
	return s == StageInProgress || s == StageInReview
}

// Terminal reports whether the stage ends the pipeline for a record.
func (s Stage) Terminal() bool {
	return s == StageDone
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageReady, StageInProgress, StageInReview, StageDone, StageStalled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step.
// The pipeline only moves forward (ready→in_progress→in_review→done) or
// sideways into stalled; stalled→in_progress is the single backward move,
// reserved for manual re-assignment.
func (s Stage) CanTransition(next Stage) bool {
	if next == StageStalled {
		return s != StageDone && s != StageStalled
	}
	switch s {
	case StageReady:
		return next == StageInProgress
	case StageInProgress:
		return next == StageInReview
	case StageInReview:
		return next == StageDone
	case StageStalled:
		return next == StageInProgress
	}
	return false
}

// IssueRef identifies a GitHub issue by repository and number.
type IssueRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// Zero reports whether the ref is empty.
func (r IssueRef) Zero() bool {
	return r.Owner == "" && r.Repo == "" && r.Number == 0
}

// ParseIssueRef parses a reference of the form "owner/repo#number".
func ParseIssueRef(s string) (IssueRef, error) {
	repoPart, numPart, ok := strings.Cut(s, "#")
	if !ok {
		return IssueRef{}, fmt.Errorf("parse issue ref %q: missing #number", s)
	}
	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" {
		return IssueRef{}, fmt.Errorf("parse issue ref %q: want owner/repo#number", s)
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return IssueRef{}, fmt.Errorf("parse issue ref %q: bad issue number", s)
	}
	return IssueRef{Owner: owner, Repo: repo, Number: n}, nil
}

// TrackedIssue is the tracking record for one issue moving through the
// pipeline. AgentAssignedSHA is the branch HEAD recorded at the moment the
// agent was assigned; it is the baseline for distinguishing real progress
// from a no-op unassignment.
type TrackedIssue struct {
	ID               IssueRef  `json:"id"`
	Stage            Stage     `json:"stage"`
	AssignedAgent    string    `json:"assigned_agent,omitempty"`
	BranchRef        string    `json:"branch_ref,omitempty"`
	PRNumber         int       `json:"pr_number,omitempty"`
	AgentAssignedSHA string    `json:"agent_assigned_sha,omitempty"`
	AgentAssignedAt  time.Time `json:"agent_assigned_at,omitzero"`
	RetryCount       int       `json:"retry_count,omitempty"`
	Failing          bool      `json:"failing,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Annotation       string    `json:"annotation,omitempty"`
	LastCheckedAt    time.Time `json:"last_checked_at,omitzero"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// InvariantError reports a tracking record whose fields contradict each
// other. It is fatal to the record: the orchestrator stalls the record and
// leaves it for manual inspection.
type InvariantError struct {
	Ref    IssueRef
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated for %s: %s", e.Ref, e.Detail)
}

// CheckInvariants validates the record's internal consistency.
func (t *TrackedIssue) CheckInvariants() error {
	if !t.Stage.Valid() {
		return &InvariantError{Ref: t.ID, Detail: fmt.Sprintf("unknown stage %q", t.Stage)}
	}
	if t.Stage == StageInProgress && t.AgentAssignedSHA == "" {
		return &InvariantError{Ref: t.ID, Detail: "in_progress without agent_assigned_sha"}
	}
	if t.AssignedAgent != "" && t.AgentAssignedSHA == "" {
		return &InvariantError{Ref: t.ID, Detail: "assigned_agent set without agent_assigned_sha"}
	}
	return nil
}

// SignalKind classifies what the detector observed for a tracked issue.
type SignalKind int

const (
	// SignalNoChange means nothing new was observed since the last check.
	SignalNoChange SignalKind = iota
	// SignalNewCommits means the branch HEAD moved past the assignment baseline.
	SignalNewCommits
	// SignalUnassignedWithProgress means the agent was unassigned after
	// pushing commits (observed HEAD differs from the assignment baseline).
	SignalUnassignedWithProgress
	// SignalUnassignedNoProgress means the agent was unassigned with the
	// branch HEAD still at the assignment baseline. This is a stall, never a
	// completion.
	SignalUnassignedNoProgress
	// SignalReviewRequested means the agent asked for review, via a timeline
	// review_requested event or a marker comment.
	SignalReviewRequested
	// SignalReviewCompleted means an approving review landed.
	SignalReviewCompleted
)

func (k SignalKind) String() string {
	switch k {
	case SignalNoChange:
		return "no_change"
	case SignalNewCommits:
		return "new_commits"
	case SignalUnassignedWithProgress:
		return "unassigned_with_progress"
	case SignalUnassignedNoProgress:
		return "unassigned_no_progress"
	case SignalReviewRequested:
		return "review_requested"
	case SignalReviewCompleted:
		return "review_completed"
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// Signal is one classified observation about an issue. Signals are transient:
// they drive stage transitions and are never persisted. Truncated marks a
// signal produced from a partial scan (pagination safety cap reached).
type Signal struct {
	Kind        SignalKind
	ObservedSHA string
	ObservedAt  time.Time
	Truncated   bool
}
