package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/techconnect/boardflow/internal/github"
	"github.com/techconnect/boardflow/internal/orchestrator"
	"github.com/techconnect/boardflow/internal/pipeline"
	"github.com/techconnect/boardflow/internal/scheduler"
)

type fakeOrch struct {
	store *pipeline.Store

	trackErr  error
	assignErr error

	assigned   []pipeline.IssueRef
	reassigned []pipeline.IssueRef
}

func (f *fakeOrch) Track(_ context.Context, spec orchestrator.TrackSpec) (pipeline.TrackedIssue, error) {
	if f.trackErr != nil {
		return pipeline.TrackedIssue{}, f.trackErr
	}
	rec := pipeline.TrackedIssue{ID: spec.Ref, BranchRef: spec.Branch}
	if err := f.store.Create(rec); err != nil {
		return pipeline.TrackedIssue{}, err
	}
	got, _ := f.store.Get(spec.Ref)
	return got, nil
}

func (f *fakeOrch) Untrack(_ context.Context, ref pipeline.IssueRef) error {
	return f.store.Delete(ref)
}

func (f *fakeOrch) Assign(_ context.Context, ref pipeline.IssueRef, agent string) (pipeline.TrackedIssue, error) {
	if f.assignErr != nil {
		return pipeline.TrackedIssue{}, f.assignErr
	}
	f.assigned = append(f.assigned, ref)
	err := f.store.Update(ref, func(r *pipeline.TrackedIssue) error {
		r.Stage = pipeline.StageInProgress
		r.AssignedAgent = agent
		return nil
	})
	if err != nil {
		return pipeline.TrackedIssue{}, err
	}
	got, _ := f.store.Get(ref)
	return got, nil
}

func (f *fakeOrch) Reassign(_ context.Context, ref pipeline.IssueRef, agent string) (pipeline.TrackedIssue, error) {
	f.reassigned = append(f.reassigned, ref)
	err := f.store.Update(ref, func(r *pipeline.TrackedIssue) error {
		r.Stage = pipeline.StageInProgress
		r.AssignedAgent = agent
		return nil
	})
	if err != nil {
		return pipeline.TrackedIssue{}, err
	}
	got, _ := f.store.Get(ref)
	return got, nil
}

type fakeSched struct {
	result    orchestrator.EvalResult
	err       error
	triggered []pipeline.IssueRef
}

func (f *fakeSched) Trigger(_ context.Context, ref pipeline.IssueRef) (orchestrator.EvalResult, error) {
	f.triggered = append(f.triggered, ref)
	if f.err != nil {
		return orchestrator.EvalResult{}, f.err
	}
	res := f.result
	res.Issue = ref
	return res, nil
}

func (f *fakeSched) Stats() scheduler.Stats {
	return scheduler.Stats{Ticks: 3, Evaluations: 12}
}

type fakeRates struct{ rl github.RateLimit }

func (f *fakeRates) RateLimit() github.RateLimit { return f.rl }

type testServer struct {
	store *pipeline.Store
	orch  *fakeOrch
	sched *fakeSched
	srv   *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := pipeline.NewStore(100, time.Hour)
	orch := &fakeOrch{store: store}
	sched := &fakeSched{result: orchestrator.EvalResult{Action: orchestrator.ActionNoChange}}
	rates := &fakeRates{rl: github.RateLimit{Limit: 5000, Remaining: 4200}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("127.0.0.1:0", store, orch, sched, nil, rates, logger)
	return &testServer{store: store, orch: orch, sched: sched, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func seed(t *testing.T, store *pipeline.Store, ref pipeline.IssueRef, stage pipeline.Stage) {
	t.Helper()
	if err := store.Create(pipeline.TrackedIssue{ID: ref, Stage: pipeline.StageReady, BranchRef: "copilot/fix-" + ref.Repo}); err != nil {
		t.Fatalf("seed %s: %v", ref, err)
	}
	if stage != pipeline.StageReady {
		err := store.Update(ref, func(r *pipeline.TrackedIssue) error {
			r.Stage = stage
			return nil
		})
		if err != nil {
			t.Fatalf("seed stage %s: %v", ref, err)
		}
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestListIssues(t *testing.T) {
	ts := newTestServer(t)
	seed(t, ts.store, pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 1}, pipeline.StageInProgress)
	seed(t, ts.store, pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 2}, pipeline.StageDone)

	w := ts.do(t, http.MethodGet, "/api/issues", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	list := decode[issueList](t, w)
	if list.Total != 2 {
		t.Fatalf("total = %d, want 2", list.Total)
	}
}

func TestListIssuesStageFilter(t *testing.T) {
	ts := newTestServer(t)
	seed(t, ts.store, pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 1}, pipeline.StageInProgress)
	seed(t, ts.store, pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 2}, pipeline.StageDone)

	w := ts.do(t, http.MethodGet, "/api/issues?stage=done", nil)
	list := decode[issueList](t, w)
	if list.Total != 1 || list.Issues[0].Stage != pipeline.StageDone {
		t.Fatalf("filtered list = %+v", list)
	}

	w = ts.do(t, http.MethodGet, "/api/issues?stage=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bogus stage status = %d, want 400", w.Code)
	}
}

func TestTrackIssue(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/issues", trackRequest{
		Owner: "acme", Repo: "api", Number: 7, Branch: "copilot/fix-7",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body)
	}
	if _, ok := ts.store.Get(pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 7}); !ok {
		t.Fatal("issue not in store after track")
	}
	if len(ts.orch.assigned) != 0 {
		t.Fatal("track without assign should not assign")
	}
}

func TestTrackIssueWithAssign(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/issues", trackRequest{
		Owner: "acme", Repo: "api", Number: 7, Branch: "copilot/fix-7", Assign: true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body)
	}
	rec := decode[pipeline.TrackedIssue](t, w)
	if rec.Stage != pipeline.StageInProgress {
		t.Fatalf("stage = %s, want in_progress", rec.Stage)
	}
	if len(ts.orch.assigned) != 1 {
		t.Fatalf("assigned calls = %d, want 1", len(ts.orch.assigned))
	}
}

func TestTrackIssueValidation(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/issues", trackRequest{Owner: "acme"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestTrackIssueConflict(t *testing.T) {
	ts := newTestServer(t)
	ref := pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 7}
	seed(t, ts.store, ref, pipeline.StageReady)
	w := ts.do(t, http.MethodPost, "/api/issues", trackRequest{
		Owner: "acme", Repo: "api", Number: 7,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body)
	}
}

func TestGetIssue(t *testing.T) {
	ts := newTestServer(t)
	ref := pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 3}
	seed(t, ts.store, ref, pipeline.StageInReview)

	w := ts.do(t, http.MethodGet, "/api/issues/acme/api/3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	detail := decode[issueDetail](t, w)
	if detail.Issue.ID != ref || detail.Issue.Stage != pipeline.StageInReview {
		t.Fatalf("detail = %+v", detail.Issue)
	}

	w = ts.do(t, http.MethodGet, "/api/issues/acme/api/99", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing issue status = %d, want 404", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/issues/acme/api/zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad number status = %d, want 400", w.Code)
	}
}

func TestUntrackIssue(t *testing.T) {
	ts := newTestServer(t)
	ref := pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 3}
	seed(t, ts.store, ref, pipeline.StageReady)

	w := ts.do(t, http.MethodDelete, "/api/issues/acme/api/3", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if _, ok := ts.store.Get(ref); ok {
		t.Fatal("issue still tracked after delete")
	}

	w = ts.do(t, http.MethodDelete, "/api/issues/acme/api/3", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("repeat delete status = %d, want 404", w.Code)
	}
}

func TestAssignIssue(t *testing.T) {
	ts := newTestServer(t)
	ref := pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 4}
	seed(t, ts.store, ref, pipeline.StageReady)

	w := ts.do(t, http.MethodPost, "/api/issues/acme/api/4/assign", assignRequest{Agent: "copilot-swe-agent"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	if len(ts.orch.assigned) != 1 || len(ts.orch.reassigned) != 0 {
		t.Fatalf("assign=%d reassign=%d, want 1/0", len(ts.orch.assigned), len(ts.orch.reassigned))
	}
}

func TestAssignStalledIssueReassigns(t *testing.T) {
	ts := newTestServer(t)
	ref := pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 4}
	seed(t, ts.store, ref, pipeline.StageStalled)

	w := ts.do(t, http.MethodPost, "/api/issues/acme/api/4/assign", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	if len(ts.orch.reassigned) != 1 {
		t.Fatalf("reassign calls = %d, want 1", len(ts.orch.reassigned))
	}
}

func TestReevaluate(t *testing.T) {
	ts := newTestServer(t)
	ref := pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 5}
	seed(t, ts.store, ref, pipeline.StageInProgress)
	ts.sched.result = orchestrator.EvalResult{Action: orchestrator.ActionAdvanced}

	w := ts.do(t, http.MethodPost, "/api/issues/acme/api/5/reevaluate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	res := decode[orchestrator.EvalResult](t, w)
	if res.Action != orchestrator.ActionAdvanced || res.Issue != ref {
		t.Fatalf("result = %+v", res)
	}
	if len(ts.sched.triggered) != 1 {
		t.Fatalf("trigger calls = %d, want 1", len(ts.sched.triggered))
	}
}

func TestReevaluateUnknownIssue(t *testing.T) {
	ts := newTestServer(t)
	ts.sched.err = pipeline.ErrNotTracked

	w := ts.do(t, http.MethodPost, "/api/issues/acme/api/99/reevaluate", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	seed(t, ts.store, pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 1}, pipeline.StageInProgress)
	seed(t, ts.store, pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 2}, pipeline.StageStalled)

	w := ts.do(t, http.MethodGet, "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	stats := decode[statsResponse](t, w)
	if stats.Summary.Total != 2 || stats.Summary.Stalled != 1 {
		t.Fatalf("summary = %+v", stats.Summary)
	}
	if stats.Scheduler.Evaluations != 12 {
		t.Fatalf("scheduler stats = %+v", stats.Scheduler)
	}
	if stats.RateLimit == nil || stats.RateLimit.Remaining != 4200 {
		t.Fatalf("rate limit = %+v", stats.RateLimit)
	}

	w = ts.do(t, http.MethodGet, "/api/stats?days=0", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("days=0 status = %d, want 400", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ref := pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 6}
	seed(t, ts.store, ref, pipeline.StageReady)
	ts.orch.assignErr = orchestrator.ErrStageConflict

	w := ts.do(t, http.MethodPost, "/api/issues/acme/api/6/assign", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("stage conflict status = %d, want 409", w.Code)
	}

	ts.orch.assignErr = errors.New("boom")
	w = ts.do(t, http.MethodPost, "/api/issues/acme/api/6/assign", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("generic error status = %d, want 500", w.Code)
	}
}

func TestEventStreamSendsSnapshot(t *testing.T) {
	ts := newTestServer(t)
	seed(t, ts.store, pipeline.IssueRef{Owner: "acme", Repo: "api", Number: 1}, pipeline.StageInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: snapshot") {
		t.Fatalf("body missing snapshot event: %q", body)
	}
	if !strings.Contains(body, `"total":1`) {
		t.Fatalf("body missing summary: %q", body)
	}
}
