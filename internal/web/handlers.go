package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/techconnect/boardflow/internal/analytics"
	"github.com/techconnect/boardflow/internal/db"
	"github.com/techconnect/boardflow/internal/github"
	"github.com/techconnect/boardflow/internal/orchestrator"
	"github.com/techconnect/boardflow/internal/pipeline"
	"github.com/techconnect/boardflow/internal/scheduler"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrNotTracked):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyTracked),
		errors.Is(err, pipeline.ErrClaimHeld),
		errors.Is(err, orchestrator.ErrStageConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// refFromRequest parses the {owner}/{repo}/{number} path wildcards.
func refFromRequest(r *http.Request) (pipeline.IssueRef, bool) {
	num, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || num <= 0 {
		return pipeline.IssueRef{}, false
	}
	ref := pipeline.IssueRef{
		Owner:  r.PathValue("owner"),
		Repo:   r.PathValue("repo"),
		Number: num,
	}
	if ref.Owner == "" || ref.Repo == "" {
		return pipeline.IssueRef{}, false
	}
	return ref, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type issueList struct {
	Issues []pipeline.TrackedIssue `json:"issues"`
	Total  int                     `json:"total"`
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	records := s.store.List()
	if stage := r.URL.Query().Get("stage"); stage != "" {
		st := pipeline.Stage(stage)
		if !st.Valid() {
			writeBadRequest(w, "unknown stage: "+stage)
			return
		}
		filtered := records[:0]
		for _, rec := range records {
			if rec.Stage == st {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, http.StatusOK, issueList{Issues: records, Total: len(records)})
}

type trackRequest struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	Branch string `json:"branch"`
	Assign bool   `json:"assign"`
	Agent  string `json:"agent"`
}

func (s *Server) handleTrackIssue(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Owner == "" || req.Repo == "" || req.Number <= 0 {
		writeBadRequest(w, "owner, repo and number are required")
		return
	}
	ref := pipeline.IssueRef{Owner: req.Owner, Repo: req.Repo, Number: req.Number}
	rec, err := s.orch.Track(r.Context(), orchestrator.TrackSpec{Ref: ref, Branch: req.Branch})
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Assign || req.Agent != "" {
		rec, err = s.orch.Assign(r.Context(), ref, req.Agent)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, rec)
}

type issueDetail struct {
	Issue   pipeline.TrackedIssue `json:"issue"`
	History []db.PipelineEvent    `json:"history,omitempty"`
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromRequest(r)
	if !ok {
		writeBadRequest(w, "invalid issue reference")
		return
	}
	rec, ok := s.store.Get(ref)
	if !ok {
		writeError(w, pipeline.ErrNotTracked)
		return
	}
	detail := issueDetail{Issue: rec}
	if events, err := s.database.History(r.Context(), ref, 50); err != nil {
		s.logger.Warn("event history unavailable", "issue", ref, "error", err)
	} else {
		detail.History = events
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUntrackIssue(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromRequest(r)
	if !ok {
		writeBadRequest(w, "invalid issue reference")
		return
	}
	if err := s.orch.Untrack(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRequest struct {
	Agent string `json:"agent"`
}

// handleAssignIssue assigns a ready issue, or hands a stalled one back to
// the agent for another attempt.
func (s *Server) handleAssignIssue(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromRequest(r)
	if !ok {
		writeBadRequest(w, "invalid issue reference")
		return
	}
	var req assignRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body: "+err.Error())
			return
		}
	}
	rec, ok := s.store.Get(ref)
	if !ok {
		writeError(w, pipeline.ErrNotTracked)
		return
	}
	var err error
	if rec.Stage == pipeline.StageStalled {
		rec, err = s.orch.Reassign(r.Context(), ref, req.Agent)
	} else {
		rec, err = s.orch.Assign(r.Context(), ref, req.Agent)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromRequest(r)
	if !ok {
		writeBadRequest(w, "invalid issue reference")
		return
	}
	res, err := s.sched.Trigger(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statsResponse struct {
	Summary    analytics.Summary    `json:"summary"`
	Scheduler  scheduler.Stats      `json:"scheduler"`
	Throughput analytics.Throughput `json:"throughput"`
	RateLimit  *github.RateLimit    `json:"rate_limit,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 90 {
			writeBadRequest(w, "days must be between 1 and 90")
			return
		}
		days = n
	}
	resp := statsResponse{
		Summary:   analytics.Summarize(s.store.List()),
		Scheduler: s.sched.Stats(),
	}
	tp, err := analytics.ComputeThroughput(r.Context(), s.database, days)
	if err != nil {
		s.logger.Warn("throughput query failed", "error", err)
	} else {
		resp.Throughput = tp
	}
	if s.rates != nil {
		rl := s.rates.RateLimit()
		resp.RateLimit = &rl
	}
	writeJSON(w, http.StatusOK, resp)
}
