package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/techconnect/boardflow/internal/db"
	"github.com/techconnect/boardflow/internal/orchestrator"
	"github.com/techconnect/boardflow/internal/pipeline"
	"github.com/techconnect/boardflow/internal/scheduler"
)

// Pipeline is the slice of the orchestrator the API needs for mutations.
type Pipeline interface {
	Track(ctx context.Context, spec orchestrator.TrackSpec) (pipeline.TrackedIssue, error)
	Untrack(ctx context.Context, ref pipeline.IssueRef) error
	Assign(ctx context.Context, ref pipeline.IssueRef, agent string) (pipeline.TrackedIssue, error)
	Reassign(ctx context.Context, ref pipeline.IssueRef, agent string) (pipeline.TrackedIssue, error)
}

// Reevaluator triggers an immediate evaluation outside the polling loop.
type Reevaluator interface {
	Trigger(ctx context.Context, ref pipeline.IssueRef) (orchestrator.EvalResult, error)
	Stats() scheduler.Stats
}

// Server is the JSON API server for the boardflow daemon.
type Server struct {
	store    *pipeline.Store
	orch     Pipeline
	sched    Reevaluator
	database *db.DB
	rates    scheduler.RateSource
	logger   *slog.Logger

	srv *http.Server
}

// NewServer wires the API server. database and rates may be nil; the
// affected endpoints degrade to empty sections.
func NewServer(addr string, store *pipeline.Store, orch Pipeline, sched Reevaluator, database *db.DB, rates scheduler.RateSource, logger *slog.Logger) *Server {
	s := &Server{
		store:    store,
		orch:     orch,
		sched:    sched,
		database: database,
		rates:    rates,
		logger:   logger,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/issues", s.handleListIssues)
	mux.HandleFunc("POST /api/issues", s.handleTrackIssue)
	mux.HandleFunc("GET /api/issues/{owner}/{repo}/{number}", s.handleGetIssue)
	mux.HandleFunc("DELETE /api/issues/{owner}/{repo}/{number}", s.handleUntrackIssue)
	mux.HandleFunc("POST /api/issues/{owner}/{repo}/{number}/assign", s.handleAssignIssue)
	mux.HandleFunc("POST /api/issues/{owner}/{repo}/{number}/reevaluate", s.handleReevaluate)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEventStream)
	return s.logRequests(mux)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
