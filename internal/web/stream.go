package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/techconnect/boardflow/internal/analytics"
	"github.com/techconnect/boardflow/internal/pipeline"
)

type snapshot struct {
	Issues  []pipeline.TrackedIssue `json:"issues"`
	Summary analytics.Summary       `json:"summary"`
	At      time.Time               `json:"at"`
}

// handleEventStream serves a Server-Sent Events stream of the tracked-issue
// set. It sends a full snapshot immediately, then every 2 seconds, until the
// client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	send := func() {
		records := s.store.List()
		snap := snapshot{
			Issues:  records,
			Summary: analytics.Summarize(records),
			At:      time.Now().UTC(),
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
		flusher.Flush()
	}

	send()

	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			send()
		}
	}
}
