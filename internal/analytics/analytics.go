package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/techconnect/boardflow/internal/db"
	"github.com/techconnect/boardflow/internal/pipeline"
)

// Summary is the operator-facing view of the tracked pipeline: how many
// issues sit in each stage and how many need attention.
type Summary struct {
	Total     int            `json:"total"`
	ByStage   map[string]int `json:"by_stage"`
	Stalled   int            `json:"stalled"`
	Failing   int            `json:"failing"`
	Annotated int            `json:"annotated"`
}

// Summarize computes a Summary from a store snapshot.
func Summarize(records []pipeline.TrackedIssue) Summary {
	s := Summary{
		Total:   len(records),
		ByStage: make(map[string]int),
	}
	for _, rec := range records {
		s.ByStage[string(rec.Stage)]++
		if rec.Stage == pipeline.StageStalled {
			s.Stalled++
		}
		if rec.Failing {
			s.Failing++
		}
		if rec.Annotation != "" {
			s.Annotated++
		}
	}
	return s
}

// Throughput is transition volume over a trailing window, from the event
// log. Zero-valued when persistence is disabled.
type Throughput struct {
	WindowDays  int            `json:"window_days"`
	Days        []db.DayCount  `json:"days,omitempty"`
	Transitions int            `json:"transitions"`
	PerDay      float64        `json:"per_day"`
	Events      map[string]int `json:"events,omitempty"`
}

// ComputeThroughput aggregates the event log over the last `days` days. A
// nil database yields an empty Throughput, not an error.
func ComputeThroughput(ctx context.Context, database *db.DB, days int) (Throughput, error) {
	if days <= 0 {
		days = 7
	}
	tp := Throughput{WindowDays: days}
	if database == nil {
		return tp, nil
	}

	dayCounts, err := database.TransitionsPerDay(ctx, days)
	if err != nil {
		return tp, fmt.Errorf("transition throughput: %w", err)
	}
	tp.Days = dayCounts
	for _, dc := range dayCounts {
		tp.Transitions += dc.Count
	}
	tp.PerDay = float64(tp.Transitions) / float64(days)

	since := time.Now().UTC().AddDate(0, 0, -days)
	events, err := database.EventCounts(ctx, since)
	if err != nil {
		return tp, fmt.Errorf("event counts: %w", err)
	}
	tp.Events = events
	return tp, nil
}
