package db

import (
	"context"
	"fmt"
	"time"

	"github.com/techconnect/boardflow/internal/pipeline"
)

// Event names recorded in the pipeline_events table.
const (
	EventTracked          = "tracked"
	EventUntracked        = "untracked"
	EventAssigned         = "assigned"
	EventReassigned       = "reassigned"
	EventTransition       = "transition"
	EventDetectionFailed  = "detection_failed"
	EventSideEffectFailed = "side_effect_failed"
	EventInvariant        = "invariant_violation"
	EventDiscarded        = "discarded"
)

// PipelineEvent is one row of the event log.
type PipelineEvent struct {
	ID        int64     `json:"id"`
	EvalID    string    `json:"eval_id,omitempty"`
	Issue     pipeline.IssueRef `json:"issue"`
	Event     string    `json:"event"`
	FromStage string    `json:"from_stage,omitempty"`
	ToStage   string    `json:"to_stage,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LogEvent appends an event. Callers treat the log as fire-and-forget; a nil
// *DB swallows the write.
func (d *DB) LogEvent(ctx context.Context, ev PipelineEvent) error {
	if d == nil {
		return nil
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO pipeline_events (eval_id, owner, repo, issue, event, from_stage, to_stage, signal, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.EvalID, ev.Issue.Owner, ev.Issue.Repo, ev.Issue.Number,
		ev.Event, ev.FromStage, ev.ToStage, ev.Signal, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// History returns the most recent events for one issue, newest first.
func (d *DB) History(ctx context.Context, ref pipeline.IssueRef, limit int) ([]PipelineEvent, error) {
	if d == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, eval_id, event, from_stage, to_stage, signal, detail, created_at
		 FROM pipeline_events
		 WHERE owner = $1 AND repo = $2 AND issue = $3
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`,
		ref.Owner, ref.Repo, ref.Number, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", ref, err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		ev := PipelineEvent{Issue: ref}
		if err := rows.Scan(&ev.ID, &ev.EvalID, &ev.Event, &ev.FromStage, &ev.ToStage, &ev.Signal, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventCounts returns how many events of each name were logged since the
// given instant.
func (d *DB) EventCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	if d == nil {
		return nil, nil
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT event, COUNT(*) FROM pipeline_events WHERE created_at >= $1 GROUP BY event`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var event string
		var n int
		if err := rows.Scan(&event, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[event] = n
	}
	return counts, rows.Err()
}

// DayCount is the number of stage transitions applied on one day.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD, UTC
	Count int    `json:"count"`
}

// TransitionsPerDay returns per-day transition throughput for the last `days`
// days, oldest first. Days with no transitions are absent.
func (d *DB) TransitionsPerDay(ctx context.Context, days int) ([]DayCount, error) {
	if d == nil {
		return nil, nil
	}
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := d.conn.QueryContext(ctx,
		`SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		 FROM pipeline_events
		 WHERE event = $1 AND created_at >= $2
		 GROUP BY day
		 ORDER BY day`,
		EventTransition, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions per day: %w", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}
