package analytics

import (
	"context"
	"testing"

	"github.com/techconnect/boardflow/internal/pipeline"
)

func TestSummarize(t *testing.T) {
	records := []pipeline.TrackedIssue{
		{ID: pipeline.IssueRef{Owner: "o", Repo: "r", Number: 1}, Stage: pipeline.StageInProgress},
		{ID: pipeline.IssueRef{Owner: "o", Repo: "r", Number: 2}, Stage: pipeline.StageInProgress, Failing: true},
		{ID: pipeline.IssueRef{Owner: "o", Repo: "r", Number: 3}, Stage: pipeline.StageStalled, Annotation: "agent unassigned without verifiable progress"},
		{ID: pipeline.IssueRef{Owner: "o", Repo: "r", Number: 4}, Stage: pipeline.StageDone},
	}

	s := Summarize(records)
	if s.Total != 4 {
		t.Errorf("Total = %d", s.Total)
	}
	if s.ByStage["in_progress"] != 2 || s.ByStage["stalled"] != 1 || s.ByStage["done"] != 1 {
		t.Errorf("ByStage = %v", s.ByStage)
	}
	if s.Stalled != 1 || s.Failing != 1 || s.Annotated != 1 {
		t.Errorf("attention counts = %+v", s)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.Total != 0 || len(s.ByStage) != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestComputeThroughputWithoutDatabase(t *testing.T) {
	tp, err := ComputeThroughput(context.Background(), nil, 7)
	if err != nil {
		t.Fatalf("ComputeThroughput: %v", err)
	}
	if tp.WindowDays != 7 || tp.Transitions != 0 || tp.Days != nil {
		t.Errorf("throughput without persistence = %+v", tp)
	}
}
