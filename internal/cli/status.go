package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/techconnect/boardflow/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show all tracked issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPI()
		if err != nil {
			return err
		}

		stage, _ := cmd.Flags().GetString("stage")
		path := "/api/issues"
		if stage != "" {
			path += "?stage=" + stage
		}
		var list struct {
			Issues []pipeline.TrackedIssue `json:"issues"`
			Total  int                     `json:"total"`
		}
		if err := client.do(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(list, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if list.Total == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No issues tracked.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-28s %-12s %-18s %-6s %-8s %s\n", "ISSUE", "STAGE", "AGENT", "PR", "RETRIES", "NOTE")
		fmt.Fprintf(w, "%-28s %-12s %-18s %-6s %-8s %s\n",
			strings.Repeat("-", 28),
			strings.Repeat("-", 12),
			strings.Repeat("-", 18),
			strings.Repeat("-", 6),
			strings.Repeat("-", 8),
			strings.Repeat("-", 4))
		for _, rec := range list.Issues {
			pr := ""
			if rec.PRNumber > 0 {
				pr = fmt.Sprintf("#%d", rec.PRNumber)
			}
			note := rec.Annotation
			if rec.Failing {
				note = "FAILING: " + rec.LastError
			}
			if len(note) > 48 {
				note = note[:45] + "..."
			}
			fmt.Fprintf(w, "%-28s %-12s %-18s %-6s %-8d %s\n",
				rec.ID, rec.Stage, rec.AssignedAgent, pr, rec.RetryCount, note)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline throughput and scheduler counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPI()
		if err != nil {
			return err
		}
		days, _ := cmd.Flags().GetInt("days")
		var stats map[string]any
		if err := client.do(cmd.Context(), http.MethodGet, fmt.Sprintf("/api/stats?days=%d", days), nil, &stats); err != nil {
			return err
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("stage", "", "Filter by stage (ready, in_progress, in_review, done, stalled)")
	statsCmd.Flags().Int("days", 7, "Throughput window in days")
	rootCmd.AddCommand(statsCmd)
}
