package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/techconnect/boardflow/internal/orchestrator"
	"github.com/techconnect/boardflow/internal/pipeline"
)

var trackCmd = &cobra.Command{
	Use:   "track <owner/repo#number>",
	Short: "Start tracking an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := pipeline.ParseIssueRef(args[0])
		if err != nil {
			return err
		}
		branch, _ := cmd.Flags().GetString("branch")
		assign, _ := cmd.Flags().GetBool("assign")
		agent, _ := cmd.Flags().GetString("agent")

		client, err := newAPI()
		if err != nil {
			return err
		}
		body := map[string]any{
			"owner":  ref.Owner,
			"repo":   ref.Repo,
			"number": ref.Number,
			"branch": branch,
			"assign": assign,
			"agent":  agent,
		}
		var rec pipeline.TrackedIssue
		if err := client.do(cmd.Context(), http.MethodPost, "/api/issues", body, &rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tracking %s (stage %s)\n", rec.ID, rec.Stage)
		return nil
	},
}

var untrackCmd = &cobra.Command{
	Use:   "untrack <owner/repo#number>",
	Short: "Stop tracking an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := pipeline.ParseIssueRef(args[0])
		if err != nil {
			return err
		}
		client, err := newAPI()
		if err != nil {
			return err
		}
		path := issuePath(ref.Owner, ref.Repo, ref.Number)
		if err := client.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "untracked %s\n", ref)
		return nil
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign <owner/repo#number>",
	Short: "Assign the coding agent to an issue",
	Long: `Assign the coding agent to a tracked issue. A ready issue moves to
in_progress; a stalled issue is handed back for another attempt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := pipeline.ParseIssueRef(args[0])
		if err != nil {
			return err
		}
		agent, _ := cmd.Flags().GetString("agent")

		client, err := newAPI()
		if err != nil {
			return err
		}
		path := issuePath(ref.Owner, ref.Repo, ref.Number) + "/assign"
		var rec pipeline.TrackedIssue
		if err := client.do(cmd.Context(), http.MethodPost, path, map[string]string{"agent": agent}, &rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s assigned to %s (stage %s)\n", rec.ID, rec.AssignedAgent, rec.Stage)
		return nil
	},
}

var reevaluateCmd = &cobra.Command{
	Use:   "reevaluate <owner/repo#number>",
	Short: "Force an immediate evaluation of an issue",
	Long: `Force an immediate evaluation outside the polling interval. This also
clears the failing latch, so it is the way to resume an issue parked by
repeated detection failures.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := pipeline.ParseIssueRef(args[0])
		if err != nil {
			return err
		}
		client, err := newAPI()
		if err != nil {
			return err
		}
		path := issuePath(ref.Owner, ref.Repo, ref.Number) + "/reevaluate"
		var res orchestrator.EvalResult
		if err := client.do(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (stage %s)\n", res.Issue, res.Action, res.Stage)
		if res.Message != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", res.Message)
		}
		return nil
	},
}

func init() {
	trackCmd.Flags().String("branch", "", "agent working branch (e.g. copilot/fix-123)")
	trackCmd.Flags().Bool("assign", false, "assign the agent immediately after tracking")
	trackCmd.Flags().String("agent", "", "agent login (default from daemon config)")
	assignCmd.Flags().String("agent", "", "agent login (default from daemon config)")
}
