package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and control outreach runs",
	Long:  "Commands for listing and viewing runs, reading their event log, and pausing, resuming or canceling them.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outreach runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initControl(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		campaign, _ := cmd.Flags().GetString("campaign")
		active, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			CampaignID: campaign,
			ActiveOnly: active,
			Limit:      limit,
		}
		if status != "" {
			if filter.Status, err = model.ParseRunStatus(status); err != nil {
				return err
			}
		}

		runs, err := env.Store.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initControl(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Store.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return printJSON(os.Stdout, run)
	},
}

// -- runs events --

var runsEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Print a run's event log in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initControl(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		events, err := env.Store.ListEvents(ctx, args[0], limit, 0)
		if err != nil {
			return eris.Wrap(err, "runs events")
		}
		formatEvents(os.Stdout, events)
		return nil
	},
}

// -- runs pause / resume / cancel --

var runsPauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a run; scheduled sends stop until it is resumed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initControl(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		run, err := env.Runs.Pause(ctx, args[0], reason)
		if err != nil {
			return eris.Wrap(err, "runs pause")
		}
		fmt.Fprintf(os.Stdout, "run %s paused (%s)\n", run.ID, run.PauseReason)
		return nil
	},
}

var runsResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initControl(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Runs.Resume(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs resume")
		}
		fmt.Fprintf(os.Stdout, "run %s resumed as %s\n", run.ID, run.Status)
		return nil
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run and drop its unsent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initControl(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		run, err := env.Runs.Cancel(ctx, args[0], reason)
		if err != nil {
			return eris.Wrap(err, "runs cancel")
		}
		fmt.Fprintf(os.Stdout, "run %s canceled\n", run.ID)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, scheduled, sending, monitoring, paused, ...)")
	runsListCmd.Flags().String("campaign", "", "filter by campaign ID")
	runsListCmd.Flags().Bool("active", false, "only runs that are not in a terminal state")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsEventsCmd.Flags().Int("limit", 0, "max number of events to print (0 for all)")

	runsPauseCmd.Flags().String("reason", "operator", "reason recorded on the run")
	runsCancelCmd.Flags().String("reason", "operator", "reason recorded in the event log")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsEventsCmd)
	runsCmd.AddCommand(runsPauseCmd)
	runsCmd.AddCommand(runsResumeCmd)
	runsCmd.AddCommand(runsCancelCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCAMPAIGN\tSENT/SCHEDULED\tREPLIES\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t--------------\t-------\t-------")

	for _, r := range runs {
		campaign := r.CampaignID
		if campaign == "" {
			campaign = r.ExperimentID
		}
		if len(campaign) > 30 {
			campaign = campaign[:27] + "..."
		}

		status := string(r.Status)
		if r.Status == model.RunStatusPaused && r.PauseReason != "" {
			status += " (" + r.PauseReason + ")"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			truncateID(r.ID),
			status,
			campaign,
			r.Metrics.SentMessages,
			r.Metrics.ScheduledMessages,
			r.Metrics.Replies,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatEvents writes one line per event to w.
func formatEvents(out io.Writer, events []model.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Type,
			string(e.Payload),
		)
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
