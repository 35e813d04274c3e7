package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/report"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored runs",
}

// localStore loads config and the checkpoint store without the model
// client, for commands that only read stored runs.
func localStore() (*config.Config, *pipeline.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, nil
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")
		filter := pipeline.RunStatus(status)
		if status != "" && !validRunStatus(filter) {
			return fmt.Errorf("unknown status %q", status)
		}

		_, store, err := localStore()
		if err != nil {
			return err
		}
		cps, err := store.List(filter)
		if err != nil {
			return err
		}
		if limit > 0 && len(cps) > limit {
			cps = cps[:limit]
		}
		summaries := report.SummarizeAll(cps)
		if format == "json" {
			return writeJSON(cmd, summaries)
		}
		if len(summaries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tPROGRESS\tCURRENT\tREPO\tUPDATED")
		for _, s := range summaries {
			current := string(s.CurrentStage)
			if current == "" {
				current = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				s.RunID, s.Status, s.Completed, s.Total, current, s.RepoPath, s.UpdatedAt)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's stages and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		_, store, err := localStore()
		if err != nil {
			return err
		}
		cp, err := store.Load(args[0])
		if err != nil {
			return err
		}
		progress := cp.Progress()
		if format == "json" {
			return writeJSON(cmd, map[string]any{
				"run":      report.Summarize(cp),
				"progress": progress,
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Run "+cp.RunID), renderRunStatus(cp.Status))
		fmt.Fprintf(out, "  repo:     %s\n", cp.RepoPath)
		fmt.Fprintf(out, "  commits:  %d\n", len(cp.Commits))
		fmt.Fprintf(out, "  progress: %d/%d (%.0f%%)\n", progress.Completed, progress.Total, progress.Percentage)
		if cp.FailureReason != "" {
			fmt.Fprintf(out, "  reason:   %s\n", failStyle.Render(cp.FailureReason))
		}
		ids := make([]pipeline.StageID, 0, len(progress.Stages))
		for id := range progress.Stages {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return stageOrder(ids[i]) < stageOrder(ids[j]) })
		for _, id := range ids {
			st := progress.Stages[id]
			fmt.Fprintf(out, "  %s %-26s %s\n", statusIcon(st), id, renderStatus(st))
			if r, ok := cp.Result(id); ok {
				for _, e := range r.Errors {
					fmt.Fprintf(out, "      %s\n", failStyle.Render(e))
				}
			}
		}
		return nil
	},
}

var runsEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show the event log of a run (requires a database)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := requireDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		events, err := database.RunEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if format == "json" {
			if events == nil {
				events = []pipeline.Event{}
			}
			return writeJSON(cmd, events)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tSTAGE\tATTEMPT\tSTATUS\tDETAIL")
		for _, ev := range events {
			attempt := "-"
			if ev.Attempt > 0 {
				attempt = fmt.Sprint(ev.Attempt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				ev.Time.Local().Format(time.TimeOnly), ev.Kind, ev.Stage, attempt, ev.Status, ev.Detail)
		}
		return w.Flush()
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-stage durations, retries and outcomes (requires a database)",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		format, _ := cmd.Flags().GetString("format")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := requireDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		stats, err := database.StageStats(cmd.Context(), time.Now().Add(-since))
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd, stats)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRUNS\tAVG\tP50\tP95\tRETRY RATE\tCOMPLETED\tFAILED\tSKIPPED")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%.1fs\t%.1fs\t%.1fs\t%.2f\t%d\t%d\t%d\n",
				s.Stage, s.Count, s.AvgSecs, s.P50Secs, s.P95Secs, s.RetryRate,
				s.Outcomes["completed"], s.Outcomes["failed"], s.Outcomes["skipped"])
		}
		return w.Flush()
	},
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's reports, commits, tests and test source files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		cfg, store, err := localStore()
		if err != nil {
			return err
		}
		cp, err := store.Load(args[0])
		if err != nil {
			return err
		}
		if dir == "" {
			dir = cfg.Output.Dir
		}
		files, err := report.Export(dir, report.Build(cp))
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", f)
		}
		return nil
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := localStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
		return nil
	},
}

func validRunStatus(s pipeline.RunStatus) bool {
	switch s {
	case pipeline.RunIdle, pipeline.RunRunning, pipeline.RunCompleted, pipeline.RunFailed, pipeline.RunAborted:
		return true
	}
	return false
}

func stageOrder(id pipeline.StageID) int {
	for i, s := range pipeline.AllStages {
		if s == id {
			return i
		}
	}
	return len(pipeline.AllStages)
}

func init() {
	runsListCmd.Flags().String("status", "", "Only runs with this status")
	runsListCmd.Flags().Int("limit", 0, "Show at most this many runs")
	runsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "Window of events to summarize")
	runsExportCmd.Flags().String("dir", "", "Directory to export into (default: output.dir)")
	for _, c := range []*cobra.Command{runsListCmd, runsShowCmd, runsEventsCmd, runsStatsCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
	}
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsEventsCmd, runsStatsCmd, runsExportCmd, runsDeleteCmd)
}
