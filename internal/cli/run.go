package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/orchestrator"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/report"
	"github.com/lucasnoah/testforge/internal/vcs"
)

var stdin io.Reader = os.Stdin

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the test generation pipeline over recent commits",
	Long: `Run analyzes the selected commits of a repository and generates a test
strategy, test code, test scenarios and a review for them.

Without --commits the most recent non-test commits are used.

--repo-url clones a remote git repository (at --branch when given) into the
run's directory first. --svn-url analyzes a Subversion repository in place;
--commits then names revisions such as r1234.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		repoURL, _ := cmd.Flags().GetString("repo-url")
		branch, _ := cmd.Flags().GetString("branch")
		svnURL, _ := cmd.Flags().GetString("svn-url")
		commits, _ := cmd.Flags().GetStringSlice("commits")
		onlyFlag, _ := cmd.Flags().GetStringSlice("only")
		fromRun, _ := cmd.Flags().GetString("from-run")
		only, err := parseStageIDs(onlyFlag)
		if err != nil {
			return err
		}
		if branch != "" && repoURL == "" {
			return fmt.Errorf("--branch needs --repo-url")
		}
		if (fromRun != "" || repoURL != "" || svnURL != "") && !cmd.Flags().Changed("repo") {
			repo = ""
		}
		if repo != "" {
			if repo, err = filepath.Abs(repo); err != nil {
				return fmt.Errorf("resolve repo path: %w", err)
			}
		}
		if svnURL != "" {
			if !vcs.IsRemote(svnURL) {
				return fmt.Errorf("--svn-url must be a URL such as svn://host/repo or https://host/svn/repo")
			}
			repo = svnURL
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.orch.Run(ctx, orchestrator.RunOpts{
			RepoPath: repo,
			RepoURL:  repoURL,
			Branch:   branch,
			Commits:  commits,
			Only:     only,
			FromRun:  fromRun,
			Observer: observerFor(cmd),
		})
		if err != nil {
			return err
		}
		return finishRun(cmd, a, res)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted or failed run from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.orch.Resume(ctx, args[0], observerFor(cmd))
		if err != nil {
			return err
		}
		return finishRun(cmd, a, res)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the execution plan without running it",
	RunE: func(cmd *cobra.Command, args []string) error {
		onlyFlag, _ := cmd.Flags().GetStringSlice("only")
		format, _ := cmd.Flags().GetString("format")
		only, err := parseStageIDs(onlyFlag)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		plan, err := a.orch.Plan(only...)
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd, map[string]any{"batches": plan.Batches, "order": plan.Order})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%d stages)\n", headerStyle.Render(a.cfg.Pipeline.Name), plan.Len())
		for i, b := range plan.Batches {
			ids := make([]string, len(b.Stages))
			for j, id := range b.Stages {
				ids[j] = string(id)
			}
			mode := "sequential"
			if b.Parallel {
				mode = "parallel"
			}
			fmt.Fprintf(out, "  %d. %s %s\n", i+1, strings.Join(ids, ", "), dimStyle.Render("("+mode+")"))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("repo", ".", "Repository to analyze")
	runCmd.Flags().String("repo-url", "", "Clone and analyze this remote git repository")
	runCmd.Flags().String("branch", "", "Branch to clone with --repo-url")
	runCmd.Flags().String("svn-url", "", "Analyze this Subversion repository URL")
	runCmd.MarkFlagsMutuallyExclusive("repo", "repo-url", "svn-url")
	runCmd.Flags().StringSlice("commits", nil, "Commit hashes to analyze (default: recent commits)")
	runCmd.Flags().StringSlice("only", nil, "Run only these stages")
	runCmd.Flags().String("from-run", "", "Reuse completed stages of an earlier run")
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().Bool("auto-approve", false, "Keep every stage's output without asking")
		c.Flags().String("report", "", "Write the run report to this path (.json, .md or .html)")
		c.Flags().Bool("export", false, "Export reports, commits, test cases, scenarios and test source files to the output directory")
		c.Flags().String("format", "text", "Output format: text or json")
	}
	planCmd.Flags().StringSlice("only", nil, "Plan only these stages")
	planCmd.Flags().String("format", "text", "Output format: text or json")
}

func observerFor(cmd *cobra.Command) engine.Observer {
	if auto, _ := cmd.Flags().GetBool("auto-approve"); auto {
		return progressOnly{newTerminalObserver(stdin, cmd.ErrOrStderr())}
	}
	return newTerminalObserver(stdin, cmd.ErrOrStderr())
}

// progressOnly prints progress and approves every stage.
type progressOnly struct{ *terminalObserver }

func (progressOnly) RequestConfirmation(context.Context, engine.ConfirmationRequest) (engine.Decision, error) {
	return engine.DecisionProceed, nil
}

// runOutput is the json shape of a finished run.
type runOutput struct {
	RunID         string              `json:"run_id"`
	Status        pipeline.RunStatus  `json:"status"`
	Stages        []engine.StageState `json:"stages"`
	Restored      []pipeline.StageID  `json:"restored,omitempty"`
	Errors        []string            `json:"errors,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Files         []string            `json:"files,omitempty"`
}

func finishRun(cmd *cobra.Command, a *app, res *engine.RunResult) error {
	files, err := writeRunReports(cmd, a, res.RunID)
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		if err := writeJSON(cmd, runOutput{
			RunID:         res.RunID,
			Status:        res.Status,
			Stages:        res.Statuses(),
			Restored:      res.Restored,
			Errors:        res.Errors(),
			FailureReason: res.FailureReason,
			Files:         files,
		}); err != nil {
			return err
		}
	} else {
		printRun(cmd.OutOrStdout(), res, files)
	}

	switch res.Status {
	case pipeline.RunFailed, pipeline.RunAborted:
		return fmt.Errorf("run %s %s", res.RunID, res.Status)
	}
	return nil
}

func writeRunReports(cmd *cobra.Command, a *app, runID string) ([]string, error) {
	path, _ := cmd.Flags().GetString("report")
	export, _ := cmd.Flags().GetBool("export")
	if path == "" && !export {
		return nil, nil
	}
	cp, err := a.store.Load(runID)
	if err != nil {
		return nil, err
	}
	agg := report.Build(cp)

	var files []string
	if path != "" {
		if err := report.Write(path, agg); err != nil {
			return nil, err
		}
		files = append(files, path)
	}
	if export {
		written, err := report.Export(a.cfg.Output.Dir, agg)
		if err != nil {
			return nil, err
		}
		files = append(files, written...)
	}
	return files, nil
}

func printRun(w io.Writer, res *engine.RunResult, files []string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run %s %s in %s\n", res.RunID, renderRunStatus(res.Status), res.Duration.Round(time.Millisecond))
	restored := map[pipeline.StageID]bool{}
	for _, id := range res.Restored {
		restored[id] = true
	}
	for _, st := range res.Statuses() {
		note := ""
		if restored[st.Stage] {
			note = dimStyle.Render(" (restored)")
		}
		fmt.Fprintf(w, "  %s %-26s %s%s\n", statusIcon(st.Status), st.Stage, renderStatus(st.Status), note)
	}
	for _, e := range res.Errors() {
		fmt.Fprintf(w, "  %s %s\n", failStyle.Render("error:"), e)
	}
	if res.FailureReason != "" {
		fmt.Fprintf(w, "  %s\n", failStyle.Render(res.FailureReason))
	}
	for _, f := range files {
		fmt.Fprintf(w, "  wrote %s\n", f)
	}
}
