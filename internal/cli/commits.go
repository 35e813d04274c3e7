package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/vcs"
)

var commitsCmd = &cobra.Command{
	Use:   "commits [ref]",
	Short: "List recent commits that a run can analyze",
	Long: `Without a ref, list recent commits newest first, leaving out commits that
only maintain tests. With a ref, show that one commit and its files.

A --repo that is a URL is read as a Subversion repository and refs are
revisions such as r1234.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Close()
		analyzer := vcs.NewAnalyzer(vcs.ExecGit{}, log)
		svn := vcs.NewSVNAnalyzer(vcs.ExecSVN{}, log)
		remote := vcs.IsRemote(repo)

		if len(args) == 1 {
			var c *vcs.Commit
			if remote {
				rev, perr := vcs.ParseRevision(args[0])
				if perr != nil {
					return perr
				}
				c, err = svn.RevisionDetails(cmd.Context(), repo, rev)
			} else {
				c, err = analyzer.CommitDetails(cmd.Context(), repo, args[0])
			}
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, c)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render(c.ShortHash), c.Subject)
			author := c.Author
			if c.Email != "" {
				author += " <" + c.Email + ">"
			}
			fmt.Fprintf(out, "  %s, %s\n", author, c.Date.Local().Format(time.DateTime))
			for _, f := range c.Files {
				fmt.Fprintf(out, "  %s\n", f)
			}
			return nil
		}

		q := vcs.CommitQuery{}
		q.Max, _ = cmd.Flags().GetInt("max")
		q.Branch, _ = cmd.Flags().GetString("branch")
		q.Author, _ = cmd.Flags().GetString("author")
		q.IncludeMerges, _ = cmd.Flags().GetBool("include-merges")
		q.IncludeTests, _ = cmd.Flags().GetBool("include-tests")
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			q.Since = time.Now().Add(-since)
		}

		var commits []vcs.Commit
		if remote {
			commits, err = svn.RecentRevisions(cmd.Context(), repo, q)
		} else {
			commits, err = analyzer.RecentCommits(cmd.Context(), repo, q)
		}
		if err != nil {
			return err
		}
		if format == "json" {
			if commits == nil {
				commits = []vcs.Commit{}
			}
			return writeJSON(cmd, commits)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "COMMIT\tDATE\tAUTHOR\tFILES\tSUBJECT")
		for _, c := range commits {
			subject := c.Subject
			if c.IsTest {
				subject = dimStyle.Render(subject + " [tests]")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				c.ShortHash, c.Date.Local().Format(time.DateOnly), c.Author, len(c.Files), strings.TrimSpace(subject))
		}
		return w.Flush()
	},
}

func init() {
	commitsCmd.Flags().String("repo", ".", "Repository to read: a git working copy or a Subversion URL")
	commitsCmd.Flags().Int("max", vcs.DefaultSelection, "Maximum commits to list")
	commitsCmd.Flags().String("branch", "", "Branch to read (default: HEAD)")
	commitsCmd.Flags().String("author", "", "Only commits by this author")
	commitsCmd.Flags().Duration("since", 0, "Only commits newer than this")
	commitsCmd.Flags().Bool("include-merges", false, "Include merge commits")
	commitsCmd.Flags().Bool("include-tests", false, "Include commits that only touch tests")
	commitsCmd.Flags().String("format", "text", "Output format: text or json")
}
