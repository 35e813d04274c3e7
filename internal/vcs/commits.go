package vcs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

// logFormat separates records with RS and fields with US so subjects can
// contain any printable text.
const logFormat = "%x1e%H%x1f%h%x1f%an%x1f%ae%x1f%aI%x1f%s"

// DefaultSelection is how many recent commits are analyzed when none are
// selected.
const DefaultSelection = 10

// Commit is one entry of the commit history.
type Commit struct {
	pipeline.CommitInfo
	Files  []string `json:"files"`
	IsTest bool     `json:"is_test"`
}

// CommitQuery filters RecentCommits.
type CommitQuery struct {
	Max           int
	Branch        string
	Author        string
	Since         time.Time
	IncludeMerges bool
	IncludeTests  bool
}

// RecentCommits lists commits newest first. Test-maintenance commits are
// dropped unless q.IncludeTests is set.
func (a *Analyzer) RecentCommits(ctx context.Context, repo string, q CommitQuery) ([]Commit, error) {
	if err := a.checkRepo(ctx, repo); err != nil {
		return nil, err
	}
	limit := q.Max
	if limit <= 0 {
		limit = 50
	}
	fetch := limit
	if !q.IncludeTests {
		// over-fetch so filtering still fills the page
		fetch = limit * 3
	}

	args := []string{"log", "--max-count=" + strconv.Itoa(fetch), "--name-only", "--format=" + logFormat}
	if !q.IncludeMerges {
		args = append(args, "--no-merges")
	}
	if q.Author != "" {
		args = append(args, "--author="+q.Author)
	}
	if !q.Since.IsZero() {
		args = append(args, "--since="+q.Since.Format(time.RFC3339))
	}
	if q.Branch != "" {
		if _, err := a.git.Run(ctx, repo, "rev-parse", "--verify", "--quiet", q.Branch); err != nil {
			a.log.Warn("branch not found, using HEAD", "branch", q.Branch)
		} else {
			args = append(args, q.Branch)
		}
	}

	out, err := a.git.Run(ctx, repo, args...)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: repo, Ref: q.Branch, Err: err}
	}
	all, err := parseLog(out)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: repo, Err: err}
	}

	commits := make([]Commit, 0, limit)
	for _, c := range all {
		if c.IsTest && !q.IncludeTests {
			a.log.Debug("excluding test commit", "commit", c.ShortHash, "subject", c.Subject)
			continue
		}
		commits = append(commits, c)
		if len(commits) == limit {
			break
		}
	}
	return commits, nil
}

// CommitDetails resolves ref to a single commit with its changed files.
func (a *Analyzer) CommitDetails(ctx context.Context, repo, ref string) (*Commit, error) {
	out, err := a.git.Run(ctx, repo, "log", "-1", "--name-only", "--format="+logFormat, ref, "--")
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: repo, Ref: ref, Err: err}
	}
	commits, err := parseLog(out)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: repo, Ref: ref, Err: err}
	}
	if len(commits) == 0 {
		return nil, &pipeline.RepositoryError{Path: repo, Ref: ref, Err: fmt.Errorf("unknown revision")}
	}
	return &commits[0], nil
}

func parseLog(out string) ([]Commit, error) {
	var commits []Commit
	for _, rec := range strings.Split(out, "\x1e") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		lines := strings.Split(rec, "\n")
		fields := strings.Split(lines[0], "\x1f")
		if len(fields) < 6 {
			return nil, fmt.Errorf("malformed log record %q", lines[0])
		}
		date, err := time.Parse(time.RFC3339, fields[4])
		if err != nil {
			return nil, fmt.Errorf("parse commit date %q: %w", fields[4], err)
		}
		c := Commit{CommitInfo: pipeline.CommitInfo{
			Hash:      fields[0],
			ShortHash: fields[1],
			Author:    fields[2],
			Email:     fields[3],
			Date:      date,
			Subject:   fields[5],
		}}
		for _, l := range lines[1:] {
			if l = strings.TrimSpace(l); l != "" {
				c.Files = append(c.Files, l)
			}
		}
		c.IsTest = IsTestCommit(c.Subject, c.Files)
		commits = append(commits, c)
	}
	return commits, nil
}
