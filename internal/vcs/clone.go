package vcs

import (
	"context"
	"errors"
	"strings"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

// Clone copies the remote repository url into dest, checking out branch when
// it is set.
func (a *Analyzer) Clone(ctx context.Context, url, branch, dest string) error {
	if url == "" {
		return &pipeline.RepositoryError{Path: url, Err: errors.New("no repository url")}
	}
	args := []string{"clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", url, dest)
	if _, err := a.git.Run(ctx, "", args...); err != nil {
		return &pipeline.RepositoryError{Path: url, Ref: branch, Err: err}
	}
	a.log.Info("cloned repository", "url", url, "branch", branch, "dest", dest)
	return nil
}

// IsRemote reports whether repo names a URL rather than a local path.
func IsRemote(repo string) bool {
	return strings.Contains(repo, "://")
}

// Sources routes a repository to the analyzer that can read it. Local paths
// are git working copies; URLs are Subversion repositories, since remote git
// repositories are cloned before analysis.
type Sources struct {
	Git *Analyzer
	SVN *SVNAnalyzer
}

// CombinedChanges reads the change of commits (or revisions) in repo.
func (s Sources) CombinedChanges(ctx context.Context, repo string, commits []string) (*pipeline.CombinedChanges, error) {
	if IsRemote(repo) {
		if s.SVN == nil {
			return nil, &pipeline.RepositoryError{Path: repo, Err: errors.New("remote repositories need a subversion client")}
		}
		return s.SVN.CombinedChanges(ctx, repo, commits)
	}
	if s.Git == nil {
		return nil, &pipeline.RepositoryError{Path: repo, Err: errors.New("no git client")}
	}
	return s.Git.CombinedChanges(ctx, repo, commits)
}
