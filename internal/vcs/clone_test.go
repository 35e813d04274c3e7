package vcs

import (
	"context"
	"errors"
	"testing"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

func TestClone(t *testing.T) {
	git := &fakeGit{responses: map[string]string{
		"clone --quiet --branch release -- https://example.com/app.git /tmp/run/repo": "",
		"clone --quiet -- https://example.com/app.git /tmp/default":                   "",
	}}
	a := NewAnalyzer(git, nil)

	if err := a.Clone(context.Background(), "https://example.com/app.git", "release", "/tmp/run/repo"); err != nil {
		t.Fatalf("Clone with branch: %v", err)
	}
	if err := a.Clone(context.Background(), "https://example.com/app.git", "", "/tmp/default"); err != nil {
		t.Fatalf("Clone default branch: %v", err)
	}
	if len(git.calls) != 2 {
		t.Errorf("calls = %v", git.calls)
	}
}

func TestCloneFailureIsRepositoryError(t *testing.T) {
	git := &fakeGit{failures: map[string]error{
		"clone --quiet --branch nope -- https://example.com/app.git /tmp/x": errors.New("Remote branch nope not found"),
	}}
	a := NewAnalyzer(git, nil)

	err := a.Clone(context.Background(), "https://example.com/app.git", "nope", "/tmp/x")
	var repoErr *pipeline.RepositoryError
	if !errors.As(err, &repoErr) {
		t.Fatalf("err = %v, want RepositoryError", err)
	}
	if repoErr.Path != "https://example.com/app.git" || repoErr.Ref != "nope" {
		t.Errorf("repo err = %+v", repoErr)
	}
	if pipeline.IsRetryable(err) {
		t.Error("clone failures must not be retryable")
	}

	if err := a.Clone(context.Background(), "", "", "/tmp/x"); !errors.As(err, &repoErr) {
		t.Errorf("empty url err = %v", err)
	}
}

func TestSourcesRoutesByLocation(t *testing.T) {
	src := Sources{Git: NewAnalyzer(newFakeRepo(), nil), SVN: NewSVNAnalyzer(newFakeSVN(), nil)}

	cc, err := src.CombinedChanges(context.Background(), "/repo", []string{hashB, hashA})
	if err != nil {
		t.Fatalf("git: %v", err)
	}
	if cc.LatestCommit != hashB {
		t.Errorf("git latest = %q", cc.LatestCommit)
	}

	cc, err = src.CombinedChanges(context.Background(), svnURL, []string{"12"})
	if err != nil {
		t.Fatalf("svn: %v", err)
	}
	if cc.LatestCommit != "r12" {
		t.Errorf("svn latest = %q", cc.LatestCommit)
	}

	_, err = Sources{Git: NewAnalyzer(newFakeRepo(), nil)}.CombinedChanges(context.Background(), svnURL, nil)
	var repoErr *pipeline.RepositoryError
	if !errors.As(err, &repoErr) {
		t.Errorf("svn without client err = %v", err)
	}
}

func TestIsRemote(t *testing.T) {
	for repo, want := range map[string]bool{
		"/home/ada/app":                false,
		".":                            false,
		"svn://svn.example.com/repo":   true,
		"https://svn.example.com/repo": true,
		"file:///srv/svn/repo":         true,
	} {
		if got := IsRemote(repo); got != want {
			t.Errorf("IsRemote(%q) = %v, want %v", repo, got, want)
		}
	}
}
