// Package vcs reads commit history and combined diffs from git and
// Subversion repositories.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// EmptyTree is the object id of git's empty tree, used as the base when the
// earliest selected commit has no parent.
const EmptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Runner executes a version control command in a directory and returns
// stdout.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements Runner by calling the git binary.
type ExecGit struct{}

func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return run(ctx, "git", dir, []string{"LC_ALL=C.UTF-8", "GIT_TERMINAL_PROMPT=0"}, args)
}

// ExecSVN implements Runner by calling the svn binary without prompting.
type ExecSVN struct{}

func (ExecSVN) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return run(ctx, "svn", dir, []string{"LC_ALL=C.UTF-8"}, append([]string{"--non-interactive"}, args...))
}

func run(ctx context.Context, name, dir string, env, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		sub := name
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				sub = name + " " + a
				break
			}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%s: %w", sub, err)
		}
		return "", fmt.Errorf("%s: %s: %w", sub, msg, err)
	}
	return string(out), nil
}
