package vcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// Sample diff limits.
const (
	sampleFiles     = 3
	samplePerFile   = 1000
	sampleTotal     = 5000
	defaultFileDiff = 4000
)

// Analyzer computes combined changes and commit listings through a Runner.
type Analyzer struct {
	git     Runner
	log     *logging.Logger
	symbols *SymbolExtractor

	// MaxFileDiff caps the diff text kept per file.
	MaxFileDiff int
}

// NewAnalyzer returns an Analyzer with tree-sitter symbol extraction
// enabled. A nil runner uses ExecGit.
func NewAnalyzer(git Runner, log *logging.Logger) *Analyzer {
	if git == nil {
		git = ExecGit{}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Analyzer{git: git, log: log, symbols: NewSymbolExtractor(), MaxFileDiff: defaultFileDiff}
}

// DisableSymbols turns off changed function/class extraction.
func (a *Analyzer) DisableSymbols() { a.symbols = nil }

func (a *Analyzer) checkRepo(ctx context.Context, repo string) error {
	if repo == "" {
		return &pipeline.RepositoryError{Path: repo, Err: errors.New("no repository path")}
	}
	if _, err := a.git.Run(ctx, repo, "rev-parse", "--is-inside-work-tree"); err != nil {
		return &pipeline.RepositoryError{Path: repo, Err: err}
	}
	return nil
}

// CombinedChanges merges the selected commits into one change set: the diff
// from the parent of the earliest commit (by author date) to the latest. An
// empty selection analyzes the most recent non-test commits.
func (a *Analyzer) CombinedChanges(ctx context.Context, repo string, commits []string) (*pipeline.CombinedChanges, error) {
	if err := a.checkRepo(ctx, repo); err != nil {
		return nil, err
	}

	if len(commits) == 0 {
		recent, err := a.RecentCommits(ctx, repo, CommitQuery{Max: DefaultSelection})
		if err != nil {
			return nil, err
		}
		if len(recent) == 0 {
			return nil, &pipeline.RepositoryError{Path: repo, Err: errors.New("no commits to analyze")}
		}
		for _, c := range recent {
			commits = append(commits, c.Hash)
		}
		a.log.Info("no commits selected, using recent history", "count", len(commits))
	}

	infos := make([]pipeline.CommitInfo, 0, len(commits))
	for _, ref := range commits {
		c, err := a.CommitDetails(ctx, repo, ref)
		if err != nil {
			return nil, err
		}
		infos = append(infos, c.CommitInfo)
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Date.Before(infos[j].Date) })

	base, err := a.parentOf(ctx, repo, infos[0].Hash)
	if err != nil {
		return nil, err
	}
	latest := infos[len(infos)-1].Hash

	files, err := a.diffFiles(ctx, repo, base, latest)
	if err != nil {
		return nil, err
	}

	cc := &pipeline.CombinedChanges{
		BaseCommit:      base,
		LatestCommit:    latest,
		CommitRange:     short(base) + ".." + short(latest),
		SelectedCommits: append([]string(nil), commits...),
		Commits:         infos,
	}

	var sample strings.Builder
	for i := range files {
		f := &files[i]
		full := a.enrich(ctx, repo, base, latest, f)
		cc.Summary.TotalAdditions += f.Additions
		cc.Summary.TotalDeletions += f.Deletions

		if i < sampleFiles && sample.Len() <= sampleTotal && full != "" {
			fmt.Fprintf(&sample, "\n=== %s ===\n%s\n", f.Path, truncate(full, samplePerFile))
		}
	}
	cc.Files = files
	cc.Summary.TotalFiles = len(files)
	cc.Summary.NetChanges = cc.Summary.TotalAdditions - cc.Summary.TotalDeletions
	cc.SampleDiff = strings.TrimSpace(sample.String())

	a.log.Info("combined changes", "range", cc.CommitRange, "files", cc.Summary.TotalFiles,
		"additions", cc.Summary.TotalAdditions, "deletions", cc.Summary.TotalDeletions)
	return cc, nil
}

func (a *Analyzer) parentOf(ctx context.Context, repo, hash string) (string, error) {
	out, err := a.git.Run(ctx, repo, "rev-list", "--parents", "-n", "1", hash)
	if err != nil {
		return "", &pipeline.RepositoryError{Path: repo, Ref: hash, Err: err}
	}
	fields := strings.Fields(out)
	if len(fields) > 1 {
		return fields[1], nil
	}
	return EmptyTree, nil
}

// diffFiles lists the changed files between base and latest with their
// change type and line counts.
func (a *Analyzer) diffFiles(ctx context.Context, repo, base, latest string) ([]pipeline.FileChange, error) {
	status, err := a.git.Run(ctx, repo, "diff", "--name-status", "-z", "-M", base, latest)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: repo, Ref: base + ".." + latest, Err: err}
	}
	numstat, err := a.git.Run(ctx, repo, "diff", "--numstat", "-z", "-M", base, latest)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: repo, Ref: base + ".." + latest, Err: err}
	}

	files := parseNameStatus(status)
	counts := parseNumstat(numstat)
	for i := range files {
		if c, ok := counts[files[i].Path]; ok {
			files[i].Additions = c[0]
			files[i].Deletions = c[1]
		}
	}
	return files, nil
}

// enrich fills language, capped diff and changed symbols of f, returning the
// full diff text. Failures only cost detail, so they are logged.
func (a *Analyzer) enrich(ctx context.Context, repo, base, latest string, f *pipeline.FileChange) string {
	f.Language = DetectLanguage(f.Path)

	paths := []string{f.Path}
	if f.OldPath != "" {
		paths = []string{f.OldPath, f.Path}
	}
	args := append([]string{"diff", "-M", base, latest, "--"}, paths...)
	diff, err := a.git.Run(ctx, repo, args...)
	if err != nil {
		a.log.Warn("could not read file diff", "path", f.Path, "error", err)
		return ""
	}
	f.Diff = truncate(diff, a.MaxFileDiff)

	if a.symbols == nil || !a.symbols.Supports(f.Language) || f.ChangeType == "deleted" {
		return diff
	}
	src, err := a.git.Run(ctx, repo, "show", latest+":"+f.Path)
	if err != nil {
		a.log.Warn("could not read file source", "path", f.Path, "error", err)
		return diff
	}
	fns, classes, err := a.symbols.ChangedSymbols(f.Language, []byte(src), ParseHunks(diff))
	if err != nil {
		a.log.Warn("symbol extraction failed", "path", f.Path, "error", err)
		return diff
	}
	f.ChangedFunctions = fns
	f.ChangedClasses = classes
	return diff
}

var changeTypes = map[byte]string{
	'A': "added",
	'M': "modified",
	'D': "deleted",
	'R': "renamed",
	'C': "copied",
	'T': "modified",
}

// parseNameStatus reads `git diff --name-status -z` output. Renames and
// copies carry two paths.
func parseNameStatus(out string) []pipeline.FileChange {
	toks := strings.Split(strings.TrimRight(out, "\x00"), "\x00")
	var files []pipeline.FileChange
	for i := 0; i < len(toks); i++ {
		st := toks[i]
		if st == "" {
			continue
		}
		ct, ok := changeTypes[st[0]]
		if !ok {
			ct = "modified"
		}
		if (st[0] == 'R' || st[0] == 'C') && i+2 < len(toks) {
			files = append(files, pipeline.FileChange{OldPath: toks[i+1], Path: toks[i+2], ChangeType: ct})
			i += 2
			continue
		}
		if i+1 < len(toks) {
			files = append(files, pipeline.FileChange{Path: toks[i+1], ChangeType: ct})
			i++
		}
	}
	return files
}

// parseNumstat reads `git diff --numstat -z` output into additions and
// deletions keyed by new path. Binary files count as zero.
func parseNumstat(out string) map[string][2]int {
	toks := strings.Split(strings.TrimRight(out, "\x00"), "\x00")
	counts := map[string][2]int{}
	for i := 0; i < len(toks); i++ {
		parts := strings.SplitN(toks[i], "\t", 3)
		if len(parts) < 3 {
			continue
		}
		add, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		path := parts[2]
		if path == "" && i+2 < len(toks) {
			path = toks[i+2]
			i += 2
		}
		counts[path] = [2]int{add, del}
	}
	return counts
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
