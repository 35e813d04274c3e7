package vcs

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// SVNAnalyzer computes combined changes and revision listings of a
// Subversion repository URL through a Runner.
type SVNAnalyzer struct {
	svn     Runner
	log     *logging.Logger
	symbols *SymbolExtractor

	// MaxFileDiff caps the diff text kept per file.
	MaxFileDiff int
}

// NewSVNAnalyzer returns an SVNAnalyzer with symbol extraction enabled. A nil
// runner uses ExecSVN.
func NewSVNAnalyzer(svn Runner, log *logging.Logger) *SVNAnalyzer {
	if svn == nil {
		svn = ExecSVN{}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &SVNAnalyzer{svn: svn, log: log, symbols: NewSymbolExtractor(), MaxFileDiff: defaultFileDiff}
}

// DisableSymbols turns off changed function/class extraction.
func (a *SVNAnalyzer) DisableSymbols() { a.symbols = nil }

type svnLog struct {
	Entries []svnLogEntry `xml:"logentry"`
}

type svnLogEntry struct {
	Revision int       `xml:"revision,attr"`
	Author   string    `xml:"author"`
	Date     string    `xml:"date"`
	Msg      string    `xml:"msg"`
	Paths    []svnPath `xml:"paths>path"`
}

type svnPath struct {
	Action string `xml:"action,attr"`
	Item   string `xml:"item,attr"`
	Kind   string `xml:"kind,attr"`
	Path   string `xml:",chardata"`
}

type svnDiffSummary struct {
	Paths []svnPath `xml:"paths>path"`
}

var svnItems = map[string]string{
	"added":    "added",
	"modified": "modified",
	"deleted":  "deleted",
	"replaced": "modified",
}

func (a *SVNAnalyzer) checkRepo(ctx context.Context, url string) error {
	if url == "" {
		return &pipeline.RepositoryError{Path: url, Err: errors.New("no repository url")}
	}
	if _, err := a.svn.Run(ctx, "", "info", "--xml", url); err != nil {
		return &pipeline.RepositoryError{Path: url, Err: err}
	}
	return nil
}

// ParseRevision accepts "123" or "r123".
func ParseRevision(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "r"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid revision %q", s)
	}
	return n, nil
}

// RecentRevisions lists revisions newest first. Test-maintenance revisions
// are dropped unless q.IncludeTests is set. Branch and Since are ignored.
func (a *SVNAnalyzer) RecentRevisions(ctx context.Context, url string, q CommitQuery) ([]Commit, error) {
	if err := a.checkRepo(ctx, url); err != nil {
		return nil, err
	}
	limit := q.Max
	if limit <= 0 {
		limit = 50
	}
	fetch := limit
	if !q.IncludeTests || q.Author != "" {
		fetch = limit * 3
	}
	out, err := a.svn.Run(ctx, "", "log", "--xml", "-v", "-l", strconv.Itoa(fetch), url)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: url, Err: err}
	}
	all, err := parseSVNLog(out)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: url, Err: err}
	}

	commits := make([]Commit, 0, limit)
	for _, c := range all {
		if q.Author != "" && !strings.Contains(c.Author, q.Author) {
			continue
		}
		if c.IsTest && !q.IncludeTests {
			a.log.Debug("excluding test revision", "revision", c.Hash, "subject", c.Subject)
			continue
		}
		commits = append(commits, c)
		if len(commits) == limit {
			break
		}
	}
	return commits, nil
}

// RevisionDetails reads one revision with its changed paths.
func (a *SVNAnalyzer) RevisionDetails(ctx context.Context, url string, rev int) (*Commit, error) {
	ref := "r" + strconv.Itoa(rev)
	out, err := a.svn.Run(ctx, "", "log", "--xml", "-v", "-r", strconv.Itoa(rev), url)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: url, Ref: ref, Err: err}
	}
	commits, err := parseSVNLog(out)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: url, Ref: ref, Err: err}
	}
	if len(commits) == 0 {
		return nil, &pipeline.RepositoryError{Path: url, Ref: ref, Err: fmt.Errorf("unknown revision")}
	}
	return &commits[0], nil
}

// CombinedChanges merges the selected revisions into one change set: the
// diff from the revision before the earliest to the latest. An empty
// selection analyzes the most recent non-test revisions.
func (a *SVNAnalyzer) CombinedChanges(ctx context.Context, url string, revisions []string) (*pipeline.CombinedChanges, error) {
	if err := a.checkRepo(ctx, url); err != nil {
		return nil, err
	}

	var revs []int
	if len(revisions) == 0 {
		recent, err := a.RecentRevisions(ctx, url, CommitQuery{Max: DefaultSelection})
		if err != nil {
			return nil, err
		}
		if len(recent) == 0 {
			return nil, &pipeline.RepositoryError{Path: url, Err: errors.New("no revisions to analyze")}
		}
		for _, c := range recent {
			n, _ := ParseRevision(c.Hash)
			revs = append(revs, n)
			revisions = append(revisions, c.Hash)
		}
		a.log.Info("no revisions selected, using recent history", "count", len(revs))
	} else {
		for _, s := range revisions {
			n, err := ParseRevision(s)
			if err != nil {
				return nil, &pipeline.RepositoryError{Path: url, Ref: s, Err: err}
			}
			revs = append(revs, n)
		}
	}
	sort.Ints(revs)

	infos := make([]pipeline.CommitInfo, 0, len(revs))
	for _, n := range revs {
		c, err := a.RevisionDetails(ctx, url, n)
		if err != nil {
			return nil, err
		}
		infos = append(infos, c.CommitInfo)
	}

	base, latest := revs[0]-1, revs[len(revs)-1]
	rng := strconv.Itoa(base) + ":" + strconv.Itoa(latest)

	files, err := a.diffFiles(ctx, url, rng)
	if err != nil {
		return nil, err
	}
	diff, err := a.svn.Run(ctx, "", "diff", "-r", rng, url)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: url, Ref: rng, Err: err}
	}
	diffs := splitSVNDiff(diff)

	cc := &pipeline.CombinedChanges{
		BaseCommit:      "r" + strconv.Itoa(base),
		LatestCommit:    "r" + strconv.Itoa(latest),
		CommitRange:     "r" + strconv.Itoa(base) + ":r" + strconv.Itoa(latest),
		SelectedCommits: append([]string(nil), revisions...),
		Commits:         infos,
	}

	var sample strings.Builder
	for i := range files {
		f := &files[i]
		full := diffs[f.Path]
		a.enrich(ctx, url, latest, f, full)
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

// diffFiles lists the changed files of rng with their change type. Paths are
// relative to url; directories are left out.
func (a *SVNAnalyzer) diffFiles(ctx context.Context, url, rng string) ([]pipeline.FileChange, error) {
	out, err := a.svn.Run(ctx, "", "diff", "--summarize", "--xml", "-r", rng, url)
	if err != nil {
		return nil, &pipeline.RepositoryError{Path: url, Ref: rng, Err: err}
	}
	var sum svnDiffSummary
	if err := xml.Unmarshal([]byte(out), &sum); err != nil {
		return nil, &pipeline.RepositoryError{Path: url, Ref: rng, Err: fmt.Errorf("parse diff summary: %w", err)}
	}
	prefix := strings.TrimRight(url, "/") + "/"
	var files []pipeline.FileChange
	for _, p := range sum.Paths {
		if p.Kind == "dir" {
			continue
		}
		ct, ok := svnItems[p.Item]
		if !ok {
			ct = "modified"
		}
		files = append(files, pipeline.FileChange{
			Path:       strings.TrimPrefix(strings.TrimSpace(p.Path), prefix),
			ChangeType: ct,
		})
	}
	return files, nil
}

// enrich fills language, line counts, capped diff and changed symbols of f
// from its section of the combined diff.
func (a *SVNAnalyzer) enrich(ctx context.Context, url string, latest int, f *pipeline.FileChange, diff string) {
	f.Language = DetectLanguage(f.Path)
	f.Additions, f.Deletions = countDiffLines(diff)
	f.Diff = truncate(diff, a.MaxFileDiff)

	if diff == "" || a.symbols == nil || !a.symbols.Supports(f.Language) || f.ChangeType == "deleted" {
		return
	}
	src, err := a.svn.Run(ctx, "", "cat", "-r", strconv.Itoa(latest), strings.TrimRight(url, "/")+"/"+f.Path)
	if err != nil {
		a.log.Warn("could not read file source", "path", f.Path, "error", err)
		return
	}
	fns, classes, err := a.symbols.ChangedSymbols(f.Language, []byte(src), ParseHunks(diff))
	if err != nil {
		a.log.Warn("symbol extraction failed", "path", f.Path, "error", err)
		return
	}
	f.ChangedFunctions = fns
	f.ChangedClasses = classes
}

func parseSVNLog(out string) ([]Commit, error) {
	var parsed svnLog
	if err := xml.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("parse svn log: %w", err)
	}
	commits := make([]Commit, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		var date time.Time
		if e.Date != "" {
			d, err := time.Parse(time.RFC3339Nano, e.Date)
			if err != nil {
				return nil, fmt.Errorf("parse revision date %q: %w", e.Date, err)
			}
			date = d
		}
		ref := "r" + strconv.Itoa(e.Revision)
		subject, _, _ := strings.Cut(strings.TrimSpace(e.Msg), "\n")
		c := Commit{CommitInfo: pipeline.CommitInfo{
			Hash:      ref,
			ShortHash: ref,
			Author:    e.Author,
			Date:      date,
			Subject:   strings.TrimSpace(subject),
		}}
		for _, p := range e.Paths {
			if p.Kind == "dir" {
				continue
			}
			c.Files = append(c.Files, strings.TrimPrefix(strings.TrimSpace(p.Path), "/"))
		}
		c.IsTest = IsTestCommit(c.Subject, c.Files)
		commits = append(commits, c)
	}
	return commits, nil
}

// splitSVNDiff splits `svn diff` output into per-file sections keyed by the
// path after "Index: ".
func splitSVNDiff(out string) map[string]string {
	sections := map[string]string{}
	var path string
	var cur strings.Builder
	flush := func() {
		if path != "" {
			sections[path] = cur.String()
		}
		cur.Reset()
	}
	for _, line := range strings.SplitAfter(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "Index: "); ok {
			flush()
			path = strings.TrimSpace(rest)
		}
		cur.WriteString(line)
	}
	flush()
	return sections
}

// countDiffLines counts added and removed lines of a unified diff.
func countDiffLines(diff string) (add, del int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			add++
		case strings.HasPrefix(line, "-"):
			del++
		}
	}
	return add, del
}
