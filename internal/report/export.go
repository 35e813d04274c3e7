package report

import (
	"fmt"
	"path/filepath"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

// CommitExport is the standalone commits file of an export.
type CommitExport struct {
	RunID       string                 `json:"run_id"`
	RepoPath    string                 `json:"repo_path"`
	CommitRange string                 `json:"commit_range,omitempty"`
	Commits     []pipeline.CommitInfo  `json:"commits"`
	Files       []FileLine             `json:"files"`
	Summary     pipeline.ChangeSummary `json:"change_summary"`
}

// Export writes the report as JSON, Markdown and HTML into dir, plus the
// analyzed commits, the generated tests and scenarios as standalone JSON
// files and one runnable test source file per language. Files are named
// after the run; sections the run did not produce are skipped. It returns
// the paths written.
func Export(dir string, a *Aggregate) ([]string, error) {
	id := a.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	var written []string
	for _, ext := range []string{".json", ".md", ".html"} {
		path := filepath.Join(dir, "test_generation_report_"+id+ext)
		if err := Write(path, a); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if len(a.Commits) > 0 || len(a.Files) > 0 {
		path := filepath.Join(dir, "commits_"+id+".json")
		if err := pipeline.WriteJSON(path, CommitExport{
			RunID:       a.RunID,
			RepoPath:    a.RepoPath,
			CommitRange: a.CommitRange,
			Commits:     a.Commits,
			Files:       a.Files,
			Summary:     a.Summary,
		}); err != nil {
			return written, fmt.Errorf("export commits: %w", err)
		}
		written = append(written, path)
	}
	if len(a.Tests) > 0 {
		path := filepath.Join(dir, "test_cases_"+id+".json")
		if err := pipeline.WriteJSON(path, a.Tests); err != nil {
			return written, fmt.Errorf("export test cases: %w", err)
		}
		written = append(written, path)
	}
	if len(a.Scenarios) > 0 {
		path := filepath.Join(dir, "test_scenarios_"+id+".json")
		if err := pipeline.WriteJSON(path, a.Scenarios); err != nil {
			return written, fmt.Errorf("export scenarios: %w", err)
		}
		written = append(written, path)
	}

	sources, err := WriteTestFiles(dir, id, a.GeneratedAt, a.Tests)
	written = append(written, sources...)
	if err != nil {
		return written, err
	}
	return written, nil
}
