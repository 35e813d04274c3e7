package stages

import (
	"context"
	"time"

	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// VCSAnalysis reads the combined change of the selected commits.
type VCSAnalysis struct {
	base
	src ChangeSource
}

func NewVCSAnalysis(src ChangeSource, log *logging.Logger) *VCSAnalysis {
	return &VCSAnalysis{base: newBase(pipeline.StageVCSAnalysis, 2*time.Minute, 1, log), src: src}
}

func (s *VCSAnalysis) Execute(ctx context.Context, pc *pipeline.Context) *pipeline.StageResult {
	res := pipeline.NewResult(s.id)
	pc.ReportProgress(s.id, 0.1, "reading repository")

	cc, err := s.src.CombinedChanges(ctx, pc.RepoPath, pc.Commits)
	if err != nil {
		return failed(res, err)
	}
	pc.SetCombinedChanges(cc)

	res.Set(KeyCombinedChanges, cc)
	res.Set(KeyCommitCount, len(cc.Commits))
	res.Set(KeyFileCount, len(cc.Files))
	if len(cc.Files) == 0 {
		res.AddWarning("selected commits change no files")
	}
	s.log.Info("changes analysed", "range", cc.CommitRange, "commits", len(cc.Commits),
		"files", len(cc.Files), "additions", cc.Summary.TotalAdditions, "deletions", cc.Summary.TotalDeletions)
	pc.ReportProgress(s.id, 1, "analysed "+cc.CommitRange)
	return res
}
