package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/report"
)

const defaultStatsWindow = 7 * 24 * time.Hour

var runStatuses = map[pipeline.RunStatus]bool{
	pipeline.RunIdle:      true,
	pipeline.RunRunning:   true,
	pipeline.RunCompleted: true,
	pipeline.RunFailed:    true,
	pipeline.RunAborted:   true,
}

// RunView is the detail payload for one run.
type RunView struct {
	report.RunSummary
	Progress pipeline.Progress  `json:"progress"`
	Stages   []report.StageLine `json:"stages"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"database": s.events != nil,
	})
}

// handleRuns lists stored runs, newest first. ?status= filters and ?limit=
// caps the list.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	status := pipeline.RunStatus(r.URL.Query().Get("status"))
	if status != "" && !runStatuses[status] {
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	cps, err := s.store.List(status)
	if err != nil {
		s.log.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "list runs")
		return
	}
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	writeJSON(w, http.StatusOK, report.SummarizeAll(cps))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, cp *pipeline.Checkpoint) {
	agg := report.Build(cp)
	writeJSON(w, http.StatusOK, RunView{
		RunSummary: report.Summarize(cp),
		Progress:   agg.Progress,
		Stages:     agg.Stages,
	})
}

// handleReport renders the full run report, as markdown when ?format=md and
// as a page when ?format=html.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, cp *pipeline.Checkpoint) {
	agg := report.Build(cp)
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, agg)
	case "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		if err := report.WriteMarkdown(w, agg); err != nil {
			s.log.Warn("write markdown report", "run_id", cp.RunID, "error", err)
		}
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := report.WriteHTML(w, agg); err != nil {
			s.log.Warn("write html report", "run_id", cp.RunID, "error", err)
		}
	default:
		writeError(w, http.StatusBadRequest, "format must be json, md or html")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, cp *pipeline.Checkpoint) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	events, err := s.events.RunEvents(r.Context(), cp.RunID)
	if err != nil {
		s.log.Error("run events", "run_id", cp.RunID, "error", err)
		writeError(w, http.StatusInternalServerError, "read run events")
		return
	}
	if events == nil {
		events = []pipeline.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleStats reports per-stage timings over ?since= (a duration, default
// one week).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	window := defaultStatsWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration like 24h")
			return
		}
		window = d
	}
	stats, err := s.events.StageStats(r.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		s.log.Error("stage stats", "error", err)
		writeError(w, http.StatusInternalServerError, "read stage stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
