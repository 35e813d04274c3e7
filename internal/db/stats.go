package db

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

// StageStats summarizes how a stage has behaved across runs.
type StageStats struct {
	Stage     string         `json:"stage"`
	Count     int            `json:"count"`
	AvgSecs   float64        `json:"avg_seconds"`
	P50Secs   float64        `json:"p50_seconds"`
	P95Secs   float64        `json:"p95_seconds"`
	Attempts  int            `json:"attempts"`
	Outcomes  map[string]int `json:"outcomes"`
	RetryRate float64        `json:"retry_rate"` // extra attempts per finished stage
}

type stageEvent struct {
	runID   string
	kind    pipeline.EventKind
	stage   string
	attempt int
	status  string
	at      time.Time
}

// StageStats pairs every stage_finished event with the stage_started event
// before it in the same run, for events at or after since.
func (d *DB) StageStats(ctx context.Context, since time.Time) ([]StageStats, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT run_id, kind, stage, attempt, status, at FROM run_events
		 WHERE kind IN ('stage_started', 'stage_attempt', 'stage_finished') AND at >= $1
		 ORDER BY id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var events []stageEvent
	for rows.Next() {
		var e stageEvent
		var kind string
		if err := rows.Scan(&e.runID, &kind, &e.stage, &e.attempt, &e.status, &e.at); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		e.kind = pipeline.EventKind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stage events: %w", err)
	}
	return summarize(events), nil
}

// summarize expects events in insertion order.
func summarize(events []stageEvent) []StageStats {
	type key struct{ run, stage string }
	started := map[key]time.Time{}
	durations := map[string][]float64{}
	stats := map[string]*StageStats{}
	get := func(stage string) *StageStats {
		s, ok := stats[stage]
		if !ok {
			s = &StageStats{Stage: stage, Outcomes: map[string]int{}}
			stats[stage] = s
		}
		return s
	}

	for _, e := range events {
		k := key{e.runID, e.stage}
		switch e.kind {
		case pipeline.EventStageStarted:
			started[k] = e.at
		case pipeline.EventStageAttempt:
			get(e.stage).Attempts++
		case pipeline.EventStageFinished:
			s := get(e.stage)
			s.Count++
			s.Outcomes[e.status]++
			if t, ok := started[k]; ok {
				durations[e.stage] = append(durations[e.stage], e.at.Sub(t).Seconds())
				delete(started, k)
			}
		}
	}

	out := make([]StageStats, 0, len(stats))
	for stage, s := range stats {
		d := durations[stage]
		sort.Float64s(d)
		s.AvgSecs = avg(d)
		s.P50Secs = percentile(d, 50)
		s.P95Secs = percentile(d, 95)
		if s.Count > 0 && s.Attempts > s.Count {
			s.RetryRate = math.Round(float64(s.Attempts-s.Count)/float64(s.Count)*100) / 100
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return stageRank(out[i].Stage) < stageRank(out[j].Stage) })
	return out
}

func stageRank(stage string) int {
	for i, id := range pipeline.AllStages {
		if string(id) == stage {
			return i
		}
	}
	return len(pipeline.AllStages)
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

// percentile interpolates between the closest ranks of sorted.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}
