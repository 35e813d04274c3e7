package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

// Run is a row of the runs table.
type Run struct {
	RunID         string     `json:"run_id"`
	Status        string     `json:"status"`
	Detail        string     `json:"detail,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Emit records ev and keeps the runs table in step with run transitions.
// It satisfies engine.EventSink.
func (d *DB) Emit(ctx context.Context, ev pipeline.Event) error {
	at := ev.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_events (run_id, kind, stage, attempt, status, detail, at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.RunID, string(ev.Kind), string(ev.Stage), ev.Attempt, ev.Status, ev.Detail, at,
		); err != nil {
			return fmt.Errorf("log run event: %w", err)
		}

		switch ev.Kind {
		case pipeline.EventRunStarted:
			// A resumed run starts again under the same id.
			_, err := tx.Exec(ctx,
				`INSERT INTO runs (run_id, status, detail, started_at) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (run_id) DO UPDATE SET status = EXCLUDED.status, detail = EXCLUDED.detail,
				     failure_reason = '', finished_at = NULL`,
				ev.RunID, ev.Status, ev.Detail, at,
			)
			if err != nil {
				return fmt.Errorf("record run start: %w", err)
			}
		case pipeline.EventRunFinished:
			_, err := tx.Exec(ctx,
				`INSERT INTO runs (run_id, status, failure_reason, started_at, finished_at) VALUES ($1, $2, $3, $4, $4)
				 ON CONFLICT (run_id) DO UPDATE SET status = EXCLUDED.status,
				     failure_reason = EXCLUDED.failure_reason, finished_at = EXCLUDED.finished_at`,
				ev.RunID, ev.Status, ev.Detail, at,
			)
			if err != nil {
				return fmt.Errorf("record run finish: %w", err)
			}
		}
		return nil
	})
}

// RunEvents returns every event of a run in insertion order.
func (d *DB) RunEvents(ctx context.Context, runID string) ([]pipeline.Event, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT run_id, kind, stage, attempt, status, detail, at FROM run_events WHERE run_id = $1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run events: %w", err)
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		var ev pipeline.Event
		var kind, stage string
		if err := rows.Scan(&ev.RunID, &kind, &stage, &ev.Attempt, &ev.Status, &ev.Detail, &ev.Time); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Kind = pipeline.EventKind(kind)
		ev.Stage = pipeline.StageID(stage)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentRuns returns the newest runs first, at most limit of them.
func (d *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.pool.Query(ctx,
		`SELECT run_id, status, detail, failure_reason, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, run_id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent runs: %w", err)
	}
	return pgx.CollectRows(rows, scanRun)
}

// GetRun returns one run, or nil when it was never logged.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT run_id, status, detail, failure_reason, started_at, finished_at FROM runs WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

func scanRun(row pgx.CollectableRow) (Run, error) {
	var r Run
	err := row.Scan(&r.RunID, &r.Status, &r.Detail, &r.FailureReason, &r.StartedAt, &r.FinishedAt)
	return r, err
}
