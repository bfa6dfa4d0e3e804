package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Repair queue statuses.
const (
	RepairQueued  = "queued"
	RepairRunning = "running"
	RepairDone    = "done"
	RepairError   = "error"
)

// RepairEntry is one candle_repair_queue row: a missing window awaiting
// re-fetch.
type RepairEntry struct {
	ID            int64     `db:"id" json:"id"`
	Ticker        string    `db:"ticker" json:"ticker"`
	TF            string    `db:"tf" json:"tf"`
	WindowStartTS int64     `db:"window_start_ts" json:"window_start_ts"`
	WindowEndTS   int64     `db:"window_end_ts" json:"window_end_ts"`
	ExpectedBars  int       `db:"expected_bars" json:"expected_bars"`
	Note          *string   `db:"note" json:"note,omitempty"`
	Status        string    `db:"status" json:"status"`
	Attempts      int       `db:"attempts" json:"attempts"`
	LastError     *string   `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// EnqueueRepair inserts a missing-window entry, deduplicated on the window
// four-tuple. Existing queued/running rows get their expected_bars and note
// refreshed; errored windows go back to queued; done rows are audit history
// and are left alone. Returns true when a row was inserted or refreshed.
func (w *Warehouse) EnqueueRepair(ctx context.Context, ticker, tf string, startTS, endTS int64, expectedBars int, note string) (bool, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	res, err := w.db.ExecContext(ctx, `
		INSERT INTO candle_repair_queue
			(ticker, tf, window_start_ts, window_end_ts, expected_bars, note, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued')
		ON CONFLICT (ticker, tf, window_start_ts, window_end_ts) DO UPDATE SET
			expected_bars = EXCLUDED.expected_bars,
			note = EXCLUDED.note,
			status = CASE WHEN candle_repair_queue.status = 'error'
			              THEN 'queued' ELSE candle_repair_queue.status END,
			updated_at = now()
		WHERE candle_repair_queue.status <> 'done'`,
		ticker, tf, startTS, endTS, expectedBars, note)
	if err != nil {
		return false, classify(fmt.Errorf("enqueue repair: %w", err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimQueuedRepairs moves up to limit queued entries to running (bumping
// attempts) and returns them in creation order. FOR UPDATE SKIP LOCKED keeps
// concurrent repair workers from double-claiming.
func (w *Warehouse) ClaimQueuedRepairs(ctx context.Context, limit int) ([]RepairEntry, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("claim repairs: %w", err))
	}
	defer tx.Rollback()

	var out []RepairEntry
	if err := tx.SelectContext(ctx, &out, `
		SELECT id, ticker, tf, window_start_ts, window_end_ts, expected_bars,
		       note, status, attempts, last_error, created_at, updated_at
		FROM candle_repair_queue
		WHERE status = 'queued'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit); err != nil {
		return nil, classify(fmt.Errorf("claim repairs: %w", err))
	}
	if len(out) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(out))
	for i, e := range out {
		ids[i] = e.ID
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE candle_repair_queue
		SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, classify(fmt.Errorf("mark repairs running: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("claim repairs commit: %w", err))
	}
	return out, nil
}

// FinishRepair moves a running entry to done or error and writes the
// candle_repairs audit row.
func (w *Warehouse) FinishRepair(ctx context.Context, id int64, repairErr error, missingCount int, note string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	if repairErr != nil {
		msg := repairErr.Error()
		if len(msg) > 800 {
			msg = msg[:800]
		}
		_, err := w.db.ExecContext(ctx, `
			UPDATE candle_repair_queue
			SET status = 'error', last_error = $2, updated_at = now()
			WHERE id = $1`, id, msg)
		if err != nil {
			return classify(fmt.Errorf("finish repair (error): %w", err))
		}
		return nil
	}

	_, err := w.db.ExecContext(ctx, `
		WITH q AS (
			UPDATE candle_repair_queue
			SET status = 'done', last_error = NULL, updated_at = now()
			WHERE id = $1
			RETURNING ticker, tf, window_start_ts, window_end_ts
		)
		INSERT INTO candle_repairs (ticker, tf, window_start_ts, window_end_ts, missing_count, note)
		SELECT ticker, tf, window_start_ts, window_end_ts, $2, $3 FROM q`,
		id, missingCount, note)
	if err != nil {
		return classify(fmt.Errorf("finish repair: %w", err))
	}
	return nil
}

// CountRepairsByStatus returns queue depth per status, surfaced by
// /v1/overall/health.
func (w *Warehouse) CountRepairsByStatus(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	rows, err := w.db.QueryxContext(ctx, `
		SELECT status, count(*) FROM candle_repair_queue GROUP BY status`)
	if err != nil {
		return nil, classify(fmt.Errorf("count repairs: %w", err))
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(fmt.Errorf("scan repair count: %w", err))
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
