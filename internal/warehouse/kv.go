package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetKV upserts a control_kv flag (e.g. "backfill.done").
func (w *Warehouse) SetKV(ctx context.Context, key, value string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO control_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return classify(fmt.Errorf("set kv %s: %w", key, err))
	}
	return nil
}

// GetKV reads a control_kv value; missing keys return "" without error.
func (w *Warehouse) GetKV(ctx context.Context, key string) (string, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var value string
	err := w.db.GetContext(ctx, &value, `SELECT value FROM control_kv WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("get kv %s: %w", key, err))
	}
	return value, nil
}

// CursorRow is a shard_cursors row, the warehouse form of the per-shard
// cursor (the file form under cursor_dir is a per-node cache of the same
// data; the warehouse is authoritative on conflict).
type CursorRow struct {
	Job           string  `db:"job"`
	Shard         int     `db:"shard"`
	NextIndex     int     `db:"next_index"`
	LastBatch     *string `db:"last_batch"`
	BatchSize     *int    `db:"batch_size"`
	UniverseCount *int    `db:"universe_count"`
}

// UpsertCursor persists shard progress.
func (w *Warehouse) UpsertCursor(ctx context.Context, row CursorRow) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO shard_cursors (job, shard, next_index, last_batch, batch_size, universe_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (job, shard) DO UPDATE SET
			next_index = EXCLUDED.next_index,
			last_batch = EXCLUDED.last_batch,
			batch_size = EXCLUDED.batch_size,
			universe_count = EXCLUDED.universe_count,
			updated_at = now()`,
		row.Job, row.Shard, row.NextIndex, row.LastBatch, row.BatchSize, row.UniverseCount)
	if err != nil {
		return classify(fmt.Errorf("upsert cursor: %w", err))
	}
	return nil
}

// GetCursor reads shard progress; a missing row returns nil without error.
func (w *Warehouse) GetCursor(ctx context.Context, job string, shard int) (*CursorRow, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var row CursorRow
	err := w.db.GetContext(ctx, &row, `
		SELECT job, shard, next_index, last_batch, batch_size, universe_count
		FROM shard_cursors WHERE job = $1 AND shard = $2`, job, shard)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get cursor: %w", err))
	}
	return &row, nil
}
