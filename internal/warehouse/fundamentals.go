package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// FIPoint is one normalized fundamentals metric for a reporting period.
type FIPoint struct {
	Ticker         string     `db:"ticker" json:"ticker"`
	Period         string     `db:"period" json:"period"`
	Statement      string     `db:"statement" json:"statement"`
	PeriodDate     *time.Time `db:"period_date" json:"period_date,omitempty"`
	PeriodDateName *string    `db:"period_date_name" json:"period_date_name,omitempty"`
	Metric         string     `db:"metric" json:"metric"`
	Value          *float64   `db:"value" json:"value"`
	FetchedAt      *time.Time `db:"fetched_at" json:"fetched_at,omitempty"`
}

// FILatestRow is a fi_latest row (latest period per metric).
type FILatestRow struct {
	Ticker     string     `db:"ticker" json:"ticker"`
	Period     string     `db:"period" json:"period"`
	Statement  string     `db:"statement" json:"statement"`
	PeriodDate *time.Time `db:"period_date" json:"period_date,omitempty"`
	Metric     string     `db:"metric" json:"metric"`
	Value      *float64   `db:"value" json:"value"`
	FetchedAt  *time.Time `db:"fetched_at" json:"fetched_at,omitempty"`
	IngestedAt time.Time  `db:"ingested_at" json:"ingested_at"`
}

// UpsertFIPoints writes historical fundamentals points. Upsert preserves the
// pk and replaces value, period_date_name, and fetched_at.
func (w *Warehouse) UpsertFIPoints(ctx context.Context, rows []FIPoint) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	return w.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fi_points (ticker, period, statement, period_date, period_date_name, metric, value, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (ticker, period, statement, period_date, metric) DO UPDATE SET
				value = EXCLUDED.value,
				period_date_name = COALESCE(EXCLUDED.period_date_name, fi_points.period_date_name),
				fetched_at = COALESCE(EXCLUDED.fetched_at, fi_points.fetched_at)`)
		if err != nil {
			return classify(fmt.Errorf("prepare fi_points: %w", err))
		}
		defer stmt.Close()

		for _, r := range rows {
			if r.PeriodDate == nil {
				return fmt.Errorf("%w: fi point %s/%s/%s/%s missing period_date",
					ErrIntegrity, r.Ticker, r.Period, r.Statement, r.Metric)
			}
			if _, err := stmt.ExecContext(ctx,
				r.Ticker, r.Period, r.Statement, r.PeriodDate, r.PeriodDateName,
				r.Metric, r.Value, r.FetchedAt); err != nil {
				return classify(fmt.Errorf("upsert fi point: %w", err))
			}
		}
		logRows("upsert_fi_points", len(rows))
		return nil
	})
}

// ReplaceFILatest refreshes the latest-by-metric view for the (ticker,
// period) pairs present in rows. Runs in a single transaction: stale metrics
// for a refreshed pair are deleted, then the new rows are inserted.
func (w *Warehouse) ReplaceFILatest(ctx context.Context, rows []FILatestRow) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	type pair struct{ ticker, period string }
	pairs := make(map[pair]struct{})
	for _, r := range rows {
		pairs[pair{r.Ticker, r.Period}] = struct{}{}
	}

	return w.inTx(ctx, func(tx *sqlx.Tx) error {
		for p := range pairs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM fi_latest WHERE ticker = $1 AND period = $2`,
				p.ticker, p.period); err != nil {
				return classify(fmt.Errorf("clear fi_latest: %w", err))
			}
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fi_latest (ticker, period, statement, period_date, metric, value, fetched_at, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (ticker, period, statement, metric) DO UPDATE SET
				period_date = EXCLUDED.period_date,
				value = EXCLUDED.value,
				fetched_at = COALESCE(EXCLUDED.fetched_at, fi_latest.fetched_at),
				ingested_at = now()`)
		if err != nil {
			return classify(fmt.Errorf("prepare fi_latest: %w", err))
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx,
				r.Ticker, r.Period, r.Statement, r.PeriodDate, r.Metric,
				r.Value, r.FetchedAt); err != nil {
				return classify(fmt.Errorf("insert fi_latest: %w", err))
			}
		}
		logRows("replace_fi_latest", len(rows))
		return nil
	})
}

// QueryFILatest returns fi_latest rows for a ticker/period, optionally
// filtered by statement.
func (w *Warehouse) QueryFILatest(ctx context.Context, ticker, period, statement string, limit int) ([]FILatestRow, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	q := `
		SELECT ticker, period, statement, period_date, metric, value, fetched_at, ingested_at
		FROM fi_latest
		WHERE ticker = $1 AND period = $2`
	args := []any{ticker, period}
	if statement != "" {
		q += ` AND statement = $3`
		args = append(args, statement)
	}
	q += fmt.Sprintf(` ORDER BY statement, metric LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	var out []FILatestRow
	if err := w.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, classify(fmt.Errorf("query fi_latest: %w", err))
	}
	return out, nil
}

// ScreenFILatest filters fi_latest on one metric with optional numeric
// bounds, ordered by value descending with nulls last.
func (w *Warehouse) ScreenFILatest(ctx context.Context, metric, period, statement string, min, max *float64, limit int) ([]FILatestRow, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(`
		SELECT ticker, period, statement, period_date, metric, value, fetched_at, ingested_at
		FROM fi_latest
		WHERE metric = $1 AND period = $2`)
	args := []any{metric, period}

	if statement != "" {
		args = append(args, statement)
		fmt.Fprintf(&sb, ` AND statement = $%d`, len(args))
	}
	if min != nil {
		args = append(args, *min)
		fmt.Fprintf(&sb, ` AND value >= $%d`, len(args))
	}
	if max != nil {
		args = append(args, *max)
		fmt.Fprintf(&sb, ` AND value <= $%d`, len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, ` ORDER BY value DESC NULLS LAST, ticker ASC LIMIT $%d`, len(args))

	var out []FILatestRow
	if err := w.db.SelectContext(ctx, &out, sb.String(), args...); err != nil {
		return nil, classify(fmt.Errorf("screen fi_latest: %w", err))
	}
	return out, nil
}
