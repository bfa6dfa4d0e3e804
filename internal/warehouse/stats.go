package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// MarketStat is one KPI row rebuilt by the derived sync.
type MarketStat struct {
	Metric    string    `db:"metric" json:"metric"`
	Value     *float64  `db:"value" json:"value"`
	Detail    *string   `db:"detail" json:"detail,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ReplaceMarketStats refreshes the KPI table in one transaction.
func (w *Warehouse) ReplaceMarketStats(ctx context.Context, rows []MarketStat) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	return w.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO market_stats (metric, value, detail, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (metric) DO UPDATE SET
				value = EXCLUDED.value,
				detail = EXCLUDED.detail,
				updated_at = now()`)
		if err != nil {
			return classify(fmt.Errorf("prepare market_stats: %w", err))
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.Metric, r.Value, r.Detail); err != nil {
				return classify(fmt.Errorf("upsert market stat %s: %w", r.Metric, err))
			}
		}
		logRows("replace_market_stats", len(rows))
		return nil
	})
}

// QueryMarketStats returns all KPI rows, for the analytics dashboard.
func (w *Warehouse) QueryMarketStats(ctx context.Context) ([]MarketStat, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out []MarketStat
	err := w.db.SelectContext(ctx, &out, `
		SELECT metric, value, detail, updated_at FROM market_stats ORDER BY metric`)
	if err != nil {
		return nil, classify(fmt.Errorf("query market stats: %w", err))
	}
	return out, nil
}
