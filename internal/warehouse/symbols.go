package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Symbol is one listing in the ticker universe.
type Symbol struct {
	Ticker    string  `db:"ticker" json:"ticker"`
	Name      *string `db:"name" json:"name,omitempty"`
	Exchange  *string `db:"exchange" json:"exchange,omitempty"`
	Active    *bool   `db:"active" json:"active,omitempty"`
	UpdatedAt *int64  `db:"updated_at" json:"updated_at_ms,omitempty"`
}

// SymbolContext is a symbol_context_latest row: cheap per-ticker recency
// markers composed by the /v1/context endpoint.
type SymbolContext struct {
	Ticker         string     `db:"ticker" json:"ticker"`
	ArticleCount   int        `db:"article_count" json:"article_count"`
	LastArticleAt  *time.Time `db:"last_article_at" json:"last_article_at,omitempty"`
	CandleLatestTS *int64     `db:"candle_latest_ts" json:"candle_latest_ts,omitempty"`
	FIMetricCount  int        `db:"fi_metric_count" json:"fi_metric_count"`
	RebuiltAt      time.Time  `db:"rebuilt_at" json:"rebuilt_at"`
}

// UpsertSymbols merges listing metadata. Fields merge with COALESCE and
// updated_at only moves forward, so a stale page can never erase data.
func (w *Warehouse) UpsertSymbols(ctx context.Context, rows []Symbol) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	return w.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO symbols (ticker, name, exchange, active, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (ticker) DO UPDATE SET
				name = COALESCE(EXCLUDED.name, symbols.name),
				exchange = COALESCE(EXCLUDED.exchange, symbols.exchange),
				active = COALESCE(EXCLUDED.active, symbols.active),
				updated_at = GREATEST(COALESCE(symbols.updated_at, 0), EXCLUDED.updated_at)`)
		if err != nil {
			return classify(fmt.Errorf("prepare symbols: %w", err))
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.Ticker, r.Name, r.Exchange, r.Active, r.UpdatedAt); err != nil {
				return classify(fmt.Errorf("upsert symbol %s: %w", r.Ticker, err))
			}
		}
		logRows("upsert_symbols", len(rows))
		return nil
	})
}

// QueryUniverse returns active tickers, optionally narrowed with an extra
// SQL filter clause (e.g. "exchange = 'HOSE'").
func (w *Warehouse) QueryUniverse(ctx context.Context, filterClause string) ([]string, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	q := `SELECT ticker FROM symbols WHERE coalesce(active, true) = true`
	if filterClause != "" {
		q += ` AND (` + filterClause + `)`
	}
	q += ` ORDER BY ticker`

	var out []string
	if err := w.db.SelectContext(ctx, &out, q); err != nil {
		return nil, classify(fmt.Errorf("query universe: %w", err))
	}
	return out, nil
}

// RebuildContextLatest recomputes symbol_context_latest over the window
// ending at now. Full rebuild: delete-then-insert in one transaction.
func (w *Warehouse) RebuildContextLatest(ctx context.Context, now time.Time, window time.Duration) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	since := now.Add(-window)

	return w.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM symbol_context_latest`); err != nil {
			return classify(fmt.Errorf("clear context: %w", err))
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO symbol_context_latest
				(ticker, article_count, last_article_at, candle_latest_ts, fi_metric_count, rebuilt_at)
			SELECT s.ticker,
			       coalesce(n.article_count, 0),
			       n.last_article_at,
			       cl.ts,
			       coalesce(f.metric_count, 0),
			       $2
			FROM symbols s
			LEFT JOIN (
				SELECT asym.ticker,
				       count(*) AS article_count,
				       max(a.published_at) AS last_article_at
				FROM article_symbols asym
				JOIN articles a ON a.url = asym.article_url
				WHERE a.published_at >= $1
				GROUP BY asym.ticker
			) n ON n.ticker = s.ticker
			LEFT JOIN candles_latest cl ON cl.ticker = s.ticker AND cl.tf = '1d'
			LEFT JOIN (
				SELECT ticker, count(*) AS metric_count
				FROM fi_latest
				GROUP BY ticker
			) f ON f.ticker = s.ticker`,
			since, now)
		if err != nil {
			return classify(fmt.Errorf("rebuild context: %w", err))
		}
		return nil
	})
}

// GetSymbolContext reads one symbol_context_latest row.
func (w *Warehouse) GetSymbolContext(ctx context.Context, ticker string) (*SymbolContext, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out SymbolContext
	err := w.db.GetContext(ctx, &out, `
		SELECT ticker, article_count, last_article_at, candle_latest_ts, fi_metric_count, rebuilt_at
		FROM symbol_context_latest
		WHERE ticker = $1`, ticker)
	if err != nil {
		return nil, classify(fmt.Errorf("get symbol context: %w", err))
	}
	return &out, nil
}
