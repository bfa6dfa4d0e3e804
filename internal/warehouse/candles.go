package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Candle is one OHLCV bar. TS is unix milliseconds aligned to the tf grid.
type Candle struct {
	Ticker     string    `db:"ticker" json:"ticker"`
	TF         string    `db:"tf" json:"tf"`
	TS         int64     `db:"ts" json:"ts"`
	O          float64   `db:"o" json:"o"`
	H          float64   `db:"h" json:"h"`
	L          float64   `db:"l" json:"l"`
	C          float64   `db:"c" json:"c"`
	V          *float64  `db:"v" json:"v,omitempty"`
	Source     *string   `db:"source" json:"source,omitempty"`
	IngestedAt time.Time `db:"ingested_at" json:"ingested_at"`
}

// Mover is one /top-movers row: latest close joined with the previous bar.
type Mover struct {
	Ticker      string   `db:"ticker" json:"ticker"`
	TF          string   `db:"tf" json:"tf"`
	TSLatest    int64    `db:"ts_latest" json:"ts_latest"`
	CloseLatest float64  `db:"close_latest" json:"close_latest"`
	ClosePrev   *float64 `db:"close_prev" json:"close_prev"`
	PctChange   *float64 `db:"pct_change" json:"pct_change"`
}

// ValidTF reports whether tf is one of the supported timeframes.
func ValidTF(tf string) bool {
	switch tf {
	case "15m", "1h", "1d":
		return true
	}
	return false
}

// TFStepMS returns the bar interval of tf in milliseconds.
func TFStepMS(tf string) int64 {
	switch tf {
	case "15m":
		return 15 * 60 * 1000
	case "1h":
		return 60 * 60 * 1000
	case "1d":
		return 24 * 60 * 60 * 1000
	}
	return 0
}

const upsertCandleChunk = 500

// UpsertCandles batch-upserts bars keyed on (ticker, tf, ts) and maintains
// the candles_latest snapshot in the same transaction. Idempotent: replaying
// a batch leaves the table state unchanged. The snapshot write is
// compare-then-write, so an out-of-order batch can never move a snapshot
// backwards.
func (w *Warehouse) UpsertCandles(ctx context.Context, rows []Candle) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	return w.inTx(ctx, func(tx *sqlx.Tx) error {
		for start := 0; start < len(rows); start += upsertCandleChunk {
			end := start + upsertCandleChunk
			if end > len(rows) {
				end = len(rows)
			}
			if err := upsertCandleChunkTx(ctx, tx, rows[start:end]); err != nil {
				return err
			}
		}

		// Newest bar per (ticker, tf) in this batch drives the snapshot.
		newest := make(map[[2]string]Candle, 4)
		for _, r := range rows {
			key := [2]string{r.Ticker, r.TF}
			if cur, ok := newest[key]; !ok || r.TS > cur.TS {
				newest[key] = r
			}
		}
		for _, r := range newest {
			if err := advanceSnapshotTx(ctx, tx, r); err != nil {
				return err
			}
		}

		logRows("upsert_candles", len(rows))
		return nil
	})
}

func upsertCandleChunkTx(ctx context.Context, tx *sqlx.Tx, rows []Candle) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO candles (ticker, tf, ts, o, h, l, c, v, source, ingested_at) VALUES `)

	args := make([]any, 0, len(rows)*9)
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,now())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args, r.Ticker, r.TF, r.TS, r.O, r.H, r.L, r.C, r.V, r.Source)
	}

	sb.WriteString(` ON CONFLICT (ticker, tf, ts) DO UPDATE SET
		o = EXCLUDED.o,
		h = EXCLUDED.h,
		l = EXCLUDED.l,
		c = EXCLUDED.c,
		v = EXCLUDED.v,
		source = COALESCE(EXCLUDED.source, candles.source),
		ingested_at = now()`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return classify(fmt.Errorf("upsert candles: %w", err))
	}
	return nil
}

func advanceSnapshotTx(ctx context.Context, tx *sqlx.Tx, r Candle) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO candles_latest (ticker, tf, ts, o, h, l, c, v, source, ingested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (ticker, tf) DO UPDATE SET
			ts = EXCLUDED.ts,
			o = EXCLUDED.o,
			h = EXCLUDED.h,
			l = EXCLUDED.l,
			c = EXCLUDED.c,
			v = EXCLUDED.v,
			source = COALESCE(EXCLUDED.source, candles_latest.source),
			ingested_at = now()
		WHERE EXCLUDED.ts >= candles_latest.ts`,
		r.Ticker, r.TF, r.TS, r.O, r.H, r.L, r.C, r.V, r.Source)
	if err != nil {
		return classify(fmt.Errorf("advance snapshot: %w", err))
	}
	return nil
}

// QueryCandles returns up to limit bars for (ticker, tf) newest-first.
// beforeTS, when > 0, is a strict upper bound on ts (keyset pagination).
func (w *Warehouse) QueryCandles(ctx context.Context, ticker, tf string, beforeTS int64, limit int) ([]Candle, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var (
		out []Candle
		err error
	)
	if beforeTS > 0 {
		err = w.db.SelectContext(ctx, &out, `
			SELECT ticker, tf, ts, o, h, l, c, v, source, ingested_at
			FROM candles
			WHERE ticker = $1 AND tf = $2 AND ts < $3
			ORDER BY ts DESC
			LIMIT $4`, ticker, tf, beforeTS, limit)
	} else {
		err = w.db.SelectContext(ctx, &out, `
			SELECT ticker, tf, ts, o, h, l, c, v, source, ingested_at
			FROM candles
			WHERE ticker = $1 AND tf = $2
			ORDER BY ts DESC
			LIMIT $3`, ticker, tf, limit)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query candles: %w", err))
	}
	return out, nil
}

// QueryCandleRange returns all bars in [startTS, endTS] ascending; used by
// the gap detector and repair worker.
func (w *Warehouse) QueryCandleRange(ctx context.Context, ticker, tf string, startTS, endTS int64) ([]Candle, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out []Candle
	err := w.db.SelectContext(ctx, &out, `
		SELECT ticker, tf, ts, o, h, l, c, v, source, ingested_at
		FROM candles
		WHERE ticker = $1 AND tf = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC`, ticker, tf, startTS, endTS)
	if err != nil {
		return nil, classify(fmt.Errorf("query candle range: %w", err))
	}
	return out, nil
}

// QueryLatest returns snapshot rows for tf, newest first.
func (w *Warehouse) QueryLatest(ctx context.Context, tf string, limit int) ([]Candle, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out []Candle
	err := w.db.SelectContext(ctx, &out, `
		SELECT ticker, tf, ts, o, h, l, c, v, source, ingested_at
		FROM candles_latest
		WHERE tf = $1
		ORDER BY ts DESC, ticker ASC
		LIMIT $2`, tf, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("query latest: %w", err))
	}
	return out, nil
}

// QueryTopMovers joins each snapshot row with its previous bar and orders by
// percent change descending, nulls last.
func (w *Warehouse) QueryTopMovers(ctx context.Context, tf string, limit int) ([]Mover, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out []Mover
	err := w.db.SelectContext(ctx, &out, `
		SELECT l.ticker,
		       l.tf,
		       l.ts AS ts_latest,
		       l.c AS close_latest,
		       p.c AS close_prev,
		       CASE WHEN p.c IS NOT NULL AND p.c <> 0
		            THEN (l.c - p.c) / p.c
		            ELSE NULL END AS pct_change
		FROM candles_latest l
		LEFT JOIN LATERAL (
			SELECT c
			FROM candles
			WHERE ticker = l.ticker AND tf = l.tf AND ts < l.ts
			ORDER BY ts DESC
			LIMIT 1
		) p ON true
		WHERE l.tf = $1
		ORDER BY pct_change DESC NULLS LAST, l.ticker ASC
		LIMIT $2`, tf, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("query top movers: %w", err))
	}
	return out, nil
}

// LatestTS returns the newest bar timestamp for (ticker, tf), or 0 when the
// pair has no bars. Used by the candle worker for frontier detection.
func (w *Warehouse) LatestTS(ctx context.Context, ticker, tf string) (int64, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var ts *int64
	err := w.db.GetContext(ctx, &ts, `
		SELECT max(ts) FROM candles WHERE ticker = $1 AND tf = $2`, ticker, tf)
	if err != nil {
		return 0, classify(fmt.Errorf("latest ts: %w", err))
	}
	if ts == nil {
		return 0, nil
	}
	return *ts, nil
}

// DistinctTickers lists tickers that have bars for tf, for gap scanning.
func (w *Warehouse) DistinctTickers(ctx context.Context, tf string, limit int) ([]string, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out []string
	err := w.db.SelectContext(ctx, &out, `
		SELECT DISTINCT ticker FROM candles WHERE tf = $1 ORDER BY ticker LIMIT $2`, tf, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("distinct tickers: %w", err))
	}
	return out, nil
}
