// Package derived rebuilds the summary surfaces (market_stats KPIs and
// symbol_context_latest) from raw ingest output. Every rebuild is
// idempotent: full recompute, replace in one transaction.
package derived

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nkgotcode/vietmarket/internal/metrics"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// Syncer runs the derived rebuilds.
type Syncer struct {
	DB            *warehouse.Warehouse
	ContextWindow time.Duration // article recency window; 0 means 30 days
	FreshnessMax  time.Duration // daily frontier considered stale beyond this; 0 means 96h
}

// Summary is the structured result of one derive pass.
type Summary struct {
	Stats          int    `json:"stats"`
	FrontierStatus string `json:"frontier_status"`
}

// Run rebuilds symbol_context_latest and the market_stats KPI rows.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	window := s.ContextWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	now := time.Now().UTC()

	if err := s.DB.RebuildContextLatest(ctx, now, window); err != nil {
		return sum, err
	}

	stats, frontier, err := s.computeStats(ctx, now)
	if err != nil {
		return sum, err
	}
	if err := s.DB.ReplaceMarketStats(ctx, stats); err != nil {
		return sum, err
	}
	sum.Stats = len(stats)
	sum.FrontierStatus = frontier

	log.Info().Int("stats", sum.Stats).Str("frontier", frontier).Msg("derived sync complete")
	return sum, nil
}

type coverageRow struct {
	Eligible    int64 `db:"eligible"`
	WithCandles int64 `db:"with_candles"`
}

type tfRow struct {
	TF      string `db:"tf"`
	Rows    int64  `db:"rows"`
	Tickers int64  `db:"tickers"`
}

func (s *Syncer) computeStats(ctx context.Context, now time.Time) ([]warehouse.MarketStat, string, error) {
	db := s.DB.DB()

	var cov coverageRow
	if err := db.GetContext(ctx, &cov, `
		SELECT count(*) AS eligible,
		       count(cl.ticker) AS with_candles
		FROM symbols s
		LEFT JOIN candles_latest cl ON cl.ticker = s.ticker AND cl.tf = '1d'
		WHERE coalesce(s.active, true) = true`); err != nil {
		return nil, "", fmt.Errorf("coverage query: %w", err)
	}

	var perTF []tfRow
	if err := db.SelectContext(ctx, &perTF, `
		SELECT tf, count(*) AS rows, count(DISTINCT ticker) AS tickers
		FROM candles GROUP BY tf`); err != nil {
		return nil, "", fmt.Errorf("per-tf query: %w", err)
	}

	var frontierTS *int64
	if err := db.GetContext(ctx, &frontierTS, `
		SELECT max(ts) FROM candles_latest WHERE tf = '1d'`); err != nil {
		return nil, "", fmt.Errorf("frontier query: %w", err)
	}

	stats := make([]warehouse.MarketStat, 0, 8+2*len(perTF))
	add := func(metric string, value float64, detail string) {
		v := value
		st := warehouse.MarketStat{Metric: metric, Value: &v}
		if detail != "" {
			st.Detail = &detail
		}
		stats = append(stats, st)
	}

	missing := cov.Eligible - cov.WithCandles
	add("candles_eligible_total", float64(cov.Eligible), "")
	add("candles_with_candles", float64(cov.WithCandles), "")
	add("candles_missing", float64(missing), "")
	pct := 0.0
	if cov.Eligible > 0 {
		pct = 100 * float64(cov.WithCandles) / float64(cov.Eligible)
	}
	add("candles_coverage_pct", pct, "")

	for _, r := range perTF {
		add("candles_rows_"+r.TF, float64(r.Rows), "")
		add("candles_tickers_"+r.TF, float64(r.Tickers), "")
	}

	maxAge := s.FreshnessMax
	if maxAge <= 0 {
		maxAge = 96 * time.Hour
	}
	var last *time.Time
	if frontierTS != nil {
		t := time.UnixMilli(*frontierTS).UTC()
		last = &t
	}
	fresh := metrics.Evaluate(now, last, maxAge)
	status := "ok"
	lagMS := float64(0)
	if !fresh.OK {
		status = fresh.Reason
	}
	if last != nil {
		lagMS = float64(now.Sub(*last).Milliseconds())
	}
	add("frontier_lag_ms", lagMS, status)
	statusVal := 0.0
	if fresh.OK {
		statusVal = 1.0
	}
	add("frontier_ok", statusVal, status)

	return stats, status, nil
}
