package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nkgotcode/vietmarket/internal/ingest/candles"
	"github.com/nkgotcode/vietmarket/internal/metrics"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// Detector scans recent candle history and enqueues missing windows.
type Detector struct {
	DB       *warehouse.Warehouse
	TFs      []string
	Lookback time.Duration // scan window ending now; 0 means 30 days
	MaxTicks int           // tickers per tf per run; 0 means 500
}

// DetectSummary is the structured result of one detection pass.
type DetectSummary struct {
	Tickers  int `json:"tickers"`
	Windows  int `json:"windows"`
	Enqueued int `json:"enqueued"`
}

// Run scans every (ticker, tf) pair with data in the lookback window.
func (d *Detector) Run(ctx context.Context) (DetectSummary, error) {
	var sum DetectSummary

	lookback := d.Lookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	maxTicks := d.MaxTicks
	if maxTicks <= 0 {
		maxTicks = 500
	}
	tfs := d.TFs
	if len(tfs) == 0 {
		tfs = []string{"1d"}
	}

	now := time.Now().UTC().UnixMilli()
	for _, tf := range tfs {
		from := now - lookback.Milliseconds()
		to := now - now%stepMS(tf) // current partial bar is not yet expected

		tickers, err := d.DB.DistinctTickers(ctx, tf, maxTicks)
		if err != nil {
			return sum, err
		}
		for _, ticker := range tickers {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			n, w, err := d.scanPair(ctx, ticker, tf, from, to)
			if err != nil {
				return sum, err
			}
			sum.Tickers++
			sum.Windows += w
			sum.Enqueued += n
		}
	}

	log.Info().Int("tickers", sum.Tickers).Int("windows", sum.Windows).
		Int("enqueued", sum.Enqueued).Msg("gap detection complete")
	return sum, nil
}

func (d *Detector) scanPair(ctx context.Context, ticker, tf string, fromMS, toMS int64) (enqueued, windows int, err error) {
	rows, err := d.DB.QueryCandleRange(ctx, ticker, tf, fromMS, toMS)
	if err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	// Only scan from the first bar we actually hold: before listing there
	// is nothing to repair.
	have := make(map[int64]struct{}, len(rows))
	for _, r := range rows {
		have[r.TS] = struct{}{}
	}
	expected := ExpectedGrid(tf, rows[0].TS, toMS)

	for _, win := range MissingWindows(tf, expected, have) {
		windows++
		note := fmt.Sprintf("gap scan %s", time.Now().UTC().Format("2006-01-02"))
		ok, err := d.DB.EnqueueRepair(ctx, ticker, tf, win.StartMS, win.EndMS, win.ExpectedBars, note)
		if err != nil {
			return enqueued, windows, err
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, windows, nil
}

// RepairWorker drains the repair queue: re-fetch each window and upsert
// whatever the source still has.
type RepairWorker struct {
	DB      *warehouse.Warehouse
	Fetcher candles.PageFetcher
	Limit   int // entries per run; 0 means 50
}

// RepairSummary is the structured result of one repair pass.
type RepairSummary struct {
	Claimed int `json:"claimed"`
	Done    int `json:"done"`
	Errors  int `json:"errors"`
	Rows    int `json:"rows"`
}

// Run claims queued entries in creation order and repairs them.
func (r *RepairWorker) Run(ctx context.Context) (RepairSummary, error) {
	var sum RepairSummary

	limit := r.Limit
	if limit <= 0 {
		limit = 50
	}
	entries, err := r.DB.ClaimQueuedRepairs(ctx, limit)
	if err != nil {
		return sum, err
	}
	sum.Claimed = len(entries)

	for _, e := range entries {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		n, err := r.repairOne(ctx, e)
		sum.Rows += n
		if err != nil {
			sum.Errors++
			if ferr := r.DB.FinishRepair(ctx, e.ID, err, 0, ""); ferr != nil {
				return sum, ferr
			}
			continue
		}
		sum.Done++
		missing := e.ExpectedBars - n
		if missing < 0 {
			missing = 0
		}
		note := fmt.Sprintf("fetched %d of %d expected", n, e.ExpectedBars)
		if err := r.DB.FinishRepair(ctx, e.ID, nil, missing, note); err != nil {
			return sum, err
		}
	}

	if counts, err := r.DB.CountRepairsByStatus(ctx); err == nil {
		for status, n := range counts {
			metrics.RepairQueueDepth.WithLabelValues(status).Set(float64(n))
		}
	}

	log.Info().Int("claimed", sum.Claimed).Int("done", sum.Done).
		Int("errors", sum.Errors).Int("rows", sum.Rows).Msg("repair run complete")
	return sum, nil
}

func (r *RepairWorker) repairOne(ctx context.Context, e warehouse.RepairEntry) (int, error) {
	rows, err := r.Fetcher.FetchPage(ctx, e.Ticker, e.TF, e.WindowStartTS, e.WindowEndTS, e.ExpectedBars)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		// The source has nothing for this window (delisting, holiday).
		// That completes the repair; the audit row records zero fetched.
		return 0, nil
	}
	if err := r.DB.UpsertCandles(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
