package candles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nkgotcode/vietmarket/internal/lease"
	"github.com/nkgotcode/vietmarket/internal/metrics"
	"github.com/nkgotcode/vietmarket/internal/shard"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// Config is one worker run's configuration. Zero values are filled with
// defaults in normalize.
type Config struct {
	JobName      string
	NodeID       string
	ShardCount   int
	ShardIndex   int
	BatchSize    int
	TFs          []string
	Starts       map[string]int64 // lower backfill bound per tf, unix ms
	Chunk        int              // bars per API page
	SleepMS      int              // pause between pages
	RunTimeout   time.Duration
	StaleMinutes int
	LeaseMS      int64
	CursorDir    string
	IncludeIdx   bool
}

func (c *Config) normalize() error {
	if c.JobName == "" || c.NodeID == "" {
		return errors.New("job_name and node_id are required")
	}
	if c.ShardCount < 1 {
		c.ShardCount = 1
	}
	if c.ShardIndex < 0 || c.ShardIndex >= c.ShardCount {
		return fmt.Errorf("shard_index %d outside [0, %d)", c.ShardIndex, c.ShardCount)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if len(c.TFs) == 0 {
		c.TFs = []string{"1d"}
	}
	for _, tf := range c.TFs {
		if !warehouse.ValidTF(tf) {
			return fmt.Errorf("unknown tf %q", tf)
		}
	}
	if c.Chunk <= 0 {
		c.Chunk = 500
	}
	if c.StaleMinutes < 1 {
		c.StaleMinutes = 30
	}
	if c.LeaseMS == 0 {
		c.LeaseMS = 300_000
	}
	return nil
}

// Summary is the structured result of one run, logged on exit.
type Summary struct {
	Job       string `json:"job"`
	Shard     int    `json:"shard"`
	Skipped   string `json:"skipped,omitempty"` // not_owner | lease_error | empty_shard
	Tickers   int    `json:"tickers"`
	Pages     int    `json:"pages"`
	Rows      int    `json:"rows"`
	Frontier  int    `json:"frontier"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Worker runs one scheduled candle-ingest pass for a shard.
type Worker struct {
	DB       *warehouse.Warehouse
	Leases   *lease.Coordinator
	Fetcher  PageFetcher
	Universe []string
	Cfg      Config

	leaseUntil time.Time // tracked locally so the page loop knows when to renew
}

// Run executes the state machine: claim, batch, page, advance cursor. The
// cursor is written only after all batch writes have committed; a crash
// mid-batch re-fetches idempotently next run.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{Job: w.Cfg.JobName, Shard: w.Cfg.ShardIndex}
	defer func() {
		sum.ElapsedMS = time.Since(start).Milliseconds()
		metrics.RunDuration.WithLabelValues(w.Cfg.JobName).Observe(time.Since(start).Seconds())
	}()

	if err := w.Cfg.normalize(); err != nil {
		return sum, err
	}

	universe := w.Universe
	if w.Cfg.IncludeIdx {
		universe = shard.WithIndices(universe)
	}
	mine := shard.Filter(universe, w.Cfg.ShardCount, w.Cfg.ShardIndex)
	if len(mine) == 0 {
		sum.Skipped = "empty_shard"
		return sum, nil
	}

	claim, err := w.Leases.TryClaim(ctx, w.Cfg.JobName, w.Cfg.ShardIndex, w.Cfg.NodeID,
		w.Cfg.LeaseMS, w.Cfg.StaleMinutes, nil)
	if err != nil {
		// Coordinator unreachable: exit without writing any ingest state.
		metrics.LeaseClaims.WithLabelValues(w.Cfg.JobName, "error").Inc()
		sum.Skipped = "lease_error"
		log.Warn().Err(err).Str("job", w.Cfg.JobName).Int("shard", w.Cfg.ShardIndex).
			Msg("lease coordinator unavailable, skipping run")
		return sum, nil
	}
	if !claim.OK {
		metrics.LeaseClaims.WithLabelValues(w.Cfg.JobName, "denied").Inc()
		sum.Skipped = "not_owner"
		log.Info().Str("job", w.Cfg.JobName).Int("shard", w.Cfg.ShardIndex).
			Str("holder", claim.OwnerID).Msg("shard held elsewhere, skipping run")
		return sum, nil
	}
	metrics.LeaseClaims.WithLabelValues(w.Cfg.JobName, "claimed").Inc()
	w.leaseUntil = time.Now().Add(time.Duration(w.Cfg.LeaseMS) * time.Millisecond)

	cur, err := w.loadCursor(ctx)
	if err != nil {
		return sum, err
	}
	batch, startIdx, nextIndex := shard.SelectBatch(mine, w.Cfg.BatchSize, cur)

	deadline := time.Time{}
	if w.Cfg.RunTimeout > 0 {
		deadline = start.Add(w.Cfg.RunTimeout)
	}

	completed := 0
	for _, ticker := range batch {
		if !deadline.IsZero() && time.Now().After(deadline) {
			sum.TimedOut = true
			break
		}
		if ctx.Err() != nil {
			sum.TimedOut = true
			break
		}
		if err := w.ingestTicker(ctx, ticker, &sum); err != nil {
			if errors.Is(err, errLostLease) {
				log.Warn().Str("ticker", ticker).Msg("lost shard lease, abandoning run")
				return sum, nil
			}
			return sum, err
		}
		completed++
		sum.Tickers++
	}

	// Advance past completed work only. A timed-out run resumes at the
	// first unprocessed ticker. The effective start is used, not the raw
	// cursor value: a stale index was already reset during batch selection.
	if completed > 0 {
		if sum.TimedOut {
			nextIndex = (startIdx + completed) % len(mine)
		}
		if err := w.saveCursor(ctx, cur, batch[:completed], nextIndex, len(mine)); err != nil {
			return sum, err
		}
	}

	log.Info().Str("job", sum.Job).Int("shard", sum.Shard).Int("tickers", sum.Tickers).
		Int("pages", sum.Pages).Int("rows", sum.Rows).Int("frontier", sum.Frontier).
		Bool("timed_out", sum.TimedOut).Msg("candle ingest run complete")
	return sum, nil
}

var errLostLease = errors.New("lost lease")

// ingestTicker pages one ticker across all configured timeframes.
func (w *Worker) ingestTicker(ctx context.Context, ticker string, sum *Summary) error {
	for _, tf := range w.Cfg.TFs {
		if err := w.ingestPair(ctx, ticker, tf, sum); err != nil {
			return err
		}
	}
	return nil
}

// ingestPair walks pages from the resume point to now. The frontier is
// reached when a page no longer advances the newest timestamp; paging for
// the pair then stops so one dead symbol never stalls the batch.
func (w *Worker) ingestPair(ctx context.Context, ticker, tf string, sum *Summary) error {
	from := w.Cfg.Starts[tf]
	last, err := w.DB.LatestTS(ctx, ticker, tf)
	if err != nil {
		return err
	}
	if last > 0 && last+warehouse.TFStepMS(tf) > from {
		from = last + warehouse.TFStepMS(tf)
	}
	to := alignDown(nowMS(), tf)

	prevNewest := int64(0)
	for from <= to {
		rows, err := w.Fetcher.FetchPage(ctx, ticker, tf, from, to, w.Cfg.Chunk)
		if err != nil {
			metrics.PagesFetched.WithLabelValues(w.Cfg.JobName, "error").Inc()
			// Source exhaustion for one pair is recorded and skipped, not
			// fatal to the batch.
			log.Warn().Str("ticker", ticker).Str("tf", tf).Err(err).Msg("page fetch failed")
			return nil
		}
		metrics.PagesFetched.WithLabelValues(w.Cfg.JobName, "ok").Inc()
		sum.Pages++

		if len(rows) == 0 {
			sum.Frontier++
			return nil
		}

		if err := w.DB.UpsertCandles(ctx, rows); err != nil {
			return err
		}
		sum.Rows += len(rows)
		metrics.CandlesUpserted.WithLabelValues(tf).Add(float64(len(rows)))

		if err := w.heartbeat(ctx); err != nil {
			return err
		}

		newest := rows[len(rows)-1].TS
		if newest <= prevNewest {
			sum.Frontier++
			return nil
		}
		prevNewest = newest
		from = newest + warehouse.TFStepMS(tf)

		if w.Cfg.SleepMS > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(w.Cfg.SleepMS) * time.Millisecond):
			}
		}
	}
	return nil
}

// heartbeat reports progress after every committed page and renews the
// lease once less than a third of its duration remains, so a long run never
// lets the lease lapse while progress is fresh. Either call reporting lost
// ownership aborts the shard.
func (w *Worker) heartbeat(ctx context.Context) error {
	ok, err := w.Leases.ReportProgress(ctx, w.Cfg.JobName, w.Cfg.ShardIndex, w.Cfg.NodeID, nil)
	if err != nil {
		return err
	}
	if !ok {
		return errLostLease
	}

	leaseDur := time.Duration(w.Cfg.LeaseMS) * time.Millisecond
	if time.Until(w.leaseUntil) >= leaseDur/3 {
		return nil
	}
	ok, err = w.Leases.Renew(ctx, w.Cfg.JobName, w.Cfg.ShardIndex, w.Cfg.NodeID, w.Cfg.LeaseMS)
	if err != nil {
		return err
	}
	if !ok {
		return errLostLease
	}
	w.leaseUntil = time.Now().Add(leaseDur)
	return nil
}

// loadCursor prefers the warehouse row; the file under cursor_dir is a
// per-node cache consulted only when the warehouse has no row.
func (w *Worker) loadCursor(ctx context.Context) (shard.Cursor, error) {
	row, err := w.DB.GetCursor(ctx, w.Cfg.JobName, w.Cfg.ShardIndex)
	if err != nil {
		return shard.Cursor{}, err
	}
	if row != nil {
		return shard.Cursor{NextIndex: row.NextIndex}, nil
	}
	if w.Cfg.CursorDir == "" {
		return shard.Cursor{}, nil
	}
	return shard.FileCursorStore{Dir: w.Cfg.CursorDir}.Load(w.Cfg.JobName, w.Cfg.ShardIndex)
}

func (w *Worker) saveCursor(ctx context.Context, cur shard.Cursor, batch []string, nextIndex, universeCount int) error {
	joined := strings.Join(batch, ",")
	bs := len(batch)
	if err := w.DB.UpsertCursor(ctx, warehouse.CursorRow{
		Job:           w.Cfg.JobName,
		Shard:         w.Cfg.ShardIndex,
		NextIndex:     nextIndex,
		LastBatch:     &joined,
		BatchSize:     &bs,
		UniverseCount: &universeCount,
	}); err != nil {
		return err
	}

	if w.Cfg.CursorDir != "" {
		cur.NextIndex = nextIndex
		cur.LastBatch = batch
		cur.BatchSize = bs
		cur.UniverseCount = universeCount
		if err := (shard.FileCursorStore{Dir: w.Cfg.CursorDir}).Save(w.Cfg.JobName, w.Cfg.ShardIndex, cur); err != nil {
			// File cursor is advisory; the warehouse write already landed.
			log.Warn().Err(err).Msg("cursor file write failed")
		}
	}
	return nil
}
