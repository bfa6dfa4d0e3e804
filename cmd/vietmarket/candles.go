package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nkgotcode/vietmarket/internal/config"
	"github.com/nkgotcode/vietmarket/internal/ingest/candles"
	"github.com/nkgotcode/vietmarket/internal/ingest/gaps"
	"github.com/nkgotcode/vietmarket/internal/lease"
	"github.com/nkgotcode/vietmarket/internal/shard"
	"github.com/nkgotcode/vietmarket/internal/source"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// loadUniverse prefers the file form; with no file the symbols table is
// the universe source.
func loadUniverse(ctx context.Context, db *warehouse.Warehouse, path, filter string) ([]string, error) {
	if path != "" {
		return shard.LoadUniverseFile(path)
	}
	return shard.LoadUniverseSQL(ctx, db, filter)
}

func quoteClient(rps float64) *source.Client {
	var cache source.Cache
	if c := source.NewRedisCache(config.Env(config.EnvRedisAddr, ""), "src:"); c != nil {
		cache = c
	}
	return source.New(source.Config{
		UserAgent: "vietmarket/1.0",
		RPS:       rps,
		Burst:     2,
		Cache:     cache,
	})
}

func ingestCandlesCmd() *cobra.Command {
	var (
		jobName      string
		nodeID       string
		shardCount   int
		shardIndex   int
		batchSize    int
		tfs          []string
		start1d      int64
		start1h      int64
		start15m     int64
		chunk        int
		sleepMS      int
		includeIdx   bool
		runTimeout   int
		staleMinutes int
		leaseMS      int64
		cursorDir    string
		universePath string
		univFilter   string
		quoteBase    string
		quoteSource  string
		rps          float64
	)

	cmd := &cobra.Command{
		Use:   "ingest-candles",
		Short: "Run one sharded candle-ingest pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			universe, err := loadUniverse(ctx, db, universePath, univFilter)
			if err != nil {
				return err
			}
			if quoteBase == "" {
				return fmt.Errorf("--quote-base is required")
			}

			worker := &candles.Worker{
				DB:     db,
				Leases: lease.New(db.DB()),
				Fetcher: &candles.QuoteAPI{
					Client:  quoteClient(rps),
					BaseURL: quoteBase,
					Source:  quoteSource,
				},
				Universe: universe,
				Cfg: candles.Config{
					JobName:    jobName,
					NodeID:     nodeID,
					ShardCount: shardCount,
					ShardIndex: shardIndex,
					BatchSize:  batchSize,
					TFs:        tfs,
					Starts: map[string]int64{
						"1d": start1d, "1h": start1h, "15m": start15m,
					},
					Chunk:        chunk,
					SleepMS:      sleepMS,
					RunTimeout:   time.Duration(runTimeout) * time.Second,
					StaleMinutes: staleMinutes,
					LeaseMS:      leaseMS,
					CursorDir:    cursorDir,
					IncludeIdx:   includeIdx,
				},
			}

			sum, err := worker.Run(ctx)
			if err != nil {
				return err
			}
			if sum.TimedOut {
				return errTimeBudget
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&jobName, "job-name", config.Env(config.EnvJobName, "candles"), "lease job key and cursor name")
	f.StringVar(&nodeID, "node-id", config.Env(config.EnvNodeID, ""), "owner id used in leases")
	f.IntVar(&shardCount, "shard-count", config.EnvInt(config.EnvShardCount, 1), "total shards")
	f.IntVar(&shardIndex, "shard-index", config.EnvInt(config.EnvShardIndex, 0), "this worker's shard")
	f.IntVar(&batchSize, "batch-size", 20, "tickers per run")
	f.StringSliceVar(&tfs, "tfs", []string{"1d"}, "timeframes to cover (15m,1h,1d)")
	f.Int64Var(&start1d, "start-1d", 0, "1d backfill lower bound, unix ms")
	f.Int64Var(&start1h, "start-1h", 0, "1h backfill lower bound, unix ms")
	f.Int64Var(&start15m, "start-15m", 0, "15m backfill lower bound, unix ms")
	f.IntVar(&chunk, "chunk", 500, "bars per API page")
	f.IntVar(&sleepMS, "sleep-ms", 200, "pause between pages")
	f.BoolVar(&includeIdx, "include-indices", false, "append broad market indices to the universe")
	f.IntVar(&runTimeout, "run-timeout-sec", 0, "wall-clock ceiling per run (exit 124)")
	f.IntVar(&staleMinutes, "stale-minutes", config.EnvInt(config.EnvStaleMinutes, 30), "stale-takeover window")
	f.Int64Var(&leaseMS, "lease-ms", int64(config.EnvInt(config.EnvLeaseMS, 300_000)), "lease duration")
	f.StringVar(&cursorDir, "cursor-dir", config.Env(config.EnvCursorDir, ""), "local cursor-file directory")
	f.StringVar(&universePath, "universe-file", config.Env(config.EnvUniverseFile, ""), "JSON universe file")
	f.StringVar(&univFilter, "universe-filter", "", "SQL filter on symbols when no file is given")
	f.StringVar(&quoteBase, "quote-base", "", "quote API base URL")
	f.StringVar(&quoteSource, "quote-source", "quote", "value recorded in candles.source")
	f.Float64Var(&rps, "rps", 4, "per-host request budget")
	return cmd
}

func detectGapsCmd() *cobra.Command {
	var (
		tfs          []string
		lookbackDays int
		maxTickers   int
	)

	cmd := &cobra.Command{
		Use:   "detect-gaps",
		Short: "Scan for missing candle bars and enqueue repairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			det := &gaps.Detector{
				DB:       db,
				TFs:      tfs,
				Lookback: time.Duration(lookbackDays) * 24 * time.Hour,
				MaxTicks: maxTickers,
			}
			_, err = det.Run(ctx)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&tfs, "tfs", []string{"1d"}, "timeframes to scan")
	cmd.Flags().IntVar(&lookbackDays, "lookback-days", 30, "scan window ending now")
	cmd.Flags().IntVar(&maxTickers, "max-tickers", 500, "tickers per tf per run")
	return cmd
}

func repairCandlesCmd() *cobra.Command {
	var (
		limit     int
		quoteBase string
		quoteSrc  string
		rps       float64
	)

	cmd := &cobra.Command{
		Use:   "repair-candles",
		Short: "Drain the candle repair queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if quoteBase == "" {
				return fmt.Errorf("--quote-base is required")
			}
			worker := &gaps.RepairWorker{
				DB: db,
				Fetcher: &candles.QuoteAPI{
					Client:  quoteClient(rps),
					BaseURL: quoteBase,
					Source:  quoteSrc,
				},
				Limit: limit,
			}
			_, err = worker.Run(ctx)
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "repair entries per run")
	cmd.Flags().StringVar(&quoteBase, "quote-base", "", "quote API base URL")
	cmd.Flags().StringVar(&quoteSrc, "quote-source", "quote", "value recorded in candles.source")
	cmd.Flags().Float64Var(&rps, "rps", 4, "per-host request budget")
	return cmd
}
