package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nkgotcode/vietmarket/internal/config"
	"github.com/nkgotcode/vietmarket/internal/derived"
	"github.com/nkgotcode/vietmarket/internal/ingest/events"
	"github.com/nkgotcode/vietmarket/internal/ingest/fundamentals"
	"github.com/nkgotcode/vietmarket/internal/ingest/symbols"
	"github.com/nkgotcode/vietmarket/internal/source"
)

func ingestFundamentalsCmd() *cobra.Command {
	var (
		tickers       string
		period        string
		outDir        string
		token         string
		noFallbackQ   bool
		timeBudgetSec int
		baseURL       string
		publish       bool
	)

	cmd := &cobra.Command{
		Use:   "ingest-fundamentals",
		Short: "Pull financial-statement blocks and normalize changed ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			list := strings.Split(tickers, ",")
			for i := range list {
				list[i] = strings.ToUpper(strings.TrimSpace(list[i]))
			}
			if token == "" {
				token = config.Env(config.EnvSourceToken, "")
			}

			worker := &fundamentals.Worker{
				DB: db,
				Fetcher: &fundamentals.Fetcher{
					Client:  source.New(source.Config{UserAgent: "vietmarket/1.0", RPS: 4, Burst: 4}),
					BaseURL: baseURL,
					Token:   token,
				},
				Cfg: fundamentals.Config{
					Tickers:     list,
					Period:      period,
					OutDir:      outDir,
					Token:       token,
					NoFallbackQ: noFallbackQ,
					TimeBudget:  time.Duration(timeBudgetSec) * time.Second,
				},
			}

			sum, err := worker.Run(ctx)
			if err != nil {
				return err
			}
			if publish {
				if _, err := fundamentals.Publish(outDir); err != nil {
					return err
				}
			}
			if sum.TimedOut {
				return errTimeBudget
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&tickers, "tickers", "", "comma-separated tickers")
	f.StringVar(&period, "period", "Q", "Q or Y")
	f.StringVar(&outDir, "out-dir", "data/fundamentals", "raw/normalized/publish output directory")
	f.StringVar(&token, "token", "", "bearer token (yearly data requires it)")
	f.BoolVar(&noFallbackQ, "no-fallback-to-q", false, "fail Y without token instead of falling back to Q")
	f.IntVar(&timeBudgetSec, "time-budget-sec", 0, "wall-clock ceiling (exit 124)")
	f.StringVar(&baseURL, "base", "", "fundamentals API base URL")
	f.BoolVar(&publish, "publish", true, "aggregate publish/latest.json after the run")
	cmd.MarkFlagRequired("tickers")
	cmd.MarkFlagRequired("base")
	return cmd
}

func syncSymbolsCmd() *cobra.Command {
	var (
		baseURL  string
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "sync-symbols",
		Short: "Sync the listing directory into the symbols table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			s := &symbols.Syncer{
				DB:       db,
				Client:   source.New(source.Config{UserAgent: "vietmarket/1.0", RPS: 4, Burst: 2}),
				BaseURL:  baseURL,
				PageSize: pageSize,
			}
			_, err = s.Run(ctx)
			return err
		},
	}

	cmd.Flags().StringVar(&baseURL, "base", "", "directory API base URL")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "listings per page")
	cmd.MarkFlagRequired("base")
	return cmd
}

func ingestEventsCmd() *cobra.Command {
	var (
		baseURL string
		srcName string
	)

	cmd := &cobra.Command{
		Use:   "ingest-events",
		Short: "Ingest the corporate-action calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			g := &events.Ingester{
				DB:      db,
				Client:  source.New(source.Config{UserAgent: "vietmarket/1.0", RPS: 2, Burst: 1}),
				BaseURL: baseURL,
				Source:  srcName,
			}
			_, err = g.Run(ctx)
			return err
		},
	}

	cmd.Flags().StringVar(&baseURL, "base", "", "calendar base URL")
	cmd.Flags().StringVar(&srcName, "source", "calendar", "value recorded in corporate_actions.source")
	cmd.MarkFlagRequired("base")
	return cmd
}

func deriveCmd() *cobra.Command {
	var windowDays int

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Rebuild market_stats KPIs and symbol context",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			s := &derived.Syncer{
				DB:            db,
				ContextWindow: time.Duration(windowDays) * 24 * time.Hour,
			}
			_, err = s.Run(ctx)
			return err
		},
	}

	cmd.Flags().IntVar(&windowDays, "window-days", 30, "article recency window")
	return cmd
}
