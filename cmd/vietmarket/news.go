package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/nkgotcode/vietmarket/internal/config"
	"github.com/nkgotcode/vietmarket/internal/news"
	"github.com/nkgotcode/vietmarket/internal/source"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// knownTickers loads the symbol set the linker filters against.
func knownTickers(ctx context.Context, db *warehouse.Warehouse) (map[string]struct{}, error) {
	tickers, err := db.QueryUniverse(ctx, "")
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		known[t] = struct{}{}
	}
	return known, nil
}

func newsDiscoverCmd() *cobra.Command {
	var (
		relayBase string
		siteBase  string
		maxPages  int
	)

	cmd := &cobra.Command{
		Use:   "news-discover",
		Short: "Discover article URLs from feeds and category listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if relayBase == "" {
				relayBase = config.Env(config.EnvRelayBase, "")
			}
			d := &news.Discoverer{
				DB:        db,
				Client:    source.New(source.Config{UserAgent: news.BrowserUA, RPS: 2, Burst: 1}),
				RelayBase: relayBase,
				SiteBase:  siteBase,
				MaxPages:  maxPages,
			}
			_, err = d.Run(ctx)
			return err
		},
	}

	cmd.Flags().StringVar(&relayBase, "relay-base", "", "local RSS-cache/relay base URL")
	cmd.Flags().StringVar(&siteBase, "site-base", "", "base URL for resolving relative article links")
	cmd.Flags().IntVar(&maxPages, "max-pages", 10, "listing pages per seed per run")
	return cmd
}

func newsFetchCmd() *cobra.Command {
	var (
		limit        int
		rps          float64
		headlessBase string
	)

	cmd := &cobra.Command{
		Use:   "news-fetch",
		Short: "Fetch pending article bodies and link tickers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			known, err := knownTickers(ctx, db)
			if err != nil {
				return err
			}
			f := &news.Fetcher{
				DB:           db,
				Client:       source.New(source.Config{UserAgent: news.BrowserUA, RPS: rps, Burst: 1}),
				HeadlessBase: headlessBase,
				Rate:         rps,
				Known:        known,
			}
			_, err = f.Run(ctx, limit)
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "articles per run")
	cmd.Flags().Float64Var(&rps, "rate", 1, "requests per second")
	cmd.Flags().StringVar(&headlessBase, "headless-base", "", "headless-browser render service base URL")
	return cmd
}

func newsLinkCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "news-link",
		Short: "Re-run the ticker linker over recently fetched articles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			known, err := knownTickers(ctx, db)
			if err != nil {
				return err
			}
			_, err = news.Relink(ctx, db, known, limit)
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 500, "articles to re-link")
	return cmd
}
