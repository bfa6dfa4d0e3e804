// Command vietmarket bundles the query service and every periodic worker
// of the market-data platform behind one binary, so the scheduler invokes
// subcommands of a single artifact.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nkgotcode/vietmarket/internal/config"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// errTimeBudget maps to exit code 124.
var errTimeBudget = errors.New("time budget exceeded")

var (
	flagLogLevel string
	flagDSN      string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vietmarket",
		Short:         "Vietnam-market data platform: ingest workers and query service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.SetupLogging(flagLogLevel)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (trace..error)")
	pf.StringVar(&flagDSN, "dsn", "", "warehouse DSN (default $"+config.EnvDSN+")")

	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		ingestCandlesCmd(),
		detectGapsCmd(),
		repairCandlesCmd(),
		newsDiscoverCmd(),
		newsFetchCmd(),
		newsLinkCmd(),
		ingestFundamentalsCmd(),
		syncSymbolsCmd(),
		ingestEventsCmd(),
		deriveCmd(),
	)
	return root
}

// signalCtx is the run context for every command: cancelled on SIGINT or
// SIGTERM so in-flight writes finish and cleanup runs on every exit path.
func signalCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// openWarehouse resolves the DSN (flag over env) and connects.
func openWarehouse(ctx context.Context) (*warehouse.Warehouse, error) {
	dsn := flagDSN
	if dsn == "" {
		dsn = config.Env(config.EnvDSN, "")
	}
	if dsn == "" {
		return nil, errors.New("warehouse DSN is required (--dsn or $" + config.EnvDSN + ")")
	}
	return warehouse.Open(ctx, dsn)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the warehouse schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Migrate(ctx)
		},
	}
}
