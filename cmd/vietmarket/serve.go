package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/nkgotcode/vietmarket/internal/api"
	"github.com/nkgotcode/vietmarket/internal/config"
)

func serveCmd() *cobra.Command {
	var (
		addr       string
		apiKey     string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the read-only query service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalCtx(cmd)
			defer stop()

			fileCfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return err
			}

			if addr == "" {
				addr = fileCfg.Addr
			}
			if addr == "" {
				addr = ":8080"
			}
			if apiKey == "" {
				apiKey = config.Env(config.EnvAPIKey, fileCfg.APIKey)
			}
			if apiKey == "" {
				return errors.New("api key is required (--api-key, $" + config.EnvAPIKey + ", or config file)")
			}
			if flagDSN == "" && fileCfg.DSN != "" {
				flagDSN = fileCfg.DSN
			}

			db, err := openWarehouse(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			srv := &api.Server{DB: db, APIKey: apiKey}
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8080)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key clients must send in x-api-key")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file")
	return cmd
}
