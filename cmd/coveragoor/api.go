package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/coveragoor/pkg/api"
	"github.com/ethpandaops/coveragoor/pkg/runstore"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Serve the indexed run history and report files over HTTP.`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	if cfg.Report.Store == nil {
		return fmt.Errorf("report.store is required to serve the run index")
	}

	ctx, cancel := signalContext()
	defer cancel()

	store := runstore.NewStore(log, cfg.Report.Store)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting run store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop run store")
		}
	}()

	srv := api.NewServer(log, cfg.API, store, cfg.Report.Dir)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	<-ctx.Done()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
