package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/coveragoor/pkg/covdata"
)

var collectKeepRetrieved string

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect counter data from the configured services",
	Long: `Signal every configured service to flush its coverage counters, copy
the counter files out of the pods, and merge them into the staging
area. Collection is incremental: repeating it after more traffic adds
new counter sets without double counting the old ones.`,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().StringVar(&collectKeepRetrieved, "keep-retrieved", "",
		"also keep the raw retrieved files in this directory")
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	retrievalDir := collectKeepRetrieved
	if retrievalDir == "" {
		retrievalDir, err = os.MkdirTemp("", "coveragoor-retrieve-*")
		if err != nil {
			return fmt.Errorf("creating retrieval directory: %w", err)
		}

		defer os.RemoveAll(retrievalDir)
	}

	results, err := collectCounters(ctx, cfg, retrievalDir)
	if err != nil {
		return err
	}

	agg := covdata.NewAggregator(log)

	data, err := agg.StageAll(retrievalDir, cfg.Coverage.StagingDir, cfg.ServiceNames())
	if err != nil {
		return fmt.Errorf("staging coverage data: %w", err)
	}

	collected := 0

	for i, d := range data {
		log.WithField("service", d.Service).
			WithField("new", d.Stats.New).
			WithField("duplicates", d.Stats.Duplicates).
			WithField("ok", results[i].OK()).
			Info("Service collected")

		if d.Stats.HasCounters() {
			collected++
		}
	}

	log.WithField("services", collected).Info("Collection complete")

	if err := agg.EnsureData(data); err != nil {
		return err
	}

	return nil
}
