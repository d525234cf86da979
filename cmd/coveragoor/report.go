package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/coveragoor/pkg/covdata"
)

var reportOutputDir string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render code coverage reports from staged counter data",
	Long: `Render per-service coverage summaries and text profiles from the
counter data already merged into the staging area, without touching
the cluster.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportOutputDir, "output", "",
		"output directory, defaults to the configured reports dir")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	outDir := reportOutputDir
	if outDir == "" {
		outDir = cfg.Report.Dir
	}

	agg := covdata.NewAggregator(log)

	// Restaging from an empty retrieval dir just picks up whatever is
	// already staged for each service.
	data := make([]covdata.ServiceData, 0, len(cfg.Coverage.Services))

	for _, name := range cfg.ServiceNames() {
		stagingDir := filepath.Join(cfg.Coverage.StagingDir, name)

		stats, err := covdata.CountStaged(stagingDir)
		if err != nil {
			return fmt.Errorf("inspecting staged data for %s: %w", name, err)
		}

		data = append(data, covdata.ServiceData{
			Service:    name,
			StagingDir: stagingDir,
			Stats:      stats,
		})
	}

	if err := agg.EnsureData(data); err != nil {
		return err
	}

	code, err := agg.Render(ctx, data, outDir)
	if err != nil {
		return fmt.Errorf("rendering code coverage: %w", err)
	}

	renderAnnotated(ctx, cfg, agg, code, outDir)

	mergeCombined(ctx, agg, data)

	for _, c := range code {
		if !c.HasData {
			log.WithField("service", c.Service).Warn("No coverage data")

			continue
		}

		log.WithField("service", c.Service).
			WithField("total", fmt.Sprintf("%.1f%%", c.TotalPercent)).
			Info("Code coverage rendered")
	}

	return nil
}
