package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/coveragoor/pkg/tracecov"
)

var (
	traceWindowFile string
	traceStartTime  string
	traceEndTime    string
	traceTestRunID  string
	traceOutput     string
	traceJaegerURL  string
	traceTimeBuffer time.Duration
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Generate a trace coverage report",
	Long: `Query the tracing backend for the run window and derive which
services and methods were actually reached by test traffic.`,
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.Flags().StringVar(&traceWindowFile, "window", defaultWindowFile,
		"window file recorded by 'window open' and 'window close'")
	traceCmd.Flags().StringVar(&traceStartTime, "start-time", "",
		"window start (RFC3339), overrides the window file")
	traceCmd.Flags().StringVar(&traceEndTime, "end-time", "",
		"window end (RFC3339), overrides the window file")
	traceCmd.Flags().StringVar(&traceTestRunID, "test-run-id", "",
		"test run identifier, defaults to the window's")
	traceCmd.Flags().StringVar(&traceOutput, "output", "trace_coverage.json",
		"output file path")
	traceCmd.Flags().StringVar(&traceJaegerURL, "jaeger-url", "",
		"override the configured Jaeger Query API base URL")
	traceCmd.Flags().DurationVar(&traceTimeBuffer, "time-buffer", 0,
		"override the configured query time buffer for narrow windows")
}

func runTrace(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if traceJaegerURL != "" {
		cfg.Trace.JaegerURL = traceJaegerURL
	}

	if traceTimeBuffer > 0 {
		cfg.Trace.TimeBuffer = traceTimeBuffer
	}

	ctx, cancel := signalContext()
	defer cancel()

	win, err := resolveWindow(traceWindowFile, traceStartTime, traceEndTime, traceTestRunID)
	if err != nil {
		return err
	}

	gen := tracecov.NewGenerator(log, &cfg.Trace, cfg.Coverage.Services)

	start, end := win.QueryBounds(cfg.Trace.TimeBuffer)

	log.WithField("start", start.Format(time.RFC3339)).
		WithField("end", end.Format(time.RFC3339)).
		Info("Querying trace coverage")

	traceReport, err := gen.Generate(ctx, win.TestRunID, start, end)
	if err != nil {
		return fmt.Errorf("generating trace coverage: %w", err)
	}

	if err := traceReport.Write(traceOutput); err != nil {
		return fmt.Errorf("writing trace coverage report: %w", err)
	}

	log.WithField("report", traceOutput).
		WithField("covered_services", traceReport.Summary.CoveredServices).
		WithField("covered_methods", traceReport.Summary.CoveredMethods).
		Info("Trace coverage report written")

	return nil
}
