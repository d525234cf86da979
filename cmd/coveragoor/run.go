package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/coveragoor/pkg/collector"
	"github.com/ethpandaops/coveragoor/pkg/config"
	"github.com/ethpandaops/coveragoor/pkg/covdata"
	"github.com/ethpandaops/coveragoor/pkg/fsutil"
	"github.com/ethpandaops/coveragoor/pkg/kube"
	"github.com/ethpandaops/coveragoor/pkg/report"
	"github.com/ethpandaops/coveragoor/pkg/runstore"
	"github.com/ethpandaops/coveragoor/pkg/tracecov"
	"github.com/ethpandaops/coveragoor/pkg/upload"
	"github.com/ethpandaops/coveragoor/pkg/window"
)

var (
	runWindowFile string
	runStartTime  string
	runEndTime    string
	runTestRunID  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full coverage pipeline",
	Long: `Collect counter data from all configured services, merge it into the
staging area, render code coverage reports, query trace coverage for
the run window, and write the unified report.`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runWindowFile, "window", defaultWindowFile,
		"window file recorded by 'window open' and 'window close'")
	runCmd.Flags().StringVar(&runStartTime, "start-time", "",
		"window start (RFC3339), overrides the window file")
	runCmd.Flags().StringVar(&runEndTime, "end-time", "",
		"window end (RFC3339), overrides the window file")
	runCmd.Flags().StringVar(&runTestRunID, "test-run-id", "",
		"test run identifier, defaults to the window's")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	reportsOwner, err := fsutil.ParseOwner(cfg.Report.Owner)
	if err != nil {
		return fmt.Errorf("parsing report.owner: %w", err)
	}

	win, err := resolveWindow(runWindowFile, runStartTime, runEndTime, runTestRunID)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"test_run_id": win.TestRunID,
		"start":       win.StartTime.Format(time.RFC3339),
		"end":         win.EndTime.Format(time.RFC3339),
	}).Info("Running coverage pipeline")

	runReportsDir := filepath.Join(cfg.Report.Dir, win.TestRunID)
	if err := fsutil.MkdirAll(runReportsDir, 0o755, reportsOwner); err != nil {
		return fmt.Errorf("creating reports directory: %w", err)
	}

	// Collect counter data from the pods into a per-run scratch dir.
	retrievalDir, err := os.MkdirTemp("", "coveragoor-retrieve-*")
	if err != nil {
		return fmt.Errorf("creating retrieval directory: %w", err)
	}

	defer os.RemoveAll(retrievalDir)

	collection, err := collectCounters(ctx, cfg, retrievalDir)
	if err != nil {
		return err
	}

	// Merge into the staging area and render per-service coverage.
	agg := covdata.NewAggregator(log)

	data, err := agg.StageAll(retrievalDir, cfg.Coverage.StagingDir, cfg.ServiceNames())
	if err != nil {
		return fmt.Errorf("staging coverage data: %w", err)
	}

	if err := agg.EnsureData(data); err != nil {
		return err
	}

	code, err := agg.Render(ctx, data, runReportsDir)
	if err != nil {
		return fmt.Errorf("rendering code coverage: %w", err)
	}

	renderAnnotated(ctx, cfg, agg, code, runReportsDir)

	combined := mergeCombined(ctx, agg, data)

	// Trace coverage. An unreachable backend degrades the report rather
	// than failing the run.
	traceReport := generateTraceReport(ctx, cfg, win)

	if traceReport != nil {
		tracePath := filepath.Join(runReportsDir, "trace_coverage.json")
		if err := traceReport.Write(tracePath); err != nil {
			log.WithError(err).Warn("Failed to write trace coverage report")
		}
	}

	// Unified report.
	unified := report.NewBuilder(log).Build(win, collection, code, traceReport)
	unified.CodeTotalPercent = combined

	unifiedPath := filepath.Join(runReportsDir, "unified.json")
	if err := unified.Write(unifiedPath); err != nil {
		return fmt.Errorf("writing unified report: %w", err)
	}

	log.WithField("report", unifiedPath).Info("Unified report written")

	if err := fsutil.ChownTree(runReportsDir, reportsOwner); err != nil {
		log.WithError(err).Warn("Failed to set report ownership")
	}

	// Index and upload are optional post-processing steps.
	if cfg.Report.Store != nil {
		if err := indexRun(ctx, cfg, win, code, traceReport, unifiedPath); err != nil {
			log.WithError(err).Warn("Failed to index run")
		}
	}

	if cfg.Report.Upload != nil && cfg.Report.Upload.Enabled {
		if err := uploadRun(ctx, cfg, win.TestRunID, runReportsDir); err != nil {
			log.WithError(err).Warn("Failed to upload run reports")
		}
	}

	return nil
}

// resolveWindow builds the run window from CLI flags, falling back to
// the window file recorded by 'window open' and 'window close'.
func resolveWindow(file, startFlag, endFlag, runID string) (*window.Window, error) {
	if startFlag != "" || endFlag != "" {
		if startFlag == "" || endFlag == "" {
			return nil, fmt.Errorf("--start-time and --end-time must be given together")
		}

		start, err := time.Parse(time.RFC3339, startFlag)
		if err != nil {
			return nil, fmt.Errorf("parsing --start-time: %w", err)
		}

		end, err := time.Parse(time.RFC3339, endFlag)
		if err != nil {
			return nil, fmt.Errorf("parsing --end-time: %w", err)
		}

		w := &window.Window{TestRunID: runID, StartTime: start, EndTime: end}
		if w.TestRunID == "" {
			w.TestRunID = fmt.Sprintf("test-run-%d", time.Now().Unix())
		}

		if err := w.Validate(); err != nil {
			return nil, err
		}

		return w, nil
	}

	w, err := window.Load(file)
	if err != nil {
		return nil, fmt.Errorf(
			"loading window (use 'window open'/'window close' or --start-time/--end-time): %w", err)
	}

	if runID != "" {
		w.TestRunID = runID
	}

	return w, nil
}

// collectCounters signals every configured service and copies the
// flushed counter data into outDir.
func collectCounters(ctx context.Context, cfg *config.Config, outDir string) ([]collector.Result, error) {
	client, err := kube.NewClient(log, cfg.Coverage.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	results, err := collector.New(log, client, &cfg.Coverage).Collect(ctx, outDir)
	if err != nil {
		return nil, fmt.Errorf("collecting coverage data: %w", err)
	}

	for _, res := range results {
		if !res.OK() {
			log.WithField("service", res.Service).
				WithField("error", res.Error).
				Warn("Service collection failed")
		}
	}

	return results, nil
}

// renderAnnotated writes annotated HTML source views for services whose
// checkout is available locally. Missing source trees just skip the
// annotated view; the profile and summaries stand on their own.
func renderAnnotated(
	ctx context.Context,
	cfg *config.Config,
	agg *covdata.Aggregator,
	code []covdata.ServiceCoverage,
	outDir string,
) {
	for _, c := range code {
		if !c.HasData {
			continue
		}

		svc := cfg.Service(c.Service)
		if svc == nil || svc.SourceDir == "" {
			continue
		}

		outFile := filepath.Join(outDir, c.Service+".html")

		if err := agg.Tool().HTML(ctx, c.ProfilePath, svc.SourceDir, outFile); err != nil {
			log.WithError(err).WithField("service", c.Service).
				Warn("Failed to render annotated source view")

			continue
		}

		log.WithField("service", c.Service).
			WithField("file", outFile).
			Debug("Annotated source view rendered")
	}
}

// mergeCombined folds every service's counters into one set and
// computes the overall statement coverage. A failed merge only costs
// the combined number, not the run.
func mergeCombined(ctx context.Context, agg *covdata.Aggregator, data []covdata.ServiceData) *float64 {
	mergedDir, err := os.MkdirTemp("", "coveragoor-merged-*")
	if err != nil {
		log.WithError(err).Warn("Failed to create merge directory")

		return nil
	}

	defer os.RemoveAll(mergedDir)

	total, err := agg.MergeAll(ctx, data, mergedDir)
	if err != nil {
		log.WithError(err).Warn("Failed to compute combined coverage")

		return nil
	}

	log.WithField("percent", fmt.Sprintf("%.1f%%", total)).Info("Combined statement coverage")

	return &total
}

// generateTraceReport queries the tracing backend for the window. On
// backend failure it returns nil so the unified report marks trace
// coverage unavailable instead of reporting a false zero.
func generateTraceReport(ctx context.Context, cfg *config.Config, win *window.Window) *tracecov.Report {
	gen := tracecov.NewGenerator(log, &cfg.Trace, cfg.Coverage.Services)

	start, end := win.QueryBounds(cfg.Trace.TimeBuffer)

	traceReport, err := gen.Generate(ctx, win.TestRunID, start, end)
	if err != nil {
		log.WithError(err).Warn("Tracing backend unavailable, trace coverage will be missing")

		return nil
	}

	return traceReport
}

// indexRun records the run's summary numbers in the run database.
func indexRun(
	ctx context.Context,
	cfg *config.Config,
	win *window.Window,
	code []covdata.ServiceCoverage,
	traceReport *tracecov.Report,
	reportPath string,
) error {
	store := runstore.NewStore(log, cfg.Report.Store)
	if err := store.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop run store")
		}
	}()

	codeJSON, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling code coverage: %w", err)
	}

	run := &runstore.Run{
		RunID:            win.TestRunID,
		Timestamp:        win.StartTime.Unix(),
		TimestampEnd:     win.EndTime.Unix(),
		CodeCoverageJSON: string(codeJSON),
		ReportPath:       reportPath,
		IndexedAt:        time.Now().UTC(),
	}

	if traceReport != nil {
		run.ServicesTotal = traceReport.Summary.TotalServices
		run.ServicesCovered = traceReport.Summary.CoveredServices
		run.MethodsTotal = traceReport.Summary.TotalMethods
		run.MethodsCovered = traceReport.Summary.CoveredMethods
		run.ServiceCoveragePct = traceReport.Summary.ServiceCoveragePercentage
		run.MethodCoveragePct = traceReport.Summary.MethodCoveragePercentage
	}

	if err := store.UpsertRun(ctx, run); err != nil {
		return err
	}

	log.WithField("test_run_id", win.TestRunID).Info("Run indexed")

	return nil
}

// uploadRun pushes the run's report directory to the configured bucket.
func uploadRun(ctx context.Context, cfg *config.Config, runID, localDir string) error {
	uploader, err := upload.NewS3Uploader(log, cfg.Report.Upload)
	if err != nil {
		return fmt.Errorf("creating uploader: %w", err)
	}

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("upload preflight check failed: %w", err)
	}

	if err := uploader.UploadRun(ctx, runID, localDir); err != nil {
		return err
	}

	if cfg.Report.Store != nil {
		store := runstore.NewStore(log, cfg.Report.Store)
		if err := store.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := store.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop run store")
			}
		}()

		if err := store.MarkUploaded(ctx, runID); err != nil {
			return err
		}
	}

	log.WithField("test_run_id", runID).Info("Run reports uploaded")

	return nil
}
