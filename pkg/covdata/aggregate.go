package covdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/coveragoor/pkg/fsutil"
)

// ErrNoCoverageData means not a single service produced counter data.
// Partial results are tolerated; a total miss means the setup is broken
// and every downstream number would be a silent zero.
var ErrNoCoverageData = errors.New(
	"no coverage data found for any service; likely causes: " +
		"services were built without -cover, " +
		"GOCOVERDIR is not set or not mounted in the pods, " +
		"or the flush signal handler is not registered")

// ServiceData is the staged counter data of one service.
type ServiceData struct {
	Service    string     `json:"service"`
	StagingDir string     `json:"-"`
	Stats      StageStats `json:"stats"`
}

// ServiceCoverage is the rendered code coverage of one service.
type ServiceCoverage struct {
	Service string `json:"service"`

	// HasData distinguishes "no counter data retrieved" from a
	// measured zero percent.
	HasData bool `json:"has_data"`

	TotalPercent float64          `json:"total_percent"`
	Packages     []PackagePercent `json:"packages,omitempty"`
	ProfilePath  string           `json:"profile_path,omitempty"`
}

// Aggregator stages retrieved counters and renders per-service coverage.
type Aggregator struct {
	log    logrus.FieldLogger
	stager *Stager
	tool   *Tool
}

// NewAggregator creates an aggregator.
func NewAggregator(log logrus.FieldLogger) *Aggregator {
	return &Aggregator{
		log:    log.WithField("component", "covdata"),
		stager: NewStager(log),
		tool:   NewTool(log),
	}
}

// Tool exposes the toolchain wrapper, mainly so tests can substitute
// the runner.
func (a *Aggregator) Tool() *Tool {
	return a.tool
}

// StageAll folds retrievalDir/<service>/ into stagingRoot/<service>/
// for each named service. Staging the same retrieval dir again changes
// nothing, and service order does not affect the staged result.
func (a *Aggregator) StageAll(retrievalDir, stagingRoot string, services []string) ([]ServiceData, error) {
	data := make([]ServiceData, 0, len(services))

	for _, svc := range services {
		stagingDir := filepath.Join(stagingRoot, svc)

		stats, err := a.stager.Stage(filepath.Join(retrievalDir, svc), stagingDir)
		if err != nil {
			return nil, fmt.Errorf("staging service %s: %w", svc, err)
		}

		a.log.WithFields(logrus.Fields{
			"service":    svc,
			"new":        stats.New,
			"duplicates": stats.Duplicates,
			"renamed":    stats.Renamed,
		}).Debug("staged coverage data")

		data = append(data, ServiceData{
			Service:    svc,
			StagingDir: stagingDir,
			Stats:      stats,
		})
	}

	return data, nil
}

// EnsureData returns ErrNoCoverageData when no service holds any
// counter data. Individual empty services pass; they surface as
// HasData=false in the report.
func (a *Aggregator) EnsureData(data []ServiceData) error {
	for _, d := range data {
		if d.Stats.HasCounters() {
			return nil
		}
	}

	return ErrNoCoverageData
}

// MergeAll folds every service's staged counters into one combined set
// and returns the overall statement coverage percentage. mergedDir
// holds the combined counter data and should start empty.
func (a *Aggregator) MergeAll(ctx context.Context, data []ServiceData, mergedDir string) (float64, error) {
	inputs := make([]string, 0, len(data))

	for _, d := range data {
		if d.Stats.HasCounters() {
			inputs = append(inputs, d.StagingDir)
		}
	}

	if len(inputs) == 0 {
		return 0, ErrNoCoverageData
	}

	if err := fsutil.EnsureDir(mergedDir); err != nil {
		return 0, fmt.Errorf("creating merge directory: %w", err)
	}

	if err := a.tool.Merge(ctx, inputs, mergedDir); err != nil {
		return 0, err
	}

	return a.tool.FuncTotal(ctx, mergedDir)
}

// writeSummary emits the plain-text coverage summary: one tab-separated
// line per package and a trailing total line, so percentages can be
// pulled out with grep or cut.
func writeSummary(path string, pkgs []PackagePercent, total float64) error {
	var b strings.Builder

	for _, p := range pkgs {
		fmt.Fprintf(&b, "%s\t%.1f%%\n", p.ImportPath, p.Percent)
	}

	fmt.Fprintf(&b, "total\t%.1f%%\n", total)

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	return nil
}

// Render produces per-service coverage from staged data. Services
// without data get a HasData=false entry rather than being dropped, so
// the report keeps the full service roster.
func (a *Aggregator) Render(ctx context.Context, data []ServiceData, reportsDir string) ([]ServiceCoverage, error) {
	if err := fsutil.EnsureDir(reportsDir); err != nil {
		return nil, fmt.Errorf("creating reports directory: %w", err)
	}

	coverages := make([]ServiceCoverage, 0, len(data))

	for _, d := range data {
		cov := ServiceCoverage{Service: d.Service}

		if !d.Stats.HasCounters() {
			a.log.WithField("service", d.Service).Warn("no coverage data, service reported as uncovered")
			coverages = append(coverages, cov)

			continue
		}

		total, err := a.tool.FuncTotal(ctx, d.StagingDir)
		if err != nil {
			return nil, fmt.Errorf("rendering service %s: %w", d.Service, err)
		}

		pkgs, err := a.tool.Percent(ctx, d.StagingDir)
		if err != nil {
			return nil, fmt.Errorf("rendering service %s: %w", d.Service, err)
		}

		profilePath := filepath.Join(reportsDir, d.Service+".coverprofile")
		if err := a.tool.Textfmt(ctx, d.StagingDir, profilePath); err != nil {
			return nil, fmt.Errorf("rendering service %s: %w", d.Service, err)
		}

		summaryPath := filepath.Join(reportsDir, d.Service+".summary.txt")
		if err := writeSummary(summaryPath, pkgs, total); err != nil {
			return nil, fmt.Errorf("rendering service %s: %w", d.Service, err)
		}

		cov.HasData = true
		cov.TotalPercent = total
		cov.Packages = pkgs
		cov.ProfilePath = profilePath

		coverages = append(coverages, cov)
	}

	return coverages, nil
}
