// Package report assembles the unified run report. Code coverage
// (statement counters) and trace coverage (endpoint reachability) are
// different measurements with different denominators, so the report
// places them side by side per service and never folds them into one
// number.
package report

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/coveragoor/pkg/collector"
	"github.com/ethpandaops/coveragoor/pkg/covdata"
	"github.com/ethpandaops/coveragoor/pkg/fsutil"
	"github.com/ethpandaops/coveragoor/pkg/tracecov"
	"github.com/ethpandaops/coveragoor/pkg/window"
)

// Section status values. "no_data" means the pipeline ran but nothing
// was measured for this service; "unavailable" means the measurement
// itself could not be taken. Both are distinct from a measured zero.
const (
	StatusMeasured    = "measured"
	StatusNoData      = "no_data"
	StatusUnavailable = "unavailable"
)

// CodeSection is one service's statement coverage view.
type CodeSection struct {
	Status       string                   `json:"status"`
	TotalPercent *float64                 `json:"total_percent,omitempty"`
	Packages     []covdata.PackagePercent `json:"packages,omitempty"`
	ProfilePath  string                   `json:"profile_path,omitempty"`
}

// TraceSection is one service's endpoint reachability view.
type TraceSection struct {
	Status             string                              `json:"status"`
	CoveragePercentage *float64                            `json:"coverage_percentage,omitempty"`
	Methods            map[string]*tracecov.MethodCoverage `json:"methods,omitempty"`
}

// ServiceEntry pairs both views for one service.
type ServiceEntry struct {
	Service       string       `json:"service"`
	CodeCoverage  CodeSection  `json:"code_coverage"`
	TraceCoverage TraceSection `json:"trace_coverage"`
}

// Report is the unified run report document.
type Report struct {
	Timestamp    time.Time          `json:"timestamp"`
	TestRunID    string             `json:"test_run_id"`
	TimeRange    tracecov.TimeRange `json:"time_range"`
	Collection   []collector.Result `json:"collection"`
	Services     []ServiceEntry     `json:"services"`

	// CodeTotalPercent is the statement coverage of all services merged
	// into one counter set. Absent when the merge was not possible.
	CodeTotalPercent *float64 `json:"code_total_percent,omitempty"`

	TraceSummary *tracecov.Summary `json:"trace_summary,omitempty"`
}

// Builder assembles unified reports.
type Builder struct {
	log logrus.FieldLogger
}

// NewBuilder creates a builder.
func NewBuilder(log logrus.FieldLogger) *Builder {
	return &Builder{log: log.WithField("component", "report")}
}

// Build combines the run's artifacts. traceReport may be nil when the
// tracing backend was unreachable; affected sections then carry
// "unavailable" rather than pretending zero coverage was measured.
func (b *Builder) Build(
	w *window.Window,
	collection []collector.Result,
	code []covdata.ServiceCoverage,
	traceReport *tracecov.Report,
) *Report {
	report := &Report{
		Timestamp:  time.Now().UTC(),
		TestRunID:  w.TestRunID,
		TimeRange:  tracecov.TimeRange{Start: &w.StartTime, End: &w.EndTime},
		Collection: collection,
	}

	seen := make(map[string]struct{}, len(code))

	for _, c := range code {
		seen[c.Service] = struct{}{}
		report.Services = append(report.Services, ServiceEntry{
			Service:       c.Service,
			CodeCoverage:  codeSection(c),
			TraceCoverage: traceSection(traceReport, c.Service),
		})
	}

	// Services observed only in traces still get an entry; their code
	// side simply has nothing to show.
	if traceReport != nil {
		for _, name := range sortedServiceNames(traceReport.Services) {
			if _, ok := seen[name]; ok {
				continue
			}

			report.Services = append(report.Services, ServiceEntry{
				Service:       name,
				CodeCoverage:  CodeSection{Status: StatusNoData},
				TraceCoverage: traceSection(traceReport, name),
			})
		}

		summary := traceReport.Summary
		report.TraceSummary = &summary
	}

	return report
}

// Write serializes the report to path.
func (r *Report) Write(path string) error {
	return fsutil.WriteJSON(path, r)
}

func codeSection(c covdata.ServiceCoverage) CodeSection {
	if !c.HasData {
		return CodeSection{Status: StatusNoData}
	}

	total := c.TotalPercent

	return CodeSection{
		Status:       StatusMeasured,
		TotalPercent: &total,
		Packages:     c.Packages,
		ProfilePath:  c.ProfilePath,
	}
}

func traceSection(traceReport *tracecov.Report, service string) TraceSection {
	if traceReport == nil {
		return TraceSection{Status: StatusUnavailable}
	}

	svc, ok := traceReport.Services[service]
	if !ok {
		return TraceSection{Status: StatusNoData}
	}

	pct := svc.CoveragePercentage

	return TraceSection{
		Status:             StatusMeasured,
		CoveragePercentage: &pct,
		Methods:            svc.Methods,
	}
}

func sortedServiceNames(m tracecov.Matrix) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
