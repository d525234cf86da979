package tracecov

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/coveragoor/pkg/config"
	"github.com/ethpandaops/coveragoor/pkg/fsutil"
)

// Summary aggregates the matrix. Consumers key on these exact fields,
// so the set is part of the report contract.
type Summary struct {
	TotalServices             int     `json:"total_services"`
	CoveredServices           int     `json:"covered_services"`
	ServiceCoveragePercentage float64 `json:"service_coverage_percentage"`
	TotalMethods              int     `json:"total_methods"`
	CoveredMethods            int     `json:"covered_methods"`
	MethodCoveragePercentage  float64 `json:"method_coverage_percentage"`
}

// TimeRange is the queried window. Nil bounds serialize as null.
type TimeRange struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

// Report is the trace coverage report document.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	TestRunID string    `json:"test_run_id"`
	TimeRange TimeRange `json:"time_range"`
	Services  Matrix    `json:"services"`
	Summary   Summary   `json:"summary"`
}

// BuildReport assembles a report from the matrix. known maps each
// configured service to its declared methods; declared entries that
// never showed up in a trace appear as covered=false, which is what
// fixes the denominators. Services observed beyond the configured
// roster stay in the report.
func BuildReport(matrix Matrix, known map[string][]string, testRunID string, start, end *time.Time) *Report {
	services := Matrix{}

	for name, svc := range matrix {
		services[name] = svc
	}

	for name, methods := range known {
		svc, exists := services[name]
		if !exists {
			svc = &ServiceCoverage{Methods: map[string]*MethodCoverage{}}
			services[name] = svc
		}

		for _, method := range methods {
			if _, exists := svc.Methods[method]; !exists {
				svc.Methods[method] = &MethodCoverage{}
			}
		}
	}

	summary := Summary{TotalServices: len(services)}

	for _, svc := range services {
		if svc.Covered {
			summary.CoveredServices++
		}

		total := len(svc.Methods)
		covered := 0

		for _, method := range svc.Methods {
			if method.Covered {
				covered++
			}
		}

		summary.TotalMethods += total
		summary.CoveredMethods += covered

		if total > 0 {
			svc.CoveragePercentage = round2(float64(covered) / float64(total) * 100)
		}
	}

	if summary.TotalServices > 0 {
		summary.ServiceCoveragePercentage = round2(
			float64(summary.CoveredServices) / float64(summary.TotalServices) * 100)
	}

	if summary.TotalMethods > 0 {
		summary.MethodCoveragePercentage = round2(
			float64(summary.CoveredMethods) / float64(summary.TotalMethods) * 100)
	}

	if testRunID == "" {
		testRunID = fmt.Sprintf("test-run-%d", time.Now().Unix())
	}

	return &Report{
		Timestamp: time.Now().UTC(),
		TestRunID: testRunID,
		TimeRange: TimeRange{Start: start, End: end},
		Services:  services,
		Summary:   summary,
	}
}

// Write serializes the report to path.
func (r *Report) Write(path string) error {
	return fsutil.WriteJSON(path, r)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Generator runs the full trace coverage flow: query, extract, report.
type Generator struct {
	log       logrus.FieldLogger
	cfg       *config.TraceConfig
	client    *JaegerClient
	extractor *Extractor
	known     map[string][]string
}

// NewGenerator creates a generator for the configured service roster.
func NewGenerator(log logrus.FieldLogger, cfg *config.TraceConfig, services []config.ServiceConfig) *Generator {
	names := make([]string, 0, len(services))
	known := make(map[string][]string, len(services))

	for _, svc := range services {
		names = append(names, svc.Name)
		known[svc.Name] = svc.Methods
	}

	return &Generator{
		log:       log.WithField("component", "tracecov"),
		cfg:       cfg,
		client:    NewJaegerClient(log, cfg.JaegerURL, cfg.Timeout),
		extractor: NewExtractor(log, cfg, names),
		known:     known,
	}
}

// SetClient replaces the query backend.
func (g *Generator) SetClient(c *JaegerClient) {
	g.client = c
}

// Generate queries [start, end], extracts the matrix, and returns the
// report. A backend failure is returned as-is; deciding whether that
// is fatal belongs to the caller.
func (g *Generator) Generate(ctx context.Context, testRunID string, start, end time.Time) (*Report, error) {
	traces, err := g.client.FetchTraces(ctx, g.cfg.QueryService, start, end, g.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("fetching traces: %w", err)
	}

	matrix := g.extractor.Extract(traces)

	if len(matrix) == 0 {
		g.log.Warn("no application spans found in window, trace coverage will be empty")
	}

	return BuildReport(matrix, g.known, testRunID, &start, &end), nil
}

// EmptyReport builds a report with no observed spans, used when the
// tracing backend is unreachable so the run can still complete.
func (g *Generator) EmptyReport(testRunID string, start, end time.Time) *Report {
	return BuildReport(Matrix{}, g.known, testRunID, &start, &end)
}
