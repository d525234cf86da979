package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/coveragoor/pkg/collector"
	"github.com/ethpandaops/coveragoor/pkg/covdata"
	"github.com/ethpandaops/coveragoor/pkg/fsutil"
	"github.com/ethpandaops/coveragoor/pkg/tracecov"
	"github.com/ethpandaops/coveragoor/pkg/window"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func testWindow(t *testing.T) *window.Window {
	t.Helper()

	start, err := time.Parse(time.RFC3339, "2026-08-30T10:00:00+02:00")
	require.NoError(t, err)

	return &window.Window{
		TestRunID: "run-1",
		StartTime: start,
		EndTime:   start.Add(2 * time.Minute),
	}
}

func traceReportFixture() *tracecov.Report {
	matrix := tracecov.Matrix{
		"cartservice": {
			Covered: true,
			Methods: map[string]*tracecov.MethodCoverage{
				"/hipstershop.CartService/AddItem": {Covered: true, CallCount: 3},
				"/hipstershop.CartService/GetCart": {},
			},
		},
		"recommendationservice": {
			Covered: true,
			Methods: map[string]*tracecov.MethodCoverage{
				"/hipstershop.RecommendationService/ListRecommendations": {Covered: true, CallCount: 1},
			},
		},
	}

	return tracecov.BuildReport(matrix, nil, "run-1", nil, nil)
}

func TestBuild_SideBySide(t *testing.T) {
	code := []covdata.ServiceCoverage{
		{Service: "cartservice", HasData: true, TotalPercent: 74.2},
		{Service: "checkoutservice"},
	}

	collection := []collector.Result{
		{Service: "cartservice", Pod: "cartservice-abc", Files: 3},
		{Service: "checkoutservice", Error: "no running pod matches selector"},
	}

	r := NewBuilder(testLogger()).Build(testWindow(t), collection, code, traceReportFixture())

	assert.Equal(t, "run-1", r.TestRunID)
	require.NotNil(t, r.TraceSummary)
	require.Len(t, r.Services, 3)

	cart := r.Services[0]
	assert.Equal(t, "cartservice", cart.Service)
	assert.Equal(t, StatusMeasured, cart.CodeCoverage.Status)
	require.NotNil(t, cart.CodeCoverage.TotalPercent)
	assert.InDelta(t, 74.2, *cart.CodeCoverage.TotalPercent, 0.001)
	assert.Equal(t, StatusMeasured, cart.TraceCoverage.Status)
	assert.Equal(t, 3, cart.TraceCoverage.Methods["/hipstershop.CartService/AddItem"].CallCount)

	// No counter data is not a measured zero.
	checkout := r.Services[1]
	assert.Equal(t, StatusNoData, checkout.CodeCoverage.Status)
	assert.Nil(t, checkout.CodeCoverage.TotalPercent)
	assert.Equal(t, StatusNoData, checkout.TraceCoverage.Status)

	// Trace-only services are appended after the configured roster.
	rec := r.Services[2]
	assert.Equal(t, "recommendationservice", rec.Service)
	assert.Equal(t, StatusNoData, rec.CodeCoverage.Status)
	assert.Equal(t, StatusMeasured, rec.TraceCoverage.Status)
}

func TestBuild_TraceBackendUnavailable(t *testing.T) {
	code := []covdata.ServiceCoverage{
		{Service: "cartservice", HasData: true, TotalPercent: 74.2},
	}

	r := NewBuilder(testLogger()).Build(testWindow(t), nil, code, nil)

	require.Len(t, r.Services, 1)
	assert.Equal(t, StatusUnavailable, r.Services[0].TraceCoverage.Status)
	assert.Nil(t, r.Services[0].TraceCoverage.CoveragePercentage)
	assert.Nil(t, r.TraceSummary)

	// Code coverage is untouched by the trace outage.
	assert.Equal(t, StatusMeasured, r.Services[0].CodeCoverage.Status)
}

func TestWrite_PreservesWindowOffset(t *testing.T) {
	r := NewBuilder(testLogger()).Build(testWindow(t), nil, nil, nil)

	path := filepath.Join(t.TempDir(), "unified.json")
	require.NoError(t, r.Write(path))

	var doc map[string]any
	require.NoError(t, fsutil.ReadJSON(path, &doc))

	timeRange, ok := doc["time_range"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, timeRange["start"], "+02:00")
	assert.Contains(t, timeRange["end"], "+02:00")
}

func TestWrite_CombinedTotal(t *testing.T) {
	r := NewBuilder(testLogger()).Build(testWindow(t), nil, nil, nil)

	path := filepath.Join(t.TempDir(), "unified.json")
	require.NoError(t, r.Write(path))

	var doc map[string]any
	require.NoError(t, fsutil.ReadJSON(path, &doc))
	assert.NotContains(t, doc, "code_total_percent")

	combined := 61.5
	r.CodeTotalPercent = &combined
	require.NoError(t, r.Write(path))

	doc = nil
	require.NoError(t, fsutil.ReadJSON(path, &doc))
	assert.InDelta(t, 61.5, doc["code_total_percent"], 0.001)
}
