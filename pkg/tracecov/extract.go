package tracecov

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/coveragoor/pkg/config"
)

// infrastructureServices emit spans that say nothing about test
// coverage of the application.
var infrastructureServices = map[string]struct{}{
	"jaeger-all-in-one":      {},
	"jaeger":                 {},
	"opentelemetrycollector": {},
	"otel-collector":         {},
}

// infrastructureOperations are health checks and telemetry exports.
var infrastructureOperations = map[string]struct{}{
	"/grpc.health.v1.Health/Check": {},
	"grpc.health.v1.Health/Check":  {},
	"/api/traces":                  {},
	"/api/services":                {},
	"opentelemetry.proto.collector.trace.v1.TraceService/Export": {},
}

// MethodCoverage records observed calls to one service method.
type MethodCoverage struct {
	Covered   bool `json:"covered"`
	CallCount int  `json:"call_count"`
}

// ServiceCoverage records the observed methods of one service.
type ServiceCoverage struct {
	Covered            bool                       `json:"covered"`
	Methods            map[string]*MethodCoverage `json:"methods"`
	CoveragePercentage float64                    `json:"coverage_percentage"`
}

// Matrix maps service names to their observed method coverage.
type Matrix map[string]*ServiceCoverage

// Extractor turns raw traces into a reachability matrix.
type Extractor struct {
	log logrus.FieldLogger
	cfg *config.TraceConfig

	// knownServices drives the business-logic filter: spans are kept
	// when their operation carries the gRPC package prefix or their
	// service name matches a configured service.
	knownServices []string

	ignoreServices   map[string]struct{}
	ignoreOperations map[string]struct{}
}

// NewExtractor creates an extractor. knownServices is the configured
// service roster, used to recognize application spans whose operation
// names are not gRPC method paths.
func NewExtractor(log logrus.FieldLogger, cfg *config.TraceConfig, knownServices []string) *Extractor {
	ignoreServices := make(map[string]struct{}, len(infrastructureServices)+len(cfg.IgnoreServices))
	for name := range infrastructureServices {
		ignoreServices[name] = struct{}{}
	}

	for _, name := range cfg.IgnoreServices {
		ignoreServices[strings.ToLower(name)] = struct{}{}
	}

	ignoreOperations := make(map[string]struct{}, len(infrastructureOperations)+len(cfg.IgnoreOperations))
	for name := range infrastructureOperations {
		ignoreOperations[name] = struct{}{}
	}

	for _, name := range cfg.IgnoreOperations {
		ignoreOperations[name] = struct{}{}
	}

	return &Extractor{
		log:              log.WithField("component", "tracecov"),
		cfg:              cfg,
		knownServices:    knownServices,
		ignoreServices:   ignoreServices,
		ignoreOperations: ignoreOperations,
	}
}

// Extract builds the reachability matrix from traces. Call counts sum
// across spans, so three AddItem spans yield call_count 3.
func (e *Extractor) Extract(traces []Trace) Matrix {
	matrix := Matrix{}

	for _, trace := range traces {
		for _, span := range trace.Spans {
			service, operation, ok := e.classify(trace, span)
			if !ok {
				continue
			}

			svc, exists := matrix[service]
			if !exists {
				svc = &ServiceCoverage{
					Covered: true,
					Methods: map[string]*MethodCoverage{},
				}
				matrix[service] = svc
			}

			method, exists := svc.Methods[operation]
			if !exists {
				method = &MethodCoverage{Covered: true}
				svc.Methods[operation] = method
			}

			method.CallCount++
		}
	}

	e.log.WithField("services", len(matrix)).Debug("extracted reachability matrix")

	return matrix
}

// classify resolves a span to the (service, operation) it exercised.
func (e *Extractor) classify(trace Trace, span Span) (string, string, bool) {
	service := e.emittingService(trace, span)
	if service == "" {
		e.log.WithField("span", span.SpanID).Warn("span has no service name, skipping")

		return "", "", false
	}

	if _, ignored := e.ignoreServices[strings.ToLower(service)]; ignored {
		return "", "", false
	}

	operation := span.OperationName
	if operation == "" {
		e.log.WithFields(logrus.Fields{
			"span":    span.SpanID,
			"service": service,
		}).Warn("span has no operation name, skipping")

		return "", "", false
	}

	if _, ignored := e.ignoreOperations[operation]; ignored {
		return "", "", false
	}

	service = e.refineService(trace, span, service)

	// Client spans emitted by the test harness name the backend in the
	// gRPC method path; reattribute them so the backend gets the
	// credit.
	if target, ok := e.grpcTargetService(operation); ok {
		if service == e.cfg.QueryService || strings.HasPrefix(service, "unknown") {
			service = target
		}
	} else if !e.isKnownService(service) {
		// Not a gRPC method of the application and not a configured
		// service: infrastructure noise.
		return "", "", false
	}

	return service, operation, true
}

// emittingService finds the span's service name across the layouts
// different Jaeger versions use.
func (e *Extractor) emittingService(trace Trace, span Span) string {
	if span.Process != nil && span.Process.ServiceName != "" {
		return span.Process.ServiceName
	}

	if span.ProcessID != "" {
		if proc, ok := trace.Processes[span.ProcessID]; ok && proc.ServiceName != "" {
			return proc.ServiceName
		}
	}

	for _, tag := range span.Tags {
		if tag.Key == "service.name" {
			return tag.StringValue()
		}
	}

	return ""
}

// refineService prefers explicit service.name tags over the process
// name, and digs into process tags when instrumentation reported an
// unknown_service placeholder.
func (e *Extractor) refineService(trace Trace, span Span, service string) string {
	for _, tag := range span.Tags {
		if tag.Key == "service.name" && tag.StringValue() != "" {
			service = tag.StringValue()

			break
		}
	}

	if !strings.HasPrefix(service, "unknown_service") {
		return service
	}

	var processTags []Tag
	if span.ProcessID != "" {
		if proc, ok := trace.Processes[span.ProcessID]; ok {
			processTags = proc.Tags
		}
	}

	for _, tag := range processTags {
		value := tag.StringValue()
		if value == "" || strings.HasPrefix(value, "unknown") {
			continue
		}

		switch tag.Key {
		case "deployment.name", "service.namespace", "k8s.deployment.name":
			return value
		}

		if strings.Contains(strings.ToLower(tag.Key), "service") {
			return value
		}
	}

	return service
}

// grpcTargetService extracts the backend service from a gRPC method
// path like /hipstershop.CartService/AddItem, lowercased to match the
// deployment naming convention (CartService -> cartservice).
func (e *Extractor) grpcTargetService(operation string) (string, bool) {
	prefix := e.cfg.GRPCPackage + "."

	trimmed := strings.TrimPrefix(operation, "/")
	if !strings.HasPrefix(trimmed, prefix) {
		return "", false
	}

	rest := strings.TrimPrefix(trimmed, prefix)

	service, _, _ := strings.Cut(rest, "/")
	if service == "" {
		return "", false
	}

	return strings.ToLower(service), true
}

func (e *Extractor) isKnownService(service string) bool {
	lower := strings.ToLower(service)

	for _, known := range e.knownServices {
		if strings.Contains(lower, strings.ToLower(known)) {
			return true
		}
	}

	return false
}
