// Package tracecov derives endpoint reachability from distributed
// traces. Where counter data answers "which statements ran", traces
// answer "which service methods the tests actually exercised". The two
// views are reported side by side and never mixed.
package tracecov

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Trace is one trace as the Jaeger Query API returns it.
type Trace struct {
	TraceID   string             `json:"traceID"`
	Spans     []Span             `json:"spans"`
	Processes map[string]Process `json:"processes"`
}

// Span is one span within a trace. Process is inlined by some Jaeger
// versions; others only carry ProcessID into the trace-level table.
type Span struct {
	SpanID        string   `json:"spanID"`
	OperationName string   `json:"operationName"`
	ProcessID     string   `json:"processID,omitempty"`
	Process       *Process `json:"process,omitempty"`
	Tags          []Tag    `json:"tags,omitempty"`
}

// Process identifies the emitting service.
type Process struct {
	ServiceName string `json:"serviceName"`
	Tags        []Tag  `json:"tags,omitempty"`
}

// Tag is a span or process attribute.
type Tag struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// StringValue returns the tag value as a string, empty for non-string
// values.
func (t Tag) StringValue() string {
	s, _ := t.Value.(string)

	return s
}

// JaegerClient queries the Jaeger Query HTTP API.
type JaegerClient struct {
	log     logrus.FieldLogger
	baseURL string
	client  *http.Client
}

// NewJaegerClient creates a client for the API at baseURL.
func NewJaegerClient(log logrus.FieldLogger, baseURL string, timeout time.Duration) *JaegerClient {
	return &JaegerClient{
		log:     log.WithField("component", "tracecov"),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type tracesResponse struct {
	Data []Trace `json:"data"`
}

type servicesResponse struct {
	Data []string `json:"data"`
}

// FetchTraces returns traces recorded by service within [start, end].
// The API takes bounds in microseconds since epoch, so sub-microsecond
// precision is dropped but the instant itself is preserved regardless
// of the zone the times carry.
func (c *JaegerClient) FetchTraces(ctx context.Context, service string, start, end time.Time, limit int) ([]Trace, error) {
	if service == "" {
		return nil, fmt.Errorf("jaeger trace queries require a service name")
	}

	params := url.Values{}
	params.Set("service", service)
	params.Set("start", strconv.FormatInt(start.UnixMicro(), 10))
	params.Set("end", strconv.FormatInt(end.UnixMicro(), 10))
	params.Set("limit", strconv.Itoa(limit))

	reqURL := c.baseURL + "/api/traces?" + params.Encode()

	c.log.WithFields(logrus.Fields{
		"service": service,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}).Debug("querying traces")

	var resp tracesResponse
	if err := c.getJSON(ctx, reqURL, &resp); err != nil {
		return nil, err
	}

	c.log.WithField("traces", len(resp.Data)).Debug("traces retrieved")

	return resp.Data, nil
}

// Services returns the service names known to the backend. A null data
// field (no traces ingested yet) comes back as an empty list.
func (c *JaegerClient) Services(ctx context.Context) ([]string, error) {
	var resp servicesResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/services", &resp); err != nil {
		return nil, err
	}

	return resp.Data, nil
}

func (c *JaegerClient) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("querying jaeger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("jaeger returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding jaeger response: %w", err)
	}

	return nil
}
