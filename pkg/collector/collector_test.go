package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/coveragoor/pkg/config"
	"github.com/ethpandaops/coveragoor/pkg/kube"
)

// fakeTransport simulates a cluster where signaling a pod makes a new
// counter file appear in its coverage directory.
type fakeTransport struct {
	mu sync.Mutex

	pods      map[string]string // selector -> pod name
	files     map[string][]string
	signals   []string
	signalErr map[string]error
	copyErr   map[string]error
	listErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pods:      map[string]string{},
		files:     map[string][]string{},
		signalErr: map[string]error{},
		copyErr:   map[string]error{},
	}
}

func (f *fakeTransport) ResolvePod(_ context.Context, _, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pod, ok := f.pods[selector]
	if !ok {
		return "", fmt.Errorf("%w: %q", kube.ErrPodNotFound, selector)
	}

	return pod, nil
}

func (f *fakeTransport) Signal(_ context.Context, _, pod, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.signalErr[pod]; err != nil {
		return err
	}

	f.signals = append(f.signals, pod)
	f.files[pod] = append(f.files[pod], fmt.Sprintf("covcounters.meta.1.%d", len(f.files[pod])+100))

	return nil
}

func (f *fakeTransport) ListDir(_ context.Context, _, pod, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	return append([]string{"covmeta.meta"}, f.files[pod]...), nil
}

func (f *fakeTransport) CopyDir(_ context.Context, _, pod, _, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.copyErr[pod]; err != nil {
		return 0, err
	}

	return len(f.files[pod]) + 1, nil
}

func testConfig(services ...string) *config.CoverageConfig {
	cfg := &config.CoverageConfig{
		Namespace:      "default",
		RemoteCoverDir: "/coverage",
		Signal:         "USR1",
		SettleTimeout:  2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		SettleDelay:    10 * time.Millisecond,
	}

	for _, name := range services {
		cfg.Services = append(cfg.Services, config.ServiceConfig{
			Name:     name,
			Selector: "app=" + name,
		})
	}

	return cfg
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func TestCollect_AllServices(t *testing.T) {
	ft := newFakeTransport()
	ft.pods["app=cartservice"] = "cartservice-abc"
	ft.pods["app=checkoutservice"] = "checkoutservice-def"

	cfg := testConfig("cartservice", "checkoutservice")
	c := New(testLogger(), ft, cfg)

	results, err := c.Collect(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, res := range results {
		assert.True(t, res.OK(), "service %s: %s", res.Service, res.Error)
		assert.Positive(t, res.Files)
	}

	assert.Equal(t, "cartservice", results[0].Service)
	assert.Equal(t, "cartservice-abc", results[0].Pod)
	assert.ElementsMatch(t, []string{"cartservice-abc", "checkoutservice-def"}, ft.signals)
}

func TestCollect_UnreachableServiceIsNotFatal(t *testing.T) {
	ft := newFakeTransport()
	ft.pods["app=cartservice"] = "cartservice-abc"
	ft.pods["app=frontend"] = "frontend-ghi"

	cfg := testConfig("cartservice", "productcatalogservice", "frontend")
	c := New(testLogger(), ft, cfg)

	results, err := c.Collect(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Contains(t, results[1].Error, "no running pod")
	assert.True(t, results[2].OK())
}

func TestCollect_SignalFailureRecorded(t *testing.T) {
	ft := newFakeTransport()
	ft.pods["app=cartservice"] = "cartservice-abc"
	ft.signalErr["cartservice-abc"] = errors.New("connection refused")

	c := New(testLogger(), ft, testConfig("cartservice"))

	results, err := c.Collect(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].OK())
	assert.Contains(t, results[0].Error, "connection refused")
}

func TestCollect_CopyFailureRecorded(t *testing.T) {
	ft := newFakeTransport()
	ft.pods["app=cartservice"] = "cartservice-abc"
	ft.copyErr["cartservice-abc"] = errors.New("stream reset")

	c := New(testLogger(), ft, testConfig("cartservice"))

	results, err := c.Collect(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.False(t, results[0].OK())
	assert.Contains(t, results[0].Error, "stream reset")
}

func TestCollect_ListUnsupportedFallsBackToSettleDelay(t *testing.T) {
	ft := newFakeTransport()
	ft.pods["app=cartservice"] = "cartservice-abc"
	ft.listErr = kube.ErrListUnsupported

	c := New(testLogger(), ft, testConfig("cartservice"))

	start := time.Now()
	results, err := c.Collect(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.True(t, results[0].OK())
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestCollect_Parallel(t *testing.T) {
	ft := newFakeTransport()
	ft.pods["app=cartservice"] = "cartservice-abc"
	ft.pods["app=checkoutservice"] = "checkoutservice-def"
	ft.pods["app=frontend"] = "frontend-ghi"

	cfg := testConfig("cartservice", "checkoutservice", "frontend")
	cfg.Parallel = true

	c := New(testLogger(), ft, cfg)

	results, err := c.Collect(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Results stay in configuration order even with parallel execution.
	assert.Equal(t, "cartservice", results[0].Service)
	assert.Equal(t, "checkoutservice", results[1].Service)
	assert.Equal(t, "frontend", results[2].Service)

	for _, res := range results {
		assert.True(t, res.OK())
	}
}

func TestCollect_CanceledContext(t *testing.T) {
	ft := newFakeTransport()
	ft.pods["app=cartservice"] = "cartservice-abc"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(testLogger(), ft, testConfig("cartservice"))

	_, err := c.Collect(ctx, t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
}
