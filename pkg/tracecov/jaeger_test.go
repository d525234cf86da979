package tracecov

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func TestFetchTraces(t *testing.T) {
	var gotQuery map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/traces", r.URL.Path)

		gotQuery = map[string]string{}
		for key := range r.URL.Query() {
			gotQuery[key] = r.URL.Query().Get(key)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": [{"traceID": "t1", "spans": [], "processes": {}}]}`))
	}))
	defer srv.Close()

	client := NewJaegerClient(testLogger(), srv.URL, 5*time.Second)

	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)

	traces, err := client.FetchTraces(context.Background(), "test-framework", start, end, 1000)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "t1", traces[0].TraceID)

	// Bounds go over the wire as microseconds since epoch.
	assert.Equal(t, map[string]string{
		"service": "test-framework",
		"start":   "1788084000000000",
		"end":     "1788084120000000",
		"limit":   "1000",
	}, gotQuery)
}

func TestFetchTraces_OffsetTimesHitSameInstant(t *testing.T) {
	var gotStart string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("start")
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	client := NewJaegerClient(testLogger(), srv.URL, 5*time.Second)

	utc := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	offset := utc.In(time.FixedZone("CEST", 2*60*60))

	_, err := client.FetchTraces(context.Background(), "test-framework", offset, offset.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, "1788084000000000", gotStart)
}

func TestFetchTraces_RequiresService(t *testing.T) {
	client := NewJaegerClient(testLogger(), "http://localhost:16686", time.Second)

	_, err := client.FetchTraces(context.Background(), "", time.Now(), time.Now(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require a service name")
}

func TestFetchTraces_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewJaegerClient(testLogger(), srv.URL, time.Second)

	_, err := client.FetchTraces(context.Background(), "test-framework", time.Now(), time.Now(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jaeger returned 500")
}

func TestServices_NullData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": null}`))
	}))
	defer srv.Close()

	client := NewJaegerClient(testLogger(), srv.URL, time.Second)

	services, err := client.Services(context.Background())
	require.NoError(t, err)
	assert.Empty(t, services)
}
