package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/coveragoor/pkg/config"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := NewStore(log, &config.StoreConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "runs.db"),
		},
	})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return s
}

func sampleRun(runID string, ts int64) *Run {
	return &Run{
		RunID:              runID,
		Timestamp:          ts,
		TimestampEnd:       ts + 120,
		ServicesTotal:      3,
		ServicesCovered:    2,
		MethodsTotal:       10,
		MethodsCovered:     4,
		ServiceCoveragePct: 66.67,
		MethodCoveragePct:  40.0,
		ReportPath:         "/reports/" + runID + "/unified.json",
		IndexedAt:          time.Now().UTC(),
	}
}

func TestUpsertAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, sampleRun("run-1", 1000)))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ServicesCovered)
	assert.InDelta(t, 40.0, got.MethodCoveragePct, 0.001)

	// Upserting the same run updates in place.
	updated := sampleRun("run-1", 1000)
	updated.MethodsCovered = 6
	require.NoError(t, s.UpsertRun(ctx, updated))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 6, got.MethodsCovered)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRuns_NewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, sampleRun("run-old", 1000)))
	require.NoError(t, s.UpsertRun(ctx, sampleRun("run-mid", 2000)))
	require.NoError(t, s.UpsertRun(ctx, sampleRun("run-new", 3000)))

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].RunID)
	assert.Equal(t, "run-mid", runs[1].RunID)
}

func TestMarkUploaded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, sampleRun("run-1", 1000)))
	require.NoError(t, s.MarkUploaded(ctx, "run-1"))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.Uploaded)

	require.ErrorIs(t, s.MarkUploaded(ctx, "missing"), ErrRunNotFound)
}

func TestStart_UnsupportedDriver(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := NewStore(log, &config.StoreConfig{Driver: "mysql"})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
