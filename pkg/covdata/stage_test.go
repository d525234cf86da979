package covdata

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func TestParseCounterName(t *testing.T) {
	tests := []struct {
		name string
		want Emission
		ok   bool
	}{
		{
			name: "covcounters.5a3f9c21e77b44d0.1.1724932811000000000",
			want: Emission{MetaHash: "5a3f9c21e77b44d0", PID: 1, NanoTime: 1724932811000000000},
			ok:   true,
		},
		{name: "covmeta.5a3f9c21e77b44d0"},
		{name: "covcounters.hash.notanumber.123"},
		{name: "covcounters.hash.1.notanumber"},
		{name: "covcounters..1.123"},
		{name: "covcounters.toofew.1"},
		{name: "random.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCounterName(tt.name)
			assert.Equal(t, tt.ok, ok)

			if tt.ok {
				assert.Equal(t, tt.want, got)
				assert.Equal(t, tt.name, got.Name())
			}
		})
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))

	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names
}

func TestStage_NewFiles(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cartservice")
	writeFiles(t, src, map[string]string{
		"covmeta.abc":           "meta",
		"covcounters.abc.1.100": "counters-a",
		"covcounters.abc.1.200": "counters-b",
		"lost+found":            "junk",
	})

	dst := t.TempDir()

	stats, err := NewStager(testLogger()).Stage(src, dst)
	require.NoError(t, err)

	assert.Equal(t, StageStats{New: 2, Meta: 1, Skipped: 1}, stats)
	assert.True(t, stats.HasCounters())
	assert.Equal(t, []string{
		"covcounters.abc.1.100",
		"covcounters.abc.1.200",
		"covmeta.abc",
	}, dirNames(t, dst))
}

func TestStage_Idempotent(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cartservice")
	writeFiles(t, src, map[string]string{
		"covmeta.abc":           "meta",
		"covcounters.abc.1.100": "counters",
	})

	dst := t.TempDir()
	stager := NewStager(testLogger())

	first, err := stager.Stage(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, first.New)

	second, err := stager.Stage(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 0, second.New)
	assert.Equal(t, 1, second.Duplicates)
	assert.True(t, second.HasCounters())

	assert.Len(t, dirNames(t, dst), 2)
}

func TestStage_CollisionKeepsBothEmissions(t *testing.T) {
	srcA := filepath.Join(t.TempDir(), "a")
	srcB := filepath.Join(t.TempDir(), "b")

	// Two pods, both PID 1, emitted at the same nanotime by chance.
	writeFiles(t, srcA, map[string]string{"covcounters.abc.1.100": "pod-a-counts"})
	writeFiles(t, srcB, map[string]string{"covcounters.abc.1.100": "pod-b-counts"})

	dst := t.TempDir()
	stager := NewStager(testLogger())

	_, err := stager.Stage(srcA, dst)
	require.NoError(t, err)

	stats, err := stager.Stage(srcB, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Renamed)
	assert.Equal(t, 0, stats.New)

	assert.Equal(t, []string{
		"covcounters.abc.1.100",
		"covcounters.abc.1.101",
	}, dirNames(t, dst))
}

func TestStage_OrderIndependent(t *testing.T) {
	srcA := filepath.Join(t.TempDir(), "a")
	srcB := filepath.Join(t.TempDir(), "b")

	writeFiles(t, srcA, map[string]string{
		"covmeta.abc":           "meta",
		"covcounters.abc.1.100": "counts-a",
	})
	writeFiles(t, srcB, map[string]string{
		"covmeta.abc":           "meta",
		"covcounters.abc.1.200": "counts-b",
	})

	stager := NewStager(testLogger())

	dstAB := t.TempDir()
	_, err := stager.Stage(srcA, dstAB)
	require.NoError(t, err)
	_, err = stager.Stage(srcB, dstAB)
	require.NoError(t, err)

	dstBA := t.TempDir()
	_, err = stager.Stage(srcB, dstBA)
	require.NoError(t, err)
	_, err = stager.Stage(srcA, dstBA)
	require.NoError(t, err)

	assert.Equal(t, dirNames(t, dstAB), dirNames(t, dstBA))
}

func TestStage_MissingSourceIsEmpty(t *testing.T) {
	stats, err := NewStager(testLogger()).Stage(filepath.Join(t.TempDir(), "nope"), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, StageStats{}, stats)
	assert.False(t, stats.HasCounters())
}

func TestCountStaged(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"covmeta.abc":           "meta",
		"covcounters.abc.1.100": "counts",
		"covcounters.abc.1.101": "counts2",
		"notes.txt":             "junk",
	})

	stats, err := CountStaged(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.New)
	assert.Equal(t, 1, stats.Meta)
	assert.Equal(t, 1, stats.Skipped)
	assert.True(t, stats.HasCounters())
}

func TestCountStaged_MissingDir(t *testing.T) {
	stats, err := CountStaged(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.False(t, stats.HasCounters())
}
