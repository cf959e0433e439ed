package trainingset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/table"
)

func sampleTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.New(
		table.NewCategorical(table.KeyColumn, []string{"1", "2", "3"}),
		table.NewNumeric("population", []float64{10, 0, 7.5}),
		table.NewCategorical("radio_LTE", []string{"1", "0", "1"}),
		table.NewGeometry(table.LocationColumn, []geom.T{
			geometry.Point(1, 1), geometry.Point(2, 2), geometry.Point(3, 3),
		}),
	)
	require.NoError(t, err)
	return tbl
}

func TestDir(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "training_sets", "Brazil"), Dir("data", "brazil"))
	assert.Equal(t, filepath.Join("data", "training_sets", "United States"), Dir("data", "united states"))
}

func TestSave_FirstVersion(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "Brazil"), Options{})
	v, err := w.Save(sampleTable(t), Manifest{Country: "BRA", Features: []string{"population"}})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.FileExists(t, filepath.Join(w.Dir(), "training_set_v001.csv"))
}

func TestSave_NextVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"training_set_v001.csv", "training_set_v002.csv", "training_set_v9.csv", "notes.csv", "training_set_v010.csv.bak"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644))
	}
	w := NewWriter(dir, Options{})
	vs, err := w.Versions()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, vs)

	v, err := w.Save(sampleTable(t), Manifest{})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.FileExists(t, filepath.Join(dir, "training_set_v003.csv"))
}

func TestSave_RoundTrip(t *testing.T) {
	w := NewWriter(t.TempDir(), Options{})
	in := sampleTable(t)
	v, err := w.Save(in, Manifest{Country: "BRA"})
	require.NoError(t, err)

	out, err := table.ReadFile(context.Background(), w.Path(v))
	require.NoError(t, err)
	assert.Equal(t, in.Len(), out.Len())
	assert.Equal(t, in.Names(), out.Names())
	assert.Equal(t, in.Column("population").Nums, out.Column("population").Nums)
}

func TestSave_Manifest(t *testing.T) {
	w := NewWriter(t.TempDir(), Options{})
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return created }

	_, err := w.Save(sampleTable(t), Manifest{Country: "THA", Features: []string{"population", "opencell"}, RunID: "run-1"})
	require.NoError(t, err)

	m, err := ReadManifest(filepath.Join(w.Dir(), "training_set_v001.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Version)
	assert.Equal(t, "training_set_v001.csv", m.File)
	assert.Equal(t, "THA", m.Country)
	assert.Equal(t, 3, m.Rows)
	assert.Equal(t, []string{table.KeyColumn, "population", "radio_LTE", table.LocationColumn}, m.Columns)
	assert.Equal(t, "run-1", m.RunID)
	assert.True(t, created.Equal(m.CreatedAt))

	ms, err := w.Manifests()
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, []string{"population", "opencell"}, ms[0].Features)
}

func TestSave_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	w := NewWriter(t.TempDir(), Options{})
	v, err := w.Save(sampleTable(t), Manifest{})
	require.NoError(t, err)
	info, err := os.Stat(w.Path(v))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	legacy := NewWriter(t.TempDir(), Options{LegacyPermissions: true})
	v, err = legacy.Save(sampleTable(t), Manifest{})
	require.NoError(t, err)
	info, err = os.Stat(legacy.Path(v))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o647), info.Mode().Perm())
}

func TestSave_Concurrent(t *testing.T) {
	w := NewWriter(t.TempDir(), Options{})
	const n = 4
	in := sampleTable(t)
	versions := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := w.Save(in, Manifest{})
			assert.NoError(t, err)
			versions[i] = v
		}(i)
	}
	wg.Wait()
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, versions)
}

func TestSave_UnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := NewWriter(filepath.Join(file, "sub"), Options{}).Save(sampleTable(t), Manifest{})
	var we *WriteError
	require.True(t, errors.As(err, &we))
}

func TestSave_ManifestFailureRemovesCSV(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "training_set_v001.yaml")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "keep"), 0o755))

	w := NewWriter(dir, Options{})
	_, err := w.Save(sampleTable(t), Manifest{})
	var we *WriteError
	require.True(t, errors.As(err, &we))

	assert.NoFileExists(t, filepath.Join(dir, "training_set_v001.csv"))
	vs, err := w.Versions()
	require.NoError(t, err)
	assert.Empty(t, vs)
	assert.DirExists(t, blocker)
}
