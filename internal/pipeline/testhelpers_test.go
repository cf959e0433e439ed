package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/config"
	"github.com/sells-group/schoolmap/internal/dictionary"
	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/sources"
	"github.com/sells-group/schoolmap/internal/table"
)

var brazil = sources.CountryContext{Code: "BRA", Name: "Brazil"}

type fakeCountries struct{}

func (fakeCountries) Load(_ context.Context, code string) (sources.CountryContext, error) {
	if code != brazil.Code {
		return sources.CountryContext{}, sources.ErrUnknownRegion
	}
	return brazil, nil
}

// fakeLoader returns a fixed table, or errs in order before succeeding.
type fakeLoader struct {
	name     string
	strategy join.Strategy
	needs    bool
	table    *table.Table
	errs     []error

	calls     atomic.Int32
	mu        sync.Mutex
	locations *table.Table
}

func (f *fakeLoader) Name() string { return f.name }
func (f *fakeLoader) Strategy() join.Strategy { return f.strategy }
func (f *fakeLoader) NeedsLocations() bool { return f.needs }
func (f *fakeLoader) CachePath(sources.CountryContext, *table.Table) string { return "" }

func (f *fakeLoader) Load(_ context.Context, _ sources.CountryContext, locations *table.Table) (*table.Table, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.locations = locations
	f.mu.Unlock()
	if n <= len(f.errs) {
		return nil, f.errs[n-1]
	}
	return f.table, nil
}

// fakePopulation also keeps the containment aggregate it is handed.
type fakePopulation struct {
	fakeLoader
	saved *table.Table
}

func (f *fakePopulation) SaveAggregate(_ sources.CountryContext, agg *table.Table) error {
	f.saved = agg
	return nil
}

type env struct {
	cfg      *config.Config
	deps     sources.Deps
	registry *sources.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := &config.Config{
		DataDir:  t.TempDir(),
		Country:  "BRA",
		Features: []string{"population"},
		School:   config.SchoolConfig{BufferRadius: 0.01},
		Survey:   config.SurveyConfig{Mode: config.SurveyNone},
	}
	deps := sources.Deps{Config: cfg}
	e := &env{cfg: cfg, deps: deps, registry: sources.NewRegistry(deps)}

	// school 1 at (10, 20), school 2 at (30, -5)
	raw, err := table.New(
		table.NewCategorical(table.KeyColumn, []string{"1", "2"}),
		table.NewNumeric(table.LatColumn, []float64{20, -5}),
		table.NewNumeric(table.LonColumn, []float64{10, 30}),
	)
	require.NoError(t, err)
	require.NoError(t, table.WriteFile(sources.NewSchools(deps).RawPath(brazil), raw))
	return e
}

func (e *env) pipeline(opts ...Option) *Pipeline {
	return New(e.cfg, e.registry, e.deps, append([]Option{WithCountries(fakeCountries{})}, opts...)...)
}

func writeDict(t *testing.T, dataDir, feature string, rows ...[]string) {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, r := range append([][]string{{"name", "type", "use"}}, rows...) {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "meta"), 0o755))
	require.NoError(t, f.Save(dictionary.Path(dataDir, feature)))
}

func points(t *testing.T, lonlat ...float64) *table.Column {
	t.Helper()
	g := make([]geom.T, 0, len(lonlat)/2)
	for i := 0; i < len(lonlat); i += 2 {
		g = append(g, geometry.Point(lonlat[i], lonlat[i+1]))
	}
	return table.NewGeometry(table.GeometryColumn, g)
}

func mustTable(t *testing.T, cols ...*table.Column) *table.Table {
	t.Helper()
	tbl, err := table.New(cols...)
	require.NoError(t, err)
	return tbl
}

// rowOf returns the row index of a school id.
func rowOf(t *testing.T, tbl *table.Table, id string) int {
	t.Helper()
	keys := tbl.Column(table.KeyColumn)
	require.NotNil(t, keys)
	for i, k := range keys.Strs {
		if k == id {
			return i
		}
	}
	require.Failf(t, "school not found", "id %s", id)
	return -1
}
