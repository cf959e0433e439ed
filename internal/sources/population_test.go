package sources

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/table"
)

func TestPopulation_Names(t *testing.T) {
	env := newTestEnv(t)
	p := &Population{deps: env.deps}
	assert.Equal(t, "bra_ppp_2020_1km_Aggregated_UNadj.tif", p.RasterName(brazil()))
	assert.Equal(t,
		"https://data.worldpop.org/GIS/Population/Global_2000_2020_1km_UNadj/2020/BRA/bra_ppp_2020_1km_Aggregated_UNadj.tif",
		p.RasterURL(brazil()))
	assert.Equal(t, join.Containment, p.Strategy())
	assert.False(t, p.NeedsLocations())
}

func TestPopulation_LoadDownloadsRaster(t *testing.T) {
	env := newTestEnv(t)
	p := &Population{deps: env.deps}
	env.fetcher.files[p.RasterURL(brazil())] = tinyTIFF(2, 1, []byte{5, 7}, 0, 1, 1)

	out, err := p.Load(context.Background(), brazil(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, []float64{5, 7}, out.Column(PopulationColumn).Nums)
	pt, ok := out.Column(table.GeometryColumn).Geoms[1].(*geom.Point)
	require.True(t, ok)
	assert.Equal(t, []float64{1.5, 0.5}, pt.FlatCoords())

	// The raster is kept on disk; a second load reads it without fetching.
	_, err = p.Load(context.Background(), brazil(), nil)
	require.NoError(t, err)
	assert.Len(t, env.fetcher.Calls(), 1)
}

func TestPopulation_AggregateCacheWins(t *testing.T) {
	env := newTestEnv(t)
	p := &Population{deps: env.deps}
	agg, err := table.New(
		table.NewCategorical(table.KeyColumn, []string{"1", "2"}),
		table.NewNumeric(PopulationColumn, []float64{120, 0}),
	)
	require.NoError(t, err)
	require.NoError(t, p.SaveAggregate(brazil(), agg))

	out, err := p.Load(context.Background(), brazil(), nil)
	require.NoError(t, err)
	assert.True(t, out.Has(table.KeyColumn))
	assert.Equal(t, []float64{120, 0}, out.Column(PopulationColumn).Nums)
	assert.Empty(t, env.fetcher.Calls())
	assert.Equal(t, join.Identifier, join.Resolve(p.Strategy(), out))
}

func TestPopulation_MissingRasterIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	_, err := (&Population{deps: env.deps}).Load(context.Background(), brazil(), nil)
	var sue *SourceUnavailableError
	require.True(t, errors.As(err, &sue))
	assert.Equal(t, "population", sue.Source)
}
