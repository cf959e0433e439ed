package sources

import (
	"context"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/table"
)

func TestSpeedtest_TileNames(t *testing.T) {
	env := newTestEnv(t)
	s := &Speedtest{deps: env.deps}

	name, err := s.TileName()
	require.NoError(t, err)
	assert.Equal(t, "2021-01-01_performance_fixed_tiles.zip", name)

	env.cfg.Speedtest.Quarter = 3
	env.cfg.Speedtest.Type = "mobile"
	name, err = s.TileName()
	require.NoError(t, err)
	assert.Equal(t, "2021-07-01_performance_mobile_tiles.zip", name)

	u, err := s.TileURL()
	require.NoError(t, err)
	assert.Equal(t,
		"https://ookla-open-data.s3.amazonaws.com/shapefiles/performance/type=mobile/year=2021/quarter=3/2021-07-01_performance_mobile_tiles.zip",
		u)

	env.cfg.Speedtest.Quarter = 5
	_, err = s.TileName()
	assert.Error(t, err)
	assert.Empty(t, s.CachePath(brazil(), nil))
}

func TestWithinCountry(t *testing.T) {
	tiles, err := table.New(
		table.NewNumeric("avg_d_kbps", []float64{1, 2, 3}),
		table.NewGeometry(table.GeometryColumn, []geom.T{
			square(20, 20, 21, 21),
			square(1, 1, 2, 2),
			square(9, 9, 11, 11),
		}),
	)
	require.NoError(t, err)

	out, err := WithinCountry(tiles, brazil().Geometry)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, out.Column("avg_d_kbps").Nums)

	_, err = WithinCountry(tiles, nil)
	assert.Error(t, err)
}

func TestSpeedtest_LoadFiltersAndCaches(t *testing.T) {
	env := newTestEnv(t)
	s := &Speedtest{deps: env.deps}
	u, err := s.TileURL()
	require.NoError(t, err)
	env.fetcher.files[u] = zipShapefile(t,
		[]shp.Field{
			shp.StringField("quadkey", 16),
			shp.NumberField("avg_d_kbps", 10),
			shp.NumberField("avg_u_kbps", 10),
		},
		[]shp.Shape{cwBox(1, 1, 2, 2), cwBox(30, 30, 31, 31), cwBox(-3, -3, -2, -2)},
		[][]any{{"q1", 5000, 900}, {"q2", 8000, 1000}, {"q3", 12000, 3000}},
	)

	out, err := s.Load(context.Background(), brazil(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"avg_d_kbps", "avg_u_kbps", table.GeometryColumn}, out.Names())
	assert.Equal(t, []float64{5000, 12000}, out.Column("avg_d_kbps").Nums)
	assert.FileExists(t, s.CachePath(brazil(), nil))

	again, err := s.Load(context.Background(), brazil(), nil)
	require.NoError(t, err)
	assert.Equal(t, out.Column("avg_u_kbps").Nums, again.Column("avg_u_kbps").Nums)
	assert.Len(t, env.fetcher.Calls(), 1)
}
