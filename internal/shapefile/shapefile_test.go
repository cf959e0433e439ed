package shapefile

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/table"
)

func ring(coords ...float64) []shp.Point {
	pts := make([]shp.Point, 0, len(coords)/2)
	for i := 0; i < len(coords); i += 2 {
		pts = append(pts, shp.Point{X: coords[i], Y: coords[i+1]})
	}
	return pts
}

// clockwise unit square at (x, y)
func cwSquare(x, y float64) []shp.Point {
	return ring(x, y, x, y+1, x+1, y+1, x+1, y, x, y)
}

func polygonShape(rings ...[]shp.Point) *shp.Polygon {
	p := shp.Polygon(*shp.NewPolyLine(rings))
	return &p
}

func writeTiles(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tiles.shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("quadkey", 16),
		shp.NumberField("avg_d_kbps", 10),
	}))

	hole := ring(0.25, 0.25, 0.75, 0.25, 0.75, 0.75, 0.25, 0.75, 0.25, 0.25)
	shapes := []shp.Shape{
		polygonShape(cwSquare(0, 0), hole),
		polygonShape(cwSquare(2, 0), cwSquare(4, 0)),
	}
	attrs := [][]any{{"0123", 5000}, {"0456", 12000}}
	for i, s := range shapes {
		row := int(w.Write(s))
		for f, v := range attrs[i] {
			require.NoError(t, w.WriteAttribute(row, f, v))
		}
	}
	w.Close()
	return path
}

func TestRead_PolygonsWithHoles(t *testing.T) {
	path := writeTiles(t, t.TempDir())

	tbl, err := Read(path, Options{StringFields: []string{"quadkey"}})
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, []string{"quadkey", "avg_d_kbps", table.GeometryColumn}, tbl.Names())

	assert.Equal(t, table.Categorical, tbl.Column("quadkey").Kind)
	assert.Equal(t, "0123", tbl.Column("quadkey").Strs[0])
	assert.Equal(t, []float64{5000, 12000}, tbl.Column("avg_d_kbps").Nums)

	g := tbl.Column(table.GeometryColumn).Geoms
	poly, ok := g[0].(*geom.Polygon)
	require.True(t, ok)
	assert.Equal(t, 2, poly.NumLinearRings())
	assert.Equal(t, 4326, poly.SRID())

	multi, ok := g[1].(*geom.MultiPolygon)
	require.True(t, ok)
	assert.Equal(t, 2, multi.NumPolygons())
}

func TestRead_FieldSubset(t *testing.T) {
	path := writeTiles(t, t.TempDir())

	tbl, err := Read(path, Options{Fields: []string{"AVG_D_KBPS"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"avg_d_kbps", table.GeometryColumn}, tbl.Names())

	_, err = Read(path, Options{Fields: []string{"avg_u_kbps"}})
	assert.Error(t, err)
}

func TestReadZip(t *testing.T) {
	dir := t.TempDir()
	shpPath := writeTiles(t, dir)

	zipPath := filepath.Join(t.TempDir(), "2021-01-01_performance_fixed_tiles.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	base := shpPath[:len(shpPath)-len(".shp")]
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		src, err := os.Open(base + ext)
		require.NoError(t, err)
		dst, err := zw.Create("tiles" + ext)
		require.NoError(t, err)
		_, err = io.Copy(dst, src)
		require.NoError(t, err)
		_ = src.Close()
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	tbl, err := ReadAny(zipPath, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())

	tbl, err = ReadAny(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())

	_, err = ReadAny(filepath.Join(dir, "absent"), Options{})
	assert.Error(t, err)
}

func TestToGeom(t *testing.T) {
	g, err := ToGeom(&shp.Point{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, g.FlatCoords())

	g, err = ToGeom(nil)
	require.NoError(t, err)
	assert.Nil(t, g)

	g, err = ToGeom(shp.NewPolyLine([][]shp.Point{ring(0, 0, 1, 1), ring(2, 2, 3, 3)}))
	require.NoError(t, err)
	mls, ok := g.(*geom.MultiLineString)
	require.True(t, ok)
	assert.Equal(t, 2, mls.NumLineStrings())

	// degenerate ring is dropped
	g, err = ToGeom(polygonShape(ring(0, 0, 1, 1)))
	require.NoError(t, err)
	assert.Nil(t, g)
}
