package sources

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/config"
	"github.com/sells-group/schoolmap/internal/fetcher"
	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/table"
)

// fakeFetcher serves downloads from memory and records every URL asked for.
type fakeFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{files: make(map[string][]byte)}
}

func (f *fakeFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	b, ok := f.files[url]
	if !ok {
		return nil, eris.Errorf("download: unexpected status 404 from %s", url)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeFetcher) DownloadToFile(ctx context.Context, url, path string) (int64, error) {
	body, err := f.Download(ctx, url)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck
	b, _ := io.ReadAll(body)
	return int64(len(b)), os.WriteFile(path, b, 0o644)
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// sleepRecorder stands in for the pacer's sleep.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func (s *sleepRecorder) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Country: "BRA",
		School:  config.SchoolConfig{BufferRadius: 0.01},
		Survey:  config.SurveyConfig{Mode: config.SurveyEnumeration, Areas: map[string]string{}},
		Population: config.PopulationConfig{
			Year:    2020,
			BaseURL: "https://data.worldpop.org/GIS/Population/Global_2000_2020_1km_UNadj/",
			NoData:  geometry.DefaultNoData,
		},
		Speedtest: config.SpeedtestConfig{
			Type:    "fixed",
			Year:    2021,
			Quarter: 1,
			BaseURL: "https://ookla-open-data.s3.amazonaws.com/shapefiles/performance",
		},
		OpenCellID: config.OpenCellIDConfig{Token: "pk.test", MinYear: 2003},
		Facebook: config.FacebookConfig{
			AccessToken:      "tok",
			AdAccountID:      "123",
			CallLimit:        2,
			RadiusKM:         1,
			ChunkWaitSecs:    3600,
			OptimizationGoal: "REACH",
		},
		Satellite: config.SatelliteConfig{
			StartYear:   2019,
			EndYear:     2020,
			BufferKM:    1,
			MaxCallSize: 500,
			Scale:       1000,
		},
	}
}

type testEnv struct {
	cfg     *config.Config
	fetcher *fakeFetcher
	sleeps  *sleepRecorder
	deps    Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	ff := newFakeFetcher()
	sr := &sleepRecorder{}
	return &testEnv{
		cfg:     cfg,
		fetcher: ff,
		sleeps:  sr,
		deps: Deps{
			Config:  cfg,
			Fetcher: ff,
			HTTP:    fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 5 * time.Second}),
			Sleep:   sr.Sleep,
		},
	}
}

func square(minX, minY, maxX, maxY float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY,
	}, []int{10}).SetSRID(geometry.SRID)
}

func brazil() CountryContext {
	return CountryContext{Code: "BRA", Name: "Brazil", Geometry: square(-10, -10, 10, 10)}
}

// schoolTable builds a located school table with the given ids at (lon, lat)
// pairs.
func schoolTable(t *testing.T, ids []string, lonlat ...float64) *table.Table {
	t.Helper()
	lats := make([]float64, len(ids))
	lons := make([]float64, len(ids))
	for i := range ids {
		lons[i], lats[i] = lonlat[2*i], lonlat[2*i+1]
	}
	raw, err := table.New(
		table.NewCategorical(table.KeyColumn, ids),
		table.NewNumeric(table.LatColumn, lats),
		table.NewNumeric(table.LonColumn, lons),
	)
	require.NoError(t, err)
	out, err := PrepareSchools(raw, 0.01)
	require.NoError(t, err)
	return out
}

// tinyTIFF encodes an uncompressed 8-bit little-endian GeoTIFF.
func tinyTIFF(width, height int, pixels []byte, originX, originY, res float64) []byte {
	le := binary.LittleEndian
	var out bytes.Buffer
	out.WriteString("II")
	hdr := make([]byte, 6)
	le.PutUint16(hdr, 42)
	out.Write(hdr)

	dataOff := out.Len()
	out.Write(pixels)
	if out.Len()%2 == 1 {
		out.WriteByte(0)
	}
	doubles := func(v ...float64) []byte {
		b := make([]byte, 8*len(v))
		for i, x := range v {
			le.PutUint64(b[i*8:], math.Float64bits(x))
		}
		return b
	}
	scaleOff := out.Len()
	out.Write(doubles(res, res, 0))
	tieOff := out.Len()
	out.Write(doubles(0, 0, 0, originX, originY, 0))

	type ent struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []ent{
		{256, 3, 1, uint32(width)},
		{257, 3, 1, uint32(height)},
		{258, 3, 1, 8},
		{273, 4, 1, uint32(dataOff)},
		{279, 4, 1, uint32(len(pixels))},
		{33550, 12, 3, uint32(scaleOff)},
		{33922, 12, 6, uint32(tieOff)},
	}
	ifd := out.Len()
	n := make([]byte, 2)
	le.PutUint16(n, uint16(len(entries)))
	out.Write(n)
	for _, e := range entries {
		rec := make([]byte, 12)
		le.PutUint16(rec[0:], e.tag)
		le.PutUint16(rec[2:], e.typ)
		le.PutUint32(rec[4:], e.count)
		if e.typ == 3 {
			le.PutUint16(rec[8:], uint16(e.value))
		} else {
			le.PutUint32(rec[8:], e.value)
		}
		out.Write(rec)
	}
	out.Write(make([]byte, 4))

	data := out.Bytes()
	le.PutUint32(data[4:8], uint32(ifd))
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// cwBox is a clockwise shapefile ring around the given box.
func cwBox(minX, minY, maxX, maxY float64) *shp.Polygon {
	p := shp.Polygon(*shp.NewPolyLine([][]shp.Point{{
		{X: minX, Y: minY}, {X: minX, Y: maxY}, {X: maxX, Y: maxY}, {X: maxX, Y: minY}, {X: minX, Y: minY},
	}}))
	return &p
}

// writeShapefile writes a polygon shapefile at base.shp.
func writeShapefile(t *testing.T, base string, fields []shp.Field, shapes []shp.Shape, attrs [][]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(base), 0o755))
	w, err := shp.Create(base+".shp", shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields(fields))
	for i, s := range shapes {
		row := int(w.Write(s))
		for f, v := range attrs[i] {
			require.NoError(t, w.WriteAttribute(row, f, v))
		}
	}
	w.Close()
}

// zipShapefile writes a polygon shapefile and returns it zipped.
func zipShapefile(t *testing.T, fields []shp.Field, shapes []shp.Shape, attrs [][]any) []byte {
	t.Helper()
	base := filepath.Join(t.TempDir(), "layer")
	writeShapefile(t, base, fields, shapes, attrs)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		b, err := os.ReadFile(base + ext)
		require.NoError(t, err)
		dst, err := zw.Create("layer" + ext)
		require.NoError(t, err)
		_, err = dst.Write(b)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
