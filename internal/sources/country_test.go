package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

const countriesJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"BRA","properties":{"name":"Brazil"},
 "geometry":{"type":"Polygon","coordinates":[[[-10,-10],[10,-10],[10,10],[-10,10],[-10,-10]]]}},
{"type":"Feature","id":"THA","properties":{"name":"Thailand"},
 "geometry":{"type":"MultiPolygon","coordinates":[[[[98,6],[105,6],[105,20],[98,20],[98,6]]]]}}
]}`

func TestValidateCode(t *testing.T) {
	code, err := ValidateCode(" bra ")
	require.NoError(t, err)
	assert.Equal(t, "BRA", code)

	for _, bad := range []string{"", "BR", "BRAZ", "B1A"} {
		_, err := ValidateCode(bad)
		assert.Error(t, err, bad)
	}
}

func TestCountryContext_Codes(t *testing.T) {
	c := CountryContext{Code: "THA"}
	assert.Equal(t, "tha", c.Lower())
	assert.Equal(t, "TH", c.Alpha2())
	assert.Equal(t, "BR", brazil().Alpha2())
}

func TestCountryLoader_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "countries.geojson")
	require.NoError(t, os.WriteFile(path, []byte(countriesJSON), 0o644))
	l := &CountryLoader{Path: path}

	c, err := l.Load(context.Background(), "bra")
	require.NoError(t, err)
	assert.Equal(t, "BRA", c.Code)
	assert.Equal(t, "Brazil", c.Name)
	poly, ok := c.Geometry.(*geom.Polygon)
	require.True(t, ok)
	assert.Equal(t, 4326, poly.SRID())

	c, err = l.Load(context.Background(), "THA")
	require.NoError(t, err)
	assert.IsType(t, &geom.MultiPolygon{}, c.Geometry)

	_, err = l.Load(context.Background(), "ARG")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCountryLoader_Downloads(t *testing.T) {
	ff := newFakeFetcher()
	ff.files["https://example.org/countries.geojson"] = []byte(countriesJSON)
	path := filepath.Join(t.TempDir(), "geodata", "countries.geojson")
	l := &CountryLoader{Path: path, URL: "https://example.org/countries.geojson", Fetcher: ff}

	c, err := l.Load(context.Background(), "THA")
	require.NoError(t, err)
	assert.Equal(t, "Thailand", c.Name)
	assert.FileExists(t, path)
	assert.Len(t, ff.Calls(), 1)
}

func TestCountryLoader_MissingFile(t *testing.T) {
	l := &CountryLoader{Path: filepath.Join(t.TempDir(), "none.geojson")}
	_, err := l.Load(context.Background(), "BRA")
	assert.Error(t, err)
}
