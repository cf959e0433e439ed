package sources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/fetcher"
	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/resilience"
	"github.com/sells-group/schoolmap/internal/table"
)

const overpassQuery = `[out:json][timeout:600];
area["ISO3166-1"="%s"]->.searchArea;
(
  node[amenity=school](area.searchArea);
);
out center;`

// maxOverpassBody bounds the Overpass answer decoded in memory.
const maxOverpassBody = 512 << 20

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   string   `json:"type"`
	ID     int64    `json:"id"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Center *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"center"`
}

// Schools builds the school table from OpenStreetMap or its cache.
type Schools struct {
	deps Deps
}

// NewSchools creates the school source.
func NewSchools(deps Deps) *Schools {
	return &Schools{deps: deps}
}

// RawPath is the cache of raw school locations.
func (s *Schools) RawPath(country CountryContext) string {
	return s.deps.path(dirSchools, "school_latlon_"+country.Lower()+".csv")
}

// CombinedPath is the cache of the prepared school table after the survey
// join.
func (s *Schools) CombinedPath(country CountryContext) string {
	return s.deps.path(dirSchools, "school_data_"+country.Lower()+".csv")
}

// Load returns the prepared school table: raw locations from cache or the
// Overpass API, deduplicated and buffered.
func (s *Schools) Load(ctx context.Context, country CountryContext) (*table.Table, error) {
	raw, err := s.raw(ctx, country)
	if err != nil {
		return nil, err
	}
	out, err := PrepareSchools(raw, s.deps.Config.School.BufferRadius)
	if err != nil {
		return nil, err
	}
	zap.L().Info("sources: school locations prepared",
		zap.String("country", country.Code),
		zap.Int("raw", raw.Len()),
		zap.Int("schools", out.Len()),
		zap.Float64("buffer_radius", s.deps.Config.School.BufferRadius),
	)
	return out, nil
}

func (s *Schools) raw(ctx context.Context, country CountryContext) (*table.Table, error) {
	path := s.RawPath(country)
	if t, ok, err := readCache(ctx, path, table.ReadOptions{}); ok || err != nil {
		if err != nil {
			return nil, eris.Wrap(err, "sources: read school locations")
		}
		return t, nil
	}

	t, err := s.fetch(ctx, country)
	if err != nil {
		return nil, unavailable("schools", country.Code, err)
	}
	if err := writeCache(path, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Schools) fetch(ctx context.Context, country CountryContext) (*table.Table, error) {
	a2 := country.Alpha2()
	if a2 == "" {
		return nil, eris.Errorf("no alpha-2 code for %s", country.Code)
	}
	u, err := url.Parse(s.deps.Config.School.OverpassURL)
	if err != nil {
		return nil, eris.Wrap(err, "parse overpass url")
	}
	q := u.Query()
	q.Set("data", fmt.Sprintf(overpassQuery, a2))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "create overpass request")
	}
	zap.L().Info("sources: querying overpass for schools", zap.String("country", country.Code))
	resp, err := s.deps.HTTP.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("overpass: status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	body, err := fetcher.DecodeJSON[overpassResponse](resp.Body, maxOverpassBody)
	if err != nil {
		return nil, err
	}
	return schoolsFromElements(body.Elements), nil
}

// schoolsFromElements keeps the first element of each id. Nodes carry their
// own coordinates, ways and relations their center.
func schoolsFromElements(elems []overpassElement) *table.Table {
	seen := make(map[int64]bool, len(elems))
	var ids []string
	var lats, lons []float64
	for _, e := range elems {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true

		var lat, lon float64
		switch {
		case e.Type == "node" && e.Lat != nil && e.Lon != nil:
			lat, lon = *e.Lat, *e.Lon
		case (e.Type == "way" || e.Type == "relation") && e.Center != nil:
			lat, lon = e.Center.Lat, e.Center.Lon
		default:
			zap.L().Debug("sources: skipping overpass element without coordinates",
				zap.String("type", e.Type), zap.Int64("id", e.ID))
			continue
		}
		ids = append(ids, strconv.FormatInt(e.ID, 10))
		lats = append(lats, lat)
		lons = append(lons, lon)
	}
	t, _ := table.New(
		table.NewCategorical(table.KeyColumn, ids),
		table.NewNumeric(table.LatColumn, lats),
		table.NewNumeric(table.LonColumn, lons),
	)
	return t
}

// PrepareSchools drops rows repeating an earlier latitude/longitude pair or
// identifier, then adds the school_location point and the geometry column:
// the point buffered by radius, or the point itself when radius is zero.
func PrepareSchools(raw *table.Table, radius float64) (*table.Table, error) {
	if radius < 0 || math.IsNaN(radius) {
		return nil, eris.Errorf("sources: invalid buffer radius %v", radius)
	}
	for _, name := range []string{table.KeyColumn, table.LatColumn, table.LonColumn} {
		if !raw.Has(name) {
			return nil, eris.Errorf("sources: school table has no %q column", name)
		}
	}
	keyCol := raw.Column(table.KeyColumn)
	lat, lon := raw.Column(table.LatColumn), raw.Column(table.LonColumn)
	if lat.Kind != table.Numeric || lon.Kind != table.Numeric {
		return nil, &geometry.GeometryError{Column: table.LatColumn, Row: -1, Err: eris.New("coordinates are not numeric")}
	}

	seenPos := make(map[[2]float64]bool, raw.Len())
	seenKey := make(map[string]bool, raw.Len())
	keep := make([]int, 0, raw.Len())
	var points []geom.T
	for i := 0; i < raw.Len(); i++ {
		if lat.Null(i) || lon.Null(i) {
			return nil, &geometry.GeometryError{Column: table.LatColumn, Row: i, Err: eris.New("missing school coordinate")}
		}
		pos := [2]float64{lat.Nums[i], lon.Nums[i]}
		if seenPos[pos] {
			continue
		}
		key, err := table.FormatCell(keyCol, i)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, eris.Errorf("sources: school row %d has no identifier", i)
		}
		if seenKey[key] {
			zap.L().Warn("sources: duplicate school identifier dropped", zap.String("id", key), zap.Int("row", i))
			continue
		}
		p, err := geometry.PointFromLonLat(lon.Nums[i], lat.Nums[i])
		if err != nil {
			var ge *geometry.GeometryError
			if errors.As(err, &ge) {
				return nil, ge.At(table.LonColumn, i)
			}
			return nil, err
		}
		seenPos[pos] = true
		seenKey[key] = true
		keep = append(keep, i)
		points = append(points, p)
	}

	out := raw.Take(keep)
	buffers := make([]geom.T, len(points))
	for i, p := range points {
		buffers[i] = geometry.Buffer(p.(*geom.Point), radius)
	}
	if err := out.Set(table.NewGeometry(table.LocationColumn, points)); err != nil {
		return nil, err
	}
	if err := out.Set(table.NewGeometry(table.GeometryColumn, buffers)); err != nil {
		return nil, err
	}
	return out, nil
}
