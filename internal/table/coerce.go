package table

import (
	"errors"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/geometry"
)

// coordinate column pairs tried in order when a table has no geometry column.
var lonLatPairs = [][2]string{
	{LonColumn, LatColumn},
	{"lon", "lat"},
}

// Geometries returns one geometry per row: the geometry column when present,
// otherwise points built from a longitude/latitude column pair.
func Geometries(t *Table) ([]geom.T, error) {
	if c := t.Column(GeometryColumn); c != nil {
		if c.Kind != Geometry {
			return nil, &geometry.GeometryError{Column: GeometryColumn, Row: -1, Err: eris.Errorf("column is %s", c.Kind)}
		}
		for i := range c.Valid {
			if c.Null(i) {
				return nil, &geometry.GeometryError{Column: GeometryColumn, Row: i, Err: eris.New("missing geometry")}
			}
		}
		return c.Geoms, nil
	}
	return PointsFromLonLat(t)
}

// PointsFromLonLat builds WGS84 points from the first coordinate column pair
// present in t.
func PointsFromLonLat(t *Table) ([]geom.T, error) {
	for _, pair := range lonLatPairs {
		lon, lat := t.Column(pair[0]), t.Column(pair[1])
		if lon == nil || lat == nil {
			continue
		}
		if lon.Kind != Numeric {
			return nil, &geometry.GeometryError{Column: pair[0], Row: -1, Err: eris.New("coordinates are not numeric")}
		}
		if lat.Kind != Numeric {
			return nil, &geometry.GeometryError{Column: pair[1], Row: -1, Err: eris.New("coordinates are not numeric")}
		}
		out := make([]geom.T, t.Len())
		for i := range out {
			if lon.Null(i) || lat.Null(i) {
				return nil, &geometry.GeometryError{Column: pair[0], Row: i, Err: eris.New("missing coordinate")}
			}
			p, err := geometry.PointFromLonLat(lon.Nums[i], lat.Nums[i])
			if err != nil {
				var ge *geometry.GeometryError
				if errors.As(err, &ge) {
					return nil, ge.At(pair[0], i)
				}
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	}
	for _, pair := range lonLatPairs {
		switch hasLon, hasLat := t.Has(pair[0]), t.Has(pair[1]); {
		case hasLon && !hasLat:
			return nil, &geometry.GeometryError{Column: pair[1], Row: -1, Err: eris.Errorf("%q column without %q", pair[0], pair[1])}
		case hasLat && !hasLon:
			return nil, &geometry.GeometryError{Column: pair[0], Row: -1, Err: eris.Errorf("%q column without %q", pair[1], pair[0])}
		}
	}
	return nil, &geometry.GeometryError{
		Column: GeometryColumn,
		Row:    -1,
		Err:    eris.Errorf("no %q column and no %s/%s columns", GeometryColumn, LonColumn, LatColumn),
	}
}

// WithGeometry returns t with a geometry column, deriving it from coordinates
// when it is absent.
func WithGeometry(t *Table) (*Table, error) {
	if t.Has(GeometryColumn) {
		if _, err := Geometries(t); err != nil {
			return nil, err
		}
		return t, nil
	}
	geoms, err := PointsFromLonLat(t)
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	if err := out.Add(NewGeometry(GeometryColumn, geoms)); err != nil {
		return nil, err
	}
	return out, nil
}

// FromRaster converts a raster band into a point table with one value column.
func FromRaster(r *geometry.Raster, valueColumn string) (*Table, error) {
	points, values, err := r.Points()
	if err != nil {
		return nil, err
	}
	return New(
		NewNumeric(valueColumn, values),
		NewGeometry(GeometryColumn, points),
	)
}

// Centroids returns the centroid of each geometry as (x, y).
func Centroids(geoms []geom.T) ([][2]float64, error) {
	out := make([][2]float64, len(geoms))
	for i, g := range geoms {
		c, err := geometry.Centroid(g)
		if err != nil {
			var ge *geometry.GeometryError
			if errors.As(err, &ge) {
				return nil, ge.At(GeometryColumn, i)
			}
			return nil, err
		}
		out[i] = [2]float64{c[0], c[1]}
	}
	return out, nil
}
