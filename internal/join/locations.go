package join

import (
	"errors"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/table"
)

// schoolLocations returns each school's point as (lon, lat): the
// school_location column when present, otherwise longitude/latitude.
func schoolLocations(schools *table.Table, s Strategy) ([][2]float64, error) {
	if c := schools.Column(table.LocationColumn); c != nil && c.Kind == table.Geometry {
		out := make([][2]float64, schools.Len())
		for i, g := range c.Geoms {
			if c.Null(i) {
				return nil, &geometry.GeometryError{Column: table.LocationColumn, Row: i, Err: eris.New("missing school location")}
			}
			p, err := geometry.Centroid(g)
			if err != nil {
				return nil, err
			}
			out[i] = [2]float64{p[0], p[1]}
		}
		return out, nil
	}
	lon, lat := schools.Column(table.LonColumn), schools.Column(table.LatColumn)
	if lon == nil {
		return nil, &JoinError{Strategy: s, Column: table.LonColumn, Err: eris.New("school table has no location")}
	}
	if lat == nil {
		return nil, &JoinError{Strategy: s, Column: table.LatColumn, Err: eris.New("school table has no location")}
	}
	if lon.Kind != table.Numeric || lat.Kind != table.Numeric {
		return nil, &JoinError{Strategy: s, Column: table.LonColumn, Err: eris.New("school coordinates are not numeric")}
	}
	out := make([][2]float64, schools.Len())
	for i := range out {
		if lon.Null(i) || lat.Null(i) {
			return nil, &geometry.GeometryError{Column: table.LonColumn, Row: i, Err: eris.New("missing school coordinate")}
		}
		out[i] = [2]float64{lon.Nums[i], lat.Nums[i]}
	}
	return out, nil
}

// schoolShapes returns each school's join geometry: the buffer in the
// geometry column, falling back to the school point.
func schoolShapes(schools *table.Table, s Strategy) ([]geom.T, error) {
	if schools.Has(table.GeometryColumn) {
		return table.Geometries(schools)
	}
	locs, err := schoolLocations(schools, s)
	if err != nil {
		return nil, err
	}
	out := make([]geom.T, len(locs))
	for i, l := range locs {
		out[i] = geometry.Point(l[0], l[1])
	}
	return out, nil
}

// featureGeometries resolves the geometry of every feature row, turning a
// table with no geometry at all into a JoinError.
func featureGeometries(features *table.Table, s Strategy) ([]geom.T, error) {
	geoms, err := table.Geometries(features)
	if err != nil {
		var ge *geometry.GeometryError
		if errors.As(err, &ge) && ge.Row < 0 && !features.Has(table.GeometryColumn) {
			return nil, &JoinError{Strategy: s, Column: ge.Column, Err: err}
		}
		return nil, err
	}
	return geoms, nil
}

// keys returns the key of each row as text.
func keys(t *table.Table, s Strategy) ([]string, error) {
	c := t.Column(table.KeyColumn)
	if c == nil {
		return nil, &JoinError{Strategy: s, Column: table.KeyColumn, Err: eris.New("key column not in table")}
	}
	out := make([]string, c.Len())
	for i := range out {
		v, err := table.FormatCell(c, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// appendColumns adds the named feature columns, rows picked by idx, to a copy
// of schools. A name already present in schools is a JoinError.
func appendColumns(schools, features *table.Table, cols []string, idx []int, s Strategy) (*table.Table, error) {
	out := schools.Drop()
	for _, name := range cols {
		c := features.Column(name)
		if c == nil {
			return nil, &JoinError{Strategy: s, Column: name, Err: eris.New("feature column not in table")}
		}
		if out.Has(name) {
			return nil, &JoinError{Strategy: s, Column: name, Err: eris.New("column already present in school table")}
		}
		if err := out.Add(c.Take(idx)); err != nil {
			return nil, &JoinError{Strategy: s, Column: name, Err: err}
		}
	}
	return out, nil
}
