package join

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/spatial"
	"github.com/sells-group/schoolmap/internal/table"
)

// Aggregate sums the numeric feature columns over every feature row that lies
// inside each school's buffer. The result has one row per school, keyed by
// source_school_id; a school containing no rows gets 0. Rows are summed in
// ascending row order, so the result does not depend on index traversal.
func Aggregate(schools, features *table.Table, cols []string) (*table.Table, error) {
	schoolKeys, err := keys(schools, Containment)
	if err != nil {
		return nil, err
	}
	if !schools.Has(table.GeometryColumn) {
		return nil, &JoinError{Strategy: Containment, Column: table.GeometryColumn, Err: eris.New("school table has no buffer geometry")}
	}
	buffers, err := table.Geometries(schools)
	if err != nil {
		return nil, err
	}
	geoms, err := featureGeometries(features, Containment)
	if err != nil {
		return nil, err
	}

	values := make([]*table.Column, len(cols))
	for k, name := range cols {
		c := features.Column(name)
		if c == nil {
			return nil, &JoinError{Strategy: Containment, Column: name, Err: eris.New("feature column not in table")}
		}
		if c.Kind != table.Numeric {
			return nil, &JoinError{Strategy: Containment, Column: name, Err: eris.Errorf("cannot sum %s column", c.Kind)}
		}
		values[k] = c
	}

	bi, err := spatial.NewBoxIndex(geoms)
	if err != nil {
		return nil, err
	}

	sums := make([][]float64, len(cols))
	for k := range sums {
		sums[k] = make([]float64, len(buffers))
	}
	for i, buf := range buffers {
		for _, j := range bi.Search(buf.Bounds()) {
			if !geometry.Contains(buf, geoms[j]) {
				continue
			}
			for k, c := range values {
				if c.Valid[j] {
					sums[k][i] += c.Nums[j]
				}
			}
		}
	}

	out, err := table.New(table.NewCategorical(table.KeyColumn, schoolKeys))
	if err != nil {
		return nil, err
	}
	for k, name := range cols {
		if err := out.Add(table.NewNumeric(name, sums[k])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ByContainment aggregates features into school buffers and attaches the sums
// by identifier. Every school is kept.
func ByContainment(schools, features *table.Table, cols []string) (*table.Table, error) {
	agg, err := Aggregate(schools, features, cols)
	if err != nil {
		return nil, err
	}
	return ByIdentifier(schools, agg, cols, true)
}
