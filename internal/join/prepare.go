package join

import (
	"math"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/schoolmap/internal/table"
)

// MissingCategory replaces null categorical cells before encoding.
const MissingCategory = "missing"

// reserved columns are never treated as features.
var reserved = map[string]bool{
	table.KeyColumn:      true,
	table.GeometryColumn: true,
	table.LocationColumn: true,
	table.LatColumn:      true,
	table.LonColumn:      true,
	"lat":                true,
	"lon":                true,
}

// InferFeatures splits the non-reserved columns of t by kind.
func InferFeatures(t *table.Table) (numeric, categorical []string) {
	for _, c := range t.Columns() {
		if reserved[c.Name] {
			continue
		}
		switch c.Kind {
		case table.Numeric:
			numeric = append(numeric, c.Name)
		case table.Categorical:
			categorical = append(categorical, c.Name)
		}
	}
	return numeric, categorical
}

// Prepare fills and encodes feature columns of t. Numeric nulls take the
// column median computed over t alone. Categorical nulls become
// MissingCategory and each categorical column is replaced by one 0/1 column
// per observed category, named "<column>_<category>" in sorted category order.
// It returns the new table and the resulting feature column names.
func Prepare(t *table.Table, numeric, categorical []string) (*table.Table, []string, error) {
	out := t.Clone()
	features := make([]string, 0, len(numeric)+len(categorical))

	for _, name := range numeric {
		c := out.Column(name)
		if c == nil {
			return nil, nil, &JoinError{Column: name, Err: eris.New("numeric feature not in table")}
		}
		if c.Kind != table.Numeric {
			return nil, nil, &JoinError{Column: name, Err: eris.Errorf("numeric feature is %s", c.Kind)}
		}
		fillMedian(c)
		features = append(features, name)
	}

	for _, name := range categorical {
		c := out.Column(name)
		if c == nil {
			return nil, nil, &JoinError{Column: name, Err: eris.New("categorical feature not in table")}
		}
		values, err := categoryValues(c)
		if err != nil {
			return nil, nil, err
		}
		encoded := oneHot(name, values)
		out = out.Drop(name)
		for _, e := range encoded {
			if err := out.Add(e); err != nil {
				return nil, nil, &JoinError{Column: e.Name, Err: err}
			}
			features = append(features, e.Name)
		}
	}
	return out, features, nil
}

// Median returns the median of the valid cells of c, or NaN when there are
// none.
func Median(c *table.Column) float64 {
	vals := make([]float64, 0, c.Len())
	for i, v := range c.Nums {
		if c.Valid[i] {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	slices.Sort(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

func fillMedian(c *table.Column) {
	m := Median(c)
	if math.IsNaN(m) {
		return
	}
	for i := range c.Nums {
		if !c.Valid[i] {
			c.Nums[i] = m
			c.Valid[i] = true
		}
	}
}

func categoryValues(c *table.Column) ([]string, error) {
	out := make([]string, c.Len())
	for i := range out {
		if c.Null(i) {
			out[i] = MissingCategory
			continue
		}
		switch c.Kind {
		case table.Categorical:
			out[i] = c.Strs[i]
		case table.Numeric:
			out[i] = strconv.FormatFloat(c.Nums[i], 'f', -1, 64)
		default:
			return nil, &JoinError{Column: c.Name, Err: eris.Errorf("categorical feature is %s", c.Kind)}
		}
	}
	return out, nil
}

func oneHot(name string, values []string) []*table.Column {
	cats := slices.Clone(values)
	slices.Sort(cats)
	cats = slices.Compact(cats)

	cols := make([]*table.Column, len(cats))
	pos := make(map[string]int, len(cats))
	for k, cat := range cats {
		cols[k] = table.NewNumeric(name+"_"+cat, make([]float64, len(values)))
		pos[cat] = k
	}
	for i, v := range values {
		cols[pos[v]].Nums[i] = 1
	}
	return cols
}
