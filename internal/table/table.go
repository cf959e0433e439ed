// Package table holds the column-oriented tables that flow between loaders,
// joins and the training-set writer.
package table

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// Well-known column names.
const (
	KeyColumn      = "source_school_id"
	GeometryColumn = "geometry"
	LocationColumn = "school_location"
	LatColumn      = "latitude"
	LonColumn      = "longitude"
)

// Kind is the value type of a column.
type Kind int

const (
	Numeric Kind = iota
	Categorical
	Geometry
)

func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	case Geometry:
		return "geometry"
	}
	return "unknown"
}

// Column is a named, typed vector with per-cell validity. Only the slice
// matching Kind is populated.
type Column struct {
	Name  string
	Kind  Kind
	Nums  []float64
	Strs  []string
	Geoms []geom.T
	Valid []bool
}

// NewNumeric builds a numeric column; NaN cells are null.
func NewNumeric(name string, vals []float64) *Column {
	valid := make([]bool, len(vals))
	for i, v := range vals {
		valid[i] = !math.IsNaN(v)
	}
	return &Column{Name: name, Kind: Numeric, Nums: vals, Valid: valid}
}

// NewCategorical builds a categorical column; empty strings are null.
func NewCategorical(name string, vals []string) *Column {
	valid := make([]bool, len(vals))
	for i, v := range vals {
		valid[i] = v != ""
	}
	return &Column{Name: name, Kind: Categorical, Strs: vals, Valid: valid}
}

// NewGeometry builds a geometry column; nil geometries are null.
func NewGeometry(name string, vals []geom.T) *Column {
	valid := make([]bool, len(vals))
	for i, v := range vals {
		valid[i] = v != nil
	}
	return &Column{Name: name, Kind: Geometry, Geoms: vals, Valid: valid}
}

// Len returns the number of cells.
func (c *Column) Len() int { return len(c.Valid) }

// Null reports whether cell i is missing.
func (c *Column) Null(i int) bool { return !c.Valid[i] }

// Take returns a new column with the given rows. A negative index yields a
// null cell.
func (c *Column) Take(rows []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind, Valid: make([]bool, len(rows))}
	switch c.Kind {
	case Numeric:
		out.Nums = make([]float64, len(rows))
	case Categorical:
		out.Strs = make([]string, len(rows))
	case Geometry:
		out.Geoms = make([]geom.T, len(rows))
	}
	for i, r := range rows {
		if r < 0 {
			if c.Kind == Numeric {
				out.Nums[i] = math.NaN()
			}
			continue
		}
		out.Valid[i] = c.Valid[r]
		switch c.Kind {
		case Numeric:
			out.Nums[i] = c.Nums[r]
		case Categorical:
			out.Strs[i] = c.Strs[r]
		case Geometry:
			out.Geoms[i] = c.Geoms[r]
		}
	}
	return out
}

// Clone returns a copy of c with its own backing slices. Geometries are
// shared; they are never mutated in place.
func (c *Column) Clone() *Column {
	out := &Column{Name: c.Name, Kind: c.Kind, Valid: append([]bool(nil), c.Valid...)}
	out.Nums = append([]float64(nil), c.Nums...)
	out.Strs = append([]string(nil), c.Strs...)
	out.Geoms = append([]geom.T(nil), c.Geoms...)
	return out
}

// Renamed returns a shallow copy of c under a new name.
func (c *Column) Renamed(name string) *Column {
	cp := *c
	cp.Name = name
	return &cp
}

// Table is an ordered set of equal-length columns.
type Table struct {
	cols  []*Column
	index map[string]int
}

// New builds a table from columns. Names must be unique and lengths equal.
func New(cols ...*Column) (*Table, error) {
	t := &Table{index: make(map[string]int, len(cols))}
	for _, c := range cols {
		if err := t.Add(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Empty returns a table with no columns and no rows.
func Empty() *Table {
	return &Table{index: map[string]int{}}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil || len(t.cols) == 0 {
		return 0
	}
	return t.cols[0].Len()
}

// Names returns the column names in order.
func (t *Table) Names() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// Columns returns the columns in order. The slice must not be modified.
func (t *Table) Columns() []*Column { return t.cols }

// Has reports whether a column exists.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the named column or nil.
func (t *Table) Column(name string) *Column {
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	return t.cols[i]
}

// Add appends a column.
func (t *Table) Add(c *Column) error {
	if c == nil {
		return eris.New("table: nil column")
	}
	if t.Has(c.Name) {
		return eris.Errorf("table: duplicate column %q", c.Name)
	}
	if len(t.cols) > 0 && c.Len() != t.Len() {
		return eris.Errorf("table: column %q has %d rows, table has %d", c.Name, c.Len(), t.Len())
	}
	t.index[c.Name] = len(t.cols)
	t.cols = append(t.cols, c)
	return nil
}

// Set adds c, or replaces the column of the same name in place.
func (t *Table) Set(c *Column) error {
	i, ok := t.index[c.Name]
	if !ok {
		return t.Add(c)
	}
	if c.Len() != t.Len() {
		return eris.Errorf("table: column %q has %d rows, table has %d", c.Name, c.Len(), t.Len())
	}
	t.cols[i] = c
	return nil
}

// Drop returns a table without the named columns. Unknown names are ignored.
func (t *Table) Drop(names ...string) *Table {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	out := Empty()
	for _, c := range t.cols {
		if !skip[c.Name] {
			out.index[c.Name] = len(out.cols)
			out.cols = append(out.cols, c)
		}
	}
	return out
}

// Select returns a table with only the named columns, in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	out := Empty()
	for _, n := range names {
		c := t.Column(n)
		if c == nil {
			return nil, eris.Errorf("table: unknown column %q", n)
		}
		if err := out.Add(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Take returns a table with the given rows in order. A negative index yields
// a null row.
func (t *Table) Take(rows []int) *Table {
	out := Empty()
	for _, c := range t.cols {
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c.Take(rows))
	}
	return out
}

// Clone deep-copies the column vectors.
func (t *Table) Clone() *Table {
	out := Empty()
	for _, c := range t.cols {
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c.Clone())
	}
	return out
}

// Concat stacks tables with identical column names and kinds.
func Concat(tables ...*Table) (*Table, error) {
	var first *Table
	for _, t := range tables {
		if t != nil && len(t.cols) > 0 {
			first = t
			break
		}
	}
	if first == nil {
		return Empty(), nil
	}
	out := Empty()
	for _, c := range first.cols {
		merged := &Column{Name: c.Name, Kind: c.Kind}
		for _, t := range tables {
			if t == nil || len(t.cols) == 0 {
				continue
			}
			o := t.Column(c.Name)
			if o == nil {
				return nil, eris.Errorf("table: concat: column %q missing", c.Name)
			}
			if o.Kind != c.Kind {
				return nil, eris.Errorf("table: concat: column %q is %s and %s", c.Name, c.Kind, o.Kind)
			}
			merged.Nums = append(merged.Nums, o.Nums...)
			merged.Strs = append(merged.Strs, o.Strs...)
			merged.Geoms = append(merged.Geoms, o.Geoms...)
			merged.Valid = append(merged.Valid, o.Valid...)
		}
		if err := out.Add(merged); err != nil {
			return nil, err
		}
	}
	for _, t := range tables {
		if t != nil && len(t.cols) > 0 && len(t.cols) != len(first.cols) {
			return nil, eris.New("table: concat: column sets differ")
		}
	}
	return out, nil
}
