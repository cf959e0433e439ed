package table

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/fetcher"
	"github.com/sells-group/schoolmap/internal/geometry"
)

// ReadOptions configures CSV decoding.
type ReadOptions struct {
	Delimiter rune
	// StringColumns are decoded as categorical even when every value parses
	// as a number. KeyColumn is always a string column.
	StringColumns []string
	// GeometryColumns hold WKT text. Defaults to GeometryColumn and
	// LocationColumn.
	GeometryColumns []string
}

// Read decodes a CSV with a header row using default options.
func Read(ctx context.Context, r io.Reader) (*Table, error) {
	return ReadWith(ctx, r, ReadOptions{})
}

// ReadWith decodes a CSV with a header row. Column kinds are inferred: WKT
// columns become geometries, columns whose non-empty cells all parse as floats
// become numeric and everything else is categorical. Empty cells are null.
func ReadWith(ctx context.Context, r io.Reader, opts ReadOptions) (*Table, error) {
	stream, err := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{Delimiter: opts.Delimiter})
	if err != nil {
		return nil, eris.Wrap(err, "table: read csv")
	}

	var rows [][]string
	for row := range stream.Rows {
		rows = append(rows, row)
	}
	if err := stream.Err(); err != nil {
		return nil, eris.Wrap(err, "table: read csv")
	}
	if stream.Header == nil {
		return Empty(), nil
	}
	return FromRecords(stream.Header, rows, opts)
}

// FromRecords builds a table from a header and string rows, inferring column
// kinds the same way ReadWith does. Short rows are padded with nulls.
func FromRecords(header []string, rows [][]string, opts ReadOptions) (*Table, error) {
	geomCols := opts.GeometryColumns
	if len(geomCols) == 0 {
		geomCols = []string{GeometryColumn, LocationColumn}
	}
	isGeom := toSet(geomCols)
	isString := toSet(opts.StringColumns)
	isString[KeyColumn] = true

	out := Empty()
	for j, name := range header {
		// Unnamed leading index columns written by dataframe tools.
		if name == "" {
			continue
		}
		cells := make([]string, len(rows))
		for i, row := range rows {
			if j < len(row) {
				cells[i] = row[j]
			}
		}
		var (
			col *Column
			err error
		)
		switch {
		case isGeom[name]:
			col, err = parseGeometryColumn(name, cells)
		case isString[name]:
			col = NewCategorical(name, cells)
		default:
			col = inferColumn(name, cells)
		}
		if err != nil {
			return nil, err
		}
		if err := out.Add(col); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReadFile reads a CSV file, transparently decompressing ".gz" files.
func ReadFile(ctx context.Context, path string) (*Table, error) {
	return ReadFileWith(ctx, path, ReadOptions{})
}

// ReadFileWith is ReadFile with options.
func ReadFileWith(ctx context.Context, path string, opts ReadOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "table: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, eris.Wrapf(err, "table: gzip %s", path)
		}
		defer gz.Close() //nolint:errcheck
		r = gz
	}
	t, err := ReadWith(ctx, r, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "table: read %s", path)
	}
	return t, nil
}

// Write encodes t as CSV with a header row. Geometries are written as WKT.
func Write(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Names()); err != nil {
		return eris.Wrap(err, "table: write header")
	}
	cols := t.Columns()
	record := make([]string, len(cols))
	for i := 0; i < t.Len(); i++ {
		for j, c := range cols {
			s, err := FormatCell(c, i)
			if err != nil {
				return err
			}
			record[j] = s
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "table: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "table: flush csv")
}

// WriteFile writes t to path through a temporary file and a rename, so a
// reader never sees a partial file. ".gz" paths are gzip-compressed.
func WriteFile(path string, t *Table) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "table: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "table: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	bw := bufio.NewWriter(tmp)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	if err := Write(w, t); err != nil {
		_ = tmp.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = tmp.Close()
			return eris.Wrap(err, "table: close gzip")
		}
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "table: flush")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "table: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "table: rename to %s", path)
	}
	return nil
}

// FormatCell renders cell i of c as CSV text. Null cells are empty.
func FormatCell(c *Column, i int) (string, error) {
	if c.Null(i) {
		return "", nil
	}
	switch c.Kind {
	case Numeric:
		return strconv.FormatFloat(c.Nums[i], 'f', -1, 64), nil
	case Categorical:
		return c.Strs[i], nil
	case Geometry:
		s, err := geometry.MarshalWKT(c.Geoms[i])
		if err != nil {
			return "", eris.Wrapf(err, "table: column %q row %d", c.Name, i)
		}
		return s, nil
	}
	return "", eris.Errorf("table: column %q has unknown kind", c.Name)
}

func parseGeometryColumn(name string, cells []string) (*Column, error) {
	geoms := make([]geom.T, len(cells))
	for i, s := range cells {
		if strings.TrimSpace(s) == "" {
			continue
		}
		g, err := geometry.ParseWKT(s)
		if err != nil {
			var ge *geometry.GeometryError
			if errors.As(err, &ge) {
				return nil, ge.At(name, i)
			}
			return nil, err
		}
		geoms[i] = g
	}
	return NewGeometry(name, geoms), nil
}

func inferColumn(name string, cells []string) *Column {
	nums := make([]float64, len(cells))
	for i, s := range cells {
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "nan") {
			nums[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return NewCategorical(name, cells)
		}
		nums[i] = v
	}
	return NewNumeric(name, nums)
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names)+1)
	for _, n := range names {
		m[n] = true
	}
	return m
}
