// Package shapefile reads ESRI shapefiles, plain or zipped, into tables with
// one column per dBase field and a geometry column.
package shapefile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/table"
)

// Options selects and types the attribute columns.
type Options struct {
	// Fields limits the attribute columns read, matched case-insensitively.
	// Nil reads every field.
	Fields []string
	// StringFields are kept categorical even when every value is numeric.
	StringFields []string
}

// records is the part of shp.Reader and shp.ZipReader the loader needs.
type records interface {
	Next() bool
	Shape() (int, shp.Shape)
	Attribute(n int) string
	Fields() []shp.Field
	Err() error
}

// Read loads a .shp file together with its .dbf sidecar.
func Read(path string, opts Options) (*table.Table, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: open %s", path)
	}
	defer func() { _ = r.Close() }()
	return load(path, r, opts)
}

// ReadZip loads the single shapefile inside a ZIP archive.
func ReadZip(path string, opts Options) (*table.Table, error) {
	r, err := shp.OpenZip(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: open zip %s", path)
	}
	defer func() { _ = r.Close() }()
	return load(path, r, opts)
}

// ReadAny dispatches on the path: a .zip archive, a .shp file, or a
// directory holding one .shp file.
func ReadAny(path string, opts Options) (*table.Table, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: stat %s", path)
	}
	switch {
	case info.IsDir():
		shpPath, err := findFileByExt(path, ".shp")
		if err != nil {
			return nil, err
		}
		return Read(shpPath, opts)
	case strings.EqualFold(filepath.Ext(path), ".zip"):
		return ReadZip(path, opts)
	default:
		return Read(path, opts)
	}
}

func load(path string, r records, opts Options) (*table.Table, error) {
	fields := r.Fields()
	want := make(map[string]bool, len(opts.Fields))
	for _, f := range opts.Fields {
		want[strings.ToLower(f)] = true
	}

	var (
		header []string
		idx    []int
	)
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		if len(want) > 0 && !want[strings.ToLower(name)] {
			continue
		}
		header = append(header, name)
		idx = append(idx, i)
	}
	if len(want) > 0 && len(header) < len(want) {
		return nil, eris.Errorf("shapefile: %s lacks some of the fields %v", path, opts.Fields)
	}

	var (
		rows    [][]string
		geoms   []geom.T
		skipped int
	)
	for r.Next() {
		_, shape := r.Shape()
		g, err := ToGeom(shape)
		if err != nil || g == nil {
			skipped++
			continue
		}
		row := make([]string, len(idx))
		for k, i := range idx {
			row[k] = strings.TrimSpace(strings.TrimRight(r.Attribute(i), "\x00"))
		}
		rows = append(rows, row)
		geoms = append(geoms, g)
	}
	if err := r.Err(); err != nil {
		return nil, eris.Wrapf(err, "shapefile: read %s", path)
	}
	if skipped > 0 {
		zap.L().Warn("shapefile: skipped records without usable geometry",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}

	t, err := table.FromRecords(header, rows, table.ReadOptions{StringColumns: opts.StringFields})
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: attributes of %s", path)
	}
	if err := t.Add(table.NewGeometry(table.GeometryColumn, geoms)); err != nil {
		return nil, eris.Wrapf(err, "shapefile: geometry of %s", path)
	}
	return t, nil
}

// findFileByExt finds the first file with the given extension in a directory.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "shapefile: read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("shapefile: no %s file found in %s", ext, dir)
}
