// Package dictionary reads the per-feature data dictionaries that list which
// columns of a source feed the training set and how they are encoded.
package dictionary

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/fetcher"
)

// Type is the encoding of a dictionary entry.
type Type string

// Entry types.
const (
	Numeric     Type = "num"
	Categorical Type = "cat"
)

// Entry is one dictionary row.
type Entry struct {
	Name string
	Type Type
	Use  bool
}

// Dictionary lists the sub-features of one feature source.
type Dictionary struct {
	Feature string
	Entries []Entry
}

// Path returns the expected location of a feature dictionary.
func Path(dataDir, feature string) string {
	return filepath.Join(dataDir, "meta", feature+"_dict.xlsx")
}

// Load reads <dataDir>/meta/<feature>_dict.xlsx. The first sheet must have
// name, type and use columns; use is "Y" for selected entries.
func Load(dataDir, feature string) (*Dictionary, error) {
	path := Path(dataDir, feature)
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "dictionary: data dictionary for %q must be at %s", feature, path)
	}

	header, rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, eris.Wrapf(err, "dictionary: read %s", path)
	}
	return parse(feature, header, rows)
}

func parse(feature string, header []string, rows [][]string) (*Dictionary, error) {
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range []string{"name", "type", "use"} {
		if _, ok := col[name]; !ok {
			return nil, eris.Errorf("dictionary: %s dictionary has no %q column", feature, name)
		}
	}

	cell := func(row []string, name string) string {
		if i := col[name]; i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	d := &Dictionary{Feature: feature}
	for n, row := range rows {
		e := Entry{
			Name: cell(row, "name"),
			Type: Type(strings.ToLower(cell(row, "type"))),
			Use:  strings.EqualFold(cell(row, "use"), "Y"),
		}
		if e.Name == "" {
			continue
		}
		if e.Type != Numeric && e.Type != Categorical {
			zap.L().Warn("dictionary: skipping entry with unknown type",
				zap.String("feature", feature),
				zap.Int("row", n+2),
				zap.String("name", e.Name),
				zap.String("type", string(e.Type)),
			)
			continue
		}
		d.Entries = append(d.Entries, e)
	}
	return d, nil
}

// Used returns the selected numeric and categorical names in dictionary order.
func (d *Dictionary) Used() (numeric, categorical []string) {
	for _, e := range d.Entries {
		if !e.Use {
			continue
		}
		switch e.Type {
		case Numeric:
			numeric = append(numeric, e.Name)
		case Categorical:
			categorical = append(categorical, e.Name)
		}
	}
	return numeric, categorical
}

// Names returns every selected name.
func (d *Dictionary) Names() []string {
	num, cat := d.Used()
	return append(num, cat...)
}
