package join

import (
	"github.com/sells-group/schoolmap/internal/table"
)

// ByIdentifier joins feature columns on source_school_id. With preserve false
// it is an inner join and schools without a matching row are dropped; with
// preserve true they are kept with null features. When a key repeats in the
// feature table the first row wins, so schools are never duplicated.
func ByIdentifier(schools, features *table.Table, cols []string, preserve bool) (*table.Table, error) {
	schoolKeys, err := keys(schools, Identifier)
	if err != nil {
		return nil, err
	}
	featureKeys, err := keys(features, Identifier)
	if err != nil {
		return nil, err
	}
	first := make(map[string]int, len(featureKeys))
	for j, k := range featureKeys {
		if _, ok := first[k]; !ok {
			first[k] = j
		}
	}

	keep := make([]int, 0, len(schoolKeys))
	idx := make([]int, 0, len(schoolKeys))
	for i, k := range schoolKeys {
		j, ok := first[k]
		if !ok {
			if !preserve {
				continue
			}
			j = -1
		}
		keep = append(keep, i)
		idx = append(idx, j)
	}

	base := schools
	if len(keep) != schools.Len() {
		base = schools.Take(keep)
	}
	return appendColumns(base, features, cols, idx, Identifier)
}
