package join

import (
	"slices"

	"github.com/sells-group/schoolmap/internal/spatial"
	"github.com/sells-group/schoolmap/internal/table"
)

// RangeColumn is the coverage-radius feature of cell-tower data.
const RangeColumn = "range"

// ByNearest gives every school the feature values of the feature row whose
// centroid is nearest to the school point. A "range" feature becomes 1 when
// the school lies within that range of the row; otherwise it keeps the raw
// range value.
func ByNearest(schools, features *table.Table, cols []string) (*table.Table, error) {
	locs, err := schoolLocations(schools, Nearest)
	if err != nil {
		return nil, err
	}
	geoms, err := featureGeometries(features, Nearest)
	if err != nil {
		return nil, err
	}
	centroids, err := table.Centroids(geoms)
	if err != nil {
		return nil, err
	}
	ix, err := spatial.Build(centroids)
	if err != nil {
		return nil, err
	}

	idx := make([]int, len(locs))
	dist := make([]float64, len(locs))
	for i, l := range locs {
		dist[i], idx[i] = ix.Query(l[0], l[1])
	}

	out, err := appendColumns(schools, features, cols, idx, Nearest)
	if err != nil {
		return nil, err
	}
	if rc := out.Column(RangeColumn); slices.Contains(cols, RangeColumn) && rc.Kind == table.Numeric {
		for i := range rc.Nums {
			if rc.Valid[i] && rc.Nums[i] >= dist[i] {
				rc.Nums[i] = 1
			}
		}
	}
	return out, nil
}
