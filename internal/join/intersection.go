package join

import (
	"github.com/twpayne/go-geom"

	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/spatial"
	"github.com/sells-group/schoolmap/internal/table"
)

// candidate is a feature row whose geometry intersects a school buffer.
type candidate struct {
	row  int
	dist float64
}

// ByIntersection attaches to each school the features of exactly one
// intersecting feature row: the one whose centroid is closest to the school
// point, ties going to the lowest row. Schools intersecting nothing are kept
// with null features.
//
// Matching runs in two passes. All candidates are grouped per school first
// and each group is then resolved on its own, so no group is visited twice
// or skipped.
func ByIntersection(schools, features *table.Table, cols []string) (*table.Table, error) {
	groups, err := intersectionCandidates(schools, features)
	if err != nil {
		return nil, err
	}
	winners := make([]int, len(groups))
	for i, g := range groups {
		winners[i] = resolve(g)
	}
	return appendColumns(schools, features, cols, winners, Intersection)
}

func intersectionCandidates(schools, features *table.Table) ([][]candidate, error) {
	shapes, err := schoolShapes(schools, Intersection)
	if err != nil {
		return nil, err
	}
	points, err := schoolPoints(schools, shapes)
	if err != nil {
		return nil, err
	}
	geoms, err := featureGeometries(features, Intersection)
	if err != nil {
		return nil, err
	}
	centroids, err := table.Centroids(geoms)
	if err != nil {
		return nil, err
	}
	bi, err := spatial.NewBoxIndex(geoms)
	if err != nil {
		return nil, err
	}

	groups := make([][]candidate, len(shapes))
	for i, shape := range shapes {
		for _, j := range bi.Search(shape.Bounds()) {
			if !geometry.Intersects(shape, geoms[j]) {
				continue
			}
			c := geom.Coord{centroids[j][0], centroids[j][1]}
			groups[i] = append(groups[i], candidate{row: j, dist: geometry.Distance(points[i], c)})
		}
	}
	return groups, nil
}

// schoolPoints prefers the recorded school location and falls back to the
// centroid of the join geometry.
func schoolPoints(schools *table.Table, shapes []geom.T) ([]geom.Coord, error) {
	out := make([]geom.Coord, len(shapes))
	if locs, err := schoolLocations(schools, Intersection); err == nil {
		for i, l := range locs {
			out[i] = geom.Coord{l[0], l[1]}
		}
		return out, nil
	}
	for i, s := range shapes {
		c, err := geometry.Centroid(s)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// resolve picks the winning row of a group, or -1 for an empty group.
// Candidates arrive in ascending row order.
func resolve(group []candidate) int {
	best := -1
	var bestD float64
	for _, c := range group {
		if best < 0 || c.dist < bestD {
			best, bestD = c.row, c.dist
		}
	}
	return best
}
