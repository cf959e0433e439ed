// Package spatial provides the nearest-neighbour and bounding-box indexes used
// by the school joins. Distances are planar Euclidean in input units.
package spatial

import (
	"cmp"
	"math"
	"slices"

	"github.com/rotisserie/eris"
)

type kdNode struct {
	p     [2]float64
	idx   int
	axis  int
	left  *kdNode
	right *kdNode
}

// Index is a static 2-D KD-tree over centroids. It is safe for concurrent
// queries once built.
type Index struct {
	root *kdNode
	size int
}

// Build creates an index over centroids. Positions in the slice are the row
// indexes returned by Query.
func Build(centroids [][2]float64) (*Index, error) {
	if len(centroids) == 0 {
		return nil, &IndexError{Op: "build", Err: ErrEmptyIndex}
	}
	entries := make([]entry, len(centroids))
	for i, c := range centroids {
		if math.IsNaN(c[0]) || math.IsNaN(c[1]) || math.IsInf(c[0], 0) || math.IsInf(c[1], 0) {
			return nil, &IndexError{Op: "build", Err: eris.Errorf("centroid %d is not finite (%v, %v)", i, c[0], c[1])}
		}
		entries[i] = entry{p: c, idx: i}
	}
	return &Index{root: buildKD(entries, 0), size: len(entries)}, nil
}

type entry struct {
	p   [2]float64
	idx int
}

// buildKD splits on the median, alternating x then y. Sorting by row index on
// equal coordinates keeps the tree shape independent of input permutation
// within ties.
func buildKD(es []entry, depth int) *kdNode {
	if len(es) == 0 {
		return nil
	}
	axis := depth % 2
	slices.SortFunc(es, func(a, b entry) int {
		if c := cmp.Compare(a.p[axis], b.p[axis]); c != 0 {
			return c
		}
		return cmp.Compare(a.idx, b.idx)
	})
	mid := len(es) / 2
	n := &kdNode{p: es[mid].p, idx: es[mid].idx, axis: axis}
	n.left = buildKD(es[:mid], depth+1)
	n.right = buildKD(es[mid+1:], depth+1)
	return n
}

// Len returns the number of indexed centroids.
func (ix *Index) Len() int { return ix.size }

// Query returns the distance to and row index of the centroid nearest to
// (x, y). Equidistant centroids resolve to the lowest row index.
func (ix *Index) Query(x, y float64) (float64, int) {
	best := -1
	bestD := math.Inf(1)
	q := [2]float64{x, y}

	var visit func(n *kdNode)
	visit = func(n *kdNode) {
		if n == nil {
			return
		}
		d := math.Hypot(n.p[0]-x, n.p[1]-y)
		if d < bestD || (d == bestD && n.idx < best) {
			bestD, best = d, n.idx
		}
		diff := q[n.axis] - n.p[n.axis]
		near, far := n.left, n.right
		if diff > 0 {
			near, far = n.right, n.left
		}
		visit(near)
		// <= so that an equidistant centroid with a lower index across the
		// splitting plane is still found.
		if math.Abs(diff) <= bestD {
			visit(far)
		}
	}
	visit(ix.root)
	return bestD, best
}
