package spatial

import (
	"slices"

	"github.com/dhconnelly/rtreego"
	"github.com/twpayne/go-geom"
)

// boxPad widens degenerate (point) bounds; rtreego rejects zero-length sides.
const boxPad = 1e-9

type boxItem struct {
	rect rtreego.Rect
	idx  int
}

func (b *boxItem) Bounds() rtreego.Rect { return b.rect }

// BoxIndex is an R-tree over geometry bounding boxes, used to find candidate
// rows before exact predicate tests.
type BoxIndex struct {
	tree *rtreego.Rtree
	size int
}

// NewBoxIndex indexes the bounds of each geometry. Nil geometries are skipped.
func NewBoxIndex(geoms []geom.T) (*BoxIndex, error) {
	if len(geoms) == 0 {
		return nil, &IndexError{Op: "build boxes", Err: ErrEmptyIndex}
	}
	items := make([]rtreego.Spatial, 0, len(geoms))
	for i, g := range geoms {
		if g == nil {
			continue
		}
		r, err := rectOf(g.Bounds())
		if err != nil {
			return nil, &IndexError{Op: "build boxes", Err: err}
		}
		items = append(items, &boxItem{rect: r, idx: i})
	}
	return &BoxIndex{tree: rtreego.NewTree(2, 25, 50, items...), size: len(items)}, nil
}

// Len returns the number of indexed boxes.
func (bi *BoxIndex) Len() int { return bi.size }

// Search returns, in ascending order, the rows whose boxes intersect b.
func (bi *BoxIndex) Search(b *geom.Bounds) []int {
	r, err := rectOf(b)
	if err != nil {
		return nil
	}
	hits := bi.tree.SearchIntersect(r)
	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.(*boxItem).idx
	}
	slices.Sort(out)
	return out
}

func rectOf(b *geom.Bounds) (rtreego.Rect, error) {
	minX, minY := b.Min(0)-boxPad, b.Min(1)-boxPad
	maxX, maxY := b.Max(0)+boxPad, b.Max(1)+boxPad
	return rtreego.NewRectFromPoints(rtreego.Point{minX, minY}, rtreego.Point{maxX, maxY})
}
