package geometry

import (
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/lineintersector"
	"github.com/twpayne/go-geom/xy/location"
)

// Contains reports whether container fully contains g. Only polygonal
// containers can contain anything but an identical point; a point on the
// container's boundary is not contained.
func Contains(container, g geom.T) bool {
	if container == nil || g == nil {
		return false
	}
	if !boundsContain(container.Bounds(), g.Bounds()) {
		return false
	}
	if p, ok := container.(*geom.Point); ok {
		q, ok := g.(*geom.Point)
		return ok && p.X() == q.X() && p.Y() == q.Y()
	}
	polys := polygonsOf(container)
	if len(polys) == 0 {
		return false
	}
	if q, ok := g.(*geom.Point); ok {
		return locate(polys, q.Coords()) == location.Interior
	}
	for _, c := range vertices(g) {
		if locate(polys, c) == location.Exterior {
			return false
		}
	}
	// Every vertex inside is not enough for concave containers: an edge of g
	// may still leave and re-enter.
	gEdges := edges(g)
	for _, ce := range edges(container) {
		for _, ge := range gEdges {
			if properCross(ce, ge) {
				return false
			}
		}
	}
	// A hole of the container lying inside g is not part of the container.
	if gPolys := polygonsOf(g); len(gPolys) > 0 {
		for _, p := range polys {
			for _, hole := range p.rings[1:] {
				for i := 0; i+1 < len(hole); i += p.stride {
					if locate(gPolys, geom.Coord{hole[i], hole[i+1]}) == location.Interior {
						return false
					}
				}
			}
		}
	}
	return true
}

// ContainsPoint reports whether the point (x, y) lies in the interior of
// the polygonal geometry g, honouring holes.
func ContainsPoint(g geom.T, x, y float64) bool {
	if p, ok := g.(*geom.Point); ok {
		return p.X() == x && p.Y() == y
	}
	return locate(polygonsOf(g), geom.Coord{x, y}) == location.Interior
}

// Intersects reports whether a and b share at least one point.
func Intersects(a, b geom.T) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Bounds().Overlaps(geom.XY, b.Bounds()) {
		return false
	}
	pa, aPoint := a.(*geom.Point)
	pb, bPoint := b.(*geom.Point)
	switch {
	case aPoint && bPoint:
		return pa.X() == pb.X() && pa.Y() == pb.Y()
	case aPoint:
		return touches(b, pa.Coords())
	case bPoint:
		return touches(a, pb.Coords())
	}
	aPolys, bPolys := polygonsOf(a), polygonsOf(b)
	for _, c := range vertices(a) {
		if locate(bPolys, c) != location.Exterior {
			return true
		}
	}
	for _, c := range vertices(b) {
		if locate(aPolys, c) != location.Exterior {
			return true
		}
	}
	bEdges := edges(b)
	for _, ea := range edges(a) {
		for _, eb := range bEdges {
			res := lineintersector.LineIntersectsLine(lineintersector.RobustLineIntersector{}, ea[0], ea[1], eb[0], eb[1])
			if res.HasIntersection() {
				return true
			}
		}
	}
	return false
}

// touches reports whether c lies inside or on g.
func touches(g geom.T, c geom.Coord) bool {
	if locate(polygonsOf(g), c) != location.Exterior {
		return true
	}
	for _, e := range edges(g) {
		if lineintersector.PointIntersectsLine(lineintersector.RobustLineIntersector{}, c, e[0], e[1]) {
			return true
		}
	}
	return false
}

func boundsContain(outer, inner *geom.Bounds) bool {
	return outer.Min(0) <= inner.Min(0) && outer.Min(1) <= inner.Min(1) &&
		outer.Max(0) >= inner.Max(0) && outer.Max(1) >= inner.Max(1)
}

// polygon is one polygon's rings as views into the flat coordinates; the
// first ring is the shell.
type polygon struct {
	layout geom.Layout
	stride int
	rings  [][]float64
}

func polygonsOf(g geom.T) []polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		return []polygon{{t.Layout(), t.Stride(), sequences(t.FlatCoords(), 0, t.Ends())}}
	case *geom.MultiPolygon:
		out := make([]polygon, 0, len(t.Endss()))
		offset := 0
		for _, ends := range t.Endss() {
			if len(ends) == 0 {
				continue
			}
			out = append(out, polygon{t.Layout(), t.Stride(), sequences(t.FlatCoords(), offset, ends)})
			offset = ends[len(ends)-1]
		}
		return out
	}
	return nil
}

func sequences(flat []float64, offset int, ends []int) [][]float64 {
	out := make([][]float64, 0, len(ends))
	start := offset
	for _, end := range ends {
		out = append(out, flat[start:end])
		start = end
	}
	return out
}

// locate places c against a set of polygons: interior if it is interior to
// any of them, boundary if it only lies on a shell or hole ring.
func locate(polys []polygon, c geom.Coord) location.Type {
	loc := location.Exterior
	for _, p := range polys {
		if len(p.rings) == 0 || len(p.rings[0]) < 4*p.stride {
			continue
		}
		l := xy.LocatePointInRing(p.layout, c, p.rings[0])
		if l == location.Exterior {
			continue
		}
		for _, hole := range p.rings[1:] {
			if len(hole) < 4*p.stride {
				continue
			}
			switch xy.LocatePointInRing(p.layout, c, hole) {
			case location.Interior:
				l = location.Exterior
			case location.Boundary:
				l = location.Boundary
			}
			if l != location.Interior {
				break
			}
		}
		switch l {
		case location.Interior:
			return l
		case location.Boundary:
			loc = l
		}
	}
	return loc
}

func vertices(g geom.T) []geom.Coord {
	flat := g.FlatCoords()
	stride := g.Stride()
	if stride == 0 {
		return nil
	}
	out := make([]geom.Coord, 0, len(flat)/stride)
	for i := 0; i+1 < len(flat); i += stride {
		out = append(out, geom.Coord{flat[i], flat[i+1]})
	}
	return out
}

type segment [2]geom.Coord

// edges returns the segments of every ring or line of g.
func edges(g geom.T) []segment {
	var seqs [][]float64
	switch t := g.(type) {
	case *geom.LineString:
		seqs = [][]float64{t.FlatCoords()}
	case *geom.MultiLineString:
		seqs = sequences(t.FlatCoords(), 0, t.Ends())
	default:
		for _, p := range polygonsOf(g) {
			seqs = append(seqs, p.rings...)
		}
	}
	stride := g.Stride()
	var out []segment
	for _, s := range seqs {
		for i := 0; i+stride+1 < len(s); i += stride {
			out = append(out, segment{{s[i], s[i+1]}, {s[i+stride], s[i+stride+1]}})
		}
	}
	return out
}

// properCross is true only when the segments cross at a single interior
// point of both.
func properCross(s, t segment) bool {
	o1 := int(xy.OrientationIndex(s[0], s[1], t[0]))
	o2 := int(xy.OrientationIndex(s[0], s[1], t[1]))
	o3 := int(xy.OrientationIndex(t[0], t[1], s[0]))
	o4 := int(xy.OrientationIndex(t[0], t[1], s[1]))
	return o1*o2 < 0 && o3*o4 < 0
}
