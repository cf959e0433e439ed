package shapefile

import (
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/schoolmap/internal/geometry"
)

// ToGeom converts a shapefile shape to a go-geom geometry in SRID 4326. It
// returns nil, nil for null and unsupported shapes.
func ToGeom(shape shp.Shape) (geom.T, error) {
	switch s := shape.(type) {
	case nil:
		return nil, nil
	case *shp.Point:
		return geometry.Point(s.X, s.Y), nil
	case *shp.PolyLine:
		return polyLine(s.Parts, s.Points)
	case *shp.Polygon:
		return polygon(s.Parts, s.Points)
	case *shp.MultiPoint:
		mp := geom.NewMultiPointFlat(geom.XY, flatPoints(s.Points)).SetSRID(geometry.SRID)
		return mp, nil
	default:
		return nil, nil
	}
}

// parts splits a shapefile point list at the part offsets.
func parts(offsets []int32, points []shp.Point) [][]float64 {
	out := make([][]float64, 0, len(offsets))
	for i, start := range offsets {
		end := int32(len(points))
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if start < 0 || start > end || int(end) > len(points) {
			continue
		}
		out = append(out, flatPoints(points[start:end]))
	}
	return out
}

func polyLine(offsets []int32, points []shp.Point) (geom.T, error) {
	mls := geom.NewMultiLineString(geom.XY).SetSRID(geometry.SRID)
	for _, flat := range parts(offsets, points) {
		if len(flat) < 4 {
			continue
		}
		if err := mls.Push(geom.NewLineStringFlat(geom.XY, flat)); err != nil {
			return nil, eris.Wrap(err, "shapefile: polyline part")
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil, nil
	}
	return mls, nil
}

// polygon groups rings into polygons. Shapefile outer rings run clockwise and
// holes counter-clockwise; each hole goes to the last outer ring before it
// that contains its first vertex, falling back to the last outer ring.
func polygon(offsets []int32, points []shp.Point) (geom.T, error) {
	var polys [][][]float64
	for _, ring := range parts(offsets, points) {
		if len(ring) < 8 {
			continue
		}
		if !xy.IsRingCounterClockwise(geom.XY, ring) || len(polys) == 0 {
			polys = append(polys, [][]float64{ring})
			continue
		}
		owner := len(polys) - 1
		for k := len(polys) - 1; k >= 0; k-- {
			if xy.IsPointInRing(geom.XY, geom.Coord{ring[0], ring[1]}, polys[k][0]) {
				owner = k
				break
			}
		}
		polys[owner] = append(polys[owner], ring)
	}

	switch len(polys) {
	case 0:
		return nil, nil
	case 1:
		return newPolygon(polys[0]), nil
	}
	mp := geom.NewMultiPolygon(geom.XY).SetSRID(geometry.SRID)
	for _, rings := range polys {
		if err := mp.Push(newPolygon(rings)); err != nil {
			return nil, eris.Wrap(err, "shapefile: polygon part")
		}
	}
	return mp, nil
}

func newPolygon(rings [][]float64) *geom.Polygon {
	var flat []float64
	ends := make([]int, 0, len(rings))
	for _, r := range rings {
		flat = append(flat, r...)
		ends = append(ends, len(flat))
	}
	return geom.NewPolygonFlat(geom.XY, flat, ends).SetSRID(geometry.SRID)
}

func flatPoints(points []shp.Point) []float64 {
	flat := make([]float64, 0, len(points)*2)
	for _, p := range points {
		flat = append(flat, p.X, p.Y)
	}
	return flat
}
