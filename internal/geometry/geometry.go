// Package geometry normalizes raw coordinates into go-geom shapes in WGS84
// lon/lat and provides the planar predicates used by the spatial joins.
//
// All distances are plain Euclidean distances in degrees. Callers that need
// geodesic accuracy must project first.
package geometry

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"github.com/twpayne/go-geom/xy"
)

// SRID is the coordinate reference every geometry in the pipeline uses.
const SRID = 4326

// bufferSegments is the number of vertices used to approximate a circle.
const bufferSegments = 64

// Point builds a WGS84 point from longitude and latitude.
func Point(lon, lat float64) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(SRID)
}

// PointFromLonLat validates the coordinates before building a point.
func PointFromLonLat(lon, lat float64) (*geom.Point, error) {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return nil, &GeometryError{Err: eris.Errorf("non-finite coordinate (%v, %v)", lon, lat)}
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return nil, &GeometryError{Err: eris.Errorf("coordinate out of range (%v, %v)", lon, lat)}
	}
	return Point(lon, lat), nil
}

// ParseWKT decodes a well-known-text geometry.
func ParseWKT(s string) (geom.T, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &GeometryError{Err: eris.New("empty geometry text")}
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, &GeometryError{Err: eris.Wrapf(err, "parse wkt %q", abbreviate(s))}
	}
	return g, nil
}

// MarshalWKT encodes g as well-known text.
func MarshalWKT(g geom.T) (string, error) {
	if g == nil {
		return "", nil
	}
	s, err := wkt.Marshal(g)
	if err != nil {
		return "", eris.Wrap(err, "geometry: marshal wkt")
	}
	return s, nil
}

// Buffer returns a polygon approximating the disc of the given radius around
// p. A radius of zero returns the point itself.
func Buffer(p *geom.Point, radius float64) geom.T {
	if radius <= 0 {
		return p
	}
	x, y := p.X(), p.Y()
	flat := make([]float64, 0, (bufferSegments+1)*2)
	for i := 0; i < bufferSegments; i++ {
		a := 2 * math.Pi * float64(i) / bufferSegments
		flat = append(flat, x+radius*math.Cos(a), y+radius*math.Sin(a))
	}
	flat = append(flat, flat[0], flat[1])
	return geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}).SetSRID(SRID)
}

// Centroid returns the true centroid of a polygonal geometry, or the point
// itself for points.
func Centroid(g geom.T) (geom.Coord, error) {
	switch t := g.(type) {
	case nil:
		return nil, &GeometryError{Err: eris.New("centroid of nil geometry")}
	case *geom.Point:
		return geom.Coord{t.X(), t.Y()}, nil
	}
	c, err := xy.Centroid(g)
	if err != nil {
		return nil, &GeometryError{Err: eris.Wrap(err, "centroid")}
	}
	return c, nil
}

// Distance is the Euclidean distance between two coordinates.
func Distance(a, b geom.Coord) float64 {
	return xy.Distance(a, b)
}

// IsPolygonal reports whether g is a Polygon or MultiPolygon.
func IsPolygonal(g geom.T) bool {
	switch g.(type) {
	case *geom.Polygon, *geom.MultiPolygon:
		return true
	}
	return false
}

func abbreviate(s string) string {
	if len(s) > 48 {
		return s[:48] + "..."
	}
	return s
}
