package geometry

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// DefaultNoData is the WorldPop nodata sentinel.
const DefaultNoData = -99999

// Raster is a single band on a north-up grid. OriginX/OriginY are the
// top-left corner (xmin, ymax); Res is the square cell size in degrees.
// Values are row-major, Height rows of Width cells.
type Raster struct {
	Width   int
	Height  int
	OriginX float64
	OriginY float64
	Res     float64
	Values  []float64
	NoData  float64
}

// Validate checks the grid dimensions against the value buffer.
func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return &GeometryError{Row: -1, Err: eris.Errorf("raster has invalid size %dx%d", r.Width, r.Height)}
	}
	if len(r.Values) != r.Width*r.Height {
		return &GeometryError{Row: -1, Err: eris.Errorf("raster has %d values for a %dx%d grid", len(r.Values), r.Width, r.Height)}
	}
	if r.Res <= 0 {
		return &GeometryError{Row: -1, Err: eris.Errorf("raster has non-positive resolution %v", r.Res)}
	}
	return nil
}

// CellCenter returns the centroid of cell (row i, column j).
func (r *Raster) CellCenter(i, j int) (x, y float64) {
	x = r.OriginX + r.Res/2 + float64(j)*r.Res
	y = r.OriginY - r.Res/2 - float64(i)*r.Res
	return x, y
}

// Points converts every cell into its centroid point and value. Cells equal to
// NoData are reported as 0, not dropped; callers filter upstream when they
// need nodata excluded.
func (r *Raster) Points() ([]geom.T, []float64, error) {
	if err := r.Validate(); err != nil {
		return nil, nil, err
	}
	n := r.Width * r.Height
	points := make([]geom.T, 0, n)
	values := make([]float64, 0, n)
	for i := 0; i < r.Height; i++ {
		for j := 0; j < r.Width; j++ {
			v := r.Values[i*r.Width+j]
			if v == r.NoData {
				v = 0
			}
			x, y := r.CellCenter(i, j)
			points = append(points, Point(x, y))
			values = append(values, v)
		}
	}
	return points, values, nil
}
