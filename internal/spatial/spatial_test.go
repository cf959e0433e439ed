package spatial

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestBuild_Empty(t *testing.T) {
	_, err := Build(nil)
	require.Error(t, err)
	var ie *IndexError
	require.True(t, errors.As(err, &ie))
	assert.ErrorIs(t, err, ErrEmptyIndex)
}

func TestBuild_NonFinite(t *testing.T) {
	_, err := Build([][2]float64{{0, 0}, {math.NaN(), 1}})
	var ie *IndexError
	assert.True(t, errors.As(err, &ie))
}

func TestQuery_TieBreaksOnLowestIndex(t *testing.T) {
	// Rows 1 and 3 are both at distance 1 from the origin.
	ix, err := Build([][2]float64{{5, 5}, {1, 0}, {9, 9}, {-1, 0}})
	require.NoError(t, err)

	d, i := ix.Query(0, 0)
	assert.Equal(t, 1.0, d)
	assert.Equal(t, 1, i)

	// Swap positions: the lower index still wins.
	ix, err = Build([][2]float64{{5, 5}, {-1, 0}, {9, 9}, {1, 0}})
	require.NoError(t, err)
	_, i = ix.Query(0, 0)
	assert.Equal(t, 1, i)
}

func TestQuery_DuplicatePoints(t *testing.T) {
	ix, err := Build([][2]float64{{2, 2}, {2, 2}, {2, 2}})
	require.NoError(t, err)
	d, i := ix.Query(2, 2)
	assert.Equal(t, 0.0, d)
	assert.Equal(t, 0, i)
}

func TestQuery_Deterministic(t *testing.T) {
	ix, err := Build([][2]float64{{0, 0}, {3, 4}, {-2, 7}})
	require.NoError(t, err)
	d1, i1 := ix.Query(1, 1)
	for range 10 {
		d, i := ix.Query(1, 1)
		assert.Equal(t, d1, d)
		assert.Equal(t, i1, i)
	}
}

func TestQuery_MatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	pts := make([][2]float64, 500)
	for i := range pts {
		// coarse grid so that ties actually occur
		pts[i] = [2]float64{float64(r.IntN(30)), float64(r.IntN(30))}
	}
	ix, err := Build(pts)
	require.NoError(t, err)
	assert.Equal(t, 500, ix.Len())

	for range 200 {
		x, y := r.Float64()*30, r.Float64()*30
		if r.IntN(2) == 0 {
			x, y = math.Round(x)+0.5, math.Round(y)
		}
		wantD, wantI := math.Inf(1), -1
		for i, p := range pts {
			d := math.Hypot(p[0]-x, p[1]-y)
			if d < wantD {
				wantD, wantI = d, i
			}
		}
		d, i := ix.Query(x, y)
		assert.Equal(t, wantD, d)
		assert.Equal(t, wantI, i, "query (%v, %v)", x, y)
	}
}

func TestBoxIndex_Search(t *testing.T) {
	square := func(minX, minY, maxX, maxY float64) geom.T {
		return geom.NewPolygonFlat(geom.XY, []float64{
			minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY,
		}, []int{10})
	}
	geoms := []geom.T{
		square(0, 0, 1, 1),
		nil,
		square(5, 5, 6, 6),
		geom.NewPointFlat(geom.XY, []float64{0.5, 0.5}),
	}
	bi, err := NewBoxIndex(geoms)
	require.NoError(t, err)
	assert.Equal(t, 3, bi.Len())

	query := geom.NewBounds(geom.XY).Set(0.2, 0.2, 0.8, 0.8)
	assert.Equal(t, []int{0, 3}, bi.Search(query))

	far := geom.NewBounds(geom.XY).Set(20, 20, 21, 21)
	assert.Empty(t, bi.Search(far))

	_, err = NewBoxIndex(nil)
	assert.ErrorIs(t, err, ErrEmptyIndex)
}
