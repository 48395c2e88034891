package star

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform2DIdentityRoundTrip(t *testing.T) {
	id := IdentityTransform2D()
	p := Point2D{12.5, -3.25}
	got := id.Apply(p)
	assert.Equal(t, p, got)
}

func TestNewTransform2DRecoversTranslation(t *testing.T) {
	p1, p2, p3 := Point2D{0, 0}, Point2D{10, 0}, Point2D{0, 10}
	shift := Point2D{5, -2}
	p1p, p2p, p3p := Add(p1, shift), Add(p2, shift), Add(p3, shift)

	trans, err := NewTransform2D(p1, p2, p3, p1p, p2p, p3p)
	require.NoError(t, err)

	got := trans.Apply(Point2D{3, 4})
	assert.InDelta(t, float64(8), float64(got.X), 1e-3)
	assert.InDelta(t, float64(2), float64(got.Y), 1e-3)
}

func Add(a, b Point2D) Point2D { return Point2D{a.X + b.X, a.Y + b.Y} }

func TestQSortStarsDescOrdersByMass(t *testing.T) {
	stars := []Star{{Mass: 3}, {Mass: 9}, {Mass: 1}, {Mass: 5}}
	QSortStarsDesc(stars)
	for i := 1; i < len(stars); i++ {
		assert.GreaterOrEqual(t, stars[i-1].Mass, stars[i].Mass)
	}
}

func TestFindStarsLocatesBrightBlob(t *testing.T) {
	w, h := int32(32), int32(32)
	data := make([]float32, w*h)
	// flat background plus one bright star-like blob
	cx, cy := int32(16), int32(16)
	for y := int32(0); y < h; y++ {
		for x := int32(0); x < w; x++ {
			dx, dy := x-cx, y-cy
			d2 := float32(dx*dx + dy*dy)
			v := float32(0.01)
			if d2 < 9 {
				v = 1.0 - d2/9
			}
			data[y*w+x] = v
		}
	}
	stars, _, _ := FindStars(data, w, 0.01, 0.05, 4, 0, 0.0, 3, 1.0)
	require.GreaterOrEqual(t, len(stars), 1)
	assert.InDelta(t, float64(cx), float64(stars[0].X), 2)
	assert.InDelta(t, float64(cy), float64(stars[0].Y), 2)
}

func TestKDTree2NearestNeighbor(t *testing.T) {
	pts := KDTree2{{0, 0}, {5, 5}, {10, 0}, {2, 8}}
	pts.Make()
	closest, _ := pts.NearestNeighbor(Point2D{1, 1})
	assert.Equal(t, Point2D{0, 0}, closest)
}
