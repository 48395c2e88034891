package autofocus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateBestFocusParabolicFit(t *testing.T) {
	c := New(DefaultParams())
	// A clean V-shaped curve centered at position 500: FWHM = 2 + 0.0005*(pos-500)^2
	positions := []int{300, 350, 400, 450, 500, 550, 600, 650, 700}
	for _, p := range positions {
		d := float64(p - 500)
		fwhm := 2.0 + 0.0005*d*d
		c.samples = append(c.samples, FocusCurveSample{FocusPos: p, FWHM: float32(fwhm), NumStars: 10, Valid: true})
	}
	result, err := c.CalculateBestFocus()
	require.NoError(t, err)
	assert.InDelta(t, 500, result.Position, 30)
}

func TestCalculateBestFocusNotEnoughSamples(t *testing.T) {
	c := New(DefaultParams())
	_, err := c.CalculateBestFocus()
	assert.ErrorIs(t, err, ErrNotEnoughSamples)
}

func TestAverageByPositionDedupes(t *testing.T) {
	samples := []FocusCurveSample{
		{FocusPos: 100, FWHM: 2, Valid: true},
		{FocusPos: 100, FWHM: 4, Valid: true},
		{FocusPos: 200, FWHM: 1, Valid: true},
	}
	positions, means := averageByPosition(samples)
	require.Equal(t, []int{100, 200}, positions)
	assert.InDelta(t, 3, means[0], 1e-9)
	assert.InDelta(t, 1, means[1], 1e-9)
}

func TestIqrFilteredMeanDropsOutlier(t *testing.T) {
	hfrs := []float32{2.0, 2.1, 1.9, 2.2, 50.0}
	got := iqrFilteredMeanFromSlice(hfrs)
	assert.InDelta(t, 2.05, got, 0.2)
}

func TestAnalyzeImageDetectsStarsOnSyntheticBlob(t *testing.T) {
	const width = 32
	data := make([]float32, width*width)
	for y := int32(0); y < width; y++ {
		for x := int32(0); x < width; x++ {
			dx, dy := float64(x-16), float64(y-16)
			v := 1000.0 * expNeg((dx*dx+dy*dy)/18.0)
			data[y*width+x] = float32(v) + 10
		}
	}
	c := New(DefaultParams())
	c.params.MinStars = 1
	sample := c.AnalyzeImage(data, width, 123)
	assert.Equal(t, 123, sample.FocusPos)
	assert.GreaterOrEqual(t, sample.NumStars, 1)
}

func expNeg(x float64) float64 {
	// small local exp(-x) helper to avoid importing math in the test for a one-liner
	if x > 40 {
		return 0
	}
	y := 1.0
	term := 1.0
	for i := 1; i < 20; i++ {
		term *= -x / float64(i)
		y += term
	}
	if y < 0 {
		return 0
	}
	return y
}

