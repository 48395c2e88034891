package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMedianOddEven(t *testing.T) {
	assert.Equal(t, float32(3), Median([]float32{1, 2, 3, 4, 5}))
	assert.Equal(t, float32(2.5), Median([]float32{1, 2, 3, 4}))
}

func TestMedianAndSigmaOnConstant(t *testing.T) {
	data := make([]float32, 100)
	for i := range data {
		data[i] = 42
	}
	median, sigma := MedianAndSigma(data)
	assert.Equal(t, float32(42), median)
	assert.Equal(t, float32(0), sigma)
}

func TestPercentileBounds(t *testing.T) {
	data := []float32{10, 20, 30, 40, 50}
	assert.Equal(t, float32(10), Percentile(data, 0))
	assert.Equal(t, float32(50), Percentile(data, 1))
	assert.InDelta(t, float64(30), float64(Percentile(data, 0.5)), 0.001)
}

func TestAbsDiffPercentile(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{1, 1, 1, 1, 1}
	// diffs: 0,1,2,3,4 -> 95th percentile close to 4
	got := AbsDiffPercentile(a, b, 0.95)
	assert.InDelta(t, float64(3.8), float64(got), 0.2)
}
