package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/settingstypes"
)

func testImage() *fitsio.Image {
	data := make([]float32, 16*16)
	for i := range data {
		data[i] = float32(i%10) / 10
	}
	return fitsio.NewImageFromNaxisn([]int32{16, 16}, 1, data)
}

func TestManagerDefaultsToMTF(t *testing.T) {
	m := New()
	assert.Equal(t, "mtf", m.Get().Algorithm)
}

func TestManagerSetBlackPointOnlyTouchesThatField(t *testing.T) {
	m := New()
	m.SetBlackPoint(0.1)
	got := m.Get()
	assert.Equal(t, 0.1, got.BlackPoint)
	assert.Equal(t, 0.25, got.TargetMedian)
}

func TestRenderProducesNonEmptyJPEGWithoutMutatingSource(t *testing.T) {
	m := New()
	img := testImage()
	before := append([]float32(nil), img.Data...)

	out, err := m.Render(img, 85)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, before, img.Data)
}

func TestRenderRejectsUnknownAlgorithm(t *testing.T) {
	m := New()
	m.Set(settingstypes.ImageSettings{Algorithm: "bogus"})
	_, err := m.Render(testImage(), 85)
	assert.Error(t, err)
}
