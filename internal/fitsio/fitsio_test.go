package fitsio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadFITSRoundTrip(t *testing.T) {
	img := NewImageFromNaxisn([]int32{4, 3}, 1, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	})
	img.Header.SetFloat("EXPTIME", 2.5)

	dir := t.TempDir()
	fp := filepath.Join(dir, "frame.fits")
	require.NoError(t, SaveFITS(fp, img))

	back, err := Load(fp, 1, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, img.Naxisn, back.Naxisn)
	for i := range img.Data {
		assert.InDelta(t, float64(img.Data[i]), float64(back.Data[i]), 1.0)
	}
}

func TestBinComposable(t *testing.T) {
	img := NewImageFromNaxisn([]int32{4, 4}, 1, nil)
	for i := range img.Data {
		img.Data[i] = float32(i)
	}
	onestep := Bin(img, 4)
	require.Len(t, onestep.Data, 1)

	twostep := Bin(Bin(img, 2), 2)
	assert.InDelta(t, float64(onestep.Data[0]), float64(twostep.Data[0]), 0.01)
}

func TestBinIdempotentForOne(t *testing.T) {
	img := NewImageFromNaxisn([]int32{2, 2}, 1, []float32{1, 2, 3, 4})
	out := Bin(img, 1)
	assert.Equal(t, img, out)
}

func TestDebayerRebayerRoundTrip(t *testing.T) {
	w, h := int32(4), int32(4)
	mosaic := NewImageFromNaxisn([]int32{w, h}, 1, nil)
	for i := range mosaic.Data {
		mosaic.Data[i] = float32(i % 7)
	}
	mosaic.Bayer = BayerRGGB

	require.NoError(t, DebayerInPlace(mosaic, DebayerBilinear))
	assert.Equal(t, int32(3), mosaic.Channels)
	assert.Equal(t, BayerNone, mosaic.Bayer)

	require.NoError(t, Rebayer(mosaic, BayerRGGB))
	assert.Equal(t, int32(1), mosaic.Channels)
	assert.Equal(t, BayerRGGB, mosaic.Bayer)
}

func TestAutoStretchLinearPercentileClampsToUnit(t *testing.T) {
	img := NewImageFromNaxisn([]int32{10, 1}, 1, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 100})
	AutoStretch(img, DefaultStretchParams(StretchLinearPercentile))
	for _, v := range img.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestAutoStretchMTFMovesMedianTowardTarget(t *testing.T) {
	data := make([]float32, 200)
	for i := range data {
		data[i] = float32(i) / 200
	}
	params := DefaultStretchParams(StretchMTF)
	img := NewImageFromNaxisn([]int32{200, 1}, 1, append([]float32(nil), data...))
	AutoStretch(img, params)
	for _, v := range img.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
	med := (img.Data[99] + img.Data[100]) / 2
	assert.InDelta(t, float64(params.TargetMedian), float64(med), 0.01)
}

func TestSavePreviewWritesJPEG(t *testing.T) {
	img := NewImageFromNaxisn([]int32{8, 8}, 1, nil)
	for i := range img.Data {
		img.Data[i] = float32(i)
	}
	dir := t.TempDir()
	fp := filepath.Join(dir, "preview.jpg")
	require.NoError(t, SavePreview(fp, img, PreviewOptions{ApplyStretch: true, Stretch: DefaultStretchParams(StretchStdDev)}))
	info, err := os.Stat(fp)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestLuminanceMonoPassthrough(t *testing.T) {
	img := NewImageFromNaxisn([]int32{2, 2}, 1, []float32{1, 2, 3, 4})
	lum := Luminance(img)
	assert.Equal(t, img.Data, lum)
}
