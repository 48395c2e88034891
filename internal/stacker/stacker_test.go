package stacker

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/air01a/rigserver/internal/fitsio"
)

const testWidth = 64

// syntheticFrame renders a handful of Gaussian blobs at fixed, well-spread
// positions so star detection and triangle alignment have real signal to
// work with, and writes it to a fresh FITS file under dir.
func syntheticFrame(t *testing.T, dir string, name string) string {
	t.Helper()
	data := make([]float32, testWidth*testWidth)
	centers := [][2]float64{{10, 10}, {50, 12}, {30, 50}, {55, 55}, {8, 40}}
	for y := 0; y < testWidth; y++ {
		for x := 0; x < testWidth; x++ {
			v := 0.05
			for _, c := range centers {
				dx, dy := float64(x)-c[0], float64(y)-c[1]
				v += 0.8 * math.Exp(-(dx*dx+dy*dy)/6.0)
			}
			data[y*testWidth+x] = float32(v)
		}
	}
	img := fitsio.NewImageFromNaxisn([]int32{testWidth, testWidth}, 1, data)
	path := filepath.Join(dir, name)
	require.NoError(t, fitsio.SaveFITS(path, img))
	return path
}

func TestStackerFirstFrameBecomesReferenceAndMaster(t *testing.T) {
	dir := t.TempDir()
	path := syntheticFrame(t, dir, "a.fits")

	s := New(DefaultParams(), nil, nil, nil, zerolog.Nop())
	s.Enqueue(path)
	master := s.Stop()

	require.NotNil(t, master)
	assert.Equal(t, 1, s.FramesProcessed())
}

func TestStackerMergesMultipleIdenticalFrames(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		syntheticFrame(t, dir, "a.fits"),
		syntheticFrame(t, dir, "b.fits"),
		syntheticFrame(t, dir, "c.fits"),
	}

	s := New(DefaultParams(), nil, nil, nil, zerolog.Nop())
	for _, p := range paths {
		s.Enqueue(p)
	}
	master := s.Stop()

	require.NotNil(t, master)
	assert.Equal(t, 3, s.FramesProcessed())
	assert.Nil(t, s.LastError())
}

func TestStackerPreviewCallbackFires(t *testing.T) {
	dir := t.TempDir()
	path := syntheticFrame(t, dir, "a.fits")

	calls := 0
	s := New(DefaultParams(), nil, nil, func(master *fitsio.Image) { calls++ }, zerolog.Nop())
	s.Enqueue(path)
	s.Stop()

	assert.GreaterOrEqual(t, calls, 1)
}

func TestStackerDropsUnreadableFrameButKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	good := syntheticFrame(t, dir, "a.fits")

	s := New(DefaultParams(), nil, nil, nil, zerolog.Nop())
	s.Enqueue(filepath.Join(dir, "missing.fits"))
	s.Enqueue(good)
	s.Stop()

	assert.Equal(t, 1, s.FramesProcessed())
	require.Error(t, s.LastError())
}

func TestRecordOutlierFractionAdaptsSigmaUpAndDown(t *testing.T) {
	s := New(DefaultParams(), nil, nil, nil, zerolog.Nop())
	start := s.sigma

	for i := 0; i < 4; i++ {
		s.recordOutlierFractionLocked(0.5)
	}
	assert.Greater(t, s.sigma, start)

	s2 := New(DefaultParams(), nil, nil, nil, zerolog.Nop())
	for i := 0; i < 4; i++ {
		s2.recordOutlierFractionLocked(0.01)
	}
	assert.Less(t, s2.sigma, start)
}

func TestStopIsIdempotentWithRespectToQueueDrain(t *testing.T) {
	dir := t.TempDir()
	path := syntheticFrame(t, dir, "a.fits")
	s := New(DefaultParams(), nil, nil, nil, zerolog.Nop())
	s.Enqueue(path)
	done := make(chan *fitsio.Image, 1)
	go func() { done <- s.Stop() }()

	select {
	case master := <-done:
		assert.NotNil(t, master)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return in time")
	}
}
