package scheduler

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/air01a/rigserver/internal/darklib"
	"github.com/air01a/rigserver/internal/device"
	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/history"
	"github.com/air01a/rigserver/internal/settings"
	"github.com/air01a/rigserver/internal/solver"
	"github.com/air01a/rigserver/internal/stacker"
	"github.com/air01a/rigserver/internal/telemetry"
	"github.com/air01a/rigserver/internal/telescopestate"
)

const testFrameWidth = 64

// syntheticFrame writes a FITS frame with a handful of Gaussian blobs, so
// the stacker's star-based alignment has real signal to lock onto.
func syntheticFrame(t *testing.T, dir, name string) {
	t.Helper()
	data := make([]float32, testFrameWidth*testFrameWidth)
	centers := [][2]float64{{10, 10}, {50, 12}, {30, 50}, {55, 55}, {8, 40}}
	for y := 0; y < testFrameWidth; y++ {
		for x := 0; x < testFrameWidth; x++ {
			v := 0.05
			for _, c := range centers {
				dx, dy := float64(x)-c[0], float64(y)-c[1]
				v += 0.8 * math.Exp(-(dx*dx+dy*dy)/6.0)
			}
			data[y*testFrameWidth+x] = float32(v)
		}
	}
	img := fitsio.NewImageFromNaxisn([]int32{testFrameWidth, testFrameWidth}, 1, data)
	require.NoError(t, fitsio.SaveFITS(filepath.Join(dir, name), img))
}

// fakeSolverScript writes an always-succeeding solver stand-in: it ignores
// its ASTAP-style flags and writes a .ini side-car reporting exactly the RA
// hint (converted to CRVAL1 degrees) and Dec hint it was given, so the
// scheduler's error-threshold check always passes.
func fakeSolverScript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fakesolve.sh")
	script := `#!/bin/sh
fits="$2"
ra="${13}"
spd="${15}"
dec=$(awk "BEGIN{print $spd - 90}")
crval1=$(awk "BEGIN{print $ra * 15}")
base="${fits%.*}"
cat > "$base.ini" <<EOF
CRVAL1=$crval1
CRVAL2=$dec
CROTA1=0.0
EOF
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestScheduler(t *testing.T, framesDir string) (*Scheduler, *device.Simulator, *history.Recorder) {
	t.Helper()
	sim, err := device.NewSimulator(device.SimulatorConfig{FrameDir: framesDir, FocuserRange: [2]int{0, 1000}}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sim.Connect(context.Background()))

	solv := solver.New(solver.Config{
		ExecutablePath:   fakeSolverScript(t, t.TempDir()),
		Catalog:          "d50",
		DefaultRadiusDeg: 5,
		DownsampleFactor: 2,
		MaxStars:         400,
		KeepSidecarFiles: true,
	})

	hist := history.New(filepath.Join(t.TempDir(), "history.json"))
	cfg := Config{
		Camera:        "TESTCAM",
		CaptureRoot:   t.TempDir(),
		DarkIndexPath: filepath.Join(t.TempDir(), "config.json"),
		StackerParams: stacker.DefaultParams(),
	}
	sch := New(cfg, sim, solv, darklib.NewExclusive(), telemetry.New(zerolog.Nop()), hist, telescopestate.New(), settings.New(), zerolog.Nop())
	return sch, sim, hist
}

func TestStartTimeForHandlesDayWrap(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	got := startTimeFor(now, 25.5)
	want := time.Date(2026, 8, 1, 1, 30, 0, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
}

func TestNextItemStartTimeNilForLastItem(t *testing.T) {
	plan := []history.Observation{{Start: 1}, {Start: 2}}
	assert.Nil(t, nextItemStartTime(plan, 1))
	assert.NotNil(t, nextItemStartTime(plan, 0))
}

func TestExecuteEmptyPlanIsNoop(t *testing.T) {
	sch, _, hist := newTestScheduler(t, t.TempDir())
	require.NoError(t, sch.Execute(context.Background(), nil))
	assert.False(t, sch.IsRunning())
	assert.Empty(t, hist.Snapshot())
}

func TestExecuteRejectsWhenAlreadyRunning(t *testing.T) {
	sch, _, _ := newTestScheduler(t, t.TempDir())
	require.True(t, sch.exclusive.TryAcquire("darkmanager"))
	err := sch.Execute(context.Background(), []history.Observation{{Start: -24, Count: 1}})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRequestStopBeforeStartSkipsEveryItem(t *testing.T) {
	sch, _, hist := newTestScheduler(t, t.TempDir())
	sch.RequestStop()
	plan := []history.Observation{{Start: -24, Count: 1, Object: "M31"}}
	require.NoError(t, sch.Execute(context.Background(), plan))
	assert.Nil(t, hist.Snapshot()[0].RealStart)
}

func TestExecuteSingleTargetCapturesAndRecordsHistory(t *testing.T) {
	framesDir := t.TempDir()
	for i := 0; i < 3; i++ {
		syntheticFrame(t, framesDir, fmt.Sprintf("f%d.fits", i))
	}
	sch, _, hist := newTestScheduler(t, framesDir)

	plan := []history.Observation{{
		Start: -24, Expo: 0.01, Count: 3,
		RA: 10.684, Dec: 41.269, Filter: "L", Object: "M31", Gain: 100,
	}}
	require.NoError(t, sch.Execute(context.Background(), plan))
	assert.False(t, sch.IsRunning())

	snap := hist.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 3, snap[0].Images)
	require.NotNil(t, snap[0].RealStart)
	require.NotNil(t, snap[0].End)
}
