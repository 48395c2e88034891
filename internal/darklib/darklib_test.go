package darklib

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/air01a/rigserver/internal/device"
)

func newTestManager(t *testing.T) (*Manager, *device.Simulator) {
	t.Helper()
	sim, err := device.NewSimulator(device.SimulatorConfig{FocuserRange: [2]int{0, 1000}}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sim.Connect(context.Background()))

	m, err := New(Config{DarkDirectory: t.TempDir(), Camera: "TESTCAM"}, sim, nil, NewExclusive(), zerolog.Nop())
	require.NoError(t, err)
	return m, sim
}

func TestExecuteCapturesAndPersistsDescriptor(t *testing.T) {
	m, _ := newTestManager(t)
	plan := []PlanItem{{Gain: 100, Exposition: 0.01, Count: 3}}

	require.NoError(t, m.Execute(context.Background(), plan))

	idx, err := LoadIndex(filepath.Join(m.cfg.DarkDirectory, "config.json"))
	require.NoError(t, err)
	require.Len(t, idx["TESTCAM"], 1)
	assert.Equal(t, 100, idx["TESTCAM"][0].Gain)
	assert.Equal(t, 3, idx["TESTCAM"][0].Count)

	afterPlan := m.Plan()
	assert.True(t, afterPlan[0].Done)
	assert.Equal(t, 3, afterPlan[0].Progress)
}

func TestExecuteRejectsWhenExclusiveHeld(t *testing.T) {
	m, _ := newTestManager(t)
	m.exclusive.TryAcquire("scheduler")
	err := m.Execute(context.Background(), []PlanItem{{Gain: 1, Exposition: 0.01, Count: 1}})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRequestStopHaltsBeforeNextItem(t *testing.T) {
	m, _ := newTestManager(t)
	m.RequestStop()
	plan := []PlanItem{{Gain: 1, Exposition: 0.01, Count: 1}, {Gain: 2, Exposition: 0.01, Count: 1}}
	require.NoError(t, m.Execute(context.Background(), plan))
	assert.False(t, m.Plan()[0].Done)
}

func TestChoosePrefersExactTemperatureMatch(t *testing.T) {
	temp := -10.0
	idx := Index{
		"CAM": {
			{Camera: "CAM", Exposition: 30, Gain: 100, Temperature: -10, Filename: "a.fits"},
			{Camera: "CAM", Exposition: 30, Gain: 100, Temperature: 5, Filename: "b.fits"},
		},
	}
	d, ok := Choose(idx, "CAM", 30, 100, &temp)
	require.True(t, ok)
	assert.Equal(t, "a.fits", d.Filename)

	d2, ok2 := Choose(idx, "CAM", 30, 100, nil)
	require.True(t, ok2)
	assert.Equal(t, "a.fits", d2.Filename)

	_, ok3 := Choose(idx, "CAM", 60, 100, nil)
	assert.False(t, ok3)
}

func TestSaveAndLoadIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	idx := Index{"CAM": {{Camera: "CAM", Gain: 1, Exposition: 1, Filename: "x.fits"}}}
	require.NoError(t, SaveIndex(path, idx))

	got, err := LoadIndex(path)
	require.NoError(t, err)
	assert.Equal(t, idx, got)
}
