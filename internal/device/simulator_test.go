package device

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()
	sim, err := NewSimulator(SimulatorConfig{FocuserRange: [2]int{0, 1000}}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sim.Connect(context.Background()))
	return sim
}

func TestSimulatorConnectDisconnect(t *testing.T) {
	sim := newTestSimulator(t)
	assert.True(t, sim.Connected())
	require.NoError(t, sim.Disconnect(context.Background()))
	assert.False(t, sim.Connected())
}

func TestSimulatorCaptureWithoutFrameDirReturnsBlankFrame(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()
	frame, err := sim.CaptureFrame(ctx, 0, true)
	require.NoError(t, err)
	assert.NotNil(t, frame.Image)
	assert.True(t, frame.IsLight)
}

func TestSimulatorFocuserRangeEnforced(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()
	require.Error(t, sim.MoveFocuser(ctx, 5000))
	require.NoError(t, sim.MoveFocuser(ctx, 500))
	pos, err := sim.GetFocuserPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500, pos)
}

func TestSimulatorCcdTemperatureConverges(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()
	require.NoError(t, sim.SetCooler(ctx, true))
	require.NoError(t, sim.SetCcdTemperature(ctx, -10))
	var last float64
	for i := 0; i < 200; i++ {
		v, err := sim.GetCcdTemperature(ctx)
		require.NoError(t, err)
		last = v
	}
	assert.InDelta(t, -10, last, 0.6)
}

func TestSimulatorRequiresConnectForCapture(t *testing.T) {
	sim, err := NewSimulator(SimulatorConfig{FocuserRange: [2]int{0, 1000}}, zerolog.Nop())
	require.NoError(t, err)
	_, err = sim.CaptureFrame(context.Background(), 0, true)
	assert.ErrorIs(t, err, ErrDisconnected)
}
