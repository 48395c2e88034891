package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileYieldsEmptyHistory(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, r.Open())
	assert.Empty(t, r.Snapshot())
}

func TestAddPlanPersistsAndResetsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	r := New(path)
	plan := []Observation{
		{Start: 20, Expo: 30, Count: 10, Object: "M31"},
		{Start: 22, Expo: 60, Count: 5, Object: "M42"},
	}
	require.NoError(t, r.AddPlan(plan))

	r2 := New(path)
	require.NoError(t, r2.Open())
	got := r2.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "M31", got[0].Object)
}

func TestNewObservationUpdateAndCloseAdvancesIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	r := New(path)
	require.NoError(t, r.AddPlan([]Observation{{Object: "M31", Count: 5}, {Object: "M42", Count: 3}}))

	now := time.Date(2026, 7, 31, 21, 0, 0, 0, time.UTC)
	r.NewObservation(now)
	r.UpdateImage(3, "/tmp/preview.jpg")
	require.NoError(t, r.CloseObservation(now.Add(time.Hour), nil))

	got := r.Snapshot()
	require.NotNil(t, got[0].RealStart)
	require.NotNil(t, got[0].End)
	assert.Equal(t, 3, got[0].Images)
	require.NotNil(t, got[0].JPEG)

	r.NewObservation(now)
	got2 := r.Snapshot()
	require.NotNil(t, got2[1].RealStart)
}

func TestCloseObservationPastEndIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	r := New(path)
	require.NoError(t, r.AddPlan([]Observation{{Object: "M31"}}))
	now := time.Now()
	require.NoError(t, r.CloseObservation(now, nil))
	require.NoError(t, r.CloseObservation(now, nil)) // index now 1, out of range: must not panic
}
