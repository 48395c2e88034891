// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/air01a/rigserver/internal/config"
	"github.com/air01a/rigserver/internal/darklib"
	"github.com/air01a/rigserver/internal/device"
	"github.com/air01a/rigserver/internal/history"
	"github.com/air01a/rigserver/internal/scheduler"
	"github.com/air01a/rigserver/internal/settings"
	"github.com/air01a/rigserver/internal/solver"
	"github.com/air01a/rigserver/internal/stacker"
	"github.com/air01a/rigserver/internal/telemetry"
	"github.com/air01a/rigserver/internal/telescopestate"
)

func newTestServer(t *testing.T) (*Server, *device.Simulator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	framesDir := t.TempDir()
	sim, err := device.NewSimulator(device.SimulatorConfig{FrameDir: framesDir, FocuserRange: [2]int{0, 1000}}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sim.Connect(context.Background()))

	solv := solver.New(solver.Config{
		ExecutablePath:   "/bin/true",
		Catalog:          "d50",
		DefaultRadiusDeg: 5,
		DownsampleFactor: 2,
		MaxStars:         400,
	})

	exclusive := darklib.NewExclusive()
	bus := telemetry.New(zerolog.Nop())
	hist := history.New(filepath.Join(t.TempDir(), "history.json"))
	state := telescopestate.New()
	settingsMgr := settings.New()

	schedCfg := scheduler.Config{
		Camera:        "TESTCAM",
		CaptureRoot:   t.TempDir(),
		DarkIndexPath: filepath.Join(t.TempDir(), "config.json"),
		StackerParams: stacker.DefaultParams(),
	}
	sched := scheduler.New(schedCfg, sim, solv, exclusive, bus, hist, state, settingsMgr, zerolog.Nop())

	darkCfg := darklib.Config{DarkDirectory: t.TempDir(), Camera: "TESTCAM"}
	darkMgr, err := darklib.New(darkCfg, sim, bus, exclusive, zerolog.Nop())
	require.NoError(t, err)

	cfgMgr, err := config.Load(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	s := New(zerolog.Nop(), cfgMgr, sim, sched, darkMgr, hist, state, settingsMgr, bus)
	return s, sim
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestObservationIsRunningInitiallyFalse(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/v1/observation/is_running", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())
}

func TestStatusIsConnected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/v1/status/is_connected", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFocuserMoveAndStatus(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/v1/focuser/500", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/focuser", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Position int `json:"position"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 500, body.Position)
}

func TestDarkRoutesRejectUnknownCamera(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/v1/dark/OTHERCAM", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDarkLibraryListsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/v1/dark/TESTCAM", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCameraCRUDRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	cam := config.Camera{Name: "ZWO ASI294MM", PixelSizeUM: 4.63, WidthPx: 4144, HeightPx: 2822, DefaultGain: 120}
	rec := doJSON(t, r, http.MethodPost, "/api/v1/cameras/TESTCAM", cam)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/cameras/TESTCAM", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got config.Camera
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, cam, got)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/cameras/current/TESTCAM", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/cameras/current", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodDelete, "/api/v1/cameras/TESTCAM", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/cameras/TESTCAM", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestObservationCaptureAndFWHM(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/v1/observation/capture", map[string]float64{"exposition": 0.01})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	rec = doJSON(t, r, http.MethodGet, "/api/v1/observation/fwhm", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestImageSettingsRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	rec := doJSON(t, r, http.MethodGet, "/api/v1/observation/image_settings", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPut, "/api/v1/observation/image_settings", map[string]any{
		"algorithm": "mtf", "black_point": 0.1, "white_point": 0.9, "target_median": 0.25,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/observation/image_settings", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "mtf", got["algorithm"])
	assert.Equal(t, 0.1, got["black_point"])
	assert.Equal(t, 0.9, got["white_point"])
}
