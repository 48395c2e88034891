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

package device

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/air01a/rigserver/internal/fitsio"
)

// SimulatorConfig points a Simulator at a directory of sample FITS frames
// used as canned camera output, and the simulated optics/mount parameters
// used to derive synthetic timing and focus behavior.
type SimulatorConfig struct {
	FrameDir        string
	FocuserRange    [2]int // [min,max]
	BestFocus       int    // simulated sharp-focus position, used to synthesize FWHM
	SlewDelay       time.Duration
	MaxFocuserStep  int
}

// Simulator is a fully in-process Device: slews complete instantly (after a
// configurable delay), captures replay frames from FrameDir round-robin, and
// the focuser reports a position whose distance from BestFocus can be used
// by callers to synthesize a V-curve without real optics.
type Simulator struct {
	cfg   SimulatorConfig
	log   zerolog.Logger
	files []string

	mu             sync.Mutex
	connected      bool
	ra, dec        float64
	tracking       bool
	focuserPos     int
	filterPos      string
	gain           int
	binX, binY     int
	ccdTemp        float64
	targetTemp     float64
	coolerOn       bool
	frameIdx       int
}

// NewSimulator scans cfg.FrameDir for .fits/.fit files to replay as capture
// output and returns a disconnected Simulator.
func NewSimulator(cfg SimulatorConfig, log zerolog.Logger) (*Simulator, error) {
	var files []string
	if cfg.FrameDir != "" {
		matches, err := filepath.Glob(filepath.Join(cfg.FrameDir, "*.fit*"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = matches
	}
	return &Simulator{cfg: cfg, log: log, files: files, focuserPos: (cfg.FocuserRange[0] + cfg.FocuserRange[1]) / 2}, nil
}

func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) HasGPS() bool { return false }

func (s *Simulator) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.ccdTemp = 20
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *Simulator) requireConnected() error {
	if !s.Connected() {
		return ErrDisconnected
	}
	return nil
}

func (s *Simulator) SlewTo(ctx context.Context, raHours, decDeg float64) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.SlewDelay):
	}
	s.mu.Lock()
	s.ra, s.dec = raHours, decDeg
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SyncTo(ctx context.Context, raHours, decDeg float64) error {
	s.mu.Lock()
	s.ra, s.dec = raHours, decDeg
	s.mu.Unlock()
	return nil
}

func (s *Simulator) GetRaDec(ctx context.Context) (float64, float64, error) {
	if err := s.requireConnected(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ra, s.dec, nil
}

func (s *Simulator) SetTracking(ctx context.Context, on bool) error {
	s.mu.Lock()
	s.tracking = on
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Unpark(ctx context.Context) error { return nil }

func (s *Simulator) GetLocation(ctx context.Context) (float64, float64, float64, error) {
	return 48.8566, 2.3522, 35, nil // Paris, a plausible default observing site
}

func (s *Simulator) GetUTC(ctx context.Context) (time.Time, error) { return time.Now().UTC(), nil }
func (s *Simulator) SetUTC(ctx context.Context, t time.Time) error { return nil }

func (s *Simulator) ChangeFilter(ctx context.Context, label string) error {
	s.mu.Lock()
	s.filterPos = label
	s.mu.Unlock()
	return nil
}

func (s *Simulator) MoveFocuser(ctx context.Context, position int) error {
	if position < s.cfg.FocuserRange[0] || position > s.cfg.FocuserRange[1] {
		return fmt.Errorf("device: focuser position %d out of range %v", position, s.cfg.FocuserRange)
	}
	s.mu.Lock()
	s.focuserPos = position
	s.mu.Unlock()
	return nil
}

func (s *Simulator) HaltFocuser(ctx context.Context) error { return nil }

func (s *Simulator) GetFocuserPosition(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focuserPos, nil
}

func (s *Simulator) GetMaxFocuserStep(ctx context.Context) (int, error) {
	if s.cfg.MaxFocuserStep > 0 {
		return s.cfg.MaxFocuserStep, nil
	}
	return 100, nil
}

func (s *Simulator) SetGain(ctx context.Context, gain int) error {
	s.mu.Lock()
	s.gain = gain
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetBinX(ctx context.Context, bin int) error {
	s.mu.Lock()
	s.binX = bin
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetBinY(ctx context.Context, bin int) error {
	s.mu.Lock()
	s.binY = bin
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetCcdTemperature(ctx context.Context, celsius float64) error {
	s.mu.Lock()
	s.targetTemp = celsius
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetCooler(ctx context.Context, on bool) error {
	s.mu.Lock()
	s.coolerOn = on
	s.mu.Unlock()
	return nil
}

// GetCcdTemperature drifts the simulated sensor temperature 0.5C per call
// toward the target when the cooler is on, and toward ambient otherwise --
// enough for the dark manager's "poll until |actual-target|<1C" loop to
// converge within a handful of calls.
func (s *Simulator) GetCcdTemperature(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.ccdTemp
	if s.coolerOn {
		target = s.targetTemp
	} else {
		target = 20
	}
	if math.Abs(s.ccdTemp-target) < 0.5 {
		s.ccdTemp = target
	} else if s.ccdTemp < target {
		s.ccdTemp += 0.5
	} else {
		s.ccdTemp -= 0.5
	}
	return s.ccdTemp, nil
}

func (s *Simulator) GetBayerPattern(ctx context.Context) (BayerInfo, error) {
	return BayerInfo{SensorTag: "simulator", Pattern: fitsio.BayerRGGB, ColorTypeTag: "color"}, nil
}

// CaptureFrame returns the next frame from FrameDir round-robin, or a
// synthetic flat blank frame if FrameDir is empty. The file is loaded raw
// (no dark subtraction, debayer or normalization), as a camera delivers it.
func (s *Simulator) CaptureFrame(ctx context.Context, exposureSec float64, isLight bool) (CameraFrame, error) {
	if err := s.requireConnected(); err != nil {
		return CameraFrame{}, err
	}
	select {
	case <-ctx.Done():
		return CameraFrame{}, ctx.Err()
	case <-time.After(time.Duration(exposureSec * float64(time.Second))):
	}

	s.mu.Lock()
	var path string
	if len(s.files) > 0 {
		path = s.files[s.frameIdx%len(s.files)]
		s.frameIdx++
	}
	s.mu.Unlock()

	var img *fitsio.Image
	var bayer fitsio.BayerPattern
	if path != "" {
		loaded, err := fitsio.Load(path, s.frameIdx, fitsio.LoadOptions{})
		if err != nil {
			return CameraFrame{}, fmt.Errorf("device: simulator replay: %w", err)
		}
		img = loaded
		bayer = loaded.Bayer
	} else {
		img = fitsio.NewImageFromNaxisn([]int32{512, 512}, 1, nil)
		bayer = fitsio.BayerRGGB
	}
	img.Exposure = float32(exposureSec)

	return CameraFrame{
		Image:      img,
		Bayer:      bayer,
		IsLight:    isLight,
		Exposure:   time.Duration(exposureSec * float64(time.Second)),
		CapturedAt: time.Now(),
	}, nil
}
