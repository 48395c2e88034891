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

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/air01a/rigserver/internal/darklib"
	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/history"
	"github.com/air01a/rigserver/internal/stacker"
)

// captureTimeFormat names FITS frames and preview directories with a
// filesystem-safe UTC timestamp, matching history's convention.
const captureTimeFormat = "2006-01-02T15.04.05"

// itemDirFor returns the per-observation directory of spec 6's FITS
// persistence layout: "{root}/{YYYY-MM-DD}-{object}/".
func itemDirFor(root string, obs history.Observation, now time.Time) string {
	return filepath.Join(root, now.UTC().Format("2006-01-02")+"-"+obs.Object)
}

func captureFilename(obs history.Observation, capturedAt time.Time) string {
	return fmt.Sprintf("capture-%s-%s-%s.fits", obs.Object, obs.Filter, capturedAt.UTC().Format(captureTimeFormat))
}

// fillHeader records the keywords spec 3's CameraFrame data model names
// (EXPTIME, GAIN, DATE-OBS, RA, DEC, plus FILTER/OBJECT for retrieval) onto
// a just-captured frame before it is written to disk.
func fillHeader(img *fitsio.Image, obs history.Observation, capturedAt time.Time) {
	img.Header.SetFloat("EXPTIME", float32(obs.Expo))
	img.Header.SetInt("GAIN", int32(obs.Gain))
	img.Header.SetString("DATE-OBS", capturedAt.UTC().Format(time.RFC3339))
	img.Header.SetFloat("RA", float32(obs.RA))
	img.Header.SetFloat("DEC", float32(obs.Dec))
	img.Header.SetString("FILTER", obs.Filter)
	img.Header.SetString("OBJECT", obs.Object)
}

// loadMasterDark looks up a matching dark via darklib.Choose and loads it,
// returning nil (not an error) when no suitable dark exists -- stacking
// proceeds uncalibrated in that case, per spec 4.6's optional master dark.
func (s *Scheduler) loadMasterDark(obs history.Observation) *fitsio.Image {
	desc, ok := darklib.Choose(s.darkIndex, s.cfg.Camera, obs.Expo, obs.Gain, nil)
	if !ok {
		return nil
	}
	img, err := fitsio.Load(desc.Filename, 0, fitsio.LoadOptions{})
	if err != nil {
		s.log.Warn().Err(err).Str("path", desc.Filename).Msg("scheduler: loading matched master dark failed")
		return nil
	}
	return img
}

// captureLoop opens a fresh Live Stacker for this item (per the recorded
// "new stacker per plan item" decision), feeds it every successfully saved
// exposure, and returns the count of frames captured, per spec 4.7's
// "Capture loop".
func (s *Scheduler) captureLoop(ctx context.Context, plan []history.Observation, idx int, obs history.Observation) int {
	now := time.Now()
	dir := itemDirFor(s.cfg.CaptureRoot, obs, now)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error().Err(err).Str("dir", dir).Msg("scheduler: creating observation directory failed")
		return 0
	}

	previewPath := filepath.Join(dir, "preview.jpg")
	var captures int32

	onPreview := func(master *fitsio.Image) {
		if s.settings == nil {
			return
		}
		b, err := s.settings.Render(master, 85)
		if err != nil {
			s.log.Error().Err(err).Msg("scheduler: rendering preview failed")
			return
		}
		s.state.PublishStackedPreview(b)
		if err := os.WriteFile(previewPath, b, 0o644); err != nil {
			s.log.Error().Err(err).Msg("scheduler: writing preview failed")
			return
		}
		s.hist.UpdateImage(int(atomic.LoadInt32(&captures)), previewPath)
	}

	st := stacker.New(s.cfg.StackerParams, s.loadMasterDark(obs), s.bus, onPreview, s.log)
	nextStart := nextItemStartTime(plan, idx)

	for j := 0; j < obs.Count; j++ {
		if s.stopWanted() {
			break
		}
		if nextStart != nil && !time.Now().UTC().Before(*nextStart) {
			s.log.Info().Str("object", obs.Object).Msg("scheduler: next item's start reached, skipping remaining captures")
			break
		}

		frame, err := s.dev.CaptureFrame(ctx, obs.Expo, true)
		if err != nil {
			s.log.Error().Err(err).Msg("scheduler: capture failed, ending item")
			break
		}
		fillHeader(frame.Image, obs, frame.CapturedAt)

		path := filepath.Join(dir, captureFilename(obs, frame.CapturedAt))
		if err := fitsio.SaveFITS(path, frame.Image); err != nil {
			s.log.Error().Err(err).Msg("scheduler: saving captured frame failed")
			continue
		}

		atomic.AddInt32(&captures, 1)
		s.state.PublishRawFrame(frame.Image)
		st.Enqueue(path)
		s.hist.UpdateImage(int(atomic.LoadInt32(&captures)), previewPath)
	}

	st.Stop()
	return int(atomic.LoadInt32(&captures))
}
