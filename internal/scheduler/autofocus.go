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

	"github.com/air01a/rigserver/internal/autofocus"
	"github.com/air01a/rigserver/internal/fitsio"
)

// focusFieldSearchMaxAttempts bounds the RA-stepping field search: original_
// source/back/models/basic_automate.py's get_focus loops `ra=(ra+2)%24`
// unbounded until it finds >=10 stars; a full sky circle is 12 steps of 2h,
// so this many attempts covers the entire RA range once before giving up.
const focusFieldSearchMaxAttempts = 12

// focusFieldRAStepHours is the RA increment get_focus applies between field
// search attempts.
const focusFieldRAStepHours = 2.0

// runAutofocus offsets the target declination to find an empty-enough sky
// area, slews there until it finds a star field dense enough to focus on,
// then sweeps the focuser across Config.FocusSweepSteps positions centered
// on the current one -- taking Config.FocusImagesPerPosition images at each
// -- and moves to the fitted best position, per spec 4.4's target-acquisition
// autofocus and original_source/back/models/basic_automate.py's get_focus.
func (s *Scheduler) runAutofocus(ctx context.Context, raHours, decDeg float64) (autofocus.Result, error) {
	params := autofocus.DefaultParams()
	curve := autofocus.New(params)

	if err := s.findFocusField(ctx, raHours, decDeg, params); err != nil {
		return autofocus.Result{}, err
	}

	current, err := s.dev.GetFocuserPosition(ctx)
	if err != nil {
		return autofocus.Result{}, err
	}
	step, err := s.dev.GetMaxFocuserStep(ctx)
	if err != nil || step <= 0 {
		step = 50
	}

	steps := s.cfg.FocusSweepSteps
	start := current - (steps/2)*step

	for i := 0; i < steps; i++ {
		if s.stopWanted() {
			break
		}
		pos := start + i*step
		if err := s.dev.MoveFocuser(ctx, pos); err != nil {
			s.log.Warn().Err(err).Int("position", pos).Msg("scheduler: focuser move failed, skipping sample")
			continue
		}
		for img := 0; img < s.cfg.FocusImagesPerPosition; img++ {
			if s.stopWanted() {
				break
			}
			frame, err := s.dev.CaptureFrame(ctx, s.cfg.FocusCaptureSec, true)
			if err != nil {
				s.log.Warn().Err(err).Msg("scheduler: autofocus capture failed, skipping sample")
				continue
			}
			luminance := fitsio.Luminance(frame.Image)
			curve.AnalyzeImage(luminance, frame.Image.Width(), pos)
		}
	}

	result, err := curve.CalculateBestFocus()
	if err != nil {
		return result, err
	}
	if err := s.dev.MoveFocuser(ctx, result.Position); err != nil {
		return result, err
	}
	return result, nil
}

// findFocusField offsets decDeg per spec 4.4 and slews the mount east in
// raHours steps until the camera sees a field with at least
// Config.FocusFieldMinStars stars, so the sweep that follows samples a real
// star field rather than empty sky.
func (s *Scheduler) findFocusField(ctx context.Context, raHours, decDeg float64, params autofocus.Params) error {
	lat, _, _, err := s.dev.GetLocation(ctx)
	if err != nil {
		return err
	}
	fieldDec := 70 + lat + decDeg - 90

	if err := s.dev.SetTracking(ctx, false); err != nil {
		s.log.Warn().Err(err).Msg("scheduler: tracking off before focus field search failed")
	}

	ra := raHours
	for attempt := 0; attempt < focusFieldSearchMaxAttempts; attempt++ {
		if s.stopWanted() {
			return nil
		}
		if err := s.dev.SlewTo(ctx, ra, fieldDec); err != nil {
			s.log.Warn().Err(err).Float64("ra", ra).Float64("dec", fieldDec).Msg("scheduler: focus field slew failed")
			ra = wrapRAHours(ra + focusFieldRAStepHours)
			continue
		}
		frame, err := s.dev.CaptureFrame(ctx, s.cfg.FocusCaptureSec, true)
		if err != nil {
			s.log.Warn().Err(err).Msg("scheduler: focus field capture failed")
			ra = wrapRAHours(ra + focusFieldRAStepHours)
			continue
		}
		n := autofocus.CountStars(fitsio.Luminance(frame.Image), frame.Image.Width(), params)
		s.log.Info().Int("stars", n).Float64("ra", ra).Float64("dec", fieldDec).Msg("scheduler: focus field search")
		if n >= s.cfg.FocusFieldMinStars {
			return nil
		}
		ra = wrapRAHours(ra + focusFieldRAStepHours)
	}
	return nil
}

// wrapRAHours keeps a right ascension value within [0, 24), mirroring
// get_focus's `ra = (ra+2) % 24`.
func wrapRAHours(ra float64) float64 {
	const hoursPerDay = 24.0
	ra = ra - hoursPerDay*float64(int(ra/hoursPerDay))
	if ra < 0 {
		ra += hoursPerDay
	}
	return ra
}
