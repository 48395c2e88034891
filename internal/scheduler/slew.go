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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/history"
	"github.com/air01a/rigserver/internal/solver"
)

// slewAndSolve runs up to Config.MaxRetries attempts of slew-then-solve, per
// spec 4.7's "Slew + solve loop". It syncs the mount and returns true as
// soon as a solve lands within the acceptable error, or -- per the recorded
// Open Question decision -- on the final attempt if any solve succeeded at
// all, even over threshold. It returns false only if every attempt failed
// to produce a solve.
func (s *Scheduler) slewAndSolve(ctx context.Context, obs history.Observation) bool {
	var lastResult solver.Result
	haveResult := false

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if s.stopWanted() {
			return false
		}

		s.bus.BroadcastSync("SCHEDULER", "STATUS", map[string]string{"state": "slewing", "object": obs.Object})
		s.state.SetSlewing(true)
		err := s.dev.SlewTo(ctx, obs.RA, obs.Dec)
		s.state.SetSlewing(false)
		if err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("scheduler: slew failed")
			continue
		}
		if s.stopWanted() {
			return false
		}

		s.bus.BroadcastSync("SCHEDULER", "STATUS", map[string]string{"state": "plate_solving", "object": obs.Object})
		frame, err := s.dev.CaptureFrame(ctx, s.cfg.SolveCaptureSec, true)
		if err != nil {
			s.log.Error().Err(err).Msg("scheduler: solve capture failed")
			continue
		}

		path := filepath.Join(os.TempDir(), fmt.Sprintf("rigserver-solve-%d.fits", time.Now().UnixNano()))
		if err := fitsio.SaveFITS(path, frame.Image); err != nil {
			s.log.Error().Err(err).Msg("scheduler: solve frame save failed")
			continue
		}

		result, err := s.solver.Solve(ctx, path, obs.RA, obs.Dec, s.cfg.SolveRadiusDeg)
		if !s.cfg.Debug {
			os.Remove(path)
		}
		if err != nil {
			s.log.Error().Err(err).Msg("scheduler: solve invocation failed")
			continue
		}
		if result.Error != 0 {
			s.log.Info().Int("code", result.Error).Msg("scheduler: solve did not converge")
			continue
		}

		lastResult = result
		haveResult = true
		errDeg := math.Sqrt(math.Pow(obs.RA-result.RA, 2) + math.Pow(obs.Dec-result.Dec, 2))
		if errDeg < s.cfg.AcceptableSolveErrorDeg {
			_ = s.dev.SyncTo(ctx, result.RA, result.Dec)
			return true
		}
		s.log.Warn().Float64("errDeg", errDeg).Msg("scheduler: solve position error over threshold, retrying")
	}

	if haveResult {
		_ = s.dev.SyncTo(ctx, lastResult.RA, lastResult.Dec)
		return true
	}
	return false
}
