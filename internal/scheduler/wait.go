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
	"time"

	"github.com/air01a/rigserver/internal/history"
)

// startTimeFor converts an Observation's "start" (UTC hour-of-day, possibly
// >=24 to mean the following day, per spec 3) into an absolute UTC instant
// anchored to now's calendar date. Adding the duration directly rather than
// decomposing into h/m/s and normalizing through time.Date lets values at or
// past 24h roll into the next day for free -- the same arithmetic the
// original scheduler.py performs via its explicit day-wrap branch.
func startTimeFor(now time.Time, hourOfDay float64) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(time.Duration(hourOfDay * float64(time.Hour)))
}

// nextItemStartTime returns the absolute start time of the item after idx,
// or nil if idx is the last item -- the capture loop's "skip remaining
// exposures once the next target's time has arrived" cutoff.
func nextItemStartTime(plan []history.Observation, idx int) *time.Time {
	if idx+1 >= len(plan) {
		return nil
	}
	t := startTimeFor(time.Now().UTC(), plan[idx+1].Start)
	return &t
}

// waitForStart blocks until obs's start time arrives, polling the stop flag
// once a second per spec 5's suspension-point contract. It returns false if
// a stop was requested or the context was cancelled before arrival.
func (s *Scheduler) waitForStart(ctx context.Context, obs history.Observation) bool {
	target := startTimeFor(time.Now().UTC(), obs.Start)
	for {
		if s.stopWanted() {
			return false
		}
		remaining := time.Until(target)
		if remaining <= 0 {
			return true
		}
		wait := remaining
		if wait > time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}
