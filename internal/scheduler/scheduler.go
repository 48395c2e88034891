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

// Package scheduler implements C7: the top-level plan orchestrator that
// walks a sorted Observation list through wait/focus/slew/solve/capture per
// spec 4.7, owning the mount and camera for the duration of a run.
//
// Grounded on original_source/back/services/scheduler.py: the sorted-plan,
// wait-then-capture loop and its day-wrap arithmetic for `start`, and on
// scheduler_old.py for the retry/attempt bookkeeping shape -- rewritten
// around the engine's typed device/solver/stacker/history/telemetry
// packages instead of a single ASCOM client and bare print() logging.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/air01a/rigserver/internal/darklib"
	"github.com/air01a/rigserver/internal/device"
	"github.com/air01a/rigserver/internal/history"
	"github.com/air01a/rigserver/internal/settings"
	"github.com/air01a/rigserver/internal/solver"
	"github.com/air01a/rigserver/internal/stacker"
	"github.com/air01a/rigserver/internal/telemetry"
	"github.com/air01a/rigserver/internal/telescopestate"
)

// ErrAlreadyRunning is returned by Execute when a scheduler or dark-manager
// run already holds the shared Exclusive gate, per spec 4.5/7 "Conflict".
var ErrAlreadyRunning = errors.New("scheduler: already running")

// Config tunes a Scheduler run. Zero values get the spec-named defaults in New.
type Config struct {
	Camera        string
	CaptureRoot   string // FITS output root, per spec 6 "FITS persistence layout"
	DarkIndexPath string // darklib's config.json, read once per run

	MaxRetries              int     // R, slew+solve retry budget; default 3
	AcceptableSolveErrorDeg float64 // default 0.05
	SolveRadiusDeg          float64 // 0 lets the solver apply its own default
	SolveCaptureSec         float64 // short light capture before solving; default 3
	FocusSweepSteps         int     // default 7
	FocusCaptureSec         float64 // default 3
	FocusFieldMinStars      int     // star count a focus field must contain before sampling begins; default 10
	FocusImagesPerPosition  int     // images captured and analyzed per sweep position; default 1

	StackerParams      stacker.Params
	TargetTemperatureC *float64 // optional one-time cooler settle before the plan starts
	Debug              bool     // spec.md's "debug mode": keep temp solve FITS files instead of removing them
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.AcceptableSolveErrorDeg == 0 {
		c.AcceptableSolveErrorDeg = 0.05
	}
	if c.SolveCaptureSec == 0 {
		c.SolveCaptureSec = 3
	}
	if c.FocusSweepSteps == 0 {
		c.FocusSweepSteps = 7
	}
	if c.FocusCaptureSec == 0 {
		c.FocusCaptureSec = 3
	}
	if c.FocusFieldMinStars == 0 {
		c.FocusFieldMinStars = 10
	}
	if c.FocusImagesPerPosition == 0 {
		c.FocusImagesPerPosition = 1
	}
}

// Scheduler is one plan-execution engine. It is safe to reuse across runs --
// Execute claims and releases the shared Exclusive gate each time.
type Scheduler struct {
	cfg       Config
	dev       device.Device
	solver    *solver.Solver
	exclusive *darklib.Exclusive
	bus       *telemetry.Bus
	hist      *history.Recorder
	state     *telescopestate.State
	settings  *settings.Manager
	log       zerolog.Logger

	mu            sync.Mutex
	running       bool
	stopRequested bool
	darkIndex     darklib.Index
}

// New returns a Scheduler ready to run plans.
func New(cfg Config, dev device.Device, solv *solver.Solver, exclusive *darklib.Exclusive, bus *telemetry.Bus, hist *history.Recorder, state *telescopestate.State, settingsMgr *settings.Manager, log zerolog.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:       cfg,
		dev:       dev,
		solver:    solv,
		exclusive: exclusive,
		bus:       bus,
		hist:      hist,
		state:     state,
		settings:  settingsMgr,
		log:       log,
	}
}

// IsRunning reports whether a plan is currently executing.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RequestStop asks the in-flight Execute to stop at the next suspension
// point, per spec 5's cooperative cancellation contract.
func (s *Scheduler) RequestStop() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()
}

func (s *Scheduler) stopWanted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Start claims the scheduler synchronously -- so an HTTP handler can report
// spec 6's "409 if a run is active" immediately -- then runs the plan to
// completion in a background goroutine. Errors after the claim (including
// the rare race where another caller wins Execute's own re-acquire first)
// are logged, not returned, matching Execute's fire-and-forget contract for
// non-blocking callers. It clears any stop request left over from an
// earlier run; Execute itself honours a stop requested before it starts.
func (s *Scheduler) Start(ctx context.Context, plan []history.Observation) error {
	if !s.exclusive.TryAcquire("scheduler") {
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	s.stopRequested = false
	s.mu.Unlock()
	s.exclusive.Release("scheduler")
	go func() {
		if err := s.Execute(ctx, plan); err != nil {
			s.log.Error().Err(err).Msg("scheduler: background execution failed")
		}
	}()
	return nil
}

// Execute runs plan to completion, to a stop request, or until an item's
// slew/solve budget is exhausted, per spec 4.7's state machine. It blocks
// the caller; callers that want a non-blocking start use Start.
func (s *Scheduler) Execute(ctx context.Context, plan []history.Observation) error {
	if !s.exclusive.TryAcquire("scheduler") {
		return ErrAlreadyRunning
	}
	defer s.exclusive.Release("scheduler")

	sorted := append([]history.Observation(nil), plan...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	if err := s.hist.AddPlan(sorted); err != nil {
		s.log.Error().Err(err).Msg("scheduler: persisting plan failed")
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.state.SetPlanActive(true)
	defer s.state.SetPlanActive(false)

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	idx, err := darklib.LoadIndex(s.cfg.DarkIndexPath)
	if err != nil {
		s.log.Warn().Err(err).Msg("scheduler: loading dark index failed, running without master darks")
		idx = darklib.Index{}
	}
	s.darkIndex = idx

	coolerOn := false
	if s.cfg.TargetTemperatureC != nil {
		if err := s.dev.SetCooler(ctx, true); err != nil {
			s.log.Error().Err(err).Msg("scheduler: set cooler failed")
		} else {
			coolerOn = true
		}
		s.settleTemperature(ctx, *s.cfg.TargetTemperatureC)
	}
	defer func() {
		if coolerOn {
			_ = s.dev.SetCooler(ctx, false)
		}
		_ = s.dev.SetTracking(ctx, false)
	}()

	for i, obs := range sorted {
		if s.stopWanted() {
			break
		}
		if !s.waitForStart(ctx, obs) {
			break
		}
		if s.stopWanted() {
			break
		}

		s.hist.NewObservation(time.Now())
		s.runItem(ctx, sorted, i, obs)
	}

	finalState := "finished"
	if s.stopWanted() {
		finalState = "stopped"
	}
	s.bus.BroadcastSync("SCHEDULER", "STATUS", map[string]string{"state": finalState})
	return nil
}

// runItem drives one observation through focus/slew/solve/capture and
// closes its History entry, regardless of outcome.
func (s *Scheduler) runItem(ctx context.Context, plan []history.Observation, idx int, obs history.Observation) {
	if obs.Filter != "" {
		if err := s.dev.ChangeFilter(ctx, obs.Filter); err != nil {
			s.log.Error().Err(err).Str("filter", obs.Filter).Msg("scheduler: filter change failed, continuing with current filter")
		}
	}

	if obs.Focus || !s.state.GetFocused() {
		s.bus.BroadcastSync("SCHEDULER", "STATUS", map[string]string{"state": "focusing", "object": obs.Object})
		s.state.SetFocusing(true)
		result, err := s.runAutofocus(ctx, obs.RA, obs.Dec)
		s.state.SetFocusing(false)
		if err != nil {
			s.log.Warn().Err(err).Msg("scheduler: autofocus failed, continuing with current focus position")
		} else {
			s.state.SetFocused(true)
			s.state.SetLastFocus(telescopestate.FocusInfo{Position: result.Position, Method: result.Method, RanAt: time.Now()})
		}
	}

	captures := 0
	if s.slewAndSolve(ctx, obs) {
		if err := s.dev.SetTracking(ctx, true); err != nil {
			s.log.Error().Err(err).Msg("scheduler: set tracking on failed")
		}
		s.bus.BroadcastSync("SCHEDULER", "STATUS", map[string]string{"state": "capturing", "object": obs.Object})
		s.state.SetCapturing(true)
		captures = s.captureLoop(ctx, plan, idx, obs)
		s.state.SetCapturing(false)
		_ = s.dev.SetTracking(ctx, false)
	} else {
		s.log.Error().Str("object", obs.Object).Msg("scheduler: slew/solve exhausted, skipping item")
	}

	n := captures
	if err := s.hist.CloseObservation(time.Now(), &n); err != nil {
		s.log.Error().Err(err).Msg("scheduler: closing history item failed")
	}
	s.bus.BroadcastSync("SCHEDULER", "REFRESHINFO", nil)
}

// settleTemperature polls GetCcdTemperature until it is within 1C of target,
// broadcasting TEMPERATURE events, matching darklib's identical contract.
func (s *Scheduler) settleTemperature(ctx context.Context, target float64) {
	const tolerance = 1.0
	const pollInterval = 5 * time.Second
	for {
		if s.stopWanted() || ctx.Err() != nil {
			return
		}
		actual, err := s.dev.GetCcdTemperature(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("scheduler: read ccd temperature failed")
			return
		}
		s.bus.BroadcastSync("SCHEDULER", "TEMPERATURE", map[string]float64{"current": actual, "target": target})
		if absF64(actual-target) < tolerance {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func absF64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
