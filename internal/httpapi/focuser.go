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
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/air01a/rigserver/internal/autofocus"
	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/telescopestate"
)

// onDemandFocusSweepSteps/Sec mirror scheduler.Config's defaults -- an
// operator-triggered focus run (outside a plan) uses the same sweep shape.
const (
	onDemandFocusSweepSteps        = 7
	onDemandFocusCaptureSec        = 3
	onDemandFocusImagesPerPosition = 1
	onDemandFocusFieldMinStars     = 10
	onDemandFocusFieldMaxAttempts  = 12
	onDemandFocusFieldRAStepHours  = 2.0
)

func (s *Server) registerFocuserRoutes(v1 *gin.RouterGroup) {
	g := v1.Group("/focuser")
	g.GET("", s.handleFocuserStatus)
	g.POST("/:pos", s.handleFocuserMove)
	g.GET("/max", s.handleFocuserMax)
	g.POST("/stop", s.handleFocuserStop)
	g.POST("/autofocus", s.handleFocuserAutofocus)
}

func (s *Server) handleFocuserStatus(c *gin.Context) {
	pos, err := s.dev.GetFocuserPosition(context.Background())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

func (s *Server) handleFocuserMove(c *gin.Context) {
	pos, err := strconv.Atoi(c.Param("pos"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := s.dev.MoveFocuser(context.Background(), pos); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleFocuserMax(c *gin.Context) {
	step, err := s.dev.GetMaxFocuserStep(context.Background())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_step": step})
}

func (s *Server) handleFocuserStop(c *gin.Context) {
	if err := s.dev.HaltFocuser(context.Background()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// handleFocuserAutofocus runs an on-demand V-curve sweep and moves to the
// fitted best position, per spec 6's "/focuser/autofocus" and C4. Distinct
// from scheduler.runAutofocus (the in-plan step), grounded on the same
// technique from original_source/back/services/focuser.py, since an
// operator may ask for a refocus outside of any running plan.
func (s *Server) handleFocuserAutofocus(c *gin.Context) {
	ctx := context.Background()
	s.state.SetFocusing(true)
	defer s.state.SetFocusing(false)

	params := autofocus.DefaultParams()
	curve := autofocus.New(params)

	// No plan target exists outside a running plan, so the field search
	// offsets from wherever the mount is currently pointed.
	ra, dec, err := s.dev.GetRaDec(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.findOnDemandFocusField(ctx, ra, dec, params); err != nil {
		fail(c, err)
		return
	}

	current, err := s.dev.GetFocuserPosition(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	step, err := s.dev.GetMaxFocuserStep(ctx)
	if err != nil || step <= 0 {
		step = 50
	}

	start := current - (onDemandFocusSweepSteps/2)*step
	for i := 0; i < onDemandFocusSweepSteps; i++ {
		pos := start + i*step
		if err := s.dev.MoveFocuser(ctx, pos); err != nil {
			s.log.Warn().Err(err).Int("position", pos).Msg("httpapi: focuser move failed, skipping sample")
			continue
		}
		for img := 0; img < onDemandFocusImagesPerPosition; img++ {
			frame, err := s.dev.CaptureFrame(ctx, onDemandFocusCaptureSec, true)
			if err != nil {
				s.log.Warn().Err(err).Msg("httpapi: autofocus capture failed, skipping sample")
				continue
			}
			curve.AnalyzeImage(fitsio.Luminance(frame.Image), frame.Image.Width(), pos)
		}
	}

	result, err := curve.CalculateBestFocus()
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.dev.MoveFocuser(ctx, result.Position); err != nil {
		fail(c, err)
		return
	}

	s.state.SetFocused(true)
	s.state.SetLastFocus(telescopestate.FocusInfo{Position: result.Position, Method: result.Method, RanAt: time.Now()})
	c.JSON(http.StatusOK, result)
}

// findOnDemandFocusField mirrors scheduler.findFocusField for an
// operator-triggered refocus: offsets decDeg per spec 4.4 and slews east in
// RA steps until the camera sees a field with at least
// onDemandFocusFieldMinStars stars.
func (s *Server) findOnDemandFocusField(ctx context.Context, raHours, decDeg float64, params autofocus.Params) error {
	lat, _, _, err := s.dev.GetLocation(ctx)
	if err != nil {
		return err
	}
	fieldDec := 70 + lat + decDeg - 90

	if err := s.dev.SetTracking(ctx, false); err != nil {
		s.log.Warn().Err(err).Msg("httpapi: tracking off before focus field search failed")
	}

	ra := raHours
	for attempt := 0; attempt < onDemandFocusFieldMaxAttempts; attempt++ {
		if err := s.dev.SlewTo(ctx, ra, fieldDec); err != nil {
			s.log.Warn().Err(err).Float64("ra", ra).Float64("dec", fieldDec).Msg("httpapi: focus field slew failed")
			ra = wrapRAHours(ra + onDemandFocusFieldRAStepHours)
			continue
		}
		frame, err := s.dev.CaptureFrame(ctx, onDemandFocusCaptureSec, true)
		if err != nil {
			s.log.Warn().Err(err).Msg("httpapi: focus field capture failed")
			ra = wrapRAHours(ra + onDemandFocusFieldRAStepHours)
			continue
		}
		n := autofocus.CountStars(fitsio.Luminance(frame.Image), frame.Image.Width(), params)
		if n >= onDemandFocusFieldMinStars {
			return nil
		}
		ra = wrapRAHours(ra + onDemandFocusFieldRAStepHours)
	}
	return nil
}

// wrapRAHours keeps a right ascension value within [0, 24).
func wrapRAHours(ra float64) float64 {
	const hoursPerDay = 24.0
	ra -= hoursPerDay * float64(int(ra/hoursPerDay))
	if ra < 0 {
		ra += hoursPerDay
	}
	return ra
}
