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
	"github.com/air01a/rigserver/internal/history"
	"github.com/air01a/rigserver/internal/settingstypes"
)

func (s *Server) registerObservationRoutes(v1 *gin.RouterGroup) {
	g := v1.Group("/observation")
	g.POST("/start", s.handleObservationStart)
	g.POST("/stop", s.handleObservationStop)
	g.GET("/is_running", s.handleObservationIsRunning)
	g.GET("/last_image", s.handleLastImage)
	g.GET("/last_stacked_image", s.handleLastStackedImage)
	g.GET("/history", s.handleHistory)
	g.GET("/history/:i", s.handleHistoryImage)
	g.GET("/image_settings", s.handleGetImageSettings)
	g.PUT("/image_settings", s.handleSetImageSettings)
	g.POST("/capture", s.handleOneShotCapture)
	g.GET("/fwhm", s.handleFWHM)
}

// handleObservationStart submits a plan, 409 if a run is already active --
// spec 6's "POST /observation/start".
func (s *Server) handleObservationStart(c *gin.Context) {
	var plan []history.Observation
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := s.scheduler.Start(context.Background(), plan); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleObservationStop(c *gin.Context) {
	s.scheduler.RequestStop()
	c.Status(http.StatusOK)
}

func (s *Server) handleObservationIsRunning(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.scheduler.IsRunning()})
}

// handleLastImage serves a stretched JPEG of the last raw frame, per spec
// 6's "GET /observation/last_image".
func (s *Server) handleLastImage(c *gin.Context) {
	snap := s.state.Snapshot()
	if snap.LastRawFrame == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "no raw frame captured yet"})
		return
	}
	b, err := s.settings.Render(snap.LastRawFrame, 85)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", b)
}

// handleLastStackedImage serves the current master's preview, already
// rendered to JPEG by the scheduler's stacker preview callback.
func (s *Server) handleLastStackedImage(c *gin.Context) {
	snap := s.state.Snapshot()
	if snap.LastStackedPreview == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "no stacked preview yet"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", snap.LastStackedPreview)
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.hist.Snapshot())
}

// handleHistoryImage serves item i's preview JPEG from disk, per spec 6's
// "GET /observation/history/{i}".
func (s *Server) handleHistoryImage(c *gin.Context) {
	i, err := parseIndex(c.Param("i"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	snap := s.hist.Snapshot()
	if i < 0 || i >= len(snap) || snap[i].JPEG == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "no image for this item"})
		return
	}
	c.File(*snap[i].JPEG)
}

func (s *Server) handleGetImageSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.settings.Get())
}

func (s *Server) handleSetImageSettings(c *gin.Context) {
	var v settingstypes.ImageSettings
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.settings.Set(v)
	s.state.SetImageSettings(v)
	c.JSON(http.StatusOK, v)
}

// handleOneShotCapture takes a single light frame for focusing aid, per
// spec 6's "POST /observation/capture body {exposition}", publishes it as
// the latest raw frame, and returns its stretched JPEG directly.
func (s *Server) handleOneShotCapture(c *gin.Context) {
	var body struct {
		Exposition float64 `json:"exposition"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	frame, err := s.dev.CaptureFrame(context.Background(), body.Exposition, true)
	if err != nil {
		fail(c, err)
		return
	}

	s.mu.Lock()
	s.bufferedCapture = frame.Image
	s.bufferedAt = time.Now()
	s.mu.Unlock()

	s.state.PublishRawFrame(frame.Image)

	b, err := s.settings.Render(frame.Image, 85)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", b)
}

// handleFWHM runs the same star-detection/FWHM analysis autofocus uses on
// the last buffered capture, per spec 6's "GET /observation/fwhm".
func (s *Server) handleFWHM(c *gin.Context) {
	s.mu.Lock()
	img := s.bufferedCapture
	s.mu.Unlock()
	if img == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "no buffered capture; POST /observation/capture first"})
		return
	}

	pos, err := s.dev.GetFocuserPosition(context.Background())
	if err != nil {
		pos = 0
	}
	curve := autofocus.New(autofocus.DefaultParams())
	sample := curve.AnalyzeImage(fitsio.Luminance(img), img.Width(), pos)
	c.JSON(http.StatusOK, sample)
}

func parseIndex(s string) (int, error) {
	return strconv.Atoi(s)
}
