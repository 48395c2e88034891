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

	"github.com/gin-gonic/gin"

	"github.com/air01a/rigserver/internal/darklib"
)

func (s *Server) registerDarkRoutes(v1 *gin.RouterGroup) {
	g := v1.Group("/dark")
	g.GET("/:camera", s.handleDarkLibrary)
	g.PUT("/:camera", s.handleDarkSubmit)
	g.DELETE("/:camera/:date", s.handleDarkDelete)
	g.POST("/stop", s.handleDarkStop)
	g.GET("/current_process", s.handleDarkCurrentProcess)
}

// unknownCamera reports a 404 for a :camera path param that does not match
// the dark manager's single configured camera -- this server wires one
// darklib.Manager per camera, so any other name is simply not served here.
func (s *Server) unknownCamera(c *gin.Context) bool {
	if c.Param("camera") != s.dark.Camera() {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown camera"})
		return true
	}
	return false
}

// handleDarkLibrary lists the persisted dark descriptors for camera, per
// spec 6's "GET /dark/{camera}".
func (s *Server) handleDarkLibrary(c *gin.Context) {
	if s.unknownCamera(c) {
		return
	}
	idx, err := darklib.LoadIndex(s.dark.IndexPath())
	if err != nil {
		fail(c, err)
		return
	}
	list := idx[s.dark.Camera()]
	if list == nil {
		list = []darklib.Descriptor{}
	}
	c.JSON(http.StatusOK, list)
}

// handleDarkSubmit starts a dark-capture plan for camera, 409 if the
// scheduler or dark manager is already active, per spec 4.5/6/7.
func (s *Server) handleDarkSubmit(c *gin.Context) {
	if s.unknownCamera(c) {
		return
	}
	var plan []darklib.PlanItem
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := s.dark.Start(context.Background(), plan); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// handleDarkDelete removes every descriptor for camera captured on date,
// per spec 6's "DELETE /dark/{camera}/{date}".
func (s *Server) handleDarkDelete(c *gin.Context) {
	if s.unknownCamera(c) {
		return
	}
	date := c.Param("date")
	idx, err := darklib.LoadIndex(s.dark.IndexPath())
	if err != nil {
		fail(c, err)
		return
	}
	camera := s.dark.Camera()
	kept := idx[camera][:0]
	for _, d := range idx[camera] {
		if d.Date != date {
			kept = append(kept, d)
		}
	}
	idx[camera] = kept
	if err := darklib.SaveIndex(s.dark.IndexPath(), idx); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleDarkStop(c *gin.Context) {
	s.dark.RequestStop()
	c.Status(http.StatusOK)
}

func (s *Server) handleDarkCurrentProcess(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": s.dark.IsRunning(),
		"plan":    s.dark.Plan(),
	})
}
