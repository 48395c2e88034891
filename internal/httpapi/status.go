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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/air01a/rigserver/internal/telescopestate"
)

func (s *Server) registerStatusRoutes(v1 *gin.RouterGroup) {
	g := v1.Group("/status")
	g.GET("/is_connected", s.handleIsConnected)
	g.POST("/connect_hardware", s.handleConnectHardware)
	g.POST("/set_telescope_date", s.handleSetTelescopeDate)
}

func (s *Server) handleIsConnected(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected": s.dev.Connected(),
		"snapshot":  s.state.Snapshot().Connected,
	})
}

// handleConnectHardware connects the device backend and copies its single
// connection flag into every per-device bit of TelescopeState, per spec 3's
// Connected record.
func (s *Server) handleConnectHardware(c *gin.Context) {
	if err := s.dev.Connect(context.Background()); err != nil {
		fail(c, err)
		return
	}
	connected := s.dev.Connected()
	s.state.SetConnected(telescopestate.Connected{
		Mount: connected, Camera: connected, Wheel: connected, Focuser: connected,
	})
	c.Status(http.StatusOK)
}

// handleSetTelescopeDate syncs the mount clock unless it reports GPS, per
// spec 6's "Sync mount clock unless it has GPS".
func (s *Server) handleSetTelescopeDate(c *gin.Context) {
	if s.dev.HasGPS() {
		c.JSON(http.StatusOK, gin.H{"message": "device has GPS, clock sync skipped"})
		return
	}
	if err := s.dev.SetUTC(context.Background(), time.Now()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}
