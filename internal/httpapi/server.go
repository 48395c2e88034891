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

// Package httpapi binds spec 6's external HTTP/WebSocket interface onto the
// core engine components: one gin router under /api/v1, plus a gorilla
// websocket upgrade for /ws/observation. The core (scheduler, dark manager,
// stacker, telemetry, ...) has no knowledge of HTTP; this package is the
// only place that translates between wire requests and core method calls.
//
// Grounded on the teacher's internal/rest/serve.go (gin.Default(), grouped
// routes under /api/v1) generalized from the teacher's single /job endpoint
// to the full equipment/observation/focuser/status/dark surface spec 6 names.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/air01a/rigserver/internal/config"
	"github.com/air01a/rigserver/internal/darklib"
	"github.com/air01a/rigserver/internal/device"
	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/history"
	"github.com/air01a/rigserver/internal/scheduler"
	"github.com/air01a/rigserver/internal/settings"
	"github.com/air01a/rigserver/internal/telemetry"
	"github.com/air01a/rigserver/internal/telescopestate"
)

// Server holds every core component a handler might need, injected rather
// than reached through package globals (the teacher's gin handlers close
// over none; ours close over this struct's fields).
type Server struct {
	log       zerolog.Logger
	cfg       *config.Manager
	dev       device.Device
	scheduler *scheduler.Scheduler
	dark      *darklib.Manager
	hist      *history.Recorder
	state     *telescopestate.State
	settings  *settings.Manager
	bus       *telemetry.Bus
	upgrader  websocket.Upgrader

	mu              sync.Mutex
	bufferedCapture *fitsio.Image
	bufferedAt      time.Time
}

// New returns a Server bound to every injected component.
func New(
	log zerolog.Logger,
	cfg *config.Manager,
	dev device.Device,
	sched *scheduler.Scheduler,
	dark *darklib.Manager,
	hist *history.Recorder,
	state *telescopestate.State,
	settingsMgr *settings.Manager,
	bus *telemetry.Bus,
) *Server {
	return &Server{
		log:       log,
		cfg:       cfg,
		dev:       dev,
		scheduler: sched,
		dark:      dark,
		hist:      hist,
		state:     state,
		settings:  settingsMgr,
		bus:       bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine and registers every route of spec 6.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/api/v1")

	s.registerObservationRoutes(v1)
	s.registerFocuserRoutes(v1)
	s.registerStatusRoutes(v1)
	s.registerDarkRoutes(v1)
	s.registerEquipmentRoutes(v1)
	r.GET("/ws/observation", s.handleWS)

	return r
}

// Run starts the HTTP server on addr, blocking until it exits.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}
