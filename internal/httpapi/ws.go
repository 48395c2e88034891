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
	"github.com/gin-gonic/gin"
)

// handleWS upgrades /ws/observation and subscribes the connection to every
// message the telemetry bus broadcasts (STATUS, TEMPERATURE, NEWIMAGE, ...), per spec
// 6's "WebSocket /ws/observation" operator feed. The connection is push-only
// from the server's side; the read loop below exists only to notice the
// client going away (close frame, or any read error) so Subscribe's cleanup
// runs.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("httpapi: websocket upgrade failed")
		return
	}

	unsubscribe := s.bus.Subscribe(conn)
	defer unsubscribe()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
