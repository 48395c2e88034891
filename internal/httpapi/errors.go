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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/air01a/rigserver/internal/config"
	"github.com/air01a/rigserver/internal/darklib"
	"github.com/air01a/rigserver/internal/scheduler"
)

// statusFor maps a core component error to spec 7's error-kind table:
// Conflict -> 409, NotFound -> 404, everything else (ConfigError and
// unclassified failures) -> 500. Never echoes an internal error string
// beyond a flat "message" field.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, darklib.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, config.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// fail writes {"message": err.Error()} with the status statusFor derives.
func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"message": err.Error()})
}
