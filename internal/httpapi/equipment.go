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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/air01a/rigserver/internal/config"
)

// equipmentCategory describes one of spec 6's "/cameras, /telescopes,
// /observatories, /filterwheels with /current, /schema" resources, generic
// over its config type so the four near-identical CRUD surfaces share one
// registration function instead of four hand-copied ones.
type equipmentCategory[T any] struct {
	defaultKey string // config.Manager.SetDefault's category key
	schemaKey  string // config.Manager.Schema's stripped-basename key

	list    func() map[string]T
	get     func(id string) (T, bool)
	current func() (T, bool)
	set     func(id string, v T) error
	del     func(id string) error
}

func registerEquipment[T any](v1 *gin.RouterGroup, path string, cfg *config.Manager, cat equipmentCategory[T]) {
	g := v1.Group(path)

	g.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, cat.list())
	})

	g.GET("/current", func(c *gin.Context) {
		v, ok := cat.current()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": "no default selected"})
			return
		}
		c.JSON(http.StatusOK, v)
	})

	g.POST("/current/:id", func(c *gin.Context) {
		if err := cfg.SetDefault(cat.defaultKey, c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusOK)
	})

	g.GET("/schema", func(c *gin.Context) {
		schema, ok := cfg.Schema(cat.schemaKey)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": "no schema for " + path})
			return
		}
		c.JSON(http.StatusOK, schema)
	})

	g.GET("/:id", func(c *gin.Context) {
		v, ok := cat.get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
			return
		}
		c.JSON(http.StatusOK, v)
	})

	g.POST("/:id", func(c *gin.Context) {
		var v T
		if err := c.ShouldBindJSON(&v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if err := cat.set(c.Param("id"), v); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	})

	g.DELETE("/:id", func(c *gin.Context) {
		if err := cat.del(c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusOK)
	})
}

func (s *Server) registerEquipmentRoutes(v1 *gin.RouterGroup) {
	registerEquipment(v1, "/observatories", s.cfg, equipmentCategory[config.Observatory]{
		defaultKey: "observatory",
		schemaKey:  "observatory-",
		list:       s.cfg.Observatories,
		get:        s.cfg.Observatory,
		current:    s.cfg.CurrentObservatory,
		set:        s.cfg.SetObservatory,
		del:        s.cfg.DeleteObservatory,
	})

	registerEquipment(v1, "/telescopes", s.cfg, equipmentCategory[config.Telescope]{
		defaultKey: "telescope",
		schemaKey:  "telescope-",
		list:       s.cfg.Telescopes,
		get:        s.cfg.Telescope,
		current:    s.cfg.CurrentTelescope,
		set:        s.cfg.SetTelescope,
		del:        s.cfg.DeleteTelescope,
	})

	registerEquipment(v1, "/cameras", s.cfg, equipmentCategory[config.Camera]{
		defaultKey: "camera",
		schemaKey:  "cameras-",
		list:       s.cfg.Cameras,
		get:        s.cfg.Camera,
		current:    s.cfg.CurrentCamera,
		set:        s.cfg.SetCamera,
		del:        s.cfg.DeleteCamera,
	})

	registerEquipment(v1, "/filterwheels", s.cfg, equipmentCategory[config.FilterWheel]{
		defaultKey: "filterwheel",
		schemaKey:  "filterwheels-",
		list:       s.cfg.FilterWheels,
		get:        s.cfg.FilterWheel,
		current:    s.cfg.CurrentFilterWheel,
		set:        s.cfg.SetFilterWheel,
		del:        s.cfg.DeleteFilterWheel,
	})
}
