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

// Package config implements the "external collaborator" config layer of
// spec 6: config.json, observatory.json, telescope.json, cameras.json,
// filterwheels.json plus matching *schema.json and a default.json selection
// file, read at startup and polled on change.
//
// Grounded on bfv-astro-ai-archiver's go.mod (spf13/viper, fsnotify) from
// the retrieval pack -- nothing in the teacher reads JSON config this way,
// since nightlight is a one-shot CLI with flag-only configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

var ErrNotFound = errors.New("config: not found")

// Manager owns every equipment category plus the global/default files, and
// keeps them in sync with disk via viper's file watch.
type Manager struct {
	dir string
	log zerolog.Logger

	mu            sync.RWMutex
	global        Global
	observatories map[string]Observatory
	telescopes    map[string]Telescope
	cameras       map[string]Camera
	filterwheels  map[string]FilterWheel
	defaults      Defaults
	schemas       map[string]map[string]any

	vGlobal, vObservatory, vTelescope, vCamera, vFilterWheel, vDefault *viper.Viper
}

// Load reads every config file under dir, tolerating any that do not yet
// exist (an empty/default value is used instead, so a fresh install can
// still start). Call Watch afterward to pick up live edits.
func Load(dir string, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		dir:           dir,
		log:           log,
		observatories: map[string]Observatory{},
		telescopes:    map[string]Telescope{},
		cameras:       map[string]Camera{},
		filterwheels:  map[string]FilterWheel{},
		schemas:       map[string]map[string]any{},
	}

	var err error
	if m.vGlobal, err = newFileViper(dir, "config.json"); err != nil {
		return nil, err
	}
	if m.vObservatory, err = newFileViper(dir, "observatory.json"); err != nil {
		return nil, err
	}
	if m.vTelescope, err = newFileViper(dir, "telescope.json"); err != nil {
		return nil, err
	}
	if m.vCamera, err = newFileViper(dir, "cameras.json"); err != nil {
		return nil, err
	}
	if m.vFilterWheel, err = newFileViper(dir, "filterwheels.json"); err != nil {
		return nil, err
	}
	if m.vDefault, err = newFileViper(dir, "default.json"); err != nil {
		return nil, err
	}

	if err := m.reloadGlobal(); err != nil {
		return nil, err
	}
	if err := m.reloadObservatories(); err != nil {
		return nil, err
	}
	if err := m.reloadTelescopes(); err != nil {
		return nil, err
	}
	if err := m.reloadCameras(); err != nil {
		return nil, err
	}
	if err := m.reloadFilterWheels(); err != nil {
		return nil, err
	}
	if err := m.reloadDefaults(); err != nil {
		return nil, err
	}
	m.loadSchemas()

	return m, nil
}

// newFileViper binds a viper instance to one JSON file under dir. A missing
// file is not an error here: ReadInConfig is deferred to the caller's
// reload*, which tolerates ConfigFileNotFoundError.
func newFileViper(dir, name string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, name))
	v.SetConfigType("json")
	return v, nil
}

func readOrDefault(v *viper.Viper) error {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) && !os.IsNotExist(err) {
		return fmt.Errorf("config: reading %s: %w", v.ConfigFileUsed(), err)
	}
	return nil
}

func (m *Manager) reloadGlobal() error {
	if err := readOrDefault(m.vGlobal); err != nil {
		return err
	}
	var g Global
	if err := m.vGlobal.Unmarshal(&g); err != nil {
		return fmt.Errorf("config: parsing config.json: %w", err)
	}
	m.mu.Lock()
	m.global = g
	m.mu.Unlock()
	return nil
}

func (m *Manager) reloadObservatories() error {
	if err := readOrDefault(m.vObservatory); err != nil {
		return err
	}
	items := map[string]Observatory{}
	if err := m.vObservatory.Unmarshal(&items); err != nil {
		return fmt.Errorf("config: parsing observatory.json: %w", err)
	}
	m.mu.Lock()
	m.observatories = items
	m.mu.Unlock()
	return nil
}

func (m *Manager) reloadTelescopes() error {
	if err := readOrDefault(m.vTelescope); err != nil {
		return err
	}
	items := map[string]Telescope{}
	if err := m.vTelescope.Unmarshal(&items); err != nil {
		return fmt.Errorf("config: parsing telescope.json: %w", err)
	}
	m.mu.Lock()
	m.telescopes = items
	m.mu.Unlock()
	return nil
}

func (m *Manager) reloadCameras() error {
	if err := readOrDefault(m.vCamera); err != nil {
		return err
	}
	items := map[string]Camera{}
	if err := m.vCamera.Unmarshal(&items); err != nil {
		return fmt.Errorf("config: parsing cameras.json: %w", err)
	}
	m.mu.Lock()
	m.cameras = items
	m.mu.Unlock()
	return nil
}

func (m *Manager) reloadFilterWheels() error {
	if err := readOrDefault(m.vFilterWheel); err != nil {
		return err
	}
	items := map[string]FilterWheel{}
	if err := m.vFilterWheel.Unmarshal(&items); err != nil {
		return fmt.Errorf("config: parsing filterwheels.json: %w", err)
	}
	m.mu.Lock()
	m.filterwheels = items
	m.mu.Unlock()
	return nil
}

func (m *Manager) reloadDefaults() error {
	if err := readOrDefault(m.vDefault); err != nil {
		return err
	}
	var d Defaults
	if err := m.vDefault.Unmarshal(&d); err != nil {
		return fmt.Errorf("config: parsing default.json: %w", err)
	}
	m.mu.Lock()
	m.defaults = d
	m.mu.Unlock()
	return nil
}

// loadSchemas reads every *schema.json file in dir as raw JSON, used only by
// httpapi's equipment CRUD handlers to shape validation error responses --
// never consulted by business logic, so it is a plain one-shot read instead
// of a watched viper instance.
func (m *Manager) loadSchemas() {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*schema.json"))
	if err != nil {
		return
	}
	schemas := map[string]map[string]any{}
	for _, path := range matches {
		b, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("config: reading schema failed")
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(b, &doc); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("config: parsing schema failed")
			continue
		}
		category := filepath.Base(path)
		category = category[:len(category)-len("schema.json")]
		schemas[category] = doc
	}
	m.mu.Lock()
	m.schemas = schemas
	m.mu.Unlock()
}

// Watch installs viper's fsnotify-backed file watch on every config file
// (not the schema files, which are static), reloading the affected category
// in place and invoking onChange(category) so callers like internal/httpapi
// or internal/device can react -- the "polled on change" requirement of
// spec 6, without a hand-rolled watch loop.
func (m *Manager) Watch(onChange func(category string)) {
	type entry struct {
		v        *viper.Viper
		category string
		reload   func() error
	}
	entries := []entry{
		{m.vGlobal, "global", m.reloadGlobal},
		{m.vObservatory, "observatory", m.reloadObservatories},
		{m.vTelescope, "telescope", m.reloadTelescopes},
		{m.vCamera, "camera", m.reloadCameras},
		{m.vFilterWheel, "filterwheel", m.reloadFilterWheels},
		{m.vDefault, "default", m.reloadDefaults},
	}
	for _, e := range entries {
		e := e
		e.v.OnConfigChange(func(in fsnotify.Event) {
			if err := e.reload(); err != nil {
				m.log.Error().Err(err).Str("category", e.category).Msg("config: reload after change failed")
				return
			}
			m.log.Info().Str("category", e.category).Str("file", in.Name).Msg("config: reloaded")
			if onChange != nil {
				onChange(e.category)
			}
		})
		e.v.WatchConfig()
	}
}

// Global returns a copy of the current global settings.
func (m *Manager) Global() Global {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Defaults returns a copy of the current per-category default selection.
func (m *Manager) Defaults() Defaults {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaults
}

// Schema returns the raw validation document for a category, keyed by its
// schema file's name with the "schema.json" suffix removed (e.g. "cameras-"),
// if that file exists.
func (m *Manager) Schema(category string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schemas[category]
	return s, ok
}

func (m *Manager) Observatories() map[string]Observatory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Observatory, len(m.observatories))
	for k, v := range m.observatories {
		out[k] = v
	}
	return out
}

func (m *Manager) Observatory(id string) (Observatory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.observatories[id]
	return o, ok
}

func (m *Manager) CurrentObservatory() (Observatory, bool) {
	m.mu.RLock()
	id := m.defaults.Observatory
	o, ok := m.observatories[id]
	m.mu.RUnlock()
	return o, ok
}

func (m *Manager) Telescopes() map[string]Telescope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Telescope, len(m.telescopes))
	for k, v := range m.telescopes {
		out[k] = v
	}
	return out
}

func (m *Manager) Telescope(id string) (Telescope, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.telescopes[id]
	return t, ok
}

func (m *Manager) CurrentTelescope() (Telescope, bool) {
	m.mu.RLock()
	id := m.defaults.Telescope
	t, ok := m.telescopes[id]
	m.mu.RUnlock()
	return t, ok
}

func (m *Manager) Cameras() map[string]Camera {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Camera, len(m.cameras))
	for k, v := range m.cameras {
		out[k] = v
	}
	return out
}

func (m *Manager) Camera(id string) (Camera, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cameras[id]
	return c, ok
}

func (m *Manager) CurrentCamera() (Camera, bool) {
	m.mu.RLock()
	id := m.defaults.Camera
	c, ok := m.cameras[id]
	m.mu.RUnlock()
	return c, ok
}

func (m *Manager) FilterWheels() map[string]FilterWheel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]FilterWheel, len(m.filterwheels))
	for k, v := range m.filterwheels {
		out[k] = v
	}
	return out
}

func (m *Manager) FilterWheel(id string) (FilterWheel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.filterwheels[id]
	return f, ok
}

func (m *Manager) CurrentFilterWheel() (FilterWheel, bool) {
	m.mu.RLock()
	id := m.defaults.FilterWheel
	f, ok := m.filterwheels[id]
	m.mu.RUnlock()
	return f, ok
}

// SetObservatory creates or replaces an entry and persists observatory.json
// wholesale, matching darklib.SaveIndex's read-modify-write convention
// (CRUD writes originate from this process, so a plain encoding/json
// round-trip is simpler and more direct than routing through viper.Set).
func (m *Manager) SetObservatory(id string, o Observatory) error {
	m.mu.Lock()
	m.observatories[id] = o
	snapshot := cloneObservatories(m.observatories)
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "observatory.json"), snapshot)
}

func (m *Manager) DeleteObservatory(id string) error {
	m.mu.Lock()
	if _, ok := m.observatories[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.observatories, id)
	snapshot := cloneObservatories(m.observatories)
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "observatory.json"), snapshot)
}

func (m *Manager) SetTelescope(id string, t Telescope) error {
	m.mu.Lock()
	m.telescopes[id] = t
	snapshot := cloneTelescopes(m.telescopes)
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "telescope.json"), snapshot)
}

func (m *Manager) DeleteTelescope(id string) error {
	m.mu.Lock()
	if _, ok := m.telescopes[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.telescopes, id)
	snapshot := cloneTelescopes(m.telescopes)
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "telescope.json"), snapshot)
}

func (m *Manager) SetCamera(id string, c Camera) error {
	m.mu.Lock()
	m.cameras[id] = c
	snapshot := cloneCameras(m.cameras)
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "cameras.json"), snapshot)
}

func (m *Manager) DeleteCamera(id string) error {
	m.mu.Lock()
	if _, ok := m.cameras[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.cameras, id)
	snapshot := cloneCameras(m.cameras)
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "cameras.json"), snapshot)
}

func (m *Manager) SetFilterWheel(id string, f FilterWheel) error {
	m.mu.Lock()
	m.filterwheels[id] = f
	snapshot := cloneFilterWheels(m.filterwheels)
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "filterwheels.json"), snapshot)
}

func (m *Manager) DeleteFilterWheel(id string) error {
	m.mu.Lock()
	if _, ok := m.filterwheels[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.filterwheels, id)
	snapshot := cloneFilterWheels(m.filterwheels)
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "filterwheels.json"), snapshot)
}

// SetDefault selects the current item of category ("observatory",
// "telescope", "camera", "filterwheel") by id and persists default.json.
func (m *Manager) SetDefault(category, id string) error {
	m.mu.Lock()
	switch category {
	case "observatory":
		m.defaults.Observatory = id
	case "telescope":
		m.defaults.Telescope = id
	case "camera":
		m.defaults.Camera = id
	case "filterwheel":
		m.defaults.FilterWheel = id
	default:
		m.mu.Unlock()
		return fmt.Errorf("config: unknown category %q", category)
	}
	snapshot := m.defaults
	m.mu.Unlock()
	return writeJSON(filepath.Join(m.dir, "default.json"), snapshot)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating directory for %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func cloneObservatories(m map[string]Observatory) map[string]Observatory {
	out := make(map[string]Observatory, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTelescopes(m map[string]Telescope) map[string]Telescope {
	out := make(map[string]Telescope, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneCameras(m map[string]Camera) map[string]Camera {
	out := make(map[string]Camera, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFilterWheels(m map[string]FilterWheel) map[string]FilterWheel {
	out := make(map[string]FilterWheel, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
