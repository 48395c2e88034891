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

// Package darklib implements C5: a background capture pipeline that
// produces a calibrated dark-frame library, indexed by camera, and the
// matching policy the live stacker and scheduler consult to find a master
// dark for a given (exposition, gain, temperature), per spec 4.5.
//
// Grounded on original_source/back/services/dark_manager.py: the same
// per-item temperature-then-gain-then-capture-loop shape, the same
// incremental mean accumulation, and the same JSON index keyed by camera,
// rewritten around a Go worker goroutine with cooperative stop instead of a
// Python thread, and a typed index instead of a dict-of-dataclasses.
package darklib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/air01a/rigserver/internal/device"
	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/telemetry"
)

// ErrAlreadyRunning is returned by Start when the dark manager (or, via the
// shared Exclusive gate, the scheduler) is already active.
var ErrAlreadyRunning = errors.New("darklib: already running")

// PlanItem is one requested dark batch: spec 4.5's DarkPlanItem.
type PlanItem struct {
	Gain        int      `json:"gain"`
	Temperature *float64 `json:"temperature,omitempty"` // nil = do not command cooling for this item
	Exposition  float64  `json:"exposition"`            // seconds
	Count       int      `json:"count"`

	// Mutable progress, mirrored for HTTP/WS consumers.
	InProgress bool    `json:"in_progress"`
	Done       bool    `json:"done"`
	Progress   int     `json:"progress"`
	ETA        float64 `json:"eta"` // seconds remaining, per spec "remaining_count * exposition"
}

// Descriptor is one persisted dark-library entry: spec 3's DarkDescriptor.
type Descriptor struct {
	ID          string  `json:"id"`
	Camera      string  `json:"camera"`
	Gain        int     `json:"gain"`
	Temperature float64 `json:"temperature"`
	Exposition  float64 `json:"exposition"`
	Count       int     `json:"count"`
	Date        string  `json:"date"` // ISO8601
	Filename    string  `json:"filename"`
}

// Index is the persisted, camera-keyed set of descriptors.
type Index map[string][]Descriptor

// Exclusive is the single shared gate spec 4.5 describes: "dark manager and
// scheduler are mutually exclusive: starting one while the other is active
// is rejected." Both Manager and the scheduler hold a pointer to the same
// Exclusive instance.
type Exclusive struct {
	mu     sync.Mutex
	holder string // "" if free, else "darkmanager" or "scheduler"
}

// NewExclusive returns a free gate.
func NewExclusive() *Exclusive { return &Exclusive{} }

// TryAcquire claims the gate for owner, or reports it is already held.
func (e *Exclusive) TryAcquire(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holder != "" {
		return false
	}
	e.holder = owner
	return true
}

// Release frees the gate if owner currently holds it.
func (e *Exclusive) Release(owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holder == owner {
		e.holder = ""
	}
}

// Config points the manager at its frame directory and camera.
type Config struct {
	DarkDirectory     string
	Camera            string
	TemperatureTol    float64       // default 1.0C, per spec 4.5
	PollInterval      time.Duration // default 5s
}

// Manager runs dark-frame capture plans for one camera.
type Manager struct {
	cfg       Config
	dev       device.Device
	bus       *telemetry.Bus
	exclusive *Exclusive
	log       zerolog.Logger

	indexPath string

	mu           sync.Mutex
	plan         []PlanItem
	running      bool
	stopRequested bool
}

// New returns a Manager with its dark directory created if missing.
func New(cfg Config, dev device.Device, bus *telemetry.Bus, exclusive *Exclusive, log zerolog.Logger) (*Manager, error) {
	if cfg.TemperatureTol == 0 {
		cfg.TemperatureTol = 1.0
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	dir := filepath.Join(cfg.DarkDirectory, cfg.Camera)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("darklib: create dark directory: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		dev:       dev,
		bus:       bus,
		exclusive: exclusive,
		log:       log,
		indexPath: filepath.Join(cfg.DarkDirectory, "config.json"),
	}, nil
}

// Plan returns a defensive copy of the current plan's progress.
func (m *Manager) Plan() []PlanItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlanItem(nil), m.plan...)
}

// IsRunning reports whether a plan is currently executing.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Camera reports the camera this Manager's library indexes, for callers
// (internal/httpapi's /dark/{camera} routes) that need to validate a path
// parameter against it.
func (m *Manager) Camera() string { return m.cfg.Camera }

// IndexPath is the on-disk location of this Manager's dark index, for
// callers that need to read or rewrite it directly (e.g. the DELETE
// /dark/{camera}/{date} handler).
func (m *Manager) IndexPath() string { return m.indexPath }

// RequestStop asks the in-flight Execute to stop at the next checkpoint.
func (m *Manager) RequestStop() {
	m.mu.Lock()
	m.stopRequested = true
	m.mu.Unlock()
}

func (m *Manager) stopWanted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopRequested
}

// Start claims the shared Exclusive gate synchronously -- so an HTTP handler
// can report "409 if a run is active" immediately, per spec 4.5/7 -- then
// runs the plan to completion in a background goroutine. It clears any stop
// request left over from an earlier run. See scheduler.Scheduler.Start for
// the identical rationale and race tradeoff.
func (m *Manager) Start(ctx context.Context, plan []PlanItem) error {
	if !m.exclusive.TryAcquire("darkmanager") {
		return ErrAlreadyRunning
	}
	m.mu.Lock()
	m.stopRequested = false
	m.mu.Unlock()
	m.exclusive.Release("darkmanager")
	go func() {
		if err := m.Execute(ctx, plan); err != nil {
			m.log.Error().Err(err).Msg("darklib: background execution failed")
		}
	}()
	return nil
}

// Execute runs plan to completion or until stopped, blocking the caller.
// It claims the shared Exclusive gate for its duration and releases it (and
// turns the cooler off, if it turned it on) on exit.
func (m *Manager) Execute(ctx context.Context, plan []PlanItem) error {
	if !m.exclusive.TryAcquire("darkmanager") {
		return ErrAlreadyRunning
	}
	defer m.exclusive.Release("darkmanager")

	m.mu.Lock()
	m.plan = plan
	m.running = true
	for i := range m.plan {
		m.plan[i].ETA = m.plan[i].Exposition * float64(m.plan[i].Count)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	coolerTurnedOn := false
	defer func() {
		if coolerTurnedOn {
			m.log.Info().Msg("darklib: turning cooler off")
			_ = m.dev.SetCooler(ctx, false)
		}
	}()

	for i := range plan {
		if m.stopWanted() {
			m.log.Info().Msg("darklib: stop requested before item")
			break
		}
		m.setInProgress(i, true)

		item := &plan[i]
		if item.Temperature != nil {
			if err := m.dev.SetCooler(ctx, true); err != nil {
				m.log.Error().Err(err).Msg("darklib: set cooler failed")
			} else {
				coolerTurnedOn = true
			}
			if err := m.settleTemperature(ctx, *item.Temperature); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.Error().Err(err).Msg("darklib: temperature settle failed, continuing anyway")
			}
		}

		if err := m.dev.SetGain(ctx, item.Gain); err != nil {
			m.log.Error().Err(err).Msg("darklib: set gain failed")
		}

		mean, finalCamTemp, err := m.captureMean(ctx, i, item)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Error().Err(err).Int("item", i).Msg("darklib: capture loop error, skipping item")
			continue
		}
		if m.stopWanted() {
			break
		}

		temp := finalCamTemp
		if item.Temperature != nil {
			temp = *item.Temperature
		}
		if err := m.persist(item, mean, temp); err != nil {
			m.log.Error().Err(err).Msg("darklib: persist failed")
		}
		m.setDone(i)
	}

	m.log.Info().Msg("darklib: execution completed")
	return nil
}

// settleTemperature commands the cooler and polls until the sensor is
// within Config.TemperatureTol of target, emitting TEMPERATURE events, per
// spec 4.5 step 1.
func (m *Manager) settleTemperature(ctx context.Context, target float64) error {
	if err := m.dev.SetCcdTemperature(ctx, target); err != nil {
		return err
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		actual, err := m.dev.GetCcdTemperature(ctx)
		if err != nil {
			return err
		}
		if m.bus != nil {
			m.bus.BroadcastSync("DARKMANAGER", "TEMPERATURE", map[string]float64{"actual": actual, "target": target})
		}
		if absFloat(actual-target) < m.cfg.TemperatureTol {
			return nil
		}
		if m.stopWanted() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// captureMean runs item.Count exposures, accumulating an incremental mean
// image (sum += frame/count), per spec 4.5 step 3.
func (m *Manager) captureMean(ctx context.Context, idx int, item *PlanItem) (mean *fitsio.Image, lastCamTemp float64, err error) {
	for captured := 0; captured < item.Count; captured++ {
		if m.stopWanted() {
			return mean, lastCamTemp, nil
		}
		m.log.Info().Int("n", captured+1).Int("of", item.Count).Float64("expo", item.Exposition).Msg("darklib: capture")

		frame, err := m.dev.CaptureFrame(ctx, item.Exposition, false)
		if err != nil {
			return nil, 0, fmt.Errorf("darklib: capture: %w", err)
		}
		lastCamTemp, _ = m.dev.GetCcdTemperature(ctx)

		if mean == nil {
			mean = frame.Image.Clone()
			scaleInPlace(mean.Data, 1/float64(item.Count))
		} else {
			accumulateScaled(mean.Data, frame.Image.Data, 1/float64(item.Count))
		}

		if m.bus != nil {
			m.bus.BroadcastSync("DARKMANAGER", "NEWIMAGE", nil)
		}
		m.mu.Lock()
		m.plan[idx].Progress = captured + 1
		m.plan[idx].ETA = float64(item.Count-captured-1) * item.Exposition
		m.mu.Unlock()
	}
	return mean, lastCamTemp, nil
}

func scaleInPlace(data []float32, factor float64) {
	for i := range data {
		data[i] = float32(float64(data[i]) * factor)
	}
}

func accumulateScaled(dst, src []float32, factor float64) {
	for i := range dst {
		dst[i] += float32(float64(src[i]) * factor)
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (m *Manager) setInProgress(i int, v bool) {
	m.mu.Lock()
	m.plan[i].InProgress = v
	m.mu.Unlock()
}

func (m *Manager) setDone(i int) {
	m.mu.Lock()
	m.plan[i].Done = true
	m.mu.Unlock()
}

// persist writes mean as a FITS file and appends a Descriptor to the
// camera's index entry, per spec 4.5 step 4.
func (m *Manager) persist(item *PlanItem, mean *fitsio.Image, temperature float64) error {
	if mean == nil {
		return errors.New("darklib: no frames captured for item")
	}
	now := time.Now().UTC()
	fileName := fmt.Sprintf("dark_%.0f_%d_%.0f.fits", item.Exposition, item.Gain, temperature)
	fullPath := filepath.Join(m.cfg.DarkDirectory, m.cfg.Camera, fileName)

	if err := fitsio.SaveFITS(fullPath, mean); err != nil {
		return fmt.Errorf("darklib: save fits: %w", err)
	}

	descriptor := Descriptor{
		ID:          uuid.NewString(),
		Camera:      m.cfg.Camera,
		Gain:        item.Gain,
		Temperature: temperature,
		Exposition:  item.Exposition,
		Count:       item.Count,
		Date:        now.Format(time.RFC3339),
		Filename:    fullPath,
	}
	return m.appendToIndex(descriptor)
}

func (m *Manager) appendToIndex(d Descriptor) error {
	idx, err := LoadIndex(m.indexPath)
	if err != nil {
		return err
	}
	idx[d.Camera] = append(idx[d.Camera], d)
	return SaveIndex(m.indexPath, idx)
}

// LoadIndex reads the persisted dark index, returning an empty Index if the
// file does not yet exist.
func LoadIndex(path string) (Index, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Index{}, nil
		}
		return nil, fmt.Errorf("darklib: read index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("darklib: parse index: %w", err)
	}
	return idx, nil
}

// SaveIndex writes idx to path as indented JSON.
func SaveIndex(path string, idx Index) error {
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("darklib: marshal index: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("darklib: write index: %w", err)
	}
	return nil
}

// Choose implements spec 4.5's dark-selection policy: given
// (camera, exposition, gain, temperature|none), return the descriptor with
// matching exposition and gain and, if a temperature is specified, exactly
// matching temperature; otherwise any matching (exposition, gain) entry.
func Choose(idx Index, camera string, exposition float64, gain int, temperature *float64) (Descriptor, bool) {
	for _, d := range idx[camera] {
		if d.Exposition != exposition || d.Gain != gain {
			continue
		}
		if temperature == nil || d.Temperature == *temperature {
			return d, true
		}
	}
	return Descriptor{}, false
}
