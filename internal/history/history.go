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

// Package history implements C9: a persisted list of PlanExecution records,
// one per observation the scheduler has run or is running, per spec 4.9.
//
// Grounded on original_source/back/services/history_manager.py: the same
// open/add-plan/new-item/update-image/close-item/save shape and the same
// internally advancing index, rewritten around a typed slice and
// encoding/json instead of pydantic's model_dump.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Observation is one planned target, per spec 3.
type Observation struct {
	Start  float64 `json:"start"` // UTC wall-clock hour-of-day
	Expo   float64 `json:"expo"`
	Count  int     `json:"count"`
	RA     float64 `json:"ra"`
	Dec    float64 `json:"dec"`
	Filter string  `json:"filter"`
	Object string  `json:"object"`
	Focus  bool    `json:"focus"`
	Gain   int     `json:"gain"`
}

// PlanExecution is an Observation plus its runtime record, per spec 3.
type PlanExecution struct {
	Observation
	RealStart *string `json:"real_start,omitempty"`
	End       *string `json:"end,omitempty"`
	Images    int     `json:"images"`
	JPEG      *string `json:"jpg,omitempty"`
}

// timeFormat matches the original's strftime('%Y-%m-%dT%H.%M.%S').
const timeFormat = "2006-01-02T15.04.05"

// Recorder persists a list of PlanExecution and tracks which one is
// currently open (the internally advancing index of spec 4.9).
type Recorder struct {
	mu      sync.Mutex
	path    string
	history []PlanExecution
	index   int
}

// New returns a Recorder bound to path, without loading it yet -- call Open
// to populate from disk, matching the original's lazy open_history.
func New(path string) *Recorder {
	return &Recorder{path: path}
}

// Open loads the persisted history from disk, replacing any in-memory
// state. A missing file yields an empty history, not an error.
func (r *Recorder) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.history = nil
			r.index = 0
			return nil
		}
		return fmt.Errorf("history: read: %w", err)
	}
	var h []PlanExecution
	if err := json.Unmarshal(b, &h); err != nil {
		return fmt.Errorf("history: parse: %w", err)
	}
	r.history = h
	r.index = 0
	return nil
}

// JSON returns the current in-memory history as its persisted JSON
// representation; it does not read the file on disk.
func (r *Recorder) JSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.MarshalIndent(r.history, "", "  ")
}

// AddPlan replaces the history with one PlanExecution per Observation,
// resets the index to the start, and persists it -- called when the
// scheduler begins a new plan, per spec 4.9 "append-from-plan".
func (r *Recorder) AddPlan(plan []Observation) error {
	r.mu.Lock()
	out := make([]PlanExecution, len(plan))
	for i, obs := range plan {
		out[i] = PlanExecution{Observation: obs}
	}
	r.history = out
	r.index = 0
	r.mu.Unlock()
	return r.Save()
}

// NewObservation marks the current item as started, stamping RealStart.
func (r *Recorder) NewObservation(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index >= len(r.history) {
		return
	}
	stamp := now.UTC().Format(timeFormat)
	r.history[r.index].RealStart = &stamp
}

// UpdateImage records the running capture count and/or preview path for the
// currently open item, without closing it.
func (r *Recorder) UpdateImage(captures int, previewPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index >= len(r.history) {
		return
	}
	r.history[r.index].Images = captures
	if previewPath != "" {
		r.history[r.index].JPEG = &previewPath
	}
}

// CloseObservation marks the current item ended, optionally overriding the
// final capture count, advances the index, and persists the history.
func (r *Recorder) CloseObservation(now time.Time, finalCaptures *int) error {
	r.mu.Lock()
	if r.index < len(r.history) {
		if finalCaptures != nil {
			r.history[r.index].Images = *finalCaptures
		}
		stamp := now.UTC().Format(timeFormat)
		r.history[r.index].End = &stamp
		r.index++
	}
	r.mu.Unlock()
	return r.Save()
}

// Save persists the current history to disk as indented JSON.
func (r *Recorder) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.MarshalIndent(r.history, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("history: mkdir: %w", err)
	}
	if err := os.WriteFile(r.path, b, 0o644); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

// Snapshot returns a defensive copy of the current history.
func (r *Recorder) Snapshot() []PlanExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PlanExecution(nil), r.history...)
}
