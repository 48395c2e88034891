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

// Package telescopestate holds the single process-wide TelescopeState record
// described in spec 3: everything the HTTP/WS layer reads to answer "what is
// the rig doing right now", mutated exclusively by whichever automation
// (scheduler or dark manager) currently owns it.
//
// Grounded on spec 5's single-writer discipline and the teacher's avoidance
// of package-level mutable globals: rather than a global var, State is an
// injected, mutex-guarded struct every component receives by pointer, read
// via Snapshot (a value copy) and mutated via small setter methods so no
// caller ever holds the lock across other work.
package telescopestate

import (
	"sync"
	"time"

	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/settingstypes"
)

// Connected tracks the per-device connection bits named in spec 3.
type Connected struct {
	Mount    bool
	Camera   bool
	Wheel    bool
	Focuser  bool
}

// FocusInfo is the outcome of the most recent autofocus run.
type FocusInfo struct {
	Position  int
	Method    string
	RanAt     time.Time
}

// State is the process-wide TelescopeState. Zero value is a valid,
// all-disconnected, idle state.
type State struct {
	mu sync.RWMutex

	Slewing           bool
	Capturing         bool
	Focusing          bool
	Focused           bool
	Connected         Connected
	PlanActive        bool
	LastRawFrame      *fitsio.Image
	LastStackedPreview []byte // encoded JPEG/PNG bytes, ready to serve
	LastFocus         FocusInfo
	ImageSettings     settingstypes.ImageSettings
}

// New returns a State with default image settings.
func New() *State {
	return &State{ImageSettings: settingstypes.Default()}
}

// Snapshot is an immutable point-in-time copy of State, safe to read without
// holding any lock -- the pointer fields (LastRawFrame, LastStackedPreview)
// are never mutated in place after publication, only reference-swapped, so
// sharing them across goroutines after the snapshot is taken is safe.
type Snapshot struct {
	Slewing            bool
	Capturing          bool
	Focusing           bool
	Focused            bool
	Connected          Connected
	PlanActive         bool
	LastRawFrame       *fitsio.Image
	LastStackedPreview []byte
	LastFocus          FocusInfo
	ImageSettings      settingstypes.ImageSettings
}

// Snapshot copies the current state under the read lock.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Slewing:            s.Slewing,
		Capturing:          s.Capturing,
		Focusing:           s.Focusing,
		Focused:            s.Focused,
		Connected:          s.Connected,
		PlanActive:         s.PlanActive,
		LastRawFrame:       s.LastRawFrame,
		LastStackedPreview: s.LastStackedPreview,
		LastFocus:          s.LastFocus,
		ImageSettings:      s.ImageSettings,
	}
}

func (s *State) SetSlewing(v bool) {
	s.mu.Lock()
	s.Slewing = v
	s.mu.Unlock()
}

func (s *State) SetCapturing(v bool) {
	s.mu.Lock()
	s.Capturing = v
	s.mu.Unlock()
}

func (s *State) SetFocusing(v bool) {
	s.mu.Lock()
	s.Focusing = v
	s.mu.Unlock()
}

func (s *State) SetFocused(v bool) {
	s.mu.Lock()
	s.Focused = v
	s.mu.Unlock()
}

// GetFocused reports whether the rig has focused at least once since the
// flag was last cleared -- the gate scheduler uses to decide whether a plan
// item that doesn't request Focus still needs one.
func (s *State) GetFocused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Focused
}

func (s *State) SetConnected(c Connected) {
	s.mu.Lock()
	s.Connected = c
	s.mu.Unlock()
}

func (s *State) SetPlanActive(v bool) {
	s.mu.Lock()
	s.PlanActive = v
	s.mu.Unlock()
}

// PublishRawFrame reference-swaps in a new raw camera frame.
func (s *State) PublishRawFrame(img *fitsio.Image) {
	s.mu.Lock()
	s.LastRawFrame = img
	s.mu.Unlock()
}

// PublishStackedPreview reference-swaps in newly rendered preview bytes.
func (s *State) PublishStackedPreview(b []byte) {
	s.mu.Lock()
	s.LastStackedPreview = b
	s.mu.Unlock()
}

func (s *State) SetLastFocus(f FocusInfo) {
	s.mu.Lock()
	s.LastFocus = f
	s.mu.Unlock()
}

func (s *State) SetImageSettings(v settingstypes.ImageSettings) {
	s.mu.Lock()
	s.ImageSettings = v
	s.mu.Unlock()
}

func (s *State) GetImageSettings() settingstypes.ImageSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ImageSettings
}
