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

// Package settings implements C10: the mutable stretch/black-point state
// that governs how the latest stacked master is rendered into a JPEG
// preview, per spec 4.10.
//
// Grounded on the teacher's internal/ops/stretch (algorithm selection over a
// shared []float32 plane) generalized to carry a mutable selection instead
// of a one-shot CLI parameter, and internal/fitsio's AutoStretch/SavePreview
// for the actual rendering.
package settings

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/settingstypes"
)

// Manager holds the current ImageSettings and renders previews from it.
// Safe for concurrent use: Get/Set are mutex-guarded, Render takes its own
// snapshot before doing any (possibly slow) image work.
type Manager struct {
	mu       sync.RWMutex
	settings settingstypes.ImageSettings
}

// New returns a Manager initialized to the defaults of spec 4.10.
func New() *Manager {
	return &Manager{settings: settingstypes.Default()}
}

// Get returns a copy of the current settings.
func (m *Manager) Get() settingstypes.ImageSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Set replaces the current settings wholesale.
func (m *Manager) Set(s settingstypes.ImageSettings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

// SetBlackPoint updates only the black-point override, leaving the rest of
// the settings (algorithm, target median, ...) untouched.
func (m *Manager) SetBlackPoint(v float64) {
	m.mu.Lock()
	m.settings.BlackPoint = v
	m.mu.Unlock()
}

// toStretchParams converts the user-facing settings into fitsio's internal
// stretch parameter shape.
func toStretchParams(s settingstypes.ImageSettings) (fitsio.StretchParams, error) {
	var alg fitsio.StretchAlgorithm
	switch s.Algorithm {
	case "", "mtf":
		alg = fitsio.StretchMTF
	case "linear-percentile":
		alg = fitsio.StretchLinearPercentile
	case "stddev":
		alg = fitsio.StretchStdDev
	default:
		return fitsio.StretchParams{}, fmt.Errorf("settings: unknown stretch algorithm %q", s.Algorithm)
	}
	return fitsio.StretchParams{
		Algorithm:    alg,
		BlackPoint:   s.BlackPoint,
		WhitePoint:   s.WhitePoint,
		TargetMedian: float32(s.TargetMedian),
		ShadowClip:   s.ShadowClip,
	}, nil
}

// Render applies the current stretch settings to a copy of img's data and
// JPEG-encodes the result, without mutating img itself -- callers typically
// pass the live stacker's running master, which must remain usable for the
// next incremental merge.
func (m *Manager) Render(img *fitsio.Image, quality int) ([]byte, error) {
	settings := m.Get()
	params, err := toStretchParams(settings)
	if err != nil {
		return nil, err
	}

	working := img.Clone()
	fitsio.Normalize(working)
	fitsio.AutoStretch(working, params)
	if settings.Denoise {
		for c := int32(0); c < working.Channels; c++ {
			fitsio.ReplaceLowestPercentByZero(fitsio.ChannelPlane(working.Data, working.Pixels, c), 0.1)
		}
	}

	rgba := fitsio.ToRGBA(working)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("settings: encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderedBounds reports the pixel dimensions Render would produce, without
// doing the stretch/encode work -- used by HTTP handlers to set headers.
func RenderedBounds(img *fitsio.Image) image.Rectangle {
	return image.Rect(0, 0, int(img.Width()), int(img.Height()))
}
