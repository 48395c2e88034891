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

// Package device abstracts the mount/camera/focuser/filter-wheel rig the
// engine drives, in two variants: a real driver talking the Alpaca/ASCOM
// HTTP protocol, and a simulator that replays a directory of sample FITS
// frames for development and testing without hardware attached.
//
// Grounded on the teacher's internal/fits reader for CameraFrame's shape and
// on the project's Operator error-return convention: device failures never
// panic, they come back as (false, err) or (zero value, err) so the caller
// (the scheduler) decides retry vs skip policy.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/air01a/rigserver/internal/fitsio"
)

// ErrDisconnected is returned by any operation attempted on a device that is
// not currently connected.
var ErrDisconnected = errors.New("device: not connected")

// ErrTimeout is returned when a request to the Alpaca server fails at the
// transport level, including (but not only) when it exceeds its deadline.
var ErrTimeout = errors.New("device: operation timed out")

// CameraFrame is a captured exposure together with its axis-transposed
// shape: (H,W) for mono, (H,W,C) for already-debayered color, matching the
// orientation convention the FITS writer expects.
type CameraFrame struct {
	Image     *fitsio.Image
	Bayer     fitsio.BayerPattern
	IsLight   bool
	Exposure  time.Duration
	CapturedAt time.Time
}

// BayerInfo is the triple returned by GetBayerPattern: a free-form sensor
// tag, the CFA pattern (or BayerNone for mono/color sensors), and a
// free-form color-type tag as reported by the driver.
type BayerInfo struct {
	SensorTag    string
	Pattern      fitsio.BayerPattern
	ColorTypeTag string
}

// Device is the capability set the engine depends on. Every blocking
// operation takes a context so the scheduler's cooperative stop flag can be
// wired through ctx cancellation; device errors are always returned, never
// panicked.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	SlewTo(ctx context.Context, raHours, decDeg float64) error
	SyncTo(ctx context.Context, raHours, decDeg float64) error
	GetRaDec(ctx context.Context) (raHours, decDeg float64, err error)
	SetTracking(ctx context.Context, on bool) error
	Unpark(ctx context.Context) error
	GetLocation(ctx context.Context) (latDeg, lonDeg, altM float64, err error)
	GetUTC(ctx context.Context) (time.Time, error)
	SetUTC(ctx context.Context, t time.Time) error
	HasGPS() bool

	ChangeFilter(ctx context.Context, label string) error

	MoveFocuser(ctx context.Context, position int) error
	HaltFocuser(ctx context.Context) error
	GetFocuserPosition(ctx context.Context) (int, error)
	GetMaxFocuserStep(ctx context.Context) (int, error)

	CaptureFrame(ctx context.Context, exposureSec float64, isLight bool) (CameraFrame, error)

	SetGain(ctx context.Context, gain int) error
	SetBinX(ctx context.Context, bin int) error
	SetBinY(ctx context.Context, bin int) error
	SetCcdTemperature(ctx context.Context, celsius float64) error
	SetCooler(ctx context.Context, on bool) error
	GetCcdTemperature(ctx context.Context) (float64, error)
	GetBayerPattern(ctx context.Context) (BayerInfo, error)
}
