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

// Package solver adapts an external plate-solving executable (e.g. ASTAP)
// into the Solve contract the scheduler's slew-confirmation loop calls.
//
// Grounded on original_source/back/services/platesolver.py's ASTAP wrapper:
// the same command-line flags, the same .ini side-car parsing, and the same
// CRVAL1-degrees-to-hours conversion, rewritten with os/exec and a typed
// result instead of a subprocess.run() + dict return.
package solver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Result is the outcome of one solve attempt. Error==0 means success; any
// other value leaves RA/Dec at the caller's hint values, per spec 4.3.
type Result struct {
	Error       int
	RA          float64 // hours
	Dec         float64 // degrees
	Orientation float64 // degrees, CROTA1
}

// Config names the executable and default search parameters.
type Config struct {
	ExecutablePath     string
	Catalog            string
	DefaultRadiusDeg   float64
	DownsampleFactor   int
	MaxStars           int
	KeepSidecarFiles   bool // debug mode: do not remove .ini/.wcs temp files
}

// Solver spawns the configured executable per call; it holds no state
// between solves.
type Solver struct {
	cfg Config
}

// New returns a Solver bound to cfg.
func New(cfg Config) *Solver {
	if cfg.MaxStars == 0 {
		cfg.MaxStars = 400
	}
	return &Solver{cfg: cfg}
}

// Solve spawns the plate solver against fitsPath with the supplied hint
// center and search radius, and parses its .ini/.wcs side-car for the
// resulting coordinates. raHint is in hours, decHint/radiusDeg in degrees.
func (s *Solver) Solve(ctx context.Context, fitsPath string, raHint, decHint, radiusDeg float64) (Result, error) {
	radius := radiusDeg
	if radius == 0 {
		radius = s.cfg.DefaultRadiusDeg
	}
	args := []string{
		"-f", fitsPath,
		"-r", formatFloat(radius),
		"-s", strconv.Itoa(s.cfg.MaxStars),
		"-z", strconv.Itoa(s.cfg.DownsampleFactor),
		"-d", s.cfg.Catalog,
		"-update",
	}
	args = append(args, "-ra", formatFloat(raHint))
	args = append(args, "-spd", formatFloat(decHint+90))

	cmd := exec.CommandContext(ctx, s.cfg.ExecutablePath, args...)
	_ = cmd.Run() // non-zero exit is a normal "no solution" outcome, not a Go error

	if !s.cfg.KeepSidecarFiles {
		defer s.cleanupSidecars(fitsPath)
	}

	if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 {
		return Result{Error: 1, RA: raHint, Dec: decHint}, nil
	}

	ra, dec, orientation, found, err := readSidecar(sidecarPath(fitsPath))
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Error: 2, RA: raHint, Dec: decHint}, nil
	}
	return Result{Error: 0, RA: ra, Dec: dec, Orientation: orientation}, nil
}

func sidecarPath(fitsPath string) string {
	ext := filepath.Ext(fitsPath)
	return strings.TrimSuffix(fitsPath, ext) + ".ini"
}

// readSidecar parses CRVAL1 (converted degrees->hours), CRVAL2, CROTA1 from
// the solver's key=value .ini side-car.
func readSidecar(path string) (ra, dec, orientation float64, found bool, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return 0, 0, 0, false, nil
		}
		return 0, 0, 0, false, openErr
	}
	defer f.Close()

	var haveRA, haveDec bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "CRVAL1"):
			if v, ok := parseEquals(line); ok {
				ra = v * 24.0 / 360.0
				haveRA = true
			}
		case strings.Contains(line, "CRVAL2"):
			if v, ok := parseEquals(line); ok {
				dec = v
				haveDec = true
			}
		case strings.Contains(line, "CROTA1"):
			if v, ok := parseEquals(line); ok {
				orientation = v
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, 0, false, err
	}
	return ra, dec, orientation, haveRA && haveDec, nil
}

func parseEquals(line string) (float64, bool) {
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Solver) cleanupSidecars(fitsPath string) {
	ext := filepath.Ext(fitsPath)
	base := strings.TrimSuffix(fitsPath, ext)
	for _, sidecarExt := range []string{".ini", ".wcs"} {
		_ = os.Remove(base + sidecarExt)
	}
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}
