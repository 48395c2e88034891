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

// Package autofocus samples a focus curve across focuser positions and
// picks the sharpest position via a parabolic-then-hyperbolic curve fit
// cascade, per spec 4.4.
//
// Grounded on original_source/back/services/focuser.py's AutoFocusLib: the
// same star-threshold-then-fit-curve shape, the same IQR outlier filter and
// the same parabolic/hyperbolic/minimum fallback cascade, rewritten around
// internal/star's detector (half-flux radius in place of photutils' fitted
// FWHM -- both are standard sharpness proxies, and HFR is what the star
// package already computes) and gonum/optimize for the hyperbolic fit.
package autofocus

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"

	"github.com/air01a/rigserver/internal/star"
	"github.com/air01a/rigserver/internal/stats"
)

// ErrNotEnoughSamples is returned by CalculateBestFocus when fewer than 3
// valid samples have been collected.
var ErrNotEnoughSamples = errors.New("autofocus: not enough valid samples")

// FocusCurveSample is one (position, sharpness) measurement.
type FocusCurveSample struct {
	FocusPos int
	FWHM     float32
	NumStars int
	Valid    bool
}

// Params tunes star detection and curve-fit window sizing.
type Params struct {
	MinStars       int
	MaxStars       int
	StarSigma      float32 // threshold = location + scale*StarSigma
	WindowHalfSize int     // +/- W around the minimum for the parabolic fit
}

// DefaultParams mirrors the original's star_detection_threshold=3, min_stars=5, window_size=2.
func DefaultParams() Params {
	return Params{MinStars: 5, MaxStars: 50, StarSigma: 3, WindowHalfSize: 2}
}

// Curve accumulates FocusCurveSamples across a focuser sweep.
type Curve struct {
	params  Params
	samples []FocusCurveSample
}

// New returns an empty focus curve.
func New(params Params) *Curve {
	return &Curve{params: params}
}

// Reset clears all stored measurements, for a new autofocus run.
func (c *Curve) Reset() { c.samples = nil }

// Samples returns every stored measurement, valid or not.
func (c *Curve) Samples() []FocusCurveSample { return append([]FocusCurveSample(nil), c.samples...) }

// CountStars detects stars on a luminance plane and returns how many were
// found, without recording a curve sample -- used to judge whether a
// candidate focus field is dense enough to sample (spec 4.4's "searches for
// a field containing enough stars").
func CountStars(data []float32, width int32, params Params) int {
	median, sigma := stats.MedianAndSigma(data)
	stars, _, _ := star.FindStars(data, width, median, sigma, params.StarSigma, 0, 0, 3, 0)
	return len(stars)
}

// AnalyzeImage detects stars on a luminance plane and records the mean
// half-flux radius (the sharpness metric) at the given focuser position.
func (c *Curve) AnalyzeImage(data []float32, width int32, focusPos int) FocusCurveSample {
	median, sigma := stats.MedianAndSigma(data)
	stars, _, _ := star.FindStars(data, width, median, sigma, c.params.StarSigma, 0, 0, 3, 0)

	if len(stars) > c.params.MaxStars {
		stars = stars[:c.params.MaxStars]
	}
	fwhm := iqrFilteredMean(stars)

	sample := FocusCurveSample{
		FocusPos: focusPos,
		FWHM:     fwhm,
		NumStars: len(stars),
		Valid:    len(stars) >= c.params.MinStars && fwhm > 0,
	}
	c.samples = append(c.samples, sample)
	return sample
}

// iqrFilteredMean averages star HFR values after discarding those outside
// [Q1-1.5*IQR, Q3+1.5*IQR], falling back to the unfiltered mean if fewer
// than 3 stars remain after filtering.
func iqrFilteredMean(stars []star.Star) float32 {
	if len(stars) == 0 {
		return 0
	}
	hfrs := make([]float32, len(stars))
	for i, s := range stars {
		hfrs[i] = s.HFR
	}
	return iqrFilteredMeanFromSlice(hfrs)
}

// iqrFilteredMeanFromSlice averages values after discarding those outside
// [Q1-1.5*IQR, Q3+1.5*IQR], falling back to the unfiltered mean if fewer
// than 3 values remain after filtering.
func iqrFilteredMeanFromSlice(hfrs []float32) float32 {
	if len(hfrs) == 0 {
		return 0
	}
	q1 := stats.Percentile(hfrs, 0.25)
	q3 := stats.Percentile(hfrs, 0.75)
	iqr := q3 - q1
	lower, upper := q1-1.5*iqr, q3+1.5*iqr

	var filtered []float32
	for _, v := range hfrs {
		if v >= lower && v <= upper {
			filtered = append(filtered, v)
		}
	}
	if len(filtered) < 3 {
		filtered = hfrs
	}
	var sum float32
	for _, v := range filtered {
		sum += v
	}
	return sum / float32(len(filtered))
}

// Result is the outcome of CalculateBestFocus.
type Result struct {
	Position int
	Method   string // "parabolic", "hyperbolic", or "minimum"
}

// CalculateBestFocus averages FWHM per unique position, then tries a
// parabolic fit around the minimum, falls back to a hyperbolic fit over the
// full range, and finally to the raw minimum position, per spec 4.4.
func (c *Curve) CalculateBestFocus() (Result, error) {
	valid := make([]FocusCurveSample, 0, len(c.samples))
	for _, s := range c.samples {
		if s.Valid {
			valid = append(valid, s)
		}
	}
	if len(valid) < 3 {
		return Result{}, ErrNotEnoughSamples
	}

	positions, means := averageByPosition(valid)

	minIdx := argmin(means)
	start := minIdx - c.params.WindowHalfSize
	if start < 0 {
		start = 0
	}
	end := minIdx + c.params.WindowHalfSize + 1
	if end > len(positions) {
		end = len(positions)
	}
	subPos, subFWHM := positions[start:end], means[start:end]

	if len(subPos) >= 3 {
		if a, b, ok := fitParabola(subPos, subFWHM); ok && a > 0 {
			vertex := -b / (2 * a)
			if vertex >= positions[0] && vertex <= positions[len(positions)-1] {
				return Result{Position: int(math.Round(vertex)), Method: "parabolic"}, nil
			}
		}
	}

	allPos := make([]float64, len(valid))
	allFWHM := make([]float64, len(valid))
	for i, s := range valid {
		allPos[i] = float64(s.FocusPos)
		allFWHM[i] = float64(s.FWHM)
	}
	if b, ok := fitHyperbola(allPos, allFWHM); ok {
		return Result{Position: int(math.Round(b)), Method: "hyperbolic"}, nil
	}

	return Result{Position: positions[minIdx], Method: "minimum"}, nil
}

func argmin(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] < v[best] {
			best = i
		}
	}
	return best
}

// averageByPosition collapses repeat samples at the same focuser position
// into their mean FWHM, sorted ascending by position.
func averageByPosition(samples []FocusCurveSample) (positions []int, means []float64) {
	sums := map[int]float64{}
	counts := map[int]int{}
	for _, s := range samples {
		sums[s.FocusPos] += float64(s.FWHM)
		counts[s.FocusPos]++
	}
	for pos := range sums {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	means = make([]float64, len(positions))
	for i, pos := range positions {
		means[i] = sums[pos] / float64(counts[pos])
	}
	return positions, means
}

// fitParabola solves the least-squares quadratic y=a*x^2+b*x+c via the
// normal equations over the (small) window of points.
func fitParabola(x []int, y []float64) (a, b float64, ok bool) {
	n := float64(len(x))
	if n < 3 {
		return 0, 0, false
	}
	var sx, sx2, sx3, sx4, sy, sxy, sx2y float64
	for i := range x {
		xi := float64(x[i])
		yi := y[i]
		sx += xi
		sx2 += xi * xi
		sx3 += xi * xi * xi
		sx4 += xi * xi * xi * xi
		sy += yi
		sxy += xi * yi
		sx2y += xi * xi * yi
	}
	// Solve the 3x3 normal-equations system [sx4 sx3 sx2; sx3 sx2 sx; sx2 sx n] * [a b c]' = [sx2y sxy sy]'
	m := [3][4]float64{
		{sx4, sx3, sx2, sx2y},
		{sx3, sx2, sx, sxy},
		{sx2, sx, n, sy},
	}
	if !gaussianEliminate(m[:]) {
		return 0, 0, false
	}
	return m[0][3], m[1][3], true
}

// gaussianEliminate solves the augmented 3x4 system in place via partial
// pivoting Gaussian elimination, leaving solutions in column 3.
func gaussianEliminate(m [][4]float64) bool {
	n := len(m)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		m[col], m[pivot] = m[pivot], m[col]
		if math.Abs(m[col][col]) < 1e-12 {
			return false
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := m[r][col] / m[col][col]
			for k := col; k < n+1; k++ {
				m[r][k] -= factor * m[col][k]
			}
		}
	}
	for i := 0; i < n; i++ {
		m[i][n] /= m[i][i]
	}
	return true
}

// fitHyperbola fits y = a/sqrt((x-b)^2+c) + d via Nelder-Mead, seeded from
// the minimum-FWHM sample the way the original's curve_fit initial guess does.
func fitHyperbola(x, y []float64) (b float64, ok bool) {
	minIdx := 0
	for i := 1; i < len(y); i++ {
		if y[i] < y[minIdx] {
			minIdx = i
		}
	}
	maxY, minY := y[0], y[0]
	for _, v := range y {
		if v > maxY {
			maxY = v
		}
		if v < minY {
			minY = v
		}
	}
	x0 := []float64{maxY - minY, x[minIdx], 1000, minY}

	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			a, bb, cc, d := p[0], p[1], p[2], p[3]
			sum := 0.0
			for i := range x {
				pred := a/math.Sqrt((x[i]-bb)*(x[i]-bb)+cc) + d
				diff := y[i] - pred
				sum += diff * diff
			}
			return sum
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return 0, false
	}
	return result.X[1], true
}
