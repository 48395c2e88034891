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

package fitsio

import "github.com/air01a/rigserver/internal/stats"

// StretchAlgorithm selects one of the three auto-stretch methods the preview
// pipeline can apply, per spec 4.2/4.10 "autoStretch (algorithm selector:
// linear percentile, PixInsight MTF, or stddev)".
type StretchAlgorithm int

const (
	StretchLinearPercentile StretchAlgorithm = iota
	StretchMTF
	StretchStdDev
)

// StretchParams carries the tunables of each algorithm; unused fields for a
// given Algorithm are ignored.
type StretchParams struct {
	Algorithm     StretchAlgorithm
	BlackPoint    float64 // linear percentile: lower clip, e.g. 0.001
	WhitePoint    float64 // linear percentile: upper clip, e.g. 0.999
	TargetMedian  float32 // MTF: desired midtone after stretch, e.g. 0.25
	ShadowClip    float64 // MTF/stddev: sigma multiplier below the median clipped to 0, e.g. 2.8
}

// DefaultStretchParams mirrors the teacher's OpStretchIterative defaults.
func DefaultStretchParams(alg StretchAlgorithm) StretchParams {
	return StretchParams{
		Algorithm:    alg,
		BlackPoint:   0.0001,
		WhitePoint:   0.9999,
		TargetMedian: 0.25,
		ShadowClip:   2.8,
	}
}

// AutoStretch rescales data in place to [0,1] using the selected algorithm,
// operating independently per channel plane so each color's dynamic range is
// stretched against its own histogram.
func AutoStretch(img *Image, p StretchParams) {
	for c := int32(0); c < img.Channels; c++ {
		plane := ChannelPlane(img.Data, img.Pixels, c)
		switch p.Algorithm {
		case StretchMTF:
			stretchMTF(plane, p)
		case StretchStdDev:
			stretchStdDev(plane, p)
		default:
			stretchLinearPercentile(plane, p)
		}
	}
}

// stretchLinearPercentile clips to the [BlackPoint,WhitePoint] percentiles of
// the histogram and rescales linearly, the teacher's SetBlackWhite.
func stretchLinearPercentile(data []float32, p StretchParams) {
	black := stats.Percentile(data, p.BlackPoint)
	white := stats.Percentile(data, p.WhitePoint)
	span := white - black
	if span <= 0 {
		return
	}
	for i, v := range data {
		nv := (v - black) / span
		data[i] = clampUnit(nv)
	}
}

// pfMidtones implements the PixInsight midtones transfer function:
// MTF(x,m) = (m-1)x / ((2m-1)x - m), with x=0 -> 0, x=m -> 0.5, x=1 -> 1.
func pfMidtones(x, m float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	if x == m {
		return 0.5
	}
	return ((m - 1) * x) / ((2*m-1)*x - m)
}

// stretchMTF shadow-clips at median - ShadowClip*sigma, then applies the
// midtones transfer function solved so the post-clip median lands at
// TargetMedian, matching the teacher's OpStretchIterative search.
func stretchMTF(data []float32, p StretchParams) {
	median, sigma := stats.MedianAndSigma(data)
	black := median - float32(p.ShadowClip)*sigma
	if black < 0 {
		black = 0
	}
	span := 1 - black
	if span <= 0 {
		span = 1
	}
	normMedian := (median - black) / span
	if normMedian <= 0 {
		normMedian = 0.001
	}
	if normMedian >= 1 {
		normMedian = 0.999
	}
	m := solveMidtonesBalance(float64(normMedian), float64(p.TargetMedian))

	for i, v := range data {
		nv := (v - black) / span
		nv = clampUnit(nv)
		data[i] = float32(pfMidtones(float64(nv), m))
	}
}

// solveMidtonesBalance finds m in (0,1) such that pfMidtones(x0,m) == target,
// by bisection -- pfMidtones is monotonic in m for fixed x0.
func solveMidtonesBalance(x0, target float64) float64 {
	if x0 <= 0 || x0 >= 1 {
		return 0.5
	}
	lo, hi := 1e-6, 1-1e-6
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		if pfMidtones(x0, mid) < target {
			hi = mid
		} else {
			lo = mid
		}
	}
	return (lo + hi) / 2
}

// stretchStdDev shadow-clips at median-ShadowClip*sigma and linearly rescales
// so the highlight clip sits a fixed number of sigmas above the median, a
// cheaper alternative to the MTF search for live-preview frame rates.
func stretchStdDev(data []float32, p StretchParams) {
	median, sigma := stats.MedianAndSigma(data)
	if sigma == 0 {
		return
	}
	black := median - float32(p.ShadowClip)*sigma
	white := median + float32(p.ShadowClip)*4*sigma
	if black < 0 {
		black = 0
	}
	span := white - black
	if span <= 0 {
		return
	}
	for i, v := range data {
		data[i] = clampUnit((v - black) / span)
	}
}

// ReplaceLowestPercentByZero zeroes out the bottom pct fraction of values in
// data, used to suppress background noise speckle in quick-look previews
// before JPEG encoding, mirroring a step of the teacher's stretch pipeline.
func ReplaceLowestPercentByZero(data []float32, pct float64) {
	if pct <= 0 {
		return
	}
	threshold := stats.Percentile(data, pct)
	for i, v := range data {
		if v <= threshold {
			data[i] = 0
		}
	}
}

func clampUnit(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
