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

package stacker

import (
	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/stats"
)

// simpleOutlierRejectionSigmaScale converts the shared adaptive sigma
// threshold (tuned around the winsorized-clip stage's 1-5 range) into a
// multiplier for the post-re-stack percentile threshold: a 95th-percentile
// cut scaled by 4 (the default sigma) would almost never fire, so the
// adaptive knob is applied at a tenth of its winsorized-clip scale here --
// the two stages share one adaptive value per spec 4.6 but need different
// sensitivity, and this is the chosen mapping (recorded as an Open Question
// decision in DESIGN.md).
const simpleOutlierRejectionSigmaScale = 0.1

// rejectOutliersLocked runs the spec 4.6 step-6 cascade: winsorized clipping
// against bounded history while framesProcessed<H, a one-shot re-stack upon
// reaching H, then cheaper per-frame rejection against the master
// afterward. Caller must hold s.mu. skipMerge is true when restackLocked
// already folded this frame into the new master, so the caller's normal
// incremental-mean merge step (spec 4.6 step 7) must be skipped for it.
func (s *Stacker) rejectOutliersLocked(aligned *fitsio.Image) (clipped *fitsio.Image, skipMerge bool) {
	if !s.restacked {
		s.history = append(s.history, aligned)
		if len(s.history) > s.params.MaxHistory {
			s.history = s.history[len(s.history)-s.params.MaxHistory:]
		}

		clipped, fraction := s.winsorizedClipVsHistory(aligned)
		s.recordOutlierFractionLocked(fraction)

		if len(s.history) >= s.params.MaxHistory {
			s.restackLocked()
			s.restacked = true
			return clipped, true
		}
		return clipped, false
	}

	clipped, fraction := s.simpleOutlierRejection(aligned)
	s.recordOutlierFractionLocked(fraction)
	return clipped, false
}

// winsorizedClipVsHistory computes, per channel, the per-pixel median and
// MAD-derived sigma across the bounded history, floors sigma at its own 5th
// percentile, and replaces pixels exceeding sigmaThreshold*sigma by the
// median -- but only if the resulting outlier fraction is below 40%.
func (s *Stacker) winsorizedClipVsHistory(aligned *fitsio.Image) (*fitsio.Image, float32) {
	out := aligned.Clone()
	var totalOutliers, totalPixels int

	for c := int32(0); c < aligned.Channels; c++ {
		frames := make([][]float32, len(s.history))
		for i, h := range s.history {
			frames[i] = fitsio.ChannelPlane(h.Data, h.Pixels, c)
		}
		cur := fitsio.ChannelPlane(aligned.Data, aligned.Pixels, c)
		dst := fitsio.ChannelPlane(out.Data, out.Pixels, c)

		n := len(cur)
		medians := make([]float32, n)
		sigmas := make([]float32, n)
		samples := make([]float32, len(frames))
		for i := 0; i < n; i++ {
			for k, f := range frames {
				samples[k] = f[i]
			}
			med, sig := stats.MedianAndSigma(samples)
			medians[i] = med
			sigmas[i] = sig
		}
		floor := stats.Percentile(sigmas, 0.05)
		outliers := 0
		for i := 0; i < n; i++ {
			sigma := sigmas[i]
			if sigma < floor {
				sigma = floor
			}
			if absF32(cur[i]-medians[i]) > s.sigma*sigma {
				outliers++
			}
		}
		fraction := float32(0)
		if n > 0 {
			fraction = float32(outliers) / float32(n)
		}
		if fraction < 0.4 {
			for i := 0; i < n; i++ {
				sigma := sigmas[i]
				if sigma < floor {
					sigma = floor
				}
				if absF32(cur[i]-medians[i]) > s.sigma*sigma {
					dst[i] = medians[i]
				} else {
					dst[i] = cur[i]
				}
			}
		} else {
			copy(dst, cur)
		}
		totalOutliers += outliers
		totalPixels += n
	}

	fraction := float32(0)
	if totalPixels > 0 {
		fraction = float32(totalOutliers) / float32(totalPixels)
	}
	return out, fraction
}

// restackLocked recomputes the running master directly from the bounded
// history: each history frame is winsorized-clipped against the same
// history, then averaged, replacing the running mean built so far. This is
// the one-shot re-stack of spec 4.6 that removes bias carried by treating
// the raw first frame as the initial master.
func (s *Stacker) restackLocked() {
	shape := s.history[0]
	newMaster := shape.Clone()

	for c := int32(0); c < shape.Channels; c++ {
		frames := make([][]float32, len(s.history))
		for i, h := range s.history {
			frames[i] = fitsio.ChannelPlane(h.Data, h.Pixels, c)
		}
		dst := fitsio.ChannelPlane(newMaster.Data, newMaster.Pixels, c)
		n := len(frames[0])
		samples := make([]float32, len(frames))

		for i := 0; i < n; i++ {
			for k, f := range frames {
				samples[k] = f[i]
			}
			median, sigma := stats.MedianAndSigma(samples)
			var sum float32
			var count int
			for _, v := range samples {
				if absF32(v-median) > s.sigma*sigma {
					sum += median
				} else {
					sum += v
				}
				count++
			}
			dst[i] = sum / float32(count)
		}
	}

	s.master = newMaster
	s.n = len(s.history)
}

// simpleOutlierRejection compares aligned against the current master: the
// threshold is the 95th percentile of |frame-master| scaled by the shared
// adaptive sigma (see simpleOutlierRejectionSigmaScale), per channel.
func (s *Stacker) simpleOutlierRejection(aligned *fitsio.Image) (*fitsio.Image, float32) {
	out := aligned.Clone()
	var totalOutliers, totalPixels int

	for c := int32(0); c < aligned.Channels; c++ {
		cur := fitsio.ChannelPlane(aligned.Data, aligned.Pixels, c)
		master := fitsio.ChannelPlane(s.master.Data, s.master.Pixels, c)
		dst := fitsio.ChannelPlane(out.Data, out.Pixels, c)

		diffs := make([]float32, len(cur))
		for i := range cur {
			diffs[i] = absF32(cur[i] - master[i])
		}
		threshold := stats.Percentile(diffs, 0.95) * (s.sigma * simpleOutlierRejectionSigmaScale)

		outliers := 0
		for i := range cur {
			if diffs[i] > threshold {
				dst[i] = master[i]
				outliers++
			} else {
				dst[i] = cur[i]
			}
		}
		totalOutliers += outliers
		totalPixels += len(cur)
	}

	fraction := float32(0)
	if totalPixels > 0 {
		fraction = float32(totalOutliers) / float32(totalPixels)
	}
	return out, fraction
}

// mergeLocked folds clipped into the running master by incremental weighted
// mean: master <- (master*n + frame)/(n+1); n <- n+1. Caller must hold s.mu.
func (s *Stacker) mergeLocked(clipped *fitsio.Image) {
	for i := range s.master.Data {
		s.master.Data[i] = (s.master.Data[i]*float32(s.n) + clipped.Data[i]) / float32(s.n+1)
	}
	s.n++
}

// recordOutlierFractionLocked appends fraction to the bounded rolling
// window and adapts sigma once the window has enough samples, per spec
// 4.6's "Adaptive sigma".
func (s *Stacker) recordOutlierFractionLocked(fraction float32) {
	s.outlierWindow = append(s.outlierWindow, fraction)
	if len(s.outlierWindow) > s.params.MaxHistory {
		s.outlierWindow = s.outlierWindow[len(s.outlierWindow)-s.params.MaxHistory:]
	}
	if len(s.outlierWindow) < 4 {
		return
	}
	var sum float32
	for _, v := range s.outlierWindow {
		sum += v
	}
	mean := sum / float32(len(s.outlierWindow))
	switch {
	case mean > 0.30:
		s.sigma *= 1.2
		if s.sigma > 5.0 {
			s.sigma = 5.0
		}
	case mean < 0.05:
		s.sigma *= 0.9
	}
}

func absF32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
