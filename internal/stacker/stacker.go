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

// Package stacker implements C6: the live stacker that ingests one FITS
// frame at a time, aligns it to a running reference via triangle-matched
// star positions, rejects outliers against a bounded frame history, and
// merges the result into a running master by incremental weighted mean, per
// spec 4.6.
//
// Grounded on the teacher's internal/ops/stack (winsorized-sigma-clip
// merge, MAD-derived sigma) and internal/star (triangle-based alignment),
// restructured from a batch/tile pipeline into an incremental single-pass
// worker loop matching spec 4.6's frame-at-a-time contract; the bilinear
// per-channel resampling is internal/star.WarpPlane, itself ported from the
// teacher's fits.Image.Project.
package stacker

import (
	"fmt"
	"sync"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"

	"github.com/air01a/rigserver/internal/fitsio"
	"github.com/air01a/rigserver/internal/star"
	"github.com/air01a/rigserver/internal/stats"
	"github.com/air01a/rigserver/internal/telemetry"
)

// maxHistoryMemoryFraction bounds how much of total system RAM the bounded
// frame history (spec 4.6's sigma-clip window) may occupy. Each history
// entry is a full-resolution float32 image, so on a memory-constrained host
// an unclamped MaxHistory can exhaust memory on a high-megapixel sensor.
const maxHistoryMemoryFraction = 0.25

// clampHistoryForMemory caps requested against how many width x height x
// channels float32 frames fit in maxHistoryMemoryFraction of total system
// RAM, mirroring the teacher's internal/batch.go sizing of in-memory frame
// counts against pbnjay/memory.TotalMemory(). Returns requested unchanged if
// either dimension is unknown or the host reports no memory info.
func clampHistoryForMemory(requested int, width, height, channels int32) int {
	if requested <= 0 {
		return requested
	}
	bytesPerFrame := int64(width) * int64(height) * int64(channels) * 4
	if bytesPerFrame <= 0 {
		return requested
	}
	total := memory.TotalMemory()
	if total == 0 {
		return requested
	}
	maxFrames := int(float64(total) * maxHistoryMemoryFraction / float64(bytesPerFrame))
	if maxFrames < 1 {
		maxFrames = 1
	}
	if requested > maxFrames {
		return maxFrames
	}
	return requested
}

// Params tunes the stacker, per spec 4.6.
type Params struct {
	SigmaThreshold float32 // default 4, adapted online
	MaxHistory     int     // default 7
	TargetWidth    int32   // 0 disables binning
	MasterDarkPath string  // optional
	AlignK         int32   // brightest-star count for triangle alignment, default 12
	StarSigma      float32 // star detection threshold multiplier, default 5
}

// DefaultParams mirrors the constants named in spec 4.6.
func DefaultParams() Params {
	return Params{SigmaThreshold: 4, MaxHistory: 7, AlignK: 12, StarSigma: 5}
}

// PreviewFunc is called with the updated running master after every merge.
type PreviewFunc func(master *fitsio.Image)

// Stacker is one live-stacking session. Create a fresh one per observation
// target (spec 4.6 "Reset semantics").
type Stacker struct {
	params     Params
	masterDark *fitsio.Image
	bus        *telemetry.Bus
	onPreview  PreviewFunc
	log        zerolog.Logger

	queue chan string
	wg    sync.WaitGroup

	mu            sync.Mutex
	reference     *fitsio.Image
	aligner       *star.Aligner
	master        *fitsio.Image
	n             int
	history       []*fitsio.Image
	restacked     bool
	outlierWindow []float32
	sigma         float32
	lastErr       error
}

// New returns a Stacker ready to ingest frames. masterDark may be nil.
func New(params Params, masterDark *fitsio.Image, bus *telemetry.Bus, onPreview PreviewFunc, log zerolog.Logger) *Stacker {
	if params.AlignK == 0 {
		params.AlignK = 12
	}
	if params.StarSigma == 0 {
		params.StarSigma = 5
	}
	s := &Stacker{
		params:     params,
		masterDark: masterDark,
		bus:        bus,
		onPreview:  onPreview,
		log:        log,
		sigma:      params.SigmaThreshold,
		queue:      make(chan string, 256),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Enqueue queues path for ingestion; it may be called faster than the
// worker drains, per spec 4.6's input contract.
func (s *Stacker) Enqueue(path string) {
	s.queue <- path
}

// Stop closes the input queue, waits for every already-queued frame to be
// processed (flushing the queue), and returns the final master -- spec
// 4.6's "stopping the stacker flushes the queue and publishes the final
// master".
func (s *Stacker) Stop() *fitsio.Image {
	close(s.queue)
	s.wg.Wait()
	return s.Master()
}

// Master returns the current running master image, or nil if no frame has
// been merged yet.
func (s *Stacker) Master() *fitsio.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// FramesProcessed reports how many frames have been merged so far.
func (s *Stacker) FramesProcessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// LastError returns the most recent per-frame processing error, or nil.
// HTTP status handlers surface this alongside FramesProcessed.
func (s *Stacker) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Stacker) worker() {
	defer s.wg.Done()
	for path := range s.queue {
		if err := s.processOne(path); err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("stacker: dropping frame")
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			if s.bus != nil {
				s.bus.BroadcastSync("STACKER", "ERROR", map[string]string{"path": path, "error": err.Error()})
			}
		}
	}
}

// processOne runs the per-frame pipeline of spec 4.6 steps 1-8.
func (s *Stacker) processOne(path string) error {
	img, err := fitsio.Load(path, s.FramesProcessed(), fitsio.LoadOptions{
		MasterDark: s.masterDarkFor(),
		Debayer:    true,
		DebayerAlg: fitsio.DebayerMalvar,
		Normalize:  true,
	})
	if err != nil {
		return fmt.Errorf("stacker: load: %w", err)
	}

	if s.params.TargetWidth > 0 {
		if w := img.Width(); w > s.params.TargetWidth {
			if k := w / s.params.TargetWidth; k >= 2 {
				img = fitsio.Bin(img, k)
			}
		}
	}

	s.mu.Lock()
	hasReference := s.reference != nil
	s.mu.Unlock()

	if !hasReference {
		// The first frame becomes the reference, the master, and the sole
		// history entry in one step (spec 4.6 step 4) -- there is nothing
		// to clip or merge it against yet.
		s.setReference(img)
	} else {
		aligned, err := s.alignToReference(img)
		if err != nil {
			return fmt.Errorf("stacker: align: %w", err)
		}
		s.mu.Lock()
		clipped, skipMerge := s.rejectOutliersLocked(aligned)
		if !skipMerge {
			s.mergeLocked(clipped)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus != nil {
		s.bus.BroadcastSync("STACKER", "NEWIMAGE", nil)
	}
	if s.onPreview != nil {
		s.onPreview(s.master)
	}
	return nil
}

func (s *Stacker) masterDarkFor() *fitsio.Image { return s.masterDark }

// setReference installs img as both the alignment reference and the first
// history/master entry (spec 4.6 step 4).
func (s *Stacker) setReference(img *fitsio.Image) {
	luminance := fitsio.Luminance(img)
	location, scale := stats.MedianAndSigma(luminance)
	refStars, _, _ := star.FindStars(luminance, img.Width(), location, scale, 8, 3, 0, 3, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.MaxHistory = clampHistoryForMemory(s.params.MaxHistory, img.Width(), img.Height(), img.Channels)
	s.reference = img
	s.aligner = star.NewAligner(img.Naxisn, refStars, s.params.AlignK)
	s.master = img.Clone()
	s.n = 1
	s.history = []*fitsio.Image{img}
}

// alignToReference estimates one transform on the frame's luminance plane and
// applies it to every channel, per spec 4.6 step 5. A channel whose warp
// fails is left unaligned (copied from the input frame).
func (s *Stacker) alignToReference(img *fitsio.Image) (*fitsio.Image, error) {
	luminance := fitsio.Luminance(img)
	location, scale := stats.MedianAndSigma(luminance)
	candStars, _, _ := star.FindStars(luminance, img.Width(), location, scale, s.params.StarSigma, 3, 0, 3, 0)

	s.mu.Lock()
	aligner := s.aligner
	s.mu.Unlock()
	if aligner == nil || len(candStars) == 0 {
		return img, nil
	}

	trans, _ := aligner.Align(img.Naxisn, candStars, img.ID)

	out := img.Clone()
	for c := int32(0); c < img.Channels; c++ {
		plane := fitsio.ChannelPlane(img.Data, img.Pixels, c)
		warped, err := star.WarpPlane(plane, img.Width(), img.Height(), trans, 0)
		if err != nil {
			s.log.Debug().Err(err).Int32("channel", c).Msg("stacker: channel warp failed, leaving channel unaligned")
			continue
		}
		copy(fitsio.ChannelPlane(out.Data, out.Pixels, c), warped)
	}
	return out, nil
}
