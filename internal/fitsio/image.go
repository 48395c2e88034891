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

// Package fitsio implements the pure, stateless FITS I/O and image operators
// the engine needs: loading and saving the FITS primary HDU, debayer/rebayer,
// binning, normalization and preview rendering. Every transform that reduces
// precision works in float32 and is only demoted to an integer type at write
// time.
//
// Grounded on the teacher's internal/fits package: the header line grammar,
// block-aligned binary reader and JPEG/TIFF writers are reused near-verbatim
// (they implement a fixed external format, not a design choice), generalized
// with Bayer-pattern detection, dark subtraction and the stretch algorithm
// selector the spec requires (linear percentile / PixInsight MTF / stddev)
// that the teacher's batch CLI pipeline did not need as a runtime choice.
package fitsio

import "fmt"

// BayerPattern names one of the four standard 2x2 Bayer CFA tilings.
type BayerPattern string

const (
	BayerNone BayerPattern = ""
	BayerRGGB BayerPattern = "RGGB"
	BayerBGGR BayerPattern = "BGGR"
	BayerGRBG BayerPattern = "GRBG"
	BayerGBRG BayerPattern = "GBRG"
)

// Image is an in-memory FITS primary HDU: a header plus a float32 pixel
// buffer, one channel (mono) or three (already-debayered color), row-major
// with the fastest-varying axis first (i.e. X, Y[, C]).
type Image struct {
	ID       int    // sequential id, for log correlation; light frames count up from 0
	FileName string // original file name, if any

	Header Header
	Naxisn []int32 // axis extents, fastest-varying first
	Pixels int32   // product of Naxisn

	Data []float32 // pixel data, possibly multi-channel, one channel plane after another

	Bayer    BayerPattern // CFA pattern if the data is still a raw mosaic, else BayerNone
	Channels int32        // 1 for mono/mosaic, 3 for already-debayered or native color
	Exposure float32      // seconds
}

// NewImage returns an empty image with an initialized header.
func NewImage() *Image {
	return &Image{Header: NewHeader(), Channels: 1}
}

// NewImageFromNaxisn allocates an image of the given shape. data is used
// as-is if non-nil (len must match), else a fresh zeroed buffer is allocated.
func NewImageFromNaxisn(naxisn []int32, channels int32, data []float32) *Image {
	pixels := int32(1)
	for _, n := range naxisn {
		pixels *= n
	}
	total := pixels * channels
	if data == nil {
		data = make([]float32, total)
	}
	return &Image{
		Header:   NewHeader(),
		Naxisn:   append([]int32(nil), naxisn...),
		Pixels:   pixels,
		Data:     data,
		Channels: channels,
	}
}

// Width returns the fastest-varying axis extent, or 0 if unset.
func (img *Image) Width() int32 {
	if len(img.Naxisn) == 0 {
		return 0
	}
	return img.Naxisn[0]
}

// Height returns the second axis extent, or 0 if unset.
func (img *Image) Height() int32 {
	if len(img.Naxisn) < 2 {
		return 0
	}
	return img.Naxisn[1]
}

// IsColor reports whether the image carries three channel planes.
func (img *Image) IsColor() bool { return img.Channels == 3 }

// SameShape reports whether two images have identical axis extents and
// channel counts, the precondition for dark subtraction and frame alignment.
func (img *Image) SameShape(other *Image) bool {
	if img == nil || other == nil {
		return false
	}
	if img.Channels != other.Channels || len(img.Naxisn) != len(other.Naxisn) {
		return false
	}
	for i := range img.Naxisn {
		if img.Naxisn[i] != other.Naxisn[i] {
			return false
		}
	}
	return true
}

// ChannelPlane returns a view (not a copy) over channel ch of a
// planar buffer of shape (Channels, Pixels) -- the convention
// Bin/Debayer/Stretch use internally: plane c occupies data[c*Pixels:(c+1)*Pixels].
func ChannelPlane(data []float32, pixels int32, ch int32) []float32 {
	return data[ch*pixels : (ch+1)*pixels]
}

func (img *Image) String() string {
	return fmt.Sprintf("#%d %s dims=%v channels=%d bayer=%s exposure=%.2fs",
		img.ID, img.FileName, img.Naxisn, img.Channels, img.Bayer, img.Exposure)
}

// Clone returns a deep copy of img's pixel buffer and header, so callers can
// stretch/normalize/denoise a preview without disturbing the original (e.g.
// the live stacker's running master, which must remain usable for the next
// incremental merge).
func (img *Image) Clone() *Image {
	out := &Image{
		ID:       img.ID,
		FileName: img.FileName,
		Header:   img.Header.Clone(),
		Naxisn:   append([]int32(nil), img.Naxisn...),
		Pixels:   img.Pixels,
		Data:     append([]float32(nil), img.Data...),
		Bayer:    img.Bayer,
		Channels: img.Channels,
		Exposure: img.Exposure,
	}
	return out
}
