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

import "github.com/lucasb-eyer/go-colorful"

// Luminance returns the ITU-R BT.709 luma plane of img, used by the star
// aligner to register color frames without needing per-channel detection,
// per spec 4.5 "align on luminance for color frames". Mono images return
// their own data unchanged. go-colorful's Xyz conversion first undoes the sRGB
// gamma curve, so Y is the BT.709-weighted relative luminance of the
// linearized values rather than a plain weighted sum; samples outside [0,1]
// are clamped before conversion.
func Luminance(img *Image) []float32 {
	if img.Channels != 3 {
		return img.Data
	}
	r := ChannelPlane(img.Data, img.Pixels, 0)
	g := ChannelPlane(img.Data, img.Pixels, 1)
	b := ChannelPlane(img.Data, img.Pixels, 2)
	out := make([]float32, img.Pixels)
	for i := range out {
		c := colorful.Color{R: clampUnit64(r[i]), G: clampUnit64(g[i]), B: clampUnit64(b[i])}
		_, y, _ := c.Xyz()
		out[i] = float32(y)
	}
	return out
}

func clampUnit64(v float32) float64 {
	f := float64(v)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
